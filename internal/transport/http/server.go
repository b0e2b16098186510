package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"clinicq/backend/internal/auth"
	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/service/appointments"
)

// BookingService is the slice of the appointments service the HTTP surface
// exposes.
type BookingService interface {
	Book(ctx context.Context, in appointments.BookInput) (domain.Appointment, error)
	Get(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.Appointment, error)
	AvailableSlots(ctx context.Context, doctorID, branchID string, date time.Time) ([]domain.SlotDescriptor, error)
	CheckEligibility(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.Eligibility, error)
	Reschedule(ctx context.Context, actor appointments.Actor, in appointments.RescheduleInput) (domain.Appointment, error)
	Cancel(ctx context.Context, actor appointments.Actor, in appointments.CancelInput) (domain.Appointment, error)
	QueueStatus(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.QueueStatus, error)
	ApplyPayment(ctx context.Context, actor appointments.Actor, in appointments.PaymentInput) (domain.Appointment, error)
	FlagClinicCancellation(ctx context.Context, id uuid.UUID, reason string) (domain.Appointment, error)
	Complete(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
}

// QueueCounter moves the front desk's now-serving token.
type QueueCounter interface {
	Advance(ctx context.Context, pool domain.Pool) (int, error)
	Set(ctx context.Context, pool domain.Pool, serving int) error
}

type RequestMetrics interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
}

type Options struct {
	Auth    *auth.Authenticator
	Counter QueueCounter
	Metrics RequestMetrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	// Ping reports storage health for /healthz.
	Ping   func(ctx context.Context) error
	Logger *slog.Logger
}

type Handler struct {
	svc     BookingService
	counter QueueCounter
	ping    func(ctx context.Context) error
	log     *slog.Logger
}

// NewServer builds the echo instance with every route registered.
func NewServer(svc BookingService, opts Options) *echo.Echo {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "http"))

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = errorHandler(log)

	e.Use(recovery(log))
	e.Use(requestID())
	e.Use(requestLogger(log))
	if opts.Metrics != nil {
		e.Use(observe(opts.Metrics))
	}

	h := &Handler{svc: svc, counter: opts.Counter, ping: opts.Ping, log: log}

	e.GET("/healthz", h.Health)
	if opts.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(opts.MetricsHandler))
	}

	api := e.Group("", authenticate(opts.Auth))
	h.RegisterRoutes(api)
	h.RegisterAdminRoutes(api.Group("/admin", requireAdmin()))

	return e
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/appointments", h.Book)
	g.GET("/appointments/:id", h.GetAppointment)
	g.GET("/slots", h.ListSlots)
	g.GET("/appointments/:id/reschedule-eligibility", h.CheckEligibility)
	g.POST("/appointments/:id/reschedule", h.Reschedule)
	g.POST("/appointments/:id/cancel", h.Cancel)
	g.GET("/appointments/:id/queue-status", h.QueueStatus)
	g.POST("/appointments/:id/payment", h.ApplyPayment)
}

func (h *Handler) RegisterAdminRoutes(g *echo.Group) {
	g.POST("/appointments/:id/clinic-cancellation", h.FlagClinicCancellation)
	g.POST("/appointments/:id/complete", h.Complete)
	g.POST("/queues/advance", h.AdvanceQueue)
}

// jsonSerializer swaps echo's encoding/json serializer for goccy/go-json.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i interface{}, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i interface{}) error {
	err := json.NewDecoder(c.Request().Body).Decode(i)
	if err == nil {
		return nil
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return echo.NewHTTPError(http.StatusBadRequest, "field "+typeErr.Field+" has the wrong type").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body").SetInternal(err)
}

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &requestValidator{v: v}
}

func (r *requestValidator) Validate(i interface{}) error {
	if err := r.v.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, formatValidationErrors(err)).SetInternal(err)
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "datetime":
			msg = "must be YYYY-MM-DD"
		case "oneof":
			msg = "must be one of " + strings.Join(strings.Fields(fe.Param()), ", ")
		case "gte":
			msg = "must be at least " + fe.Param()
		case "max":
			msg = "must be at most " + fe.Param() + " characters"
		default:
			msg = "is invalid"
		}
		msgs = append(msgs, fe.Field()+" "+msg)
	}
	return strings.Join(msgs, ", ")
}

type errorResponse struct {
	Error       string              `json:"error"`
	Eligibility *domain.Eligibility `json:"eligibility,omitempty"`
}

// statusFor maps a handler error onto its HTTP status.
func statusFor(err error) int {
	var (
		he    *echo.HTTPError
		vErr  *appointments.ValidationError
		suErr *appointments.SlotUnavailableError
		elErr *appointments.EligibilityError
		cErr  *appointments.ConflictError
		nfErr *appointments.NotFoundError
	)
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.As(err, &vErr):
		return http.StatusBadRequest
	case errors.As(err, &suErr):
		return http.StatusConflict
	case errors.As(err, &elErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &cErr):
		return http.StatusConflict
	case errors.As(err, &nfErr):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := statusFor(err)
		body := errorResponse{Error: err.Error()}

		var (
			he    *echo.HTTPError
			elErr *appointments.EligibilityError
		)
		switch {
		case errors.As(err, &he):
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			} else {
				body.Error = http.StatusText(he.Code)
			}
		case errors.As(err, &elErr):
			e := elErr.Eligibility
			body.Eligibility = &e
		}

		if code >= http.StatusInternalServerError {
			log.ErrorContext(c.Request().Context(), "request failed",
				slog.String("method", c.Request().Method),
				slog.String("route", c.Path()),
				slog.Any("err", err),
			)
			body = errorResponse{Error: "internal error"}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, body)
		}
		if err != nil {
			log.Warn("write error response", slog.Any("err", err))
		}
	}
}
