package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"clinicq/backend/internal/auth"
	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/queuefeed"
	"clinicq/backend/internal/service/appointments"
)

type appointmentResponse struct {
	ID                 string     `json:"id"`
	PatientID          string     `json:"patient_id"`
	DoctorID           string     `json:"doctor_id"`
	BranchID           string     `json:"branch_id"`
	Date               string     `json:"date"`
	SlotNumber         int        `json:"slot_number"`
	ScheduledStart     time.Time  `json:"scheduled_start"`
	ScheduledEnd       time.Time  `json:"scheduled_end"`
	Status             string     `json:"status"`
	RescheduleCount    int        `json:"reschedule_count"`
	CancellationSource string     `json:"cancellation_source"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	HoldExpiresAt      *time.Time `json:"hold_expires_at,omitempty"`
	PaymentOrderID     string     `json:"payment_order_id,omitempty"`
	RescheduledFromID  string     `json:"rescheduled_from_id,omitempty"`
	RescheduledToID    string     `json:"rescheduled_to_id,omitempty"`
	Version            int        `json:"version"`
}

func toAppointmentResponse(a domain.Appointment) appointmentResponse {
	out := appointmentResponse{
		ID:                 a.ID.String(),
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		BranchID:           a.BranchID,
		Date:               a.Date.Format(domain.DateLayout),
		SlotNumber:         a.SlotNumber,
		ScheduledStart:     a.ScheduledStart.UTC(),
		ScheduledEnd:       a.ScheduledEnd.UTC(),
		Status:             string(a.Status),
		RescheduleCount:    a.RescheduleCount,
		CancellationSource: string(a.CancellationSource),
		CancelReason:       a.CancelReason,
		HoldExpiresAt:      a.HoldExpiresAt,
		PaymentOrderID:     a.PaymentOrderID,
		Version:            a.Version,
	}
	if a.RescheduledFromID != nil {
		out.RescheduledFromID = a.RescheduledFromID.String()
	}
	if a.RescheduledToID != nil {
		out.RescheduledToID = a.RescheduledToID.String()
	}
	return out
}

type bookRequest struct {
	// PatientID is honoured for admins only.
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id" validate:"required"`
	BranchID  string `json:"branch_id" validate:"required"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
}

type slotsQuery struct {
	DoctorID string `query:"doctor_id" json:"doctor_id" validate:"required"`
	BranchID string `query:"branch_id" json:"branch_id" validate:"required"`
	Date     string `query:"date" json:"date" validate:"required,datetime=2006-01-02"`
}

type rescheduleRequest struct {
	NewDate       string `json:"new_date" validate:"required,datetime=2006-01-02"`
	NewBranchID   string `json:"new_branch_id"`
	NewSlotNumber int    `json:"new_slot_number" validate:"gte=0"`
	Reason        string `json:"reason" validate:"max=500"`
	Confirmed     bool   `json:"confirmed"`
}

type cancelRequest struct {
	Reason    string `json:"reason" validate:"required,max=500"`
	Confirmed bool   `json:"confirmed"`
	// Source may be set to "admin" by admins; it defaults from the caller.
	Source string `json:"source" validate:"omitempty,oneof=patient admin"`
}

type paymentRequest struct {
	OrderID string `json:"order_id"`
	Outcome string `json:"outcome" validate:"required,oneof=succeeded failed"`
}

type clinicCancellationRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

type advanceQueueRequest struct {
	DoctorID string `json:"doctor_id" validate:"required"`
	BranchID string `json:"branch_id" validate:"required"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
	// Serving pins the counter; when nil the counter moves up by one.
	Serving *int `json:"serving" validate:"omitempty,gte=0"`
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return err
	}
	return c.Validate(req)
}

func actorFrom(c echo.Context) appointments.Actor {
	id, _ := auth.FromContext(c.Request().Context())
	return appointments.Actor{PatientID: id.Subject, Admin: id.Admin()}
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "appointment id must be a UUID")
	}
	return id, nil
}

func parseDate(raw string) (time.Time, error) {
	d, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return d, nil
}

func idempotencyKey(c echo.Context) string {
	h := c.Request().Header
	if key := strings.TrimSpace(h.Get("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(h.Get("X-Idempotency-Key"))
}

// Health handles GET /healthz.
func (h *Handler) Health(c echo.Context) error {
	if h.ping != nil {
		if err := h.ping(c.Request().Context()); err != nil {
			h.log.Warn("health check failed", slog.Any("err", err))
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Book handles POST /appointments.
func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return err
	}

	actor := actorFrom(c)
	patientID := actor.PatientID
	if actor.Admin && strings.TrimSpace(req.PatientID) != "" {
		patientID = req.PatientID
	}

	appt, err := h.svc.Book(c.Request().Context(), appointments.BookInput{
		DoctorID:       req.DoctorID,
		BranchID:       req.BranchID,
		PatientID:      patientID,
		Date:           date,
		IdempotencyKey: idempotencyKey(c),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

// GetAppointment handles GET /appointments/:id.
func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Get(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// ListSlots handles GET /slots.
func (h *Handler) ListSlots(c echo.Context) error {
	var q slotsQuery
	if err := bindAndValidate(c, &q); err != nil {
		return err
	}
	date, err := parseDate(q.Date)
	if err != nil {
		return err
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), q.DoctorID, q.BranchID, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"slots": slots})
}

// CheckEligibility handles GET /appointments/:id/reschedule-eligibility.
func (h *Handler) CheckEligibility(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CheckEligibility(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// Reschedule handles POST /appointments/:id/reschedule.
func (h *Handler) Reschedule(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.NewDate)
	if err != nil {
		return err
	}

	appt, err := h.svc.Reschedule(c.Request().Context(), actorFrom(c), appointments.RescheduleInput{
		AppointmentID: id,
		NewDate:       date,
		NewBranchID:   req.NewBranchID,
		NewSlotNumber: req.NewSlotNumber,
		Reason:        req.Reason,
		Confirmed:     req.Confirmed,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toAppointmentResponse(appt))
}

// Cancel handles POST /appointments/:id/cancel.
func (h *Handler) Cancel(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	appt, err := h.svc.Cancel(c.Request().Context(), actorFrom(c), appointments.CancelInput{
		AppointmentID: id,
		Source:        domain.CancellationSource(req.Source),
		Reason:        req.Reason,
		Confirmed:     req.Confirmed,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// QueueStatus handles GET /appointments/:id/queue-status.
func (h *Handler) QueueStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	q, err := h.svc.QueueStatus(c.Request().Context(), actorFrom(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

// ApplyPayment handles POST /appointments/:id/payment.
func (h *Handler) ApplyPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	appt, err := h.svc.ApplyPayment(c.Request().Context(), actorFrom(c), appointments.PaymentInput{
		AppointmentID: id,
		OrderID:       req.OrderID,
		Outcome:       appointments.PaymentOutcome(req.Outcome),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// FlagClinicCancellation handles POST /admin/appointments/:id/clinic-cancellation.
func (h *Handler) FlagClinicCancellation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req clinicCancellationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	appt, err := h.svc.FlagClinicCancellation(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// Complete handles POST /admin/appointments/:id/complete.
func (h *Handler) Complete(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	appt, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toAppointmentResponse(appt))
}

// AdvanceQueue handles POST /admin/queues/advance.
func (h *Handler) AdvanceQueue(c echo.Context) error {
	if h.counter == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "queue counter is not configured")
	}
	var req advanceQueueRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	date, err := parseDate(req.Date)
	if err != nil {
		return err
	}
	pool := domain.Pool{DoctorID: req.DoctorID, BranchID: req.BranchID, Date: date}

	ctx := c.Request().Context()
	serving := 0
	if req.Serving != nil {
		serving = *req.Serving
		err = h.counter.Set(ctx, pool, serving)
	} else {
		serving, err = h.counter.Advance(ctx, pool)
	}
	if errors.Is(err, queuefeed.ErrCounterRewind) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}

	h.log.Info("queue advanced",
		slog.String("pool", pool.Key()),
		slog.Int("current_serving", serving),
	)
	return c.JSON(http.StatusOK, map[string]any{
		"doctor_id":       pool.DoctorID,
		"branch_id":       pool.BranchID,
		"date":            req.Date,
		"current_serving": serving,
	})
}
