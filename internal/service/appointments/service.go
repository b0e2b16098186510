package appointments

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

const (
	EventBooked            = "appointment.booked"
	EventConfirmed         = "appointment.confirmed"
	EventCancelled         = "appointment.cancelled"
	EventRescheduled       = "appointment.rescheduled"
	EventCompleted         = "appointment.completed"
	EventHoldExpired       = "appointment.hold_expired"
	EventClinicCancelled   = "appointment.clinic_cancelled"
	defaultHoldTTL         = 15 * time.Minute
	defaultMaxAttempts     = 3
	defaultMaxAdvanceDays  = 90
	holdReleaseBatch       = 100
	holdExpiredReason      = domain.ReasonHoldExpired
	paymentFailedReason    = "payment failed"
	maxIdempotencyKeyBytes = 256
	defaultNotifyTimeout   = 5 * time.Second
)

type PaymentOutcome string

const (
	PaymentSucceeded PaymentOutcome = "succeeded"
	PaymentFailed    PaymentOutcome = "failed"
)

func (o PaymentOutcome) Valid() bool {
	return o == PaymentSucceeded || o == PaymentFailed
}

// PaymentGateway starts and settles the payment attached to a pending hold.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, appt domain.Appointment) (orderID string, err error)
	ConfirmPayment(ctx context.Context, orderID string) (PaymentOutcome, error)
}

type Notifier interface {
	Notify(ctx context.Context, patientID, event string, payload map[string]any) error
}

// CounterFeed reports the token the front desk is currently serving in a pool.
type CounterFeed interface {
	CurrentServing(ctx context.Context, pool domain.Pool) (int, error)
}

type Metrics interface {
	ObserveBooking(outcome string)
	ObserveReschedule(outcome string)
	ObserveCancellation(source domain.CancellationSource)
	ObserveQueueRead()
	ObserveHoldsReleased(n int)
}

type Options struct {
	// Location is the clinic time zone. Dates and "today" are taken in it.
	Location          *time.Location
	Now               func() time.Time
	HoldTTL           time.Duration
	MaxAttempts       int
	MaxAdvanceDays    int
	RescheduleAdvance time.Duration
	// NotifyTimeout bounds each notification delivery, which runs after the
	// request has returned.
	NotifyTimeout time.Duration

	Logger   *slog.Logger
	Notifier Notifier
	Payments PaymentGateway
	Feed     CounterFeed
	Metrics  Metrics
}

type Service struct {
	ledger    store.BookingLedger
	schedules store.ScheduleCatalog

	loc               *time.Location
	now               func() time.Time
	holdTTL           time.Duration
	maxAttempts       int
	maxAdvanceDays    int
	rescheduleAdvance time.Duration
	notifyTimeout     time.Duration

	log           *slog.Logger
	notifier      Notifier
	payments      PaymentGateway
	feed          CounterFeed
	metrics       Metrics
	notifications sync.WaitGroup
}

func NewService(ledger store.BookingLedger, schedules store.ScheduleCatalog, opts Options) *Service {
	s := &Service{
		ledger:            ledger,
		schedules:         schedules,
		loc:               opts.Location,
		now:               opts.Now,
		holdTTL:           opts.HoldTTL,
		maxAttempts:       opts.MaxAttempts,
		maxAdvanceDays:    opts.MaxAdvanceDays,
		rescheduleAdvance: opts.RescheduleAdvance,
		notifyTimeout:     opts.NotifyTimeout,
		log:               opts.Logger,
		notifier:          opts.Notifier,
		payments:          opts.Payments,
		feed:              opts.Feed,
		metrics:           opts.Metrics,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.holdTTL <= 0 {
		s.holdTTL = defaultHoldTTL
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = defaultMaxAttempts
	}
	if s.maxAdvanceDays <= 0 {
		s.maxAdvanceDays = defaultMaxAdvanceDays
	}
	if s.rescheduleAdvance <= 0 {
		s.rescheduleAdvance = domain.DefaultRescheduleAdvance
	}
	if s.notifyTimeout <= 0 {
		s.notifyTimeout = defaultNotifyTimeout
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	return s
}

// Actor is the authenticated caller. Patients only see their own
// appointments; admins see all of them.
type Actor struct {
	PatientID string
	Admin     bool
}

func (a Actor) canAccess(appt domain.Appointment) bool {
	return a.Admin || (a.PatientID != "" && a.PatientID == appt.PatientID)
}

func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	appt, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}
	if !actor.canAccess(appt) {
		return domain.Appointment{}, &NotFoundError{Resource: "appointment"}
	}
	return appt, nil
}

func (s *Service) today() time.Time {
	return domain.CivilDate(s.now().In(s.loc))
}

// checkBookableDate enforces [today, today+maxAdvanceDays] in the clinic zone.
func (s *Service) checkBookableDate(date time.Time) error {
	today := s.today()
	if date.Before(today) {
		return validationError("date must not be in the past")
	}
	if date.After(today.AddDate(0, 0, s.maxAdvanceDays)) {
		return validationError("date is beyond the advance booking window")
	}
	return nil
}

// scheduleFor returns the session of doctor at branch that covers date. When
// several sessions fall on the same weekday the earliest one is used.
func (s *Service) scheduleFor(ctx context.Context, doctorID, branchID string, date time.Time) (domain.DoctorSchedule, error) {
	rows, err := s.schedules.ListForDoctor(ctx, doctorID, branchID)
	if err != nil {
		return domain.DoctorSchedule{}, err
	}
	var (
		found domain.DoctorSchedule
		ok    bool
	)
	for _, sch := range rows {
		if !sch.Covers(date) {
			continue
		}
		if !ok || sch.StartMinute < found.StartMinute {
			found, ok = sch, true
		}
	}
	if !ok {
		return domain.DoctorSchedule{}, validationError("doctor has no session at this branch on that date")
	}
	return found, nil
}

// slotWindow returns the UTC start and end of slot n.
func (s *Service) slotWindow(schedule domain.DoctorSchedule, date time.Time, n int) (time.Time, time.Time, error) {
	slots, err := domain.GenerateSlots(schedule, date, nil, s.loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if n < 1 || n > len(slots) {
		return time.Time{}, time.Time{}, validationError("slot number out of range")
	}
	sl := slots[n-1]
	return sl.EstimatedStart.UTC(), sl.EstimatedEnd.UTC(), nil
}

// releaseHolds cancels the expired pending holds in active and returns the
// released rows and the ones still holding a slot.
func releaseHolds(ctx context.Context, tx store.LedgerTx, active []domain.Appointment, now time.Time) ([]domain.Appointment, []domain.Appointment, error) {
	var released []domain.Appointment
	kept := make([]domain.Appointment, 0, len(active))
	for _, a := range active {
		if !a.HoldExpired(now) {
			kept = append(kept, a)
			continue
		}
		c, err := a.Cancel(domain.CancellationNone, holdExpiredReason, now)
		if err != nil {
			return nil, nil, err
		}
		u, err := tx.Update(ctx, c)
		if err != nil {
			return nil, nil, err
		}
		released = append(released, u)
	}
	return released, kept, nil
}

func slotNumbers(active []domain.Appointment) []int {
	out := make([]int, 0, len(active))
	for _, a := range active {
		out = append(out, a.SlotNumber)
	}
	return out
}

func requireText(v, field string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", validationError(field + " is required")
	}
	return v, nil
}

// notify hands the event to the notifier in the background. Delivery keeps
// the request's values but not its cancellation.
func (s *Service) notify(ctx context.Context, appt domain.Appointment, event string) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"appointment_id":  appt.ID.String(),
		"doctor_id":       appt.DoctorID,
		"branch_id":       appt.BranchID,
		"date":            appt.Date.Format(domain.DateLayout),
		"slot_number":     appt.SlotNumber,
		"status":          string(appt.Status),
		"scheduled_start": appt.ScheduledStart.UTC().Format(time.RFC3339),
	}

	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
		defer cancel()
		if err := s.notifier.Notify(ctx, appt.PatientID, event, payload); err != nil {
			s.log.WarnContext(ctx, "notification failed",
				slog.String("event", event),
				slog.String("appointment_id", appt.ID.String()),
				slog.Any("err", err),
			)
		}
	}()
}

// Wait blocks until every notification started so far has finished.
func (s *Service) Wait() {
	s.notifications.Wait()
}

type nopMetrics struct{}

func (nopMetrics) ObserveBooking(string)                        {}
func (nopMetrics) ObserveReschedule(string)                     {}
func (nopMetrics) ObserveCancellation(domain.CancellationSource) {}
func (nopMetrics) ObserveQueueRead()                            {}
func (nopMetrics) ObserveHoldsReleased(int)                     {}

// outcome labels a request result for metrics.
func outcome(err error) string {
	switch err.(type) {
	case nil:
		return "ok"
	case *ValidationError:
		return "invalid"
	case *SlotUnavailableError:
		return "unavailable"
	case *EligibilityError:
		return "ineligible"
	case *ConflictError:
		return "conflict"
	case *NotFoundError:
		return "not_found"
	default:
		return "error"
	}
}
