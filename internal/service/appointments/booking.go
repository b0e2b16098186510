package appointments

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

type BookInput struct {
	DoctorID       string
	BranchID       string
	PatientID      string
	Date           time.Time
	IdempotencyKey string
}

// Book reserves the next free slot in the doctor's pool for date. The new
// appointment is a pending hold until payment confirms it or the hold lapses.
func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	appt, replayed, err := s.book(ctx, in)
	switch {
	case err != nil:
		s.metrics.ObserveBooking(outcome(err))
		return domain.Appointment{}, err
	case replayed:
		s.metrics.ObserveBooking("replayed")
		return appt, nil
	}
	s.metrics.ObserveBooking(outcome(nil))

	s.log.InfoContext(ctx, "appointment booked",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("doctor_id", appt.DoctorID),
		slog.String("pool", appt.Pool().Key()),
		slog.Int("slot_number", appt.SlotNumber),
	)
	appt = s.initiatePayment(ctx, appt)
	s.notify(ctx, appt, EventBooked)
	return appt, nil
}

func (s *Service) book(ctx context.Context, in BookInput) (domain.Appointment, bool, error) {
	doctorID, err := requireText(in.DoctorID, "doctor_id")
	if err != nil {
		return domain.Appointment{}, false, err
	}
	branchID, err := requireText(in.BranchID, "branch_id")
	if err != nil {
		return domain.Appointment{}, false, err
	}
	patientID, err := requireText(in.PatientID, "patient_id")
	if err != nil {
		return domain.Appointment{}, false, err
	}
	if in.Date.IsZero() {
		return domain.Appointment{}, false, validationError("date is required")
	}
	date := domain.CivilDate(in.Date)
	if err := s.checkBookableDate(date); err != nil {
		return domain.Appointment{}, false, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if len(key) > maxIdempotencyKeyBytes {
		return domain.Appointment{}, false, validationError("idempotency_key too long")
	}

	schedule, err := s.scheduleFor(ctx, doctorID, branchID, date)
	if err != nil {
		return domain.Appointment{}, false, err
	}

	pool := domain.Pool{DoctorID: doctorID, BranchID: branchID, Date: date}
	id := uuid.Nil
	if key != "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte("clinicq:book:"+patientID+":"+key))
	}

	for attempt := 1; ; attempt++ {
		if key == "" {
			if id, err = uuid.NewV7(); err != nil {
				return domain.Appointment{}, false, err
			}
		}

		var (
			out      domain.Appointment
			replayed bool
			released []domain.Appointment
		)
		err = s.ledger.InPoolTransaction(ctx, []domain.Pool{pool}, func(ctx context.Context, tx store.LedgerTx) error {
			now := s.now().UTC()

			if key != "" {
				existing, err := tx.Get(ctx, id)
				switch {
				case err == nil:
					if existing.Pool().Key() != pool.Key() {
						return conflictError("idempotency key already used for a different booking")
					}
					out, replayed = existing, true
					return nil
				case !errors.Is(err, store.ErrNotFound):
					return err
				}
			}

			active, err := tx.ListActive(ctx, pool)
			if err != nil {
				return err
			}
			released, active, err = releaseHolds(ctx, tx, active, now)
			if err != nil {
				return err
			}
			for _, a := range active {
				if a.PatientID == patientID {
					return validationError("patient already has an active appointment with this doctor on that date")
				}
			}

			slot, ok := domain.NextFreeSlot(schedule.Capacity(), slotNumbers(active))
			if !ok {
				return &SlotUnavailableError{Pool: pool}
			}
			start, end, err := s.slotWindow(schedule, date, slot)
			if err != nil {
				return err
			}

			hold := now.Add(s.holdTTL)
			out, err = tx.Insert(ctx, domain.Appointment{
				ID:                 id,
				PatientID:          patientID,
				DoctorID:           doctorID,
				BranchID:           branchID,
				ScheduleID:         schedule.ID,
				Date:               date,
				SlotNumber:         slot,
				ScheduledStart:     start,
				ScheduledEnd:       end,
				Status:             domain.StatusPending,
				CancellationSource: domain.CancellationNone,
				HoldExpiresAt:      &hold,
			})
			return err
		})

		if (errors.Is(err, store.ErrSlotTaken) || errors.Is(err, store.ErrIdempotencyConflict)) && attempt < s.maxAttempts {
			s.log.DebugContext(ctx, "slot allocation collided, retrying",
				slog.String("pool", pool.Key()),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if errors.Is(err, store.ErrSlotTaken) {
			return domain.Appointment{}, false, &SlotUnavailableError{Pool: pool}
		}
		if err != nil {
			return domain.Appointment{}, false, translate(err, "appointment")
		}

		s.afterHoldsReleased(ctx, released)
		return out, replayed, nil
	}
}

// AvailableSlots lists the numbered slots of a pool for display. Lapsed
// payment holds are shown as free.
func (s *Service) AvailableSlots(ctx context.Context, doctorID, branchID string, date time.Time) ([]domain.SlotDescriptor, error) {
	doctorID, err := requireText(doctorID, "doctor_id")
	if err != nil {
		return nil, err
	}
	branchID, err = requireText(branchID, "branch_id")
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, validationError("date is required")
	}
	date = domain.CivilDate(date)

	schedule, err := s.scheduleFor(ctx, doctorID, branchID, date)
	if err != nil {
		return nil, err
	}
	active, err := s.ledger.ListActive(ctx, domain.Pool{DoctorID: doctorID, BranchID: branchID, Date: date})
	if err != nil {
		return nil, err
	}

	now := s.now()
	booked := make([]int, 0, len(active))
	for _, a := range active {
		if !a.HoldExpired(now) {
			booked = append(booked, a.SlotNumber)
		}
	}
	return domain.GenerateSlots(schedule, date, booked, s.loc)
}

func (s *Service) initiatePayment(ctx context.Context, appt domain.Appointment) domain.Appointment {
	if s.payments == nil {
		return appt
	}
	orderID, err := s.payments.InitiatePayment(ctx, appt)
	if err != nil {
		s.log.WarnContext(ctx, "payment initiation failed",
			slog.String("appointment_id", appt.ID.String()),
			slog.Any("err", err),
		)
		return appt
	}

	var out domain.Appointment
	err = s.ledger.InPoolTransaction(ctx, []domain.Pool{appt.Pool()}, func(ctx context.Context, tx store.LedgerTx) error {
		cur, err := tx.Get(ctx, appt.ID)
		if err != nil {
			return err
		}
		cur.PaymentOrderID = orderID
		out, err = tx.Update(ctx, cur)
		return err
	})
	if err != nil {
		s.log.WarnContext(ctx, "recording payment order failed",
			slog.String("appointment_id", appt.ID.String()),
			slog.String("order_id", orderID),
			slog.Any("err", err),
		)
		return appt
	}
	return out
}

type PaymentInput struct {
	AppointmentID uuid.UUID
	OrderID       string
	Outcome       PaymentOutcome
}

// ApplyPayment settles a pending hold. With a gateway configured the outcome
// reported by the gateway for the order wins over the caller's.
func (s *Service) ApplyPayment(ctx context.Context, actor Actor, in PaymentInput) (domain.Appointment, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	orderID := strings.TrimSpace(in.OrderID)
	result := in.Outcome
	if s.payments != nil && orderID != "" {
		confirmed, err := s.payments.ConfirmPayment(ctx, orderID)
		if err != nil {
			return domain.Appointment{}, err
		}
		result = confirmed
	}
	if !result.Valid() {
		return domain.Appointment{}, validationError("invalid payment outcome")
	}

	current, err := s.Get(ctx, actor, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	var (
		out     domain.Appointment
		changed bool
	)
	err = s.ledger.InPoolTransaction(ctx, []domain.Pool{current.Pool()}, func(ctx context.Context, tx store.LedgerTx) error {
		now := s.now().UTC()
		cur, err := tx.Get(ctx, in.AppointmentID)
		if err != nil {
			return err
		}
		if cur.Status == domain.StatusConfirmed && result == PaymentSucceeded {
			out = cur
			return nil
		}
		if cur.Status != domain.StatusPending {
			return conflictError("appointment is not awaiting payment")
		}
		if cur.HoldExpired(now) {
			return conflictError(holdExpiredReason)
		}
		if orderID != "" {
			cur.PaymentOrderID = orderID
		}

		var next domain.Appointment
		if result == PaymentSucceeded {
			next, err = cur.Confirm(now)
		} else {
			next, err = cur.Cancel(domain.CancellationNone, paymentFailedReason, now)
		}
		if err != nil {
			return err
		}
		out, err = tx.Update(ctx, next)
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}

	if changed {
		if out.Status == domain.StatusConfirmed {
			s.notify(ctx, out, EventConfirmed)
		} else {
			s.metrics.ObserveCancellation(domain.CancellationNone)
			s.notify(ctx, out, EventCancelled)
		}
	}
	return out, nil
}

// ReleaseExpiredHolds cancels every pending appointment whose payment hold
// has lapsed and returns how many were released.
func (s *Service) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	total := 0
	for {
		now := s.now().UTC()
		expired, err := s.ledger.ListExpiredHolds(ctx, now, holdReleaseBatch)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}

		releasedInBatch := 0
		for _, a := range expired {
			var released []domain.Appointment
			err := s.ledger.InPoolTransaction(ctx, []domain.Pool{a.Pool()}, func(ctx context.Context, tx store.LedgerTx) error {
				cur, err := tx.Get(ctx, a.ID)
				if err != nil {
					return err
				}
				released, _, err = releaseHolds(ctx, tx, []domain.Appointment{cur}, now)
				return err
			})
			if err != nil {
				if errors.Is(err, store.ErrStaleVersion) || errors.Is(err, store.ErrNotFound) {
					continue
				}
				return total, err
			}
			s.afterHoldsReleased(ctx, released)
			releasedInBatch += len(released)
		}
		total += releasedInBatch

		if releasedInBatch == 0 || len(expired) < holdReleaseBatch {
			return total, nil
		}
	}
}

func (s *Service) afterHoldsReleased(ctx context.Context, released []domain.Appointment) {
	if len(released) == 0 {
		return
	}
	s.metrics.ObserveHoldsReleased(len(released))
	for _, a := range released {
		s.log.InfoContext(ctx, "payment hold released",
			slog.String("appointment_id", a.ID.String()),
			slog.String("pool", a.Pool().Key()),
		)
		s.notify(ctx, a, EventHoldExpired)
	}
}
