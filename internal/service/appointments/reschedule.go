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

// CheckEligibility reports whether the appointment may be moved right now.
func (s *Service) CheckEligibility(ctx context.Context, actor Actor, id uuid.UUID) (domain.Eligibility, error) {
	appt, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.Eligibility{}, err
	}
	return domain.CheckEligibility(appt, s.now(), s.rescheduleAdvance), nil
}

type RescheduleInput struct {
	AppointmentID uuid.UUID
	NewDate       time.Time
	// NewBranchID defaults to the current branch.
	NewBranchID string
	// NewSlotNumber zero picks the next free slot.
	NewSlotNumber int
	Reason        string
	Confirmed     bool
}

// successorID is the id of the appointment a reschedule of source creates.
// A source can therefore produce at most one successor.
func successorID(source uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("clinicq:reschedule:"+source.String()))
}

// Reschedule moves an appointment to another date, branch or slot of the same
// doctor. The source becomes rescheduled and links to a new active
// appointment carrying the incremented attempt count. Retrying a request that
// already succeeded returns the same successor.
func (s *Service) Reschedule(ctx context.Context, actor Actor, in RescheduleInput) (domain.Appointment, error) {
	out, replayed, err := s.reschedule(ctx, actor, in)
	switch {
	case err != nil:
		s.metrics.ObserveReschedule(outcome(err))
		return domain.Appointment{}, err
	case replayed:
		s.metrics.ObserveReschedule("replayed")
		return out, nil
	}
	s.metrics.ObserveReschedule(outcome(nil))

	s.log.InfoContext(ctx, "appointment rescheduled",
		slog.String("appointment_id", out.ID.String()),
		slog.String("rescheduled_from_id", in.AppointmentID.String()),
		slog.String("pool", out.Pool().Key()),
		slog.Int("slot_number", out.SlotNumber),
	)
	s.notify(ctx, out, EventRescheduled)
	return out, nil
}

func (s *Service) reschedule(ctx context.Context, actor Actor, in RescheduleInput) (domain.Appointment, bool, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, false, validationError("appointment_id is required")
	}
	if !in.Confirmed {
		return domain.Appointment{}, false, validationError("reschedule must be confirmed")
	}
	if in.NewDate.IsZero() {
		return domain.Appointment{}, false, validationError("new_date is required")
	}
	if in.NewSlotNumber < 0 {
		return domain.Appointment{}, false, validationError("slot number out of range")
	}

	src, err := s.Get(ctx, actor, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, false, err
	}

	branchID := strings.TrimSpace(in.NewBranchID)
	if branchID == "" {
		branchID = src.BranchID
	}
	date := domain.CivilDate(in.NewDate)
	if err := s.checkBookableDate(date); err != nil {
		return domain.Appointment{}, false, err
	}
	schedule, err := s.scheduleFor(ctx, src.DoctorID, branchID, date)
	if err != nil {
		return domain.Appointment{}, false, err
	}
	if in.NewSlotNumber > schedule.Capacity() {
		return domain.Appointment{}, false, validationError("slot number out of range")
	}

	target := domain.Pool{DoctorID: src.DoctorID, BranchID: branchID, Date: date}
	nextID := successorID(src.ID)
	reason := strings.TrimSpace(in.Reason)

	for attempt := 1; ; attempt++ {
		var (
			out      domain.Appointment
			replayed bool
			released []domain.Appointment
		)
		err = s.ledger.InPoolTransaction(ctx, []domain.Pool{src.Pool(), target}, func(ctx context.Context, tx store.LedgerTx) error {
			now := s.now().UTC()

			cur, err := tx.Get(ctx, src.ID)
			if err != nil {
				return err
			}
			if cur.Status == domain.StatusRescheduled && cur.RescheduledToID != nil && *cur.RescheduledToID == nextID {
				prev, err := tx.Get(ctx, nextID)
				if err != nil {
					return err
				}
				if prev.Pool().Key() != target.Key() || (in.NewSlotNumber > 0 && prev.SlotNumber != in.NewSlotNumber) {
					return conflictError("appointment was already rescheduled to a different slot")
				}
				out, replayed = prev, true
				return nil
			}

			// A lapsed hold is refused here, so the successor only ever
			// inherits a live one.
			elig := domain.CheckEligibility(cur, now, s.rescheduleAdvance)
			if !elig.Allowed {
				return &EligibilityError{Eligibility: elig}
			}

			active, err := tx.ListActive(ctx, target)
			if err != nil {
				return err
			}
			released, active, err = releaseHolds(ctx, tx, active, now)
			if err != nil {
				return err
			}
			for _, a := range active {
				if a.PatientID == cur.PatientID && a.ID != cur.ID {
					return validationError("patient already has an active appointment with this doctor on that date")
				}
			}

			taken := slotNumbers(active)
			slot := in.NewSlotNumber
			if slot == 0 {
				var ok bool
				if slot, ok = domain.NextFreeSlot(schedule.Capacity(), taken); !ok {
					return &SlotUnavailableError{Pool: target}
				}
			} else {
				for _, n := range taken {
					if n == slot {
						return &SlotUnavailableError{Pool: target, Slot: slot}
					}
				}
			}
			start, end, err := s.slotWindow(schedule, date, slot)
			if err != nil {
				return err
			}

			from := cur.ID
			successor := domain.Appointment{
				ID:                 nextID,
				PatientID:          cur.PatientID,
				DoctorID:           cur.DoctorID,
				BranchID:           branchID,
				ScheduleID:         schedule.ID,
				Date:               date,
				SlotNumber:         slot,
				ScheduledStart:     start,
				ScheduledEnd:       end,
				Status:             cur.Status,
				RescheduleCount:    cur.RescheduleCount + 1,
				CancellationSource: cur.CancellationSource,
				HoldExpiresAt:      cur.HoldExpiresAt,
				PaymentOrderID:     cur.PaymentOrderID,
				RescheduledFromID:  &from,
			}
			if out, err = tx.Insert(ctx, successor); err != nil {
				return err
			}

			moved, err := cur.MarkRescheduled(nextID, now)
			if err != nil {
				return err
			}
			if reason != "" {
				moved.CancelReason = reason
			}
			_, err = tx.Update(ctx, moved)
			return err
		})

		if errors.Is(err, store.ErrSlotTaken) && in.NewSlotNumber == 0 && attempt < s.maxAttempts {
			s.log.DebugContext(ctx, "reschedule slot collided, retrying",
				slog.String("pool", target.Key()),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if errors.Is(err, store.ErrSlotTaken) {
			return domain.Appointment{}, false, &SlotUnavailableError{Pool: target, Slot: in.NewSlotNumber}
		}
		if err != nil {
			return domain.Appointment{}, false, translate(err, "appointment")
		}

		s.afterHoldsReleased(ctx, released)
		return out, replayed, nil
	}
}

// FlagClinicCancellation records that the clinic displaced an active
// appointment. The patient keeps the slot and gains the larger reschedule
// allowance granted for clinic-initiated changes.
func (s *Service) FlagClinicCancellation(ctx context.Context, id uuid.UUID, reason string) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	reason, err := requireText(reason, "reason")
	if err != nil {
		return domain.Appointment{}, err
	}

	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}

	var (
		out     domain.Appointment
		changed bool
	)
	err = s.ledger.InPoolTransaction(ctx, []domain.Pool{current.Pool()}, func(ctx context.Context, tx store.LedgerTx) error {
		cur, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return conflictError("appointment is no longer active")
		}
		if cur.CancellationSource == domain.CancellationAdmin {
			out = cur
			return nil
		}
		cur.CancellationSource = domain.CancellationAdmin
		cur.CancelReason = reason
		cur.UpdatedAt = s.now().UTC()
		out, err = tx.Update(ctx, cur)
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}

	if changed {
		s.log.InfoContext(ctx, "clinic cancellation flagged",
			slog.String("appointment_id", out.ID.String()),
		)
		s.notify(ctx, out, EventClinicCancelled)
	}
	return out, nil
}
