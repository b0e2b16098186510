package appointments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

type CancelInput struct {
	AppointmentID uuid.UUID
	Source        domain.CancellationSource
	Reason        string
	Confirmed     bool
}

// Cancel frees the appointment's slot. Cancellation is terminal.
func (s *Service) Cancel(ctx context.Context, actor Actor, in CancelInput) (domain.Appointment, error) {
	if in.AppointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	if !in.Confirmed {
		return domain.Appointment{}, validationError("cancellation must be confirmed")
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return domain.Appointment{}, validationError("reason is required")
	}
	source := in.Source
	if source == "" {
		source = domain.CancellationPatient
		if actor.Admin {
			source = domain.CancellationAdmin
		}
	}
	if source != domain.CancellationPatient && source != domain.CancellationAdmin {
		return domain.Appointment{}, validationError("invalid cancellation source")
	}
	if source == domain.CancellationAdmin && !actor.Admin {
		return domain.Appointment{}, validationError("only clinic staff can cancel on behalf of the clinic")
	}

	current, err := s.Get(ctx, actor, in.AppointmentID)
	if err != nil {
		return domain.Appointment{}, err
	}

	out, err := s.transition(ctx, current.Pool(), in.AppointmentID, func(cur domain.Appointment) (domain.Appointment, error) {
		return cur.Cancel(source, reason, s.now())
	})
	if err != nil {
		return domain.Appointment{}, err
	}

	s.metrics.ObserveCancellation(source)
	s.log.InfoContext(ctx, "appointment cancelled",
		slog.String("appointment_id", out.ID.String()),
		slog.String("pool", out.Pool().Key()),
		slog.String("source", string(source)),
	)
	s.notify(ctx, out, EventCancelled)
	return out, nil
}

// Complete is used by the front desk once the patient has been seen.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	if id == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}
	current, err := s.ledger.Get(ctx, id)
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}

	out, err := s.transition(ctx, current.Pool(), id, func(cur domain.Appointment) (domain.Appointment, error) {
		return cur.Complete(s.now())
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	s.notify(ctx, out, EventCompleted)
	return out, nil
}

// transition re-reads the appointment inside a pool transaction, applies next
// and writes the result under the version check.
func (s *Service) transition(ctx context.Context, pool domain.Pool, id uuid.UUID, next func(domain.Appointment) (domain.Appointment, error)) (domain.Appointment, error) {
	var out domain.Appointment
	err := s.ledger.InPoolTransaction(ctx, []domain.Pool{pool}, func(ctx context.Context, tx store.LedgerTx) error {
		cur, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		updated, err := next(cur)
		if err != nil {
			return err
		}
		out, err = tx.Update(ctx, updated)
		return err
	})
	if err != nil {
		return domain.Appointment{}, translate(err, "appointment")
	}
	return out, nil
}
