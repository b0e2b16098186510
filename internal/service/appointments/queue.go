package appointments

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
)

// QueueStatus reports where the appointment stands in the live queue of its
// pool. It takes no locks.
func (s *Service) QueueStatus(ctx context.Context, actor Actor, id uuid.UUID) (domain.QueueStatus, error) {
	appt, err := s.Get(ctx, actor, id)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	if !appt.Status.Active() {
		return domain.QueueStatus{}, validationError("appointment is not in the queue")
	}

	schedule, err := s.schedules.Get(ctx, appt.ScheduleID)
	if err != nil {
		return domain.QueueStatus{}, translate(err, "schedule")
	}

	serving := 0
	if s.feed != nil {
		serving, err = s.feed.CurrentServing(ctx, appt.Pool())
		if err != nil {
			s.log.ErrorContext(ctx, "queue counter read failed",
				slog.String("pool", appt.Pool().Key()),
				slog.Any("err", err),
			)
			return domain.QueueStatus{}, err
		}
	}

	s.metrics.ObserveQueueRead()
	return domain.ComputeQueueStatus(appt.SlotNumber, serving, schedule.DurationMinutes), nil
}
