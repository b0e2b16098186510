package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppointmentTransitions(t *testing.T) {
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	hold := now.Add(15 * time.Minute)
	pending := Appointment{Status: StatusPending, HoldExpiresAt: &hold}

	confirmed, err := pending.Confirm(now)
	if err != nil {
		t.Fatalf("Confirm error: %v", err)
	}
	if confirmed.Status != StatusConfirmed || confirmed.HoldExpiresAt != nil {
		t.Fatalf("confirmed = %+v, want confirmed without hold", confirmed)
	}
	if pending.Status != StatusPending {
		t.Fatalf("Confirm mutated its receiver")
	}

	if _, err := confirmed.Confirm(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirm twice err = %v, want ErrInvalidTransition", err)
	}

	cancelled, err := confirmed.Cancel(CancellationPatient, "travel", now)
	if err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if cancelled.CancellationSource != CancellationPatient || cancelled.CancelReason != "travel" {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	for _, to := range []AppointmentStatus{StatusConfirmed, StatusPending, StatusRescheduled, StatusCompleted} {
		if CanTransition(StatusCancelled, to) {
			t.Fatalf("cancelled -> %s must not be allowed", to)
		}
	}

	successor := uuid.MustParse("00000000-0000-0000-0000-000000000042")
	moved, err := pending.MarkRescheduled(successor, now)
	if err != nil {
		t.Fatalf("MarkRescheduled error: %v", err)
	}
	if moved.RescheduledToID == nil || *moved.RescheduledToID != successor {
		t.Fatalf("rescheduled_to_id = %v, want %s", moved.RescheduledToID, successor)
	}

	if _, err := pending.Complete(now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("complete pending err = %v, want ErrInvalidTransition", err)
	}
}

func TestAppointmentHoldExpired(t *testing.T) {
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	if !(Appointment{Status: StatusPending, HoldExpiresAt: &past}).HoldExpired(now) {
		t.Fatalf("expected expired hold")
	}
	if (Appointment{Status: StatusPending, HoldExpiresAt: &future}).HoldExpired(now) {
		t.Fatalf("hold should still be live")
	}
	if (Appointment{Status: StatusConfirmed, HoldExpiresAt: &past}).HoldExpired(now) {
		t.Fatalf("confirmed bookings never expire")
	}
}
