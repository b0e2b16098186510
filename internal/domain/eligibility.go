package domain

import "time"

const (
	ReasonMaxAttemptsUsed    = "maximum reschedule attempts used"
	ReasonNotReschedulable   = "appointment is no longer active"
	ReasonInsufficientNotice = "insufficient notice before the appointment"
	ReasonHoldExpired        = "payment hold expired"
)

const DefaultRescheduleAdvance = 24 * time.Hour

type Eligibility struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RemainingAttempts int    `json:"remaining_attempts"`
	MaxAttempts       int    `json:"max_attempts"`
}

func MaxRescheduleAttempts(source CancellationSource) int {
	if source == CancellationAdmin {
		return 2
	}
	return 1
}

// CheckEligibility decides whether a can be moved to another slot at now.
// advance is the minimum notice before the scheduled start.
func CheckEligibility(a Appointment, now time.Time, advance time.Duration) Eligibility {
	maxAttempts := MaxRescheduleAttempts(a.CancellationSource)
	remaining := maxAttempts - a.RescheduleCount
	if remaining < 0 {
		remaining = 0
	}
	out := Eligibility{RemainingAttempts: remaining, MaxAttempts: maxAttempts}

	if remaining <= 0 {
		out.Reason = ReasonMaxAttemptsUsed
		return out
	}
	if !a.Status.Active() {
		out.Reason = ReasonNotReschedulable
		return out
	}
	if a.HoldExpired(now) {
		out.Reason = ReasonHoldExpired
		return out
	}
	if now.After(a.ScheduledStart.Add(-advance)) {
		out.Reason = ReasonInsufficientNotice
		return out
	}

	out.Allowed = true
	return out
}
