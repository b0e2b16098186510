package domain

type QueueStatus struct {
	Token                int `json:"token"`
	CurrentServing       int `json:"current_serving"`
	PatientsAhead        int `json:"patients_ahead"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`
}

// ComputeQueueStatus derives a patient's position from their slot number and
// the front desk's now-serving token. Slot numbers double as queue tokens.
func ComputeQueueStatus(slotNumber, currentServing, durationMinutes int) QueueStatus {
	ahead := slotNumber - currentServing - 1
	if ahead < 0 {
		ahead = 0
	}
	wait := ahead * durationMinutes
	if wait < 0 {
		wait = 0
	}
	return QueueStatus{
		Token:                slotNumber,
		CurrentServing:       currentServing,
		PatientsAhead:        ahead,
		EstimatedWaitMinutes: wait,
	}
}
