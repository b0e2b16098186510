package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
)

// ActiveStatuses are the statuses that hold a slot in a pool.
var ActiveStatuses = []domain.AppointmentStatus{domain.StatusPending, domain.StatusConfirmed}

// BookingLedger is the transactional store of appointments. All writes go
// through InPoolTransaction, which serializes work on the given pools.
type BookingLedger interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Appointment, error)
	InPoolTransaction(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx LedgerTx) error) error
}

type LedgerTx interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error)
	// Insert fails with ErrSlotTaken when another active appointment holds
	// the slot, and with ErrIdempotencyConflict when the id already exists.
	Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	// Update writes appt if the stored version still equals appt.Version and
	// returns the row with its version bumped. Otherwise ErrStaleVersion.
	Update(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}

// ScheduleCatalog is the read-only view of doctors' weekly sessions.
type ScheduleCatalog interface {
	Get(ctx context.Context, id uuid.UUID) (domain.DoctorSchedule, error)
	ListForDoctor(ctx context.Context, doctorID, branchID string) ([]domain.DoctorSchedule, error)
}

// SortedPoolKeys returns the distinct keys of pools in lock order.
func SortedPoolKeys(pools []domain.Pool) []string {
	seen := make(map[string]struct{}, len(pools))
	keys := make([]string, 0, len(pools))
	for _, p := range pools {
		k := p.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
