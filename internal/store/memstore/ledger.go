package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

// Ledger is an in-process BookingLedger. Transactions are serialized by a
// single mutex and their writes become visible only when fn returns nil.
// Ledger methods must not be called from inside a transaction callback.
type Ledger struct {
	mu    sync.Mutex
	appts map[uuid.UUID]domain.Appointment
}

func NewLedger() *Ledger {
	return &Ledger{appts: make(map[uuid.UUID]domain.Appointment)}
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.appts[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (l *Ledger) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return activeIn(l.appts, nil, pool), nil
}

func (l *Ledger) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Appointment, 0)
	for _, a := range l.appts {
		if a.HoldExpired(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].HoldExpiresAt.Before(*out[j].HoldExpiresAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) InPoolTransaction(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memTx{base: l.appts, staged: make(map[uuid.UUID]domain.Appointment)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, a := range tx.staged {
		l.appts[id] = a
	}
	return nil
}

type memTx struct {
	base   map[uuid.UUID]domain.Appointment
	staged map[uuid.UUID]domain.Appointment
}

func (t *memTx) lookup(id uuid.UUID) (domain.Appointment, bool) {
	if a, ok := t.staged[id]; ok {
		return a, true
	}
	a, ok := t.base[id]
	return a, ok
}

func (t *memTx) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	a, ok := t.lookup(id)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (t *memTx) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	return activeIn(t.base, t.staged, pool), nil
}

func (t *memTx) Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	}
	if _, ok := t.lookup(appt.ID); ok {
		return domain.Appointment{}, store.ErrIdempotencyConflict
	}
	if appt.Status.Active() && t.slotHeld(appt) {
		return domain.Appointment{}, store.ErrSlotTaken
	}

	now := time.Now().UTC()
	if appt.Version == 0 {
		appt.Version = 1
	}
	if appt.CancellationSource == "" {
		appt.CancellationSource = domain.CancellationNone
	}
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	t.staged[appt.ID] = appt
	return appt, nil
}

func (t *memTx) Update(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	cur, ok := t.lookup(appt.ID)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if cur.Version != appt.Version {
		return domain.Appointment{}, store.ErrStaleVersion
	}
	if appt.Status.Active() && t.slotHeld(appt) {
		return domain.Appointment{}, store.ErrSlotTaken
	}

	appt.Version++
	appt.UpdatedAt = time.Now().UTC()
	t.staged[appt.ID] = appt
	return appt, nil
}

// slotHeld reports whether an active appointment other than appt occupies
// appt's slot in its pool.
func (t *memTx) slotHeld(appt domain.Appointment) bool {
	for _, other := range activeIn(t.base, t.staged, appt.Pool()) {
		if other.ID != appt.ID && other.SlotNumber == appt.SlotNumber {
			return true
		}
	}
	return false
}

func activeIn(base, staged map[uuid.UUID]domain.Appointment, pool domain.Pool) []domain.Appointment {
	key := pool.Key()
	out := make([]domain.Appointment, 0)
	add := func(a domain.Appointment) {
		if a.Status.Active() && a.Pool().Key() == key {
			out = append(out, a)
		}
	}
	for id, a := range base {
		if s, ok := staged[id]; ok {
			a = s
		}
		add(a)
	}
	for id, a := range staged {
		if _, ok := base[id]; !ok {
			add(a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotNumber < out[j].SlotNumber })
	return out
}
