package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

const (
	activeSlotIndex = "appointments_active_slot_key"
	primaryKeyIndex = "appointments_pkey"
)

type Ledger struct {
	db *bun.DB
}

func NewLedger(db *bun.DB) *Ledger {
	return &Ledger{db: db}
}

type ledgerTx struct {
	tx bun.Tx
}

func (r *Ledger) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	return getAppointment(ctx, r.db, id)
}

func (r *Ledger) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	return listActive(ctx, r.db, pool)
}

func (r *Ledger) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("status = ?", domain.StatusPending).
		Where("hold_expires_at IS NOT NULL").
		Where("hold_expires_at <= ?", now.UTC()).
		OrderExpr("hold_expires_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InPoolTransaction runs fn in one database transaction holding an advisory
// lock per pool. Locks are taken in key order so two transactions touching
// the same pair of pools cannot deadlock.
func (r *Ledger) InPoolTransaction(ctx context.Context, pools []domain.Pool, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	keys := store.SortedPoolKeys(pools)
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, k := range keys {
			if err := lockPool(ctx, tx, k); err != nil {
				return err
			}
		}
		return fn(ctx, ledgerTx{tx: tx})
	})
}

func lockPool(ctx context.Context, tx bun.Tx, key string) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", key).Exec(ctx)
	return err
}

func (r ledgerTx) Get(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var out domain.Appointment
	err := r.tx.NewSelect().
		Model(&out).
		Where("id = ?", id).
		For("UPDATE").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (r ledgerTx) ListActive(ctx context.Context, pool domain.Pool) ([]domain.Appointment, error) {
	return listActive(ctx, r.tx, pool)
}

func (r ledgerTx) Insert(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	if m.Version == 0 {
		m.Version = 1
	}
	if m.CancellationSource == "" {
		m.CancellationSource = domain.CancellationNone
	}

	if _, err := r.tx.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Appointment{}, mapWriteError(err)
	}
	return m, nil
}

func (r ledgerTx) Update(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := appt
	m.Version = appt.Version + 1

	res, err := r.tx.NewUpdate().
		Model(&m).
		WherePK().
		Where("version = ?", appt.Version).
		Exec(ctx)
	if err != nil {
		return domain.Appointment{}, mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Appointment{}, err
	}
	if affected == 0 {
		return domain.Appointment{}, store.ErrStaleVersion
	}
	return m, nil
}

func getAppointment(ctx context.Context, db bun.IDB, id uuid.UUID) (domain.Appointment, error) {
	var out domain.Appointment
	err := db.NewSelect().
		Model(&out).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func listActive(ctx context.Context, db bun.IDB, pool domain.Pool) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", pool.DoctorID).
		Where("branch_id = ?", pool.BranchID).
		Where("appointment_date = ?", pool.Date.Format(domain.DateLayout)).
		Where("status IN (?)", bun.In(store.ActiveStatuses)).
		OrderExpr("slot_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return err
	}
	switch pgErr.ConstraintName {
	case activeSlotIndex:
		return store.ErrSlotTaken
	case primaryKeyIndex:
		return store.ErrIdempotencyConflict
	}
	return err
}
