package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

type ScheduleRepo struct {
	db *bun.DB
}

func NewScheduleRepo(db *bun.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) Get(ctx context.Context, id uuid.UUID) (domain.DoctorSchedule, error) {
	var out domain.DoctorSchedule
	err := r.db.NewSelect().
		Model(&out).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DoctorSchedule{}, store.ErrNotFound
	}
	if err != nil {
		return domain.DoctorSchedule{}, err
	}
	return out, nil
}

func (r *ScheduleRepo) ListForDoctor(ctx context.Context, doctorID, branchID string) ([]domain.DoctorSchedule, error) {
	var rows []domain.DoctorSchedule
	err := r.db.NewSelect().
		Model(&rows).
		Where("doctor_id = ?", doctorID).
		Where("branch_id = ?", branchID).
		Where("active").
		OrderExpr("weekday ASC, start_minute ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
