package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AppointmentStatus string

const (
	StatusPending     AppointmentStatus = "pending"
	StatusConfirmed   AppointmentStatus = "confirmed"
	StatusCancelled   AppointmentStatus = "cancelled"
	StatusRescheduled AppointmentStatus = "rescheduled"
	StatusCompleted   AppointmentStatus = "completed"
)

// Active reports whether an appointment in this status holds its slot.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusRescheduled, StatusCompleted:
		return true
	}
	return false
}

type CancellationSource string

const (
	CancellationNone    CancellationSource = "none"
	CancellationPatient CancellationSource = "patient"
	CancellationAdmin   CancellationSource = "admin"
)

func (s CancellationSource) Valid() bool {
	return s == CancellationNone || s == CancellationPatient || s == CancellationAdmin
}

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusCancelled, StatusRescheduled},
	StatusConfirmed: {StatusCancelled, StatusRescheduled, StatusCompleted},
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID                 uuid.UUID          `bun:"id,pk,type:uuid"`
	PatientID          string             `bun:"patient_id,notnull"`
	DoctorID           string             `bun:"doctor_id,notnull"`
	BranchID           string             `bun:"branch_id,notnull"`
	ScheduleID         uuid.UUID          `bun:"schedule_id,notnull,type:uuid"`
	Date               time.Time          `bun:"appointment_date,notnull,type:date"`
	SlotNumber         int                `bun:"slot_number,notnull"`
	ScheduledStart     time.Time          `bun:"scheduled_start,notnull"`
	ScheduledEnd       time.Time          `bun:"scheduled_end,notnull"`
	Status             AppointmentStatus  `bun:"status,notnull"`
	RescheduleCount    int                `bun:"reschedule_count,notnull"`
	CancellationSource CancellationSource `bun:"cancellation_source,notnull"`
	CancelReason       string             `bun:"cancel_reason"`
	HoldExpiresAt      *time.Time         `bun:"hold_expires_at"`
	PaymentOrderID     string             `bun:"payment_order_id"`
	RescheduledFromID  *uuid.UUID         `bun:"rescheduled_from_id,type:uuid"`
	RescheduledToID    *uuid.UUID         `bun:"rescheduled_to_id,type:uuid"`
	Version            int                `bun:"version,notnull"`
	CreatedAt          time.Time          `bun:"created_at,notnull"`
	UpdatedAt          time.Time          `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

func (a Appointment) Pool() Pool {
	return Pool{DoctorID: a.DoctorID, BranchID: a.BranchID, Date: a.Date}
}

// HoldExpired reports whether a pending booking's payment hold has lapsed.
func (a Appointment) HoldExpired(now time.Time) bool {
	return a.Status == StatusPending && a.HoldExpiresAt != nil && !now.Before(*a.HoldExpiresAt)
}

func (a Appointment) transition(to AppointmentStatus, now time.Time) (Appointment, error) {
	if !CanTransition(a.Status, to) {
		return Appointment{}, ErrInvalidTransition
	}
	a.Status = to
	a.UpdatedAt = now.UTC()
	if to != StatusPending {
		a.HoldExpiresAt = nil
	}
	return a, nil
}

func (a Appointment) Confirm(now time.Time) (Appointment, error) {
	return a.transition(StatusConfirmed, now)
}

func (a Appointment) Cancel(source CancellationSource, reason string, now time.Time) (Appointment, error) {
	out, err := a.transition(StatusCancelled, now)
	if err != nil {
		return Appointment{}, err
	}
	out.CancellationSource = source
	out.CancelReason = reason
	return out, nil
}

func (a Appointment) MarkRescheduled(successor uuid.UUID, now time.Time) (Appointment, error) {
	out, err := a.transition(StatusRescheduled, now)
	if err != nil {
		return Appointment{}, err
	}
	out.RescheduledToID = &successor
	return out, nil
}

func (a Appointment) Complete(now time.Time) (Appointment, error) {
	return a.transition(StatusCompleted, now)
}
