package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const DateLayout = "2006-01-02"

// DoctorSchedule is one recurring weekly session of a doctor at a branch.
// Start and end are minutes since local midnight in the clinic time zone.
type DoctorSchedule struct {
	bun.BaseModel `bun:"table:doctor_schedules"`

	ID              uuid.UUID `bun:"id,pk,type:uuid"`
	DoctorID        string    `bun:"doctor_id,notnull"`
	BranchID        string    `bun:"branch_id,notnull"`
	Weekday         int16     `bun:"weekday,notnull"`
	StartMinute     int       `bun:"start_minute,notnull"`
	EndMinute       int       `bun:"end_minute,notnull"`
	DurationMinutes int       `bun:"duration_minutes,notnull"`
	MaxPatients     int       `bun:"max_patients,notnull"`
	Active          bool      `bun:"active,notnull"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	UpdatedAt       time.Time `bun:"updated_at,notnull"`
}

func (s *DoctorSchedule) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if s.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			s.ID = id
		}
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		s.UpdatedAt = now
	}
	return nil
}

func (s DoctorSchedule) Validate() error {
	if s.DurationMinutes <= 0 {
		return errors.New("invalid duration")
	}
	if s.Weekday < 0 || s.Weekday > 6 {
		return errors.New("invalid weekday")
	}
	if s.StartMinute < 0 || s.EndMinute > 24*60 || s.StartMinute >= s.EndMinute {
		return errors.New("invalid session window")
	}
	if s.MaxPatients < 0 {
		return errors.New("invalid max_patients")
	}
	return nil
}

// Capacity is the number of whole slots in the session, lowered to
// MaxPatients when that is set and smaller. A trailing partial slot is dropped.
func (s DoctorSchedule) Capacity() int {
	if s.DurationMinutes <= 0 || s.EndMinute <= s.StartMinute {
		return 0
	}
	n := (s.EndMinute - s.StartMinute) / s.DurationMinutes
	if s.MaxPatients > 0 && s.MaxPatients < n {
		n = s.MaxPatients
	}
	return n
}

func (s DoctorSchedule) Covers(date time.Time) bool {
	return s.Active && int16(date.Weekday()) == s.Weekday
}

func (s DoctorSchedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Pool identifies the capacity pool of one doctor at one branch on one date.
type Pool struct {
	DoctorID string
	BranchID string
	Date     time.Time
}

func (p Pool) Key() string {
	return p.DoctorID + "|" + p.BranchID + "|" + p.Date.Format(DateLayout)
}

// CivilDate truncates t to its calendar date, expressed as midnight UTC.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD")
	}
	return t, nil
}
