package memstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/store"
)

// Catalog is an in-process ScheduleCatalog.
type Catalog struct {
	mu        sync.RWMutex
	schedules map[uuid.UUID]domain.DoctorSchedule
}

func NewCatalog() *Catalog {
	return &Catalog{schedules: make(map[uuid.UUID]domain.DoctorSchedule)}
}

func (c *Catalog) Add(s domain.DoctorSchedule) (domain.DoctorSchedule, error) {
	if err := s.Validate(); err != nil {
		return domain.DoctorSchedule{}, err
	}
	if s.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.DoctorSchedule{}, err
		}
		s.ID = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedules[s.ID] = s
	return s, nil
}

func (c *Catalog) Get(ctx context.Context, id uuid.UUID) (domain.DoctorSchedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.schedules[id]
	if !ok {
		return domain.DoctorSchedule{}, store.ErrNotFound
	}
	return s, nil
}

func (c *Catalog) ListForDoctor(ctx context.Context, doctorID, branchID string) ([]domain.DoctorSchedule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.DoctorSchedule, 0)
	for _, s := range c.schedules {
		if s.Active && s.DoctorID == doctorID && s.BranchID == branchID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weekday != out[j].Weekday {
			return out[i].Weekday < out[j].Weekday
		}
		return out[i].StartMinute < out[j].StartMinute
	})
	return out, nil
}

type scheduleSeed struct {
	ID              string `json:"id"`
	DoctorID        string `json:"doctor_id"`
	BranchID        string `json:"branch_id"`
	Weekday         int16  `json:"weekday"`
	Start           string `json:"start"`
	End             string `json:"end"`
	DurationMinutes int    `json:"duration_minutes"`
	MaxPatients     int    `json:"max_patients"`
	Inactive        bool   `json:"inactive"`
}

// LoadFile reads a JSON array of schedules with "HH:MM" start and end times
// and adds each of them to the catalog.
func (c *Catalog) LoadFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return c.Load(b)
}

func (c *Catalog) Load(data []byte) (int, error) {
	var seeds []scheduleSeed
	if err := json.Unmarshal(data, &seeds); err != nil {
		return 0, fmt.Errorf("decode schedules: %w", err)
	}

	for i, seed := range seeds {
		s, err := seed.schedule()
		if err != nil {
			return i, fmt.Errorf("schedule %d: %w", i, err)
		}
		if _, err := c.Add(s); err != nil {
			return i, fmt.Errorf("schedule %d: %w", i, err)
		}
	}
	return len(seeds), nil
}

func (s scheduleSeed) schedule() (domain.DoctorSchedule, error) {
	if strings.TrimSpace(s.DoctorID) == "" || strings.TrimSpace(s.BranchID) == "" {
		return domain.DoctorSchedule{}, fmt.Errorf("doctor_id and branch_id are required")
	}
	start, err := parseClock(s.Start)
	if err != nil {
		return domain.DoctorSchedule{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseClock(s.End)
	if err != nil {
		return domain.DoctorSchedule{}, fmt.Errorf("end: %w", err)
	}

	out := domain.DoctorSchedule{
		DoctorID:        s.DoctorID,
		BranchID:        s.BranchID,
		Weekday:         s.Weekday,
		StartMinute:     start,
		EndMinute:       end,
		DurationMinutes: s.DurationMinutes,
		MaxPatients:     s.MaxPatients,
		Active:          !s.Inactive,
	}
	if s.ID != "" {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return domain.DoctorSchedule{}, fmt.Errorf("id: %w", err)
		}
		out.ID = id
	}
	return out, nil
}

func parseClock(v string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, fmt.Errorf("time must be HH:MM")
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("time must be HH:MM")
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time must be HH:MM")
	}
	return h*60 + m, nil
}
