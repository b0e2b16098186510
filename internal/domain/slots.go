package domain

import (
	"errors"
	"time"
)

var ErrWeekdayMismatch = errors.New("date does not fall on the schedule weekday")

type SlotDescriptor struct {
	Number         int       `json:"number"`
	EstimatedStart time.Time `json:"estimated_start"`
	EstimatedEnd   time.Time `json:"estimated_end"`
	IsBooked       bool      `json:"is_booked"`
	IsAvailable    bool      `json:"is_available"`
}

// GenerateSlots lays out the numbered slots of schedule on date. booked holds
// the slot numbers of the pool's active appointments; numbers outside
// [1, capacity] are ignored. Times are computed in loc (UTC when nil) so a
// session keeps its wall-clock start across DST changes.
func GenerateSlots(schedule DoctorSchedule, date time.Time, booked []int, loc *time.Location) ([]SlotDescriptor, error) {
	if schedule.DurationMinutes <= 0 {
		return nil, errors.New("invalid duration")
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if int16(date.Weekday()) != schedule.Weekday {
		return nil, ErrWeekdayMismatch
	}
	if loc == nil {
		loc = time.UTC
	}

	n := schedule.Capacity()
	taken := make(map[int]struct{}, len(booked))
	for _, b := range booked {
		if b >= 1 && b <= n {
			taken[b] = struct{}{}
		}
	}

	y, m, d := date.Date()
	out := make([]SlotDescriptor, 0, n)
	for i := 1; i <= n; i++ {
		offset := schedule.StartMinute + (i-1)*schedule.DurationMinutes
		start := time.Date(y, m, d, 0, offset, 0, 0, loc)
		end := time.Date(y, m, d, 0, offset+schedule.DurationMinutes, 0, 0, loc)
		_, isBooked := taken[i]
		out = append(out, SlotDescriptor{
			Number:         i,
			EstimatedStart: start,
			EstimatedEnd:   end,
			IsBooked:       isBooked,
			IsAvailable:    !isBooked,
		})
	}
	return out, nil
}

// NextFreeSlot returns the lowest slot number in [1, capacity] not present in
// taken. On a pool without cancellations this is len(taken)+1.
func NextFreeSlot(capacity int, taken []int) (int, bool) {
	used := make(map[int]struct{}, len(taken))
	for _, t := range taken {
		used[t] = struct{}{}
	}
	for i := 1; i <= capacity; i++ {
		if _, ok := used[i]; !ok {
			return i, true
		}
	}
	return 0, false
}
