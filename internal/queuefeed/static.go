package queuefeed

import (
	"context"
	"errors"
	"sync"

	"clinicq/backend/internal/domain"
)

// Static keeps counters in process memory.
type Static struct {
	mu      sync.Mutex
	serving map[string]int
}

func NewStatic() *Static {
	return &Static{serving: make(map[string]int)}
}

func (s *Static) CurrentServing(ctx context.Context, pool domain.Pool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serving[pool.Key()], nil
}

func (s *Static) Advance(ctx context.Context, pool domain.Pool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serving[pool.Key()]++
	return s.serving[pool.Key()], nil
}

func (s *Static) Set(ctx context.Context, pool domain.Pool, serving int) error {
	if serving < 0 {
		return errors.New("serving must not be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if serving < s.serving[pool.Key()] {
		return ErrCounterRewind
	}
	s.serving[pool.Key()] = serving
	return nil
}
