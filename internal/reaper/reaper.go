package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// HoldReleaser cancels pending holds whose payment window has lapsed.
type HoldReleaser interface {
	ReleaseExpiredHolds(ctx context.Context) (int, error)
}

// Locker elects a single reaper when several instances share a ledger.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

const (
	lockKey = "clinicq:reaper:leader"
	lockTTL = 2 * time.Minute
)

type Reaper struct {
	holds  HoldReleaser
	locker Locker
	log    *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(holds HoldReleaser, locker Locker, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		holds:  holds,
		locker: locker,
		log:    log.With(slog.String("component", "reaper")),
	}
}

// Start schedules RunOnce on spec, any expression robfig/cron accepts
// including "@every 1m".
func (r *Reaper) Start(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return errors.New("reaper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { r.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("reaper schedule %q: %w", spec, err)
	}
	c.Start()

	r.cron, r.cancel = c, cancel
	r.log.Info("reaper started", slog.String("schedule", spec))
	return nil
}

// Stop waits for an in-flight run to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	cancel()
	r.log.Info("reaper stopped")
}

// RunOnce releases one batch of expired holds and returns how many were
// released.
func (r *Reaper) RunOnce(ctx context.Context) int {
	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			r.log.Warn("leader lock attempt failed", slog.Any("err", err))
			return 0
		}
		if !ok {
			r.log.Debug("leader lock held by another instance")
			return 0
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(ctx), lockKey, token); err != nil {
				r.log.Warn("leader unlock failed", slog.Any("err", err))
			}
		}()
	}

	n, err := r.holds.ReleaseExpiredHolds(ctx)
	if err != nil {
		r.log.Error("release expired holds failed", slog.Any("err", err))
		return n
	}
	if n > 0 {
		r.log.Info("expired holds released", slog.Int("count", n))
	}
	return n
}
