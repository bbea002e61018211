package reservation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Leader decides whether this replica should run singleton background work.
type Leader interface {
	TryLead(ctx context.Context) (bool, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	// Interval between runs. Defaults to 5 minutes.
	Interval time.Duration
	// Batch is the page size of expired reservations. Defaults to 100.
	Batch int
	// MaxPasses bounds the pages handled in one run. Defaults to 50.
	MaxPasses int
	// Leader elects the sweeping replica; nil means always sweep.
	Leader Leader
}

// Sweeper expires reservations abandoned past their deadline and returns
// their slots to the usage counters.
type Sweeper struct {
	m   *Manager
	cfg SweeperConfig

	lastRun atomic.Int64
}

// NewSweeper creates a Sweeper sharing the manager's store, clock and
// telemetry.
func (m *Manager) NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 50
	}
	return &Sweeper{m: m, cfg: cfg}
}

// Sweep expires every reservation still reserved past its deadline at now
// and returns how many were expired. Each reservation is handled in its own
// transaction; failures are logged and left for the next run.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	lg := s.m.lg
	expired := 0
	for pass := 0; pass < s.cfg.MaxPasses; pass++ {
		ids, err := s.m.store.ExpiredReservations(ctx, now, s.cfg.Batch)
		if err != nil {
			return expired, errors.Wrap(err, "list expired reservations")
		}

		progressed := 0
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			ok, err := s.expire(ctx, id, now)
			if err != nil {
				lg.Warn("Failed to expire reservation",
					zap.String("reservation_id", id),
					zap.Error(err),
				)
				continue
			}
			if ok {
				progressed++
			}
		}
		expired += progressed

		if len(ids) < s.cfg.Batch || progressed == 0 {
			break
		}
	}
	return expired, nil
}

// expire re-reads the reservation under lock so that a concurrent apply or
// release wins cleanly.
func (s *Sweeper) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	var done bool
	err := s.m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		done = false
		r, err := tx.LockReservation(ctx, id)
		if err != nil {
			return errors.Wrap(err, "lock reservation")
		}
		if !r.Overdue(now) {
			return nil
		}
		if err := s.m.transition(ctx, tx, r, StatusExpired, "", now); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err == nil && done {
		s.m.metrics.transition(ctx, StatusExpired)
	}
	return done, err
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	lg := s.m.lg
	if s.cfg.Leader != nil {
		lead, err := s.cfg.Leader.TryLead(ctx)
		if err != nil {
			lg.Warn("Sweeper leadership check failed", zap.Error(err))
			return
		}
		if !lead {
			s.lastRun.Store(s.m.now().UnixNano())
			return
		}
	}

	start := s.m.now()
	n, err := s.Sweep(ctx, start)
	if err != nil {
		if ctx.Err() == nil {
			lg.Error("Sweep failed", zap.Int("expired", n), zap.Error(err))
		}
		return
	}
	s.lastRun.Store(start.UnixNano())
	if n > 0 {
		lg.Info("Expired stale reservations", zap.Int("count", n))
	}
}

// LastRun returns when the sweeper last completed a tick, or the zero time.
func (s *Sweeper) LastRun() time.Time {
	v := s.lastRun.Load()
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Interval returns the configured sweep interval.
func (s *Sweeper) Interval() time.Duration { return s.cfg.Interval }
