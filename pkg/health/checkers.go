package health

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck returns a CheckFunc that reports unhealthy when the
// number of goroutines exceeds the given threshold. This is useful as a
// liveness check to detect goroutine leaks.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		count := runtime.NumGoroutine()
		if count > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", count, threshold)
		}
		return nil
	}
}

// GCMaxPauseCheck returns a CheckFunc that reports unhealthy when the maximum
// GC pause (stop-the-world) duration exceeds the given threshold. This is
// useful as a liveness check to detect memory pressure or excessively large
// heaps causing long GC pauses.
func GCMaxPauseCheck(threshold time.Duration) CheckFunc {
	return func(_ context.Context) error {
		var stats debug.GCStats
		debug.ReadGCStats(&stats)

		for _, pause := range stats.Pause {
			if pause > threshold {
				return errors.Errorf("GC pause %s exceeds threshold %s", pause, threshold)
			}
		}
		return nil
	}
}

// Freshness reports unhealthy when a periodic task stops reporting progress.
type Freshness struct {
	last    func() time.Time
	maxAge  time.Duration
	now     func() time.Time
	started time.Time
}

// FreshnessCheck returns a Freshness for a task whose last completion time
// is reported by last. A task that has never run is given maxAge from
// creation before it is considered stalled.
func FreshnessCheck(last func() time.Time, maxAge time.Duration) *Freshness {
	return &Freshness{
		last:    last,
		maxAge:  maxAge,
		now:     time.Now,
		started: time.Now(),
	}
}

// Check implements CheckFunc.
func (f *Freshness) Check(_ context.Context) error {
	now := f.now()
	last := f.last()
	if last.IsZero() {
		if now.Sub(f.started) > f.maxAge {
			return errors.Errorf("has not run in %s", now.Sub(f.started).Round(time.Second))
		}
		return nil
	}
	if age := now.Sub(last); age > f.maxAge {
		return errors.Errorf("last ran %s ago, threshold %s", age.Round(time.Second), f.maxAge)
	}
	return nil
}
