package reservation_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

type stubLeader struct {
	lead  bool
	err   error
	calls atomic.Int32
}

func (l *stubLeader) TryLead(context.Context) (bool, error) {
	l.calls.Add(1)
	return l.lead, l.err
}

// Reservation created at T with a 30 minute TTL, sweeper invoked at T+31m.
func TestSweeper_ExpiresStaleReservation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	sw := e.mgr.NewSweeper(reservation.SweeperConfig{})
	n, err := sw.Sweep(ctx, e.clock.Now().Add(31*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)

	global, user := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
	assert.Zero(t, user)

	// Applying an expired reservation is refused.
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	assertCode(t, err, coupon.CodeReservationExpired)
}

func TestSweeper_LeavesLiveReservations(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	sw := e.mgr.NewSweeper(reservation.SweeperConfig{})
	n, err := sw.Sweep(ctx, e.clock.Now().Add(29*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusReserved, got.Status)
}

func TestSweeper_PagesThroughBacklog(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	for i := 0; i < 7; i++ {
		_, err := e.reserve(t, fmt.Sprintf("u%d", i), fmt.Sprintf("ride-%d", i))
		require.NoError(t, err)
	}
	// Applied reservations are never expired.
	_, err := e.mgr.ApplyForRide(ctx, "ride-0", reservation.FinalFare{Fare: d("50")})
	require.NoError(t, err)

	sw := e.mgr.NewSweeper(reservation.SweeperConfig{Batch: 2})
	n, err := sw.Sweep(ctx, e.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	global, _ := e.store.Counters("SAVE20", "")
	assert.Equal(t, 1, global)

	st, err := e.mgr.Stats(ctx, "SAVE20")
	require.NoError(t, err)
	assert.Equal(t, 6, st.Expired)
	assert.Equal(t, 1, st.Applied)
}

// Applies land exactly at the deadline while a sweep runs just past it, so
// every row is contested by both sides.
func TestSweeper_RacesApply(t *testing.T) {
	const rides = 200
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	ids := make([]string, rides)
	for i := range ids {
		r, err := e.reserve(t, fmt.Sprintf("u%d", i), fmt.Sprintf("ride-%d", i))
		require.NoError(t, err)
		ids[i] = r.ID
	}
	e.clock.Advance(e.mgr.TTL())
	sweepAt := e.clock.Now().Add(time.Second)

	var (
		wg       sync.WaitGroup
		applied  atomic.Int32
		swept    int
		sweepErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		swept, sweepErr = e.mgr.NewSweeper(reservation.SweeperConfig{Batch: 10}).Sweep(ctx, sweepAt)
	}()
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.mgr.Apply(ctx, id, reservation.FinalFare{Fare: d("50")})
			switch {
			case err == nil:
				applied.Add(1)
			case coupon.IsCode(err, coupon.CodeReservationExpired):
			default:
				t.Errorf("apply %s: %v", id, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, sweepErr)

	var appliedRows, expiredRows int
	for _, id := range ids {
		r, err := e.mgr.Get(ctx, id)
		require.NoError(t, err)
		switch r.Status {
		case reservation.StatusApplied:
			appliedRows++
		case reservation.StatusExpired:
			expiredRows++
		default:
			t.Errorf("reservation %s left %s", id, r.Status)
		}
	}
	assert.Equal(t, int(applied.Load()), appliedRows)
	assert.Equal(t, swept, expiredRows)
	assert.Equal(t, rides, appliedRows+expiredRows)

	global, _ := e.store.Counters("SAVE20", "")
	assert.Equal(t, appliedRows, global)

	pending, err := e.store.PendingDiscounts(ctx, 2*rides)
	require.NoError(t, err)
	assert.Len(t, pending, appliedRows)
}

func TestSweeper_Run(t *testing.T) {
	tests := []struct {
		name        string
		leader      *stubLeader
		wantExpired bool
		wantLastRun bool
	}{
		{
			name:        "single replica",
			wantExpired: true,
			wantLastRun: true,
		},
		{
			name:        "leader",
			leader:      &stubLeader{lead: true},
			wantExpired: true,
			wantLastRun: true,
		},
		{
			name:        "follower",
			leader:      &stubLeader{lead: false},
			wantLastRun: true,
		},
		{
			name:   "lease unavailable",
			leader: &stubLeader{err: errors.New("redis down")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.store.AddCoupon(save20())
			r, err := e.reserve(t, "u1", "ride-1")
			require.NoError(t, err)
			e.clock.Advance(time.Hour)

			cfg := reservation.SweeperConfig{Interval: time.Hour}
			if tt.leader != nil {
				cfg.Leader = tt.leader
			}
			sw := e.mgr.NewSweeper(cfg)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- sw.Run(ctx) }()

			want := reservation.StatusReserved
			if tt.wantExpired {
				want = reservation.StatusExpired
			}
			if tt.leader != nil {
				require.Eventually(t, func() bool { return tt.leader.calls.Load() > 0 }, time.Second, 5*time.Millisecond)
			}
			if tt.wantExpired || tt.wantLastRun {
				require.Eventually(t, func() bool { return !sw.LastRun().IsZero() }, time.Second, 5*time.Millisecond)
			}
			cancel()
			require.NoError(t, <-done)

			got, err := e.mgr.Get(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, want, got.Status)
			assert.Equal(t, tt.wantLastRun, !sw.LastRun().IsZero())
		})
	}
}
