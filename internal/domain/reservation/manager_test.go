package reservation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
	"github.com/xenking/ride-coupons/internal/domain/segment"
	"github.com/xenking/ride-coupons/internal/storage/memory"
)

// --- Helpers ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

func intPtr(v int) *int { return &v }

func save20(mutate ...func(c *coupon.Coupon)) coupon.Coupon {
	c := coupon.Coupon{
		Code:         "SAVE20",
		Name:         "20% off",
		DiscountType: coupon.DiscountPercent,
		Value:        d("20"),
		MinFare:      d("10"),
		Eligibility:  coupon.EligibilityAll,
		Active:       true,
	}
	for _, m := range mutate {
		m(&c)
	}
	return c
}

func ride(fare string) coupon.Ride {
	return coupon.Ride{Fare: d(fare), CityID: "cairo", ServiceType: "ride_request"}
}

type env struct {
	mgr   *reservation.Manager
	store *memory.Store
	clock *fakeClock
}

func newEnv(t *testing.T, opts ...reservation.Option) *env {
	t.Helper()
	store := memory.New()
	clock := newClock()
	opts = append([]reservation.Option{reservation.WithClock(clock.Now)}, opts...)
	mgr, err := reservation.NewManager(store, opts...)
	require.NoError(t, err)
	return &env{mgr: mgr, store: store, clock: clock}
}

func (e *env) reserve(t *testing.T, user, rideID string) (*reservation.Reservation, error) {
	t.Helper()
	return e.mgr.Reserve(context.Background(), reservation.ReserveRequest{
		Code:   "save20",
		UserID: user,
		RideID: rideID,
		Ride:   ride("50"),
	})
}

func assertCode(t *testing.T, err error, want coupon.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, coupon.CodeOf(err), "error: %v", err)
}

// --- Reserve ---

func TestManager_Reserve(t *testing.T) {
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) {
		c.GlobalLimit = intPtr(10)
		c.PerUserLimit = intPtr(2)
	}))

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, reservation.StatusReserved, r.Status)
	assert.Equal(t, "SAVE20", r.CouponCode)
	assert.Equal(t, e.clock.Now().Add(reservation.DefaultTTL), r.ExpiresAt)
	assert.True(t, d("10").Equal(r.EstimatedDiscount), "estimated discount %s", r.EstimatedDiscount)

	global, user := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, user)
}

// Two concurrent reserves against a single remaining use: exactly one wins.
func TestManager_Reserve_ConcurrentGlobalLimit(t *testing.T) {
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.GlobalLimit = intPtr(1) }))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.reserve(t, fmt.Sprintf("user-%d", i), fmt.Sprintf("ride-%d", i))
		}()
	}
	wg.Wait()

	var ok, limited int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case coupon.IsCode(err, coupon.CodeGlobalLimitReached):
			limited++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, limited)

	global, _ := e.store.Counters("SAVE20", "user-0")
	assert.Equal(t, 1, global)
}

func TestManager_Reserve_ManyConcurrentNeverExceedLimit(t *testing.T) {
	const limit = 5
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.GlobalLimit = intPtr(limit) }))

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.reserve(t, fmt.Sprintf("user-%d", i), fmt.Sprintf("ride-%d", i)); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, won)
	global, _ := e.store.Counters("SAVE20", "")
	assert.Equal(t, limit, global)
}

// A user who already applied the coupon up to the per-user limit is refused.
func TestManager_Reserve_UserLimitCountsApplied(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.PerUserLimit = intPtr(1) }))

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("48")})
	require.NoError(t, err)

	_, err = e.reserve(t, "u1", "ride-2")
	assertCode(t, err, coupon.CodeUserLimitReached)

	// Other riders are unaffected.
	_, err = e.reserve(t, "u2", "ride-3")
	require.NoError(t, err)
}

func TestManager_Reserve_RideAlreadyHasCoupon(t *testing.T) {
	e := newEnv(t)
	e.store.AddCoupon(save20())

	_, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	_, err = e.reserve(t, "u1", "ride-1")
	assertCode(t, err, coupon.CodeRideAlreadyHasCoupon)

	global, _ := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
}

func TestManager_Reserve_AfterReleaseRideIsFree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Release(ctx, r.ID, "rider changed mind"))

	_, err = e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
}

func TestManager_Reserve_IdempotencyKey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	req := reservation.ReserveRequest{
		Code:           "SAVE20",
		UserID:         "u1",
		RideID:         "ride-1",
		IdempotencyKey: "key-1",
		Ride:           ride("50"),
	}
	first, err := e.mgr.Reserve(ctx, req)
	require.NoError(t, err)
	second, err := e.mgr.Reserve(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	global, user := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, user)
}

func TestManager_Reserve_EvaluationFailures(t *testing.T) {
	tests := []struct {
		name   string
		coupon coupon.Coupon
		code   string
		fare   string
		want   coupon.Code
	}{
		{
			name:   "unknown code",
			coupon: save20(),
			code:   "NOPE",
			fare:   "50",
			want:   coupon.CodeCouponNotFound,
		},
		{
			name:   "inactive",
			coupon: save20(func(c *coupon.Coupon) { c.Active = false }),
			code:   "SAVE20",
			fare:   "50",
			want:   coupon.CodeCouponInactive,
		},
		{
			name:   "below minimum fare",
			coupon: save20(func(c *coupon.Coupon) { c.MinFare = d("50") }),
			code:   "SAVE20",
			fare:   "40",
			want:   coupon.CodeMinFareNotMet,
		},
		{
			name:   "wrong city",
			coupon: save20(func(c *coupon.Coupon) { c.AllowedCityIDs = []string{"giza"} }),
			code:   "SAVE20",
			fare:   "50",
			want:   coupon.CodeCityNotAllowed,
		},
		{
			name:   "not targeted",
			coupon: save20(func(c *coupon.Coupon) { c.Eligibility = coupon.EligibilityTargeted }),
			code:   "SAVE20",
			fare:   "50",
			want:   coupon.CodeNotInTargetList,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.store.AddCoupon(tt.coupon)

			_, err := e.mgr.Reserve(context.Background(), reservation.ReserveRequest{
				Code:   tt.code,
				UserID: "u1",
				RideID: "ride-1",
				Ride:   ride(tt.fare),
			})
			assertCode(t, err, tt.want)

			global, user := e.store.Counters(tt.coupon.Code, "u1")
			assert.Zero(t, global)
			assert.Zero(t, user)
		})
	}
}

func TestManager_Reserve_TargetedRider(t *testing.T) {
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.Eligibility = coupon.EligibilityTargeted }))
	e.store.AddTargetUsers("SAVE20", "vip")

	_, err := e.reserve(t, "vip", "ride-1")
	require.NoError(t, err)
	_, err = e.reserve(t, "regular", "ride-2")
	assertCode(t, err, coupon.CodeNotInTargetList)
}

func TestManager_Reserve_Segment(t *testing.T) {
	matcher, err := segment.New(segment.StrategyBuiltin)
	require.NoError(t, err)

	e := newEnv(t, reservation.WithSegments(matcher))
	e.store.AddCoupon(save20(func(c *coupon.Coupon) {
		c.Eligibility = coupon.EligibilitySegment
		c.SegmentKey = segment.NewUser
	}))
	now := e.clock.Now()
	e.store.SetProfile(coupon.Profile{UserID: "fresh", SignedUpAt: now.Add(-48 * time.Hour)})
	e.store.SetProfile(coupon.Profile{UserID: "veteran", SignedUpAt: now.Add(-400 * 24 * time.Hour)})

	_, err = e.reserve(t, "fresh", "ride-1")
	require.NoError(t, err)
	_, err = e.reserve(t, "veteran", "ride-2")
	assertCode(t, err, coupon.CodeSegmentNotMatched)
	_, err = e.reserve(t, "unknown", "ride-3")
	assertCode(t, err, coupon.CodeSegmentNotMatched)
}

func TestManager_Reserve_RetriesConflicts(t *testing.T) {
	e := newEnv(t, reservation.WithAttempts(3))
	e.store.AddCoupon(save20())

	e.store.InjectConflicts(2)
	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusReserved, r.Status)

	global, _ := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
}

func TestManager_Reserve_ConflictExhausted(t *testing.T) {
	e := newEnv(t, reservation.WithAttempts(3))
	e.store.AddCoupon(save20())

	e.store.InjectConflicts(3)
	_, err := e.reserve(t, "u1", "ride-1")
	assertCode(t, err, coupon.CodeConcurrencyConflict)
	assert.True(t, coupon.CodeOf(err).Retryable())

	global, _ := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
}

func TestManager_Reserve_RequiresIdentity(t *testing.T) {
	e := newEnv(t)
	e.store.AddCoupon(save20())

	_, err := e.reserve(t, "", "ride-1")
	assertCode(t, err, coupon.CodeInternal)
}

// --- Validate ---

func TestManager_Validate(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.MinFare = d("50") }))

	v, err := e.mgr.Validate(ctx, reservation.ValidateRequest{Code: "SAVE20", UserID: "u1", Ride: ride("40")})
	require.NoError(t, err)
	assert.Equal(t, coupon.CodeMinFareNotMet, v.Result.Code)
	require.NotNil(t, v.Coupon)

	v, err = e.mgr.Validate(ctx, reservation.ValidateRequest{Code: "SAVE20", UserID: "u1", Ride: ride("60")})
	require.NoError(t, err)
	assert.True(t, v.Result.Eligible())
	assert.True(t, d("12").Equal(v.Result.Discount))

	v, err = e.mgr.Validate(ctx, reservation.ValidateRequest{Code: "MISSING", UserID: "u1", Ride: ride("60")})
	require.NoError(t, err)
	assert.Nil(t, v.Coupon)
	assert.Equal(t, coupon.CodeCouponNotFound, v.Result.Code)

	// Validation never touches counters.
	global, user := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
	assert.Zero(t, user)
}

// --- Available ---

func TestManager_Available(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	now := e.clock.Now()
	at := func(days int) *time.Time {
		v := now.AddDate(0, 0, days)
		return &v
	}

	e.store.AddCoupon(save20())
	e.store.AddCoupon(save20(func(c *coupon.Coupon) {
		c.Code = "ONCE"
		c.PerUserLimit = intPtr(1)
		c.EndsAt = at(15)
	}))
	e.store.AddCoupon(save20(func(c *coupon.Coupon) {
		c.Code = "VIP"
		c.Eligibility = coupon.EligibilityTargeted
	}))
	e.store.AddTargetUsers("VIP", "u1")
	e.store.AddCoupon(save20(func(c *coupon.Coupon) {
		c.Code = "SEG"
		c.Eligibility = coupon.EligibilitySegment
		c.SegmentKey = segment.HighValue
	}))
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.Code = "OFF"; c.Active = false }))
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.Code = "OLD"; c.EndsAt = at(-14) }))
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.Code = "SOON"; c.StartsAt = at(16) }))

	_, err := e.mgr.Reserve(ctx, reservation.ReserveRequest{
		Code: "ONCE", UserID: "u1", RideID: "ride-1", Ride: ride("50"),
	})
	require.NoError(t, err)

	listed := func(userID string) map[string]bool {
		t.Helper()
		offers, err := e.mgr.Available(ctx, userID)
		require.NoError(t, err)
		out := make(map[string]bool, len(offers))
		for _, o := range offers {
			out[o.Coupon.Code] = o.CanUse
		}
		return out
	}

	assert.Equal(t, map[string]bool{"ONCE": false, "SAVE20": true, "VIP": true}, listed("u1"))
	assert.Equal(t, map[string]bool{"ONCE": true, "SAVE20": true}, listed("u2"))

	offers, err := e.mgr.Available(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, offers, 3)
	// Coupons ending soonest come first.
	assert.Equal(t, "ONCE", offers[0].Coupon.Code)
	assert.Equal(t, 1, offers[0].Usage.UserUsed)
}

func TestManager_Available_GlobalLimitReached(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.GlobalLimit = intPtr(1) }))

	_, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	offers, err := e.mgr.Available(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.False(t, offers[0].CanUse)
	assert.Equal(t, 1, offers[0].Usage.GlobalUsed)
}

// --- Apply ---

func TestManager_Apply(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.MaxDiscount = decPtr("8") }))

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	red, err := e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("55")})
	require.NoError(t, err)

	assert.True(t, d("8").Equal(red.Discount), "discount %s", red.Discount)
	assert.Equal(t, reservation.StatusApplied, red.Reservation.Status)
	require.NotNil(t, red.Reservation.AppliedAt)
	assert.Equal(t, e.clock.Now(), *red.Reservation.AppliedAt)

	pending, err := e.store.PendingDiscounts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ReservationID)
	assert.Equal(t, "ride-1", pending[0].RideID)
	assert.True(t, d("8").Equal(pending[0].DiscountAmount))

	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusApplied, got.Status)

	// Applied reservations keep their counter increment.
	global, user := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, user)
}

func TestManager_Apply_Twice(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	require.NoError(t, err)

	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	assertCode(t, err, coupon.CodeAlreadyRedeemed)

	global, user := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
	assert.Equal(t, 1, user)

	pending, err := e.store.PendingDiscounts(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestManager_Apply_Unknown(t *testing.T) {
	e := newEnv(t)
	_, err := e.mgr.Apply(context.Background(), "nope", reservation.FinalFare{Fare: d("10")})
	assertCode(t, err, coupon.CodeReservationNotFound)
}

func TestManager_Apply_Cancelled(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	require.NoError(t, e.mgr.Release(ctx, r.ID, "ride cancelled"))

	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	assertCode(t, err, coupon.CodeReservationCancelled)
}

// A reservation past its deadline that the sweeper has not reached yet is
// expired by apply itself, and its slot is returned.
func TestManager_Apply_Overdue(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	e.clock.Advance(reservation.DefaultTTL + time.Second)
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	assertCode(t, err, coupon.CodeReservationExpired)

	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, got.Status)
	require.NotNil(t, got.ExpiredAt)

	global, user := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
	assert.Zero(t, user)

	// A second attempt sees the persisted terminal state.
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	assertCode(t, err, coupon.CodeReservationExpired)
}

func TestManager_Apply_FinalFareBelowMinimum(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20(func(c *coupon.Coupon) { c.MinFare = d("30") }))

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("25")})
	assertCode(t, err, coupon.CodeMinFareNotMet)

	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCancelled, got.Status)
	assert.Equal(t, reservation.ReasonMinFareNotMet, got.CancelReason)

	global, _ := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
}

func TestManager_ApplyForRide(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	red, err := e.mgr.ApplyForRide(ctx, "ride-1", reservation.FinalFare{Fare: d("30")})
	require.NoError(t, err)
	assert.Equal(t, r.ID, red.Reservation.ID)
	assert.True(t, d("6").Equal(red.Discount))

	_, err = e.mgr.ApplyForRide(ctx, "ride-unknown", reservation.FinalFare{Fare: d("30")})
	assertCode(t, err, coupon.CodeReservationNotFound)
}

// --- Release ---

func TestManager_Release(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	require.NoError(t, e.mgr.Release(ctx, r.ID, "ride cancelled"))
	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusCancelled, got.Status)
	assert.Equal(t, "ride cancelled", got.CancelReason)

	global, user := e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
	assert.Zero(t, user)

	// Releasing again is a no-op and does not drive counters negative.
	require.NoError(t, e.mgr.Release(ctx, r.ID, "again"))
	global, user = e.store.Counters("SAVE20", "u1")
	assert.Zero(t, global)
	assert.Zero(t, user)

	assertCode(t, e.mgr.Release(ctx, "missing", "x"), coupon.CodeReservationNotFound)
}

func TestManager_Release_AppliedIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	_, err = e.mgr.Apply(ctx, r.ID, reservation.FinalFare{Fare: d("50")})
	require.NoError(t, err)

	require.NoError(t, e.mgr.ReleaseForRide(ctx, "ride-1", "late cancel"))
	got, err := e.mgr.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusApplied, got.Status)

	global, _ := e.store.Counters("SAVE20", "u1")
	assert.Equal(t, 1, global)
}

// --- Stats ---

func TestManager_Stats(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.store.AddCoupon(save20())

	r1, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	r2, err := e.reserve(t, "u2", "ride-2")
	require.NoError(t, err)
	_, err = e.reserve(t, "u3", "ride-3")
	require.NoError(t, err)

	_, err = e.mgr.Apply(ctx, r1.ID, reservation.FinalFare{Fare: d("50")})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Release(ctx, r2.ID, "cancelled"))

	st, err := e.mgr.Stats(ctx, "save20")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Applied)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, 1, st.Reserved)
	assert.Equal(t, 2, st.GlobalUsed)
	assert.True(t, d("10").Equal(st.TotalDiscount))
	assert.True(t, d("10").Equal(st.AverageDiscount))

	_, err = e.mgr.Stats(ctx, "missing")
	assertCode(t, err, coupon.CodeCouponNotFound)
}
