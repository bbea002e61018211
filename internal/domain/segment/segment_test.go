package segment

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

var decimalTen = decimal.NewFromInt(10)

func TestMatcher_Builtins(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		name    string
		key     string
		profile coupon.Profile
		want    bool
	}{
		{
			name:    "new user signed up yesterday",
			key:     NewUser,
			profile: coupon.Profile{SignedUpAt: now.Add(-24 * time.Hour)},
			want:    true,
		},
		{
			name:    "new user signed up eight days ago",
			key:     NewUser,
			profile: coupon.Profile{SignedUpAt: now.Add(-8 * 24 * time.Hour)},
			want:    false,
		},
		{
			name:    "inactive rider who never rode",
			key:     Inactive30Days,
			profile: coupon.Profile{SignedUpAt: now.Add(-90 * 24 * time.Hour)},
			want:    true,
		},
		{
			name:    "inactive rider last rode 45 days ago",
			key:     Inactive30Days,
			profile: coupon.Profile{LastRideAt: ago(45 * 24 * time.Hour)},
			want:    true,
		},
		{
			name:    "active rider rode last week",
			key:     Inactive30Days,
			profile: coupon.Profile{LastRideAt: ago(7 * 24 * time.Hour)},
			want:    false,
		},
		{
			name:    "high value rider",
			key:     HighValue,
			profile: coupon.Profile{CompletedRides: 10},
			want:    true,
		},
		{
			name:    "nine rides is not high value",
			key:     HighValue,
			profile: coupon.Profile{CompletedRides: 9},
			want:    false,
		},
		{
			name: "unknown segment",
			key:  "LOYAL_COMMUTER",
			want: false,
		},
	}

	m, err := New(StrategyBuiltin)
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.MatchSegment(tt.key, tt.profile, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatcher_Expression(t *testing.T) {
	now := time.Now()
	m, err := New(StrategyExpression)
	require.NoError(t, err)

	got, err := m.MatchSegment("completed_rides > 2 && has_ridden", coupon.Profile{
		CompletedRides: 3,
		LastRideAt:     &now,
	}, now)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = m.MatchSegment("completed_rides + 1", coupon.Profile{}, now)
	require.ErrorIs(t, err, ErrNotBool)

	_, err = m.MatchSegment("completed_rides >", coupon.Profile{}, now)
	require.Error(t, err)
}

func TestMatcher_ConcurrentCompile(t *testing.T) {
	m, err := New(StrategyExpression)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.MatchSegment("completed_rides >= 1", coupon.Profile{CompletedRides: 1}, time.Now())
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
}

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New("magic")
	require.Error(t, err)
}

func TestMatcher_WithEvaluator(t *testing.T) {
	m, err := New(StrategyBuiltin)
	require.NoError(t, err)
	now := time.Now()

	res := coupon.NewEvaluator(m).Evaluate(coupon.Input{
		Coupon: &coupon.Coupon{
			Code:         "WELCOME",
			DiscountType: coupon.DiscountFixed,
			Value:        decimalTen,
			Eligibility:  coupon.EligibilitySegment,
			SegmentKey:   HighValue,
			Active:       true,
		},
		Rider: coupon.Rider{ID: "u1", Profile: coupon.Profile{CompletedRides: 2}},
		Ride:  coupon.Ride{Fare: decimalTen},
		Now:   now,
	})
	assert.Equal(t, coupon.CodeSegmentNotMatched, res.Code)
}
