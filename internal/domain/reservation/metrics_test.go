package reservation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

func newMeteredEnv(t *testing.T) (*env, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return newEnv(t, reservation.WithMeterProvider(mp), reservation.WithAttempts(3)), reader
}

// counter sums the data points of an Int64Counter carrying every attr.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
		points:
			for _, dp := range sum.DataPoints {
				for _, attr := range attrs {
					if v, ok := dp.Attributes.Value(attr.Key); !ok || v.Emit() != attr.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func transitions(t *testing.T, reader *sdkmetric.ManualReader, to reservation.Status) int64 {
	t.Helper()
	return counter(t, reader, "coupons.reservation.transitions", attribute.String("status", string(to)))
}

func TestMetrics_RolledBackAttemptsAreNotCounted(t *testing.T) {
	e, reader := newMeteredEnv(t)
	e.store.AddCoupon(save20())

	e.store.InjectConflicts(2)
	_, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)

	assert.EqualValues(t, 1, transitions(t, reader, reservation.StatusReserved))
	assert.EqualValues(t, 2, counter(t, reader, "coupons.reserve.retries"))
}

func TestMetrics_Transitions(t *testing.T) {
	ctx := context.Background()
	e, reader := newMeteredEnv(t)
	e.store.AddCoupon(save20())

	req := reservation.ReserveRequest{
		Code: "SAVE20", UserID: "u1", RideID: "ride-1", IdempotencyKey: "k1", Ride: ride("50"),
	}
	r1, err := e.mgr.Reserve(ctx, req)
	require.NoError(t, err)
	// A replay creates nothing.
	_, err = e.mgr.Reserve(ctx, req)
	require.NoError(t, err)

	r2, err := e.reserve(t, "u2", "ride-2")
	require.NoError(t, err)
	r3, err := e.reserve(t, "u3", "ride-3")
	require.NoError(t, err)

	_, err = e.mgr.Apply(ctx, r1.ID, reservation.FinalFare{Fare: d("50")})
	require.NoError(t, err)
	require.NoError(t, e.mgr.Release(ctx, r2.ID, "rider cancelled"))
	// Releasing a terminal reservation is a no-op.
	require.NoError(t, e.mgr.Release(ctx, r2.ID, "rider cancelled"))

	e.clock.Advance(time.Hour)
	_, err = e.mgr.Apply(ctx, r3.ID, reservation.FinalFare{Fare: d("50")})
	require.Error(t, err)

	assert.EqualValues(t, 3, transitions(t, reader, reservation.StatusReserved))
	assert.EqualValues(t, 1, transitions(t, reader, reservation.StatusApplied))
	assert.EqualValues(t, 1, transitions(t, reader, reservation.StatusCancelled))
	assert.EqualValues(t, 1, transitions(t, reader, reservation.StatusExpired))
}

func TestMetrics_SweeperCountsExpiries(t *testing.T) {
	ctx := context.Background()
	e, reader := newMeteredEnv(t)
	e.store.AddCoupon(save20())

	_, err := e.reserve(t, "u1", "ride-1")
	require.NoError(t, err)
	_, err = e.reserve(t, "u2", "ride-2")
	require.NoError(t, err)

	n, err := e.mgr.NewSweeper(reservation.SweeperConfig{}).Sweep(ctx, e.clock.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.EqualValues(t, 2, transitions(t, reader, reservation.StatusExpired))
}
