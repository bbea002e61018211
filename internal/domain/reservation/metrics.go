package reservation

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	outcomes    metric.Int64Counter
	transitions metric.Int64Counter
	retries     metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.outcomes, err = meter.Int64Counter("coupons.operations",
		metric.WithDescription("Engine operations by outcome code"),
	); err != nil {
		return nil, errors.Wrap(err, "operations counter")
	}
	if m.transitions, err = meter.Int64Counter("coupons.reservation.transitions",
		metric.WithDescription("Reservation status transitions"),
	); err != nil {
		return nil, errors.Wrap(err, "transitions counter")
	}
	if m.retries, err = meter.Int64Counter("coupons.reserve.retries",
		metric.WithDescription("Reserve attempts retried after a conflict"),
	); err != nil {
		return nil, errors.Wrap(err, "retries counter")
	}
	return &m, nil
}

func (m *metrics) outcome(ctx context.Context, op, code string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("code", code),
	))
}

func (m *metrics) transition(ctx context.Context, to Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(to))))
}
