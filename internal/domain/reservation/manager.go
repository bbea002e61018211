package reservation

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

// Defaults applied by NewManager.
const (
	DefaultTTL      = 30 * time.Minute
	DefaultAttempts = 3
)

// Cancel reasons recorded by the engine itself.
const (
	ReasonMinFareNotMet = "min_fare_not_met"
)

// Manager owns the reservation lifecycle. Every operation that mutates usage
// counters runs as a single store transaction together with the status
// change it accounts for.
type Manager struct {
	store    Store
	eval     *coupon.Evaluator
	segments coupon.SegmentMatcher
	ttl      time.Duration
	attempts int
	now      func() time.Time
	newID    func() string
	lg       *zap.Logger
	tracer   trace.Tracer
	meter    metric.MeterProvider
	metrics  *metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets how long a reservation holds its slot.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithAttempts sets how many times Reserve runs its transaction before
// reporting CONCURRENCY_CONFLICT.
func WithAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.attempts = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDs overrides the reservation and event id generator.
func WithIDs(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// WithSegments enables SEGMENT coupons.
func WithSegments(s coupon.SegmentMatcher) Option {
	return func(m *Manager) { m.segments = s }
}

// WithLogger sets the logger of background work such as the sweeper.
func WithLogger(lg *zap.Logger) Option {
	return func(m *Manager) { m.lg = lg }
}

// WithTracerProvider sets the tracer provider for operation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) { m.tracer = tp.Tracer("github.com/xenking/ride-coupons/reservation") }
}

// WithMeterProvider sets the meter provider for engine metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(m *Manager) { m.meter = mp }
}

// NewManager creates a Manager backed by store.
func NewManager(store Store, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		ttl:      DefaultTTL,
		attempts: DefaultAttempts,
		now:      time.Now,
		newID:    uuid.NewString,
		lg:       zap.NewNop(),
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
		meter:    metricnoop.NewMeterProvider(),
	}
	for _, o := range opts {
		o(m)
	}
	m.eval = coupon.NewEvaluator(m.segments)

	mx, err := newMetrics(m.meter.Meter("github.com/xenking/ride-coupons/reservation"))
	if err != nil {
		return nil, errors.Wrap(err, "metrics")
	}
	m.metrics = mx
	return m, nil
}

// TTL returns the configured reservation lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Validate evaluates a coupon for a rider without side effects.
func (m *Manager) Validate(ctx context.Context, req ValidateRequest) (_ *Validation, rerr error) {
	code := coupon.NormalizeCode(req.Code)
	ctx, span := m.tracer.Start(ctx, "reservation.Validate",
		trace.WithAttributes(attribute.String("coupon.code", code)),
	)
	defer func() { m.finish(ctx, span, "validate", rerr) }()

	var v Validation
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		c, err := tx.FindCoupon(ctx, code)
		switch {
		case errors.Is(err, ErrNotFound):
			v.Result = coupon.Result{Code: coupon.CodeCouponNotFound}
			return nil
		case err != nil:
			return errors.Wrap(err, "find coupon")
		}

		in, err := m.input(ctx, tx, c, req.UserID, req.Ride)
		if err != nil {
			return err
		}
		v.Coupon = c
		v.Result = m.eval.Evaluate(in)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}
	return &v, nil
}

// Available lists the coupons a rider can see, flagging those whose usage
// limits are already reached. Segment coupons are not listed.
func (m *Manager) Available(ctx context.Context, userID string) (_ []Offer, rerr error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Available")
	defer func() { m.finish(ctx, span, "available", rerr) }()

	var offers []Offer
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		offers, err = tx.AvailableCoupons(ctx, userID, m.now())
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "available coupons")
	}
	for i := range offers {
		o := &offers[i]
		o.CanUse = !o.Coupon.GlobalLimitReached(o.Usage.GlobalUsed) &&
			!o.Coupon.UserLimitReached(o.Usage.UserUsed)
	}
	return offers, nil
}

// Reserve atomically evaluates the coupon and, if eligible, creates a
// reservation and increments the usage counters. Conflicting concurrent
// reserves are retried; when attempts are exhausted the caller receives
// CONCURRENCY_CONFLICT.
func (m *Manager) Reserve(ctx context.Context, req ReserveRequest) (_ *Reservation, rerr error) {
	code := coupon.NormalizeCode(req.Code)
	ctx, span := m.tracer.Start(ctx, "reservation.Reserve",
		trace.WithAttributes(
			attribute.String("coupon.code", code),
			attribute.String("ride.id", req.RideID),
		),
	)
	defer func() { m.finish(ctx, span, "reserve", rerr) }()

	if req.UserID == "" || req.RideID == "" {
		return nil, errors.New("user id and ride id are required")
	}

	var (
		out     *Reservation
		created bool
		err     error
	)
	for attempt := 1; ; attempt++ {
		err = m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, created, err = m.reserve(ctx, tx, code, req)
			return err
		})
		if err == nil || !errors.Is(err, ErrConflict) || attempt >= m.attempts {
			break
		}
		m.metrics.retries.Add(ctx, 1)
		zctx.From(ctx).Debug("Reserve conflict, retrying",
			zap.String("coupon_code", code),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	if err != nil {
		return nil, classify(err, "reserve")
	}
	if !created {
		return out, nil
	}
	m.metrics.transition(ctx, StatusReserved)

	zctx.From(ctx).Info("Coupon reserved",
		zap.String("coupon_code", out.CouponCode),
		zap.String("ride_id", out.RideID),
		zap.String("reservation_id", out.ID),
	)
	return out, nil
}

// reserve runs one reserve attempt. created is false when an earlier
// reservation is replayed for the idempotency key.
func (m *Manager) reserve(ctx context.Context, tx Tx, code string, req ReserveRequest) (_ *Reservation, created bool, _ error) {
	if req.IdempotencyKey != "" {
		prev, err := tx.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		switch {
		case err == nil:
			return prev, false, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, errors.Wrap(err, "find by idempotency key")
		}
	}

	c, err := tx.LockCoupon(ctx, code)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, false, coupon.Fail(coupon.CodeCouponNotFound)
	case err != nil:
		return nil, false, errors.Wrap(err, "lock coupon")
	}

	switch _, err := tx.ActiveForRide(ctx, req.RideID); {
	case err == nil:
		return nil, false, coupon.Fail(coupon.CodeRideAlreadyHasCoupon)
	case !errors.Is(err, ErrNotFound):
		return nil, false, errors.Wrap(err, "active for ride")
	}

	in, err := m.input(ctx, tx, c, req.UserID, req.Ride)
	if err != nil {
		return nil, false, err
	}
	res := m.eval.Evaluate(in)
	if !res.Eligible() {
		return nil, false, res.Err()
	}

	r := &Reservation{
		ID:                m.newID(),
		CouponID:          c.ID,
		CouponCode:        c.Code,
		UserID:            req.UserID,
		RideID:            req.RideID,
		IdempotencyKey:    req.IdempotencyKey,
		Status:            StatusReserved,
		CityID:            req.Ride.CityID,
		ServiceType:       coupon.NormalizeServiceType(req.Ride.ServiceType),
		EstimatedFare:     req.Ride.Fare,
		EstimatedDiscount: res.Discount,
		ReservedAt:        in.Now,
		ExpiresAt:         in.Now.Add(m.ttl),
	}
	if err := tx.InsertReservation(ctx, r); err != nil {
		if errors.Is(err, ErrRideTaken) {
			return nil, false, coupon.Fail(coupon.CodeRideAlreadyHasCoupon)
		}
		return nil, false, errors.Wrap(err, "insert reservation")
	}
	if err := tx.IncrementUsage(ctx, c.ID, req.UserID); err != nil {
		return nil, false, errors.Wrap(err, "increment usage")
	}
	return r, true, nil
}

// input gathers everything the evaluator needs from within tx. Riders
// without a profile are evaluated with an empty one.
func (m *Manager) input(ctx context.Context, tx Tx, c *coupon.Coupon, userID string, ride coupon.Ride) (coupon.Input, error) {
	usage, err := tx.Usage(ctx, c.ID, userID)
	if err != nil {
		return coupon.Input{}, errors.Wrap(err, "usage")
	}
	rider := coupon.Rider{ID: userID, Profile: coupon.Profile{UserID: userID}}
	switch c.Eligibility {
	case coupon.EligibilityTargeted:
		if rider.Targeted, err = tx.IsTargeted(ctx, c.ID, userID); err != nil {
			return coupon.Input{}, errors.Wrap(err, "target list")
		}
	case coupon.EligibilitySegment:
		p, err := tx.Profile(ctx, userID)
		switch {
		case err == nil:
			rider.Profile = p
		case !errors.Is(err, ErrNotFound):
			return coupon.Input{}, errors.Wrap(err, "profile")
		}
	}
	return coupon.Input{
		Coupon: c,
		Usage:  usage,
		Rider:  rider,
		Ride:   ride,
		Now:    m.now(),
	}, nil
}

// Apply finalizes a reservation against the final fare and enqueues the
// ledger hand-off. A reservation found past its deadline is expired and a
// final fare below the coupon minimum cancels it; both release the counters
// and are reported as errors.
func (m *Manager) Apply(ctx context.Context, id string, fare FinalFare) (_ *Redemption, rerr error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Apply",
		trace.WithAttributes(attribute.String("reservation.id", id)),
	)
	defer func() { m.finish(ctx, span, "apply", rerr) }()

	return m.apply(ctx, fare, func(ctx context.Context, tx Tx) (*Reservation, error) {
		return tx.LockReservation(ctx, id)
	})
}

// ApplyForRide applies the most recent reservation of a ride.
func (m *Manager) ApplyForRide(ctx context.Context, rideID string, fare FinalFare) (_ *Redemption, rerr error) {
	ctx, span := m.tracer.Start(ctx, "reservation.ApplyForRide",
		trace.WithAttributes(attribute.String("ride.id", rideID)),
	)
	defer func() { m.finish(ctx, span, "apply", rerr) }()

	return m.apply(ctx, fare, lockLatestForRide(rideID))
}

type lookupFunc func(ctx context.Context, tx Tx) (*Reservation, error)

func lockLatestForRide(rideID string) lookupFunc {
	return func(ctx context.Context, tx Tx) (*Reservation, error) {
		r, err := tx.LatestForRide(ctx, rideID)
		if err != nil {
			return nil, err
		}
		return tx.LockReservation(ctx, r.ID)
	}
}

func (m *Manager) apply(ctx context.Context, fare FinalFare, lookup lookupFunc) (*Redemption, error) {
	var (
		red *Redemption
		// outcome is a business failure whose side effects must still commit.
		outcome error
		moved   Status
	)
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		red, outcome, moved = nil, nil, ""

		r, err := lookup(ctx, tx)
		switch {
		case errors.Is(err, ErrNotFound):
			return coupon.Fail(coupon.CodeReservationNotFound)
		case err != nil:
			return errors.Wrap(err, "lock reservation")
		}

		switch r.Status {
		case StatusApplied:
			return coupon.Fail(coupon.CodeAlreadyRedeemed)
		case StatusCancelled:
			return coupon.Fail(coupon.CodeReservationCancelled)
		case StatusExpired:
			return coupon.Fail(coupon.CodeReservationExpired)
		}

		now := m.now()
		if r.Overdue(now) {
			if err := m.transition(ctx, tx, r, StatusExpired, "", now); err != nil {
				return err
			}
			moved = StatusExpired
			outcome = coupon.Fail(coupon.CodeReservationExpired)
			return nil
		}

		c, err := tx.CouponByID(ctx, r.CouponID)
		if err != nil {
			return errors.Wrap(err, "coupon by id")
		}
		if fare.Fare.LessThan(c.MinFare) {
			if err := m.transition(ctx, tx, r, StatusCancelled, ReasonMinFareNotMet, now); err != nil {
				return err
			}
			moved = StatusCancelled
			outcome = coupon.Fail(coupon.CodeMinFareNotMet)
			return nil
		}

		discount := c.Discount(fare.Fare)
		finalFare := fare.Fare
		r.Status = StatusApplied
		r.FinalFare = &finalFare
		r.DiscountAmount = &discount
		r.AppliedAt = &now
		if err := tx.UpdateReservation(ctx, r); err != nil {
			return errors.Wrap(err, "update reservation")
		}
		if err := tx.EnqueueDiscount(ctx, DiscountApplied{
			EventID:        m.newID(),
			ReservationID:  r.ID,
			RideID:         r.RideID,
			UserID:         r.UserID,
			CouponCode:     r.CouponCode,
			FinalFare:      finalFare,
			DiscountAmount: discount,
			AppliedAt:      now,
		}); err != nil {
			return errors.Wrap(err, "enqueue discount")
		}
		moved = StatusApplied

		red = &Redemption{Reservation: r, Discount: discount}
		return nil
	})
	if err != nil {
		return nil, classify(err, "apply")
	}
	if moved != "" {
		m.metrics.transition(ctx, moved)
	}
	if outcome != nil {
		return nil, outcome
	}

	zctx.From(ctx).Info("Coupon applied",
		zap.String("coupon_code", red.Reservation.CouponCode),
		zap.String("ride_id", red.Reservation.RideID),
		zap.String("reservation_id", red.Reservation.ID),
		zap.String("discount", red.Discount.StringFixed(2)),
	)
	return red, nil
}

// Release cancels a reserved reservation and returns its slot. Releasing a
// reservation that is already terminal is a no-op.
func (m *Manager) Release(ctx context.Context, id, reason string) (rerr error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Release",
		trace.WithAttributes(attribute.String("reservation.id", id)),
	)
	defer func() { m.finish(ctx, span, "release", rerr) }()

	return m.release(ctx, reason, func(ctx context.Context, tx Tx) (*Reservation, error) {
		return tx.LockReservation(ctx, id)
	})
}

// ReleaseForRide releases the most recent reservation of a ride.
func (m *Manager) ReleaseForRide(ctx context.Context, rideID, reason string) (rerr error) {
	ctx, span := m.tracer.Start(ctx, "reservation.ReleaseForRide",
		trace.WithAttributes(attribute.String("ride.id", rideID)),
	)
	defer func() { m.finish(ctx, span, "release", rerr) }()

	return m.release(ctx, reason, lockLatestForRide(rideID))
}

func (m *Manager) release(ctx context.Context, reason string, lookup lookupFunc) error {
	var released bool
	err := m.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		released = false
		r, err := lookup(ctx, tx)
		switch {
		case errors.Is(err, ErrNotFound):
			return coupon.Fail(coupon.CodeReservationNotFound)
		case err != nil:
			return errors.Wrap(err, "lock reservation")
		}
		if r.Status.Terminal() {
			return nil
		}
		if err := m.transition(ctx, tx, r, StatusCancelled, reason, m.now()); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return classify(err, "release")
	}
	if released {
		m.metrics.transition(ctx, StatusCancelled)
	}
	return nil
}

// transition moves a reserved reservation to cancelled or expired and
// returns its slot to both counters. Callers record the transition metric
// once the transaction commits.
func (m *Manager) transition(ctx context.Context, tx Tx, r *Reservation, to Status, reason string, now time.Time) error {
	r.Status = to
	switch to {
	case StatusCancelled:
		r.CancelReason = reason
		r.CancelledAt = &now
	case StatusExpired:
		r.ExpiredAt = &now
	default:
		return errors.Errorf("invalid release transition to %q", to)
	}
	if err := tx.UpdateReservation(ctx, r); err != nil {
		return errors.Wrap(err, "update reservation")
	}
	if err := tx.DecrementUsage(ctx, r.CouponID, r.UserID); err != nil {
		return errors.Wrap(err, "decrement usage")
	}
	return nil
}

// Get returns a reservation by id.
func (m *Manager) Get(ctx context.Context, id string) (*Reservation, error) {
	r, err := m.store.Reservation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, coupon.Fail(coupon.CodeReservationNotFound)
		}
		return nil, errors.Wrap(err, "get reservation")
	}
	return r, nil
}

// Stats returns reservation statistics for a coupon code.
func (m *Manager) Stats(ctx context.Context, code string) (*Stats, error) {
	s, err := m.store.Stats(ctx, coupon.NormalizeCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, coupon.Fail(coupon.CodeCouponNotFound)
		}
		return nil, errors.Wrap(err, "coupon stats")
	}
	return s, nil
}

func (m *Manager) finish(ctx context.Context, span trace.Span, op string, err error) {
	defer span.End()

	code := "OK"
	if err != nil {
		c := coupon.CodeOf(err)
		code = string(c)
		if c == coupon.CodeInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, "internal error")
		}
	}
	span.SetAttributes(attribute.String("coupon.outcome", code))
	m.metrics.outcome(ctx, op, code)
}

// classify maps store-level failures onto the error taxonomy. Business
// errors pass through unchanged.
func classify(err error, op string) error {
	var ce *coupon.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, ErrConflict):
		return coupon.FailWith(coupon.CodeConcurrencyConflict, err)
	case errors.Is(err, ErrRideTaken):
		return coupon.FailWith(coupon.CodeRideAlreadyHasCoupon, err)
	default:
		return errors.Wrap(err, op)
	}
}
