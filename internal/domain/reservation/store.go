package reservation

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

// Store errors. Implementations translate their native failures into these.
var (
	// ErrNotFound is returned when a looked up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRideTaken is returned when a ride already holds an active reservation.
	ErrRideTaken = errors.New("ride already holds an active reservation")
	// ErrConflict signals a serialization failure, deadlock, lock timeout or
	// a lost race on a guarded update. The whole transaction may be retried.
	ErrConflict = errors.New("concurrent modification")
)

// Store is the persistence boundary of the engine.
type Store interface {
	// InTx runs fn in a single transaction. The transaction commits when fn
	// returns nil and rolls back otherwise; fn's error is returned as is.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Reservation(ctx context.Context, id string) (*Reservation, error)
	// ExpiredReservations returns ids of reserved rows with expires_at
	// before now, oldest first.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error)
	Stats(ctx context.Context, code string) (*Stats, error)

	Outbox
}

// Outbox exposes the pending ledger hand-off events.
type Outbox interface {
	PendingDiscounts(ctx context.Context, limit int) ([]DiscountApplied, error)
	MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error
}

// Tx is the transactional view of the store. Counter mutations and status
// transitions made through the same Tx commit or roll back together.
type Tx interface {
	FindCoupon(ctx context.Context, code string) (*coupon.Coupon, error)
	// LockCoupon loads the coupon and holds its row lock until the end of the
	// transaction, serializing all reserves of the coupon.
	LockCoupon(ctx context.Context, code string) (*coupon.Coupon, error)
	CouponByID(ctx context.Context, id string) (*coupon.Coupon, error)
	// AvailableCoupons lists active coupons inside their validity window
	// that are open to everyone or target userID, with userID's usage.
	AvailableCoupons(ctx context.Context, userID string, now time.Time) ([]Offer, error)

	Usage(ctx context.Context, couponID, userID string) (coupon.Usage, error)
	IsTargeted(ctx context.Context, couponID, userID string) (bool, error)
	Profile(ctx context.Context, userID string) (coupon.Profile, error)
	IncrementUsage(ctx context.Context, couponID, userID string) error
	// DecrementUsage lowers both counters, never below zero.
	DecrementUsage(ctx context.Context, couponID, userID string) error

	FindByIdempotencyKey(ctx context.Context, userID, key string) (*Reservation, error)
	ActiveForRide(ctx context.Context, rideID string) (*Reservation, error)
	LatestForRide(ctx context.Context, rideID string) (*Reservation, error)
	// InsertReservation returns ErrRideTaken when the ride already holds a
	// reserved or applied reservation.
	InsertReservation(ctx context.Context, r *Reservation) error
	LockReservation(ctx context.Context, id string) (*Reservation, error)
	// UpdateReservation persists a transition out of reserved. It returns
	// ErrConflict if the stored row is no longer reserved.
	UpdateReservation(ctx context.Context, r *Reservation) error

	EnqueueDiscount(ctx context.Context, e DiscountApplied) error
}
