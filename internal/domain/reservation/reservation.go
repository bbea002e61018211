// Package reservation implements the coupon reservation lifecycle: atomic
// reserve against usage limits, apply on ride completion, release on
// cancellation and expiry of abandoned holds.
package reservation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusReserved  Status = "reserved"
	StatusApplied   Status = "applied"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s != StatusReserved
}

// Reservation is a time-limited hold of one coupon use for one ride.
// Reservations are never deleted, only transitioned.
type Reservation struct {
	ID             string
	CouponID       string
	CouponCode     string
	UserID         string
	RideID         string
	IdempotencyKey string
	Status         Status

	CityID            string
	ServiceType       string
	EstimatedFare     decimal.Decimal
	EstimatedDiscount decimal.Decimal

	// Set when applied.
	FinalFare      *decimal.Decimal
	DiscountAmount *decimal.Decimal

	CancelReason string

	ReservedAt  time.Time
	ExpiresAt   time.Time
	AppliedAt   *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
}

// Overdue reports whether a reserved reservation has outlived its deadline.
func (r *Reservation) Overdue(now time.Time) bool {
	return r.Status == StatusReserved && now.After(r.ExpiresAt)
}

// ReserveRequest is the input of Manager.Reserve.
type ReserveRequest struct {
	Code   string
	UserID string
	RideID string
	// IdempotencyKey makes retries of the same request return the first
	// reservation. Optional.
	IdempotencyKey string
	Ride           coupon.Ride
}

// ValidateRequest is the input of Manager.Validate.
type ValidateRequest struct {
	Code   string
	UserID string
	Ride   coupon.Ride
}

// Validation is a side-effect free eligibility preview.
type Validation struct {
	// Coupon is nil when the code is unknown.
	Coupon *coupon.Coupon
	Result coupon.Result
}

// FinalFare is the fare context known once a ride completes.
type FinalFare struct {
	Fare decimal.Decimal
}

// Redemption is the outcome of a successful apply.
type Redemption struct {
	Reservation *Reservation
	Discount    decimal.Decimal
}

// DiscountApplied is handed off to the wallet ledger for every applied
// reservation.
type DiscountApplied struct {
	EventID        string
	ReservationID  string
	RideID         string
	UserID         string
	CouponCode     string
	FinalFare      decimal.Decimal
	DiscountAmount decimal.Decimal
	AppliedAt      time.Time
}

// Offer is a coupon listed to a rider together with their usage of it.
type Offer struct {
	Coupon coupon.Coupon
	Usage  coupon.Usage
	// CanUse is false once the global or the rider's own limit is reached.
	CanUse bool
}

// Stats summarizes reservations of a single coupon.
type Stats struct {
	CouponCode      string
	GlobalUsed      int
	Reserved        int
	Applied         int
	Cancelled       int
	Expired         int
	TotalDiscount   decimal.Decimal
	AverageDiscount decimal.Decimal
}
