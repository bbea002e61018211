package coupon

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercent takes a percentage of the fare, capped at MaxDiscount.
	DiscountPercent DiscountType = "PERCENT"
	// DiscountFixed takes a flat amount off the fare.
	DiscountFixed DiscountType = "FIXED"
	// DiscountFreeRideCap makes the ride free up to MaxDiscount.
	DiscountFreeRideCap DiscountType = "FREE_RIDE_CAP"
)

// Eligibility selects how a coupon decides which riders may use it.
type Eligibility string

const (
	// EligibilityAll opens the coupon to every rider.
	EligibilityAll Eligibility = "ALL"
	// EligibilityTargeted restricts the coupon to an explicit user list.
	EligibilityTargeted Eligibility = "TARGETED"
	// EligibilitySegment restricts the coupon to riders matching SegmentKey.
	EligibilitySegment Eligibility = "SEGMENT"
)

// Coupon is a promotional code definition as owned by the catalog. The
// engine only ever mutates its usage counters.
type Coupon struct {
	ID           string
	Code         string
	Name         string
	Description  string
	DiscountType DiscountType
	Value        decimal.Decimal
	// MaxDiscount caps the discount when set.
	MaxDiscount *decimal.Decimal
	MinFare     decimal.Decimal
	// StartsAt and EndsAt bound the validity window; nil means unbounded.
	StartsAt            *time.Time
	EndsAt              *time.Time
	AllowedCityIDs      []string
	AllowedServiceTypes []string
	Eligibility         Eligibility
	SegmentKey          string
	// GlobalLimit and PerUserLimit are nil for unlimited coupons.
	GlobalLimit  *int
	PerUserLimit *int
	Active       bool
}

// Usage is a snapshot of the counters backing limit enforcement.
type Usage struct {
	GlobalUsed int
	UserUsed   int
}

// Ride is the ride context a coupon is evaluated against.
type Ride struct {
	Fare        decimal.Decimal
	CityID      string
	ServiceType string
}

// Profile is the read-only rider information segments are computed from.
type Profile struct {
	UserID         string
	SignedUpAt     time.Time
	LastRideAt     *time.Time
	CompletedRides int
}

// Rider identifies the user a coupon is evaluated for.
type Rider struct {
	ID string
	// Targeted is true when the rider is on the coupon's target list.
	Targeted bool
	Profile  Profile
}

// NormalizeCode trims and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeServiceType canonicalizes service type spellings so that "Ride",
// "ride-request" and "ride_request" compare equal.
func NormalizeServiceType(serviceType string) string {
	s := strings.ToLower(strings.TrimSpace(serviceType))
	switch s {
	case "ride", "ride-request":
		return "ride_request"
	}
	return s
}

// CityAllowed reports whether the coupon may be used in the given city.
func (c *Coupon) CityAllowed(cityID string) bool {
	if len(c.AllowedCityIDs) == 0 {
		return true
	}
	for _, id := range c.AllowedCityIDs {
		if id == cityID {
			return true
		}
	}
	return false
}

// ServiceTypeAllowed reports whether the coupon may be used for the given
// service type.
func (c *Coupon) ServiceTypeAllowed(serviceType string) bool {
	if len(c.AllowedServiceTypes) == 0 {
		return true
	}
	want := NormalizeServiceType(serviceType)
	for _, st := range c.AllowedServiceTypes {
		if NormalizeServiceType(st) == want {
			return true
		}
	}
	return false
}

// GlobalLimitReached reports whether another reservation would exceed the
// global limit.
func (c *Coupon) GlobalLimitReached(used int) bool {
	return c.GlobalLimit != nil && used >= *c.GlobalLimit
}

// UserLimitReached reports whether another reservation by the same user
// would exceed the per-user limit.
func (c *Coupon) UserLimitReached(used int) bool {
	return c.PerUserLimit != nil && used >= *c.PerUserLimit
}
