package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

// SegmentMatcher decides whether a rider profile belongs to a computed
// segment. Unknown segments report false without an error; an error means
// the segment rule itself could not be evaluated.
type SegmentMatcher interface {
	MatchSegment(key string, p Profile, now time.Time) (bool, error)
}

// Input is everything an eligibility decision depends on.
type Input struct {
	// Coupon is nil when the code did not resolve to a coupon.
	Coupon *Coupon
	Usage  Usage
	Rider  Rider
	Ride   Ride
	Now    time.Time
}

// Result is the outcome of an eligibility evaluation. Code is empty when
// the coupon may be used, in which case Discount holds the preview amount.
type Result struct {
	Code     Code
	Discount decimal.Decimal
}

// Eligible reports whether every check passed.
func (r Result) Eligible() bool { return r.Code == "" }

// Err returns the failure as an *Error, or nil when eligible.
func (r Result) Err() error {
	if r.Eligible() {
		return nil
	}
	return Fail(r.Code)
}

// Evaluator runs the ordered coupon eligibility checks. It has no side
// effects: the same Input always yields the same Result.
type Evaluator struct {
	segments SegmentMatcher
}

// NewEvaluator creates an Evaluator. segments may be nil, in which case
// segment coupons are never eligible.
func NewEvaluator(segments SegmentMatcher) *Evaluator {
	return &Evaluator{segments: segments}
}

// Evaluate returns the first violated rule, checked in this order: existence,
// active flag, validity window, global limit, per-user limit, targeting,
// city/service scope, minimum fare.
func (e *Evaluator) Evaluate(in Input) Result {
	c := in.Coupon
	if c == nil {
		return Result{Code: CodeCouponNotFound}
	}
	if !c.Active {
		return Result{Code: CodeCouponInactive}
	}
	if c.StartsAt != nil && in.Now.Before(*c.StartsAt) {
		return Result{Code: CodeCouponNotStarted}
	}
	if c.EndsAt != nil && in.Now.After(*c.EndsAt) {
		return Result{Code: CodeCouponExpired}
	}
	if c.GlobalLimitReached(in.Usage.GlobalUsed) {
		return Result{Code: CodeGlobalLimitReached}
	}
	if c.UserLimitReached(in.Usage.UserUsed) {
		return Result{Code: CodeUserLimitReached}
	}
	if code := e.checkTargeting(c, in.Rider, in.Now); code != "" {
		return Result{Code: code}
	}
	if code := checkScope(c, in.Ride); code != "" {
		return Result{Code: code}
	}
	if in.Ride.Fare.LessThan(c.MinFare) {
		return Result{Code: CodeMinFareNotMet}
	}
	return Result{Discount: c.Discount(in.Ride.Fare)}
}

func (e *Evaluator) checkTargeting(c *Coupon, r Rider, now time.Time) Code {
	switch c.Eligibility {
	case EligibilityAll:
		return ""
	case EligibilityTargeted:
		if r.Targeted {
			return ""
		}
		return CodeNotInTargetList
	case EligibilitySegment:
		if e.segments == nil {
			return CodeNotEligible
		}
		ok, err := e.segments.MatchSegment(c.SegmentKey, r.Profile, now)
		if err != nil {
			return CodeNotEligible
		}
		if !ok {
			return CodeSegmentNotMatched
		}
		return ""
	default:
		return CodeNotEligible
	}
}

// checkScope resolves city and service type restrictions. When both
// dimensions fail the single label SCOPE_MISMATCH is reported.
func checkScope(c *Coupon, ride Ride) Code {
	cityOK := c.CityAllowed(ride.CityID)
	serviceOK := c.ServiceTypeAllowed(ride.ServiceType)
	switch {
	case !cityOK && !serviceOK:
		return CodeScopeMismatch
	case !cityOK:
		return CodeCityNotAllowed
	case !serviceOK:
		return CodeServiceTypeNotAllowed
	}
	return ""
}
