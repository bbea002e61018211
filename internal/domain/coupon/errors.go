package coupon

import (
	"net/http"

	"github.com/go-faster/errors"
)

// Code is a machine-checkable outcome of a coupon engine operation. The set
// of codes is closed: every failure returned to callers carries one of them.
type Code string

const (
	CodeCouponNotFound        Code = "COUPON_NOT_FOUND"
	CodeCouponInactive        Code = "COUPON_INACTIVE"
	CodeCouponExpired         Code = "COUPON_EXPIRED"
	CodeCouponNotStarted      Code = "COUPON_NOT_STARTED"
	CodeGlobalLimitReached    Code = "GLOBAL_LIMIT_REACHED"
	CodeUserLimitReached      Code = "USER_LIMIT_REACHED"
	CodeNotEligible           Code = "NOT_ELIGIBLE"
	CodeNotInTargetList       Code = "NOT_IN_TARGET_LIST"
	CodeSegmentNotMatched     Code = "SEGMENT_NOT_MATCHED"
	CodeCityNotAllowed        Code = "CITY_NOT_ALLOWED"
	CodeServiceTypeNotAllowed Code = "SERVICE_TYPE_NOT_ALLOWED"
	CodeScopeMismatch         Code = "SCOPE_MISMATCH"
	CodeMinFareNotMet         Code = "MIN_FARE_NOT_MET"
	CodeAlreadyRedeemed       Code = "ALREADY_REDEEMED"
	CodeReservationNotFound   Code = "RESERVATION_NOT_FOUND"
	CodeReservationExpired    Code = "RESERVATION_EXPIRED"
	CodeReservationCancelled  Code = "RESERVATION_CANCELLED"
	CodeRideAlreadyHasCoupon  Code = "RIDE_ALREADY_HAS_COUPON"
	CodeConcurrencyConflict   Code = "CONCURRENCY_CONFLICT"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Codes lists every known code in declaration order.
var Codes = []Code{
	CodeCouponNotFound,
	CodeCouponInactive,
	CodeCouponExpired,
	CodeCouponNotStarted,
	CodeGlobalLimitReached,
	CodeUserLimitReached,
	CodeNotEligible,
	CodeNotInTargetList,
	CodeSegmentNotMatched,
	CodeCityNotAllowed,
	CodeServiceTypeNotAllowed,
	CodeScopeMismatch,
	CodeMinFareNotMet,
	CodeAlreadyRedeemed,
	CodeReservationNotFound,
	CodeReservationExpired,
	CodeReservationCancelled,
	CodeRideAlreadyHasCoupon,
	CodeConcurrencyConflict,
	CodeInternal,
}

// Message returns the user-facing description of the code.
func (c Code) Message() string {
	switch c {
	case CodeCouponNotFound:
		return "Coupon code not found"
	case CodeCouponInactive:
		return "This coupon is no longer active"
	case CodeCouponExpired:
		return "This coupon has expired"
	case CodeCouponNotStarted:
		return "This coupon is not yet valid"
	case CodeGlobalLimitReached:
		return "This coupon has reached its usage limit"
	case CodeUserLimitReached:
		return "You have already used this coupon the maximum number of times"
	case CodeNotEligible:
		return "You are not eligible for this coupon"
	case CodeNotInTargetList:
		return "This coupon is not available for your account"
	case CodeSegmentNotMatched:
		return "You do not qualify for this coupon"
	case CodeCityNotAllowed:
		return "This coupon is not valid in your city"
	case CodeServiceTypeNotAllowed:
		return "This coupon is not valid for this service type"
	case CodeScopeMismatch:
		return "This coupon cannot be applied to this ride"
	case CodeMinFareNotMet:
		return "Minimum fare requirement not met for this coupon"
	case CodeAlreadyRedeemed:
		return "This coupon has already been applied to a ride"
	case CodeReservationNotFound:
		return "No coupon reservation found for this ride"
	case CodeReservationExpired:
		return "Coupon reservation has expired"
	case CodeReservationCancelled:
		return "Coupon reservation was cancelled"
	case CodeRideAlreadyHasCoupon:
		return "This ride already has a coupon applied"
	case CodeConcurrencyConflict:
		return "Unable to apply coupon due to concurrent usage. Please try again."
	default:
		return "An unexpected error occurred. Please try again."
	}
}

// HTTPStatus maps the code to the HTTP status returned to API callers.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeCouponNotFound, CodeReservationNotFound:
		return http.StatusNotFound
	case CodeConcurrencyConflict:
		return http.StatusConflict
	case CodeInternal:
		return http.StatusInternalServerError
	}
	if c.Known() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the caller is expected to retry the whole call.
func (c Code) Retryable() bool {
	return c == CodeConcurrencyConflict
}

// Known reports whether c belongs to the closed set of codes.
func (c Code) Known() bool {
	for _, k := range Codes {
		if k == c {
			return true
		}
	}
	return false
}

// Error is a business failure carrying a taxonomy code. The optional cause
// is kept for logs and is never shown to API callers.
type Error struct {
	Code  Code
	Cause error
}

// Fail returns an *Error for the given code.
func Fail(code Code) error {
	return &Error{Code: code}
}

// FailWith returns an *Error for the given code that wraps cause.
func FailWith(code Code, cause error) error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, coupon.Fail(coupon.CodeAlreadyRedeemed)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the taxonomy code from err. Errors that do not carry a
// code degrade to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code.Known() {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
