package handler

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/amount"
	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

const maxBodySize = 64 << 10

// validationError reports a malformed or incomplete request.
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

type rideContext struct {
	Fare        decimal.Decimal
	HasFare     bool
	CityID      string
	ServiceType string
}

func (rc rideContext) ride() coupon.Ride {
	return coupon.Ride{Fare: rc.Fare, CityID: rc.CityID, ServiceType: rc.ServiceType}
}

// couponRequest is the body of validate and reserve. Ride fields are
// accepted both nested under ride_context and at the top level.
type couponRequest struct {
	Code   string
	RideID string
	Ride   rideContext
}

func (req *couponRequest) decodeRideField(d *jx.Decoder, key string) (bool, error) {
	switch key {
	case "fare", "estimated_fare":
		v, err := amount.Decode(d)
		req.Ride.Fare, req.Ride.HasFare = v, err == nil
		return true, err
	case "city_id":
		v, err := optStr(d)
		req.Ride.CityID = v
		return true, err
	case "service_type":
		v, err := optStr(d)
		req.Ride.ServiceType = v
		return true, err
	}
	return false, nil
}

func (req *couponRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := d.Str()
			req.Code = v
			return err
		case "ride_id":
			v, err := d.Str()
			req.RideID = v
			return err
		case "ride_context":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if ok, err := req.decodeRideField(d, key); ok {
					return err
				}
				return d.Skip()
			})
		}
		if ok, err := req.decodeRideField(d, key); ok {
			return err
		}
		return d.Skip()
	})
}

func (req *couponRequest) validate(needRide bool) error {
	if req.Code == "" {
		return invalid("code is required")
	}
	if len(req.Code) > 50 {
		return invalid("code must not exceed 50 characters")
	}
	if needRide && req.RideID == "" {
		return invalid("ride_id is required")
	}
	if !req.Ride.HasFare {
		return invalid("fare is required")
	}
	if req.Ride.Fare.IsNegative() {
		return invalid("fare must not be negative")
	}
	return nil
}

type applyRequest struct {
	FinalFare decimal.Decimal
	HasFare   bool
}

func (req *applyRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "final_fare", "fare":
			v, err := amount.Decode(d)
			req.FinalFare, req.HasFare = v, err == nil
			return err
		default:
			return d.Skip()
		}
	})
}

type releaseRequest struct {
	Reason string
}

func (req *releaseRequest) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "reason":
			v, err := optStr(d)
			req.Reason = v
			return err
		default:
			return d.Skip()
		}
	})
}

// decodeBody reads a JSON object into v. An empty body is allowed when
// optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{ Decode(*jx.Decoder) error }, optional bool) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return invalid("read body: %v", err)
	}
	if len(data) == 0 {
		if optional {
			return nil
		}
		return invalid("request body is required")
	}
	if err := v.Decode(jx.DecodeBytes(data)); err != nil {
		return invalid("malformed JSON: %v", err)
	}
	return nil
}

func optStr(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func optMoney(e *jx.Encoder, v *decimal.Decimal) {
	if v == nil {
		e.Null()
		return
	}
	amount.Encode(e, *v)
}

func timestamp(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339))
}

func optTimestamp(e *jx.Encoder, t *time.Time) {
	if t == nil {
		e.Null()
		return
	}
	timestamp(e, *t)
}

func encodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(c.ID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(c.DiscountType)) })
		e.Field("value", func(e *jx.Encoder) { amount.Encode(e, c.Value) })
		e.Field("max_discount", func(e *jx.Encoder) { optMoney(e, c.MaxDiscount) })
		e.Field("min_fare", func(e *jx.Encoder) { amount.Encode(e, c.MinFare) })
		e.Field("ends_at", func(e *jx.Encoder) { optTimestamp(e, c.EndsAt) })
	})
}

func encodeOffer(e *jx.Encoder, o *reservation.Offer) {
	c := &o.Coupon
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(c.ID) })
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("name", func(e *jx.Encoder) { e.Str(c.Name) })
		e.Field("description", func(e *jx.Encoder) { e.Str(c.Description) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(c.DiscountType)) })
		e.Field("value", func(e *jx.Encoder) { amount.Encode(e, c.Value) })
		e.Field("max_discount", func(e *jx.Encoder) { optMoney(e, c.MaxDiscount) })
		e.Field("min_fare", func(e *jx.Encoder) { amount.Encode(e, c.MinFare) })
		e.Field("ends_at", func(e *jx.Encoder) { optTimestamp(e, c.EndsAt) })
		e.Field("can_use", func(e *jx.Encoder) { e.Bool(o.CanUse) })
	})
}

func encodeReservation(e *jx.Encoder, r *reservation.Reservation) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("reservation_id", func(e *jx.Encoder) { e.Str(r.ID) })
		e.Field("coupon_code", func(e *jx.Encoder) { e.Str(r.CouponCode) })
		e.Field("user_id", func(e *jx.Encoder) { e.Str(r.UserID) })
		e.Field("ride_id", func(e *jx.Encoder) { e.Str(r.RideID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(r.Status)) })
		e.Field("estimated_fare", func(e *jx.Encoder) { amount.Encode(e, r.EstimatedFare) })
		e.Field("estimated_discount", func(e *jx.Encoder) { amount.Encode(e, r.EstimatedDiscount) })
		e.Field("final_fare", func(e *jx.Encoder) { optMoney(e, r.FinalFare) })
		e.Field("discount_amount", func(e *jx.Encoder) { optMoney(e, r.DiscountAmount) })
		if r.CancelReason != "" {
			e.Field("cancel_reason", func(e *jx.Encoder) { e.Str(r.CancelReason) })
		}
		e.Field("reserved_at", func(e *jx.Encoder) { timestamp(e, r.ReservedAt) })
		e.Field("expires_at", func(e *jx.Encoder) { timestamp(e, r.ExpiresAt) })
		e.Field("applied_at", func(e *jx.Encoder) { optTimestamp(e, r.AppliedAt) })
		e.Field("cancelled_at", func(e *jx.Encoder) { optTimestamp(e, r.CancelledAt) })
		e.Field("expired_at", func(e *jx.Encoder) { optTimestamp(e, r.ExpiredAt) })
	})
}

func encodeStats(e *jx.Encoder, s *reservation.Stats) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("coupon_code", func(e *jx.Encoder) { e.Str(s.CouponCode) })
		e.Field("global_used", func(e *jx.Encoder) { e.Int(s.GlobalUsed) })
		e.Field("reserved", func(e *jx.Encoder) { e.Int(s.Reserved) })
		e.Field("applied", func(e *jx.Encoder) { e.Int(s.Applied) })
		e.Field("cancelled", func(e *jx.Encoder) { e.Int(s.Cancelled) })
		e.Field("expired", func(e *jx.Encoder) { e.Int(s.Expired) })
		e.Field("total_discount", func(e *jx.Encoder) { amount.Encode(e, s.TotalDiscount) })
		e.Field("average_discount", func(e *jx.Encoder) { amount.Encode(e, s.AverageDiscount) })
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("error_code", func(e *jx.Encoder) { e.Str(code) })
			e.Field("message", func(e *jx.Encoder) { e.Str(message) })
			e.Field("http_status", func(e *jx.Encoder) { e.Int(status) })
		})
	})
}
