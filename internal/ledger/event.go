// Package ledger hands applied discounts off to the wallet ledger.
//
// Discounts are recorded in a transactional outbox by the reservation
// manager; the Relay drains that outbox to a Kafka topic keyed by ride id.
package ledger

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/ride-coupons/internal/amount"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// EventType is set as the event_type header of every message.
const EventType = "coupon.discount_applied"

// Encode serializes a DiscountApplied event as JSON.
func Encode(e reservation.DiscountApplied) []byte {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("event_id", func(w *jx.Encoder) { w.Str(e.EventID) })
		w.Field("reservation_id", func(w *jx.Encoder) { w.Str(e.ReservationID) })
		w.Field("ride_id", func(w *jx.Encoder) { w.Str(e.RideID) })
		w.Field("user_id", func(w *jx.Encoder) { w.Str(e.UserID) })
		w.Field("coupon_code", func(w *jx.Encoder) { w.Str(e.CouponCode) })
		w.Field("final_fare", func(w *jx.Encoder) { amount.Encode(w, e.FinalFare) })
		w.Field("discount_amount", func(w *jx.Encoder) { amount.Encode(w, e.DiscountAmount) })
		w.Field("applied_at", func(w *jx.Encoder) { w.Str(e.AppliedAt.UTC().Format(time.RFC3339Nano)) })
	})
	return w.Bytes()
}

// Decode parses an event produced by Encode. Unknown fields are skipped.
func Decode(data []byte) (reservation.DiscountApplied, error) {
	var e reservation.DiscountApplied
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "event_id":
			e.EventID, err = d.Str()
		case "reservation_id":
			e.ReservationID, err = d.Str()
		case "ride_id":
			e.RideID, err = d.Str()
		case "user_id":
			e.UserID, err = d.Str()
		case "coupon_code":
			e.CouponCode, err = d.Str()
		case "final_fare":
			e.FinalFare, err = amount.Decode(d)
		case "discount_amount":
			e.DiscountAmount, err = amount.Decode(d)
		case "applied_at":
			var s string
			if s, err = d.Str(); err == nil {
				e.AppliedAt, err = time.Parse(time.RFC3339Nano, s)
			}
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return reservation.DiscountApplied{}, errors.Wrap(err, "decode discount event")
	}
	return e, nil
}
