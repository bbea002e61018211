package ridefeed

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/amount"
)

// Event types consumed from the ride lifecycle topic.
const (
	TypeCompleted = "ride.completed"
	TypeCancelled = "ride.cancelled"
)

// ErrMalformed is returned for messages that can never be processed.
var ErrMalformed = errors.New("malformed ride event")

// Event is a ride lifecycle transition relevant to coupon redemption.
type Event struct {
	Type      string
	RideID    string
	FinalFare decimal.Decimal
	Reason    string
}

// Decode parses a ride event. Unknown fields are ignored.
func Decode(data []byte) (Event, error) {
	var (
		e       Event
		hasFare bool
	)
	err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "type":
			v, err := d.Str()
			e.Type = v
			return err
		case "ride_id":
			v, err := d.Str()
			e.RideID = v
			return err
		case "reason":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			e.Reason = v
			return err
		case "final_fare":
			fare, err := amount.Decode(d)
			if err != nil {
				return errors.Wrap(err, "final_fare")
			}
			e.FinalFare = fare
			hasFare = true
			return nil
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Event{}, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}
	if e.RideID == "" {
		return Event{}, errors.Wrap(ErrMalformed, "missing ride_id")
	}
	switch e.Type {
	case TypeCompleted:
		if !hasFare || e.FinalFare.IsNegative() {
			return Event{}, errors.Wrap(ErrMalformed, "missing or negative final_fare")
		}
	case TypeCancelled:
	default:
		return Event{}, errors.Wrapf(ErrMalformed, "unknown type %q", e.Type)
	}
	return e, nil
}

// Encode serializes e. Producers of the ride topic and tests use it.
func Encode(e Event) []byte {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("type", func(w *jx.Encoder) { w.Str(e.Type) })
		w.Field("ride_id", func(w *jx.Encoder) { w.Str(e.RideID) })
		switch e.Type {
		case TypeCompleted:
			w.Field("final_fare", func(w *jx.Encoder) { amount.Encode(w, e.FinalFare) })
		case TypeCancelled:
			if e.Reason != "" {
				w.Field("reason", func(w *jx.Encoder) { w.Str(e.Reason) })
			}
		}
	})
	return w.Bytes()
}
