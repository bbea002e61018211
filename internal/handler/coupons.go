package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/ride-coupons/internal/amount"
	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// Available lists the coupons the rider may see.
func (h *Handler) Available(w http.ResponseWriter, r *http.Request) {
	offers, err := h.coupons.Available(r.Context(), UserFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("coupons", func(e *jx.Encoder) {
				e.ArrStart()
				for i := range offers {
					encodeOffer(e, &offers[i])
				}
				e.ArrEnd()
			})
		})
	})
}

// Validate previews a coupon for the rider and ride context. Ineligible
// coupons answer with valid=false and the failing code.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(false); err != nil {
		h.fail(w, r, err)
		return
	}

	v, err := h.coupons.Validate(r.Context(), reservation.ValidateRequest{
		Code:   req.Code,
		UserID: UserFromContext(r.Context()),
		Ride:   req.Ride.ride(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if !v.Result.Eligible() {
		code := v.Result.Code
		writeJSON(w, code.HTTPStatus(), func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("valid", func(e *jx.Encoder) { e.Bool(false) })
				e.Field("error_code", func(e *jx.Encoder) { e.Str(string(code)) })
				e.Field("error_message", func(e *jx.Encoder) { e.Str(code.Message()) })
			})
		})
		return
	}

	fare := req.Ride.Fare
	discount := v.Result.Discount
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("valid", func(e *jx.Encoder) { e.Bool(true) })
			e.Field("discount_preview", func(e *jx.Encoder) { amount.Encode(e, discount) })
			e.Field("coupon", func(e *jx.Encoder) { encodeCoupon(e, v.Coupon) })
			e.Field("meta", func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("original_fare", func(e *jx.Encoder) { amount.Encode(e, fare) })
					e.Field("discounted_fare", func(e *jx.Encoder) { amount.Encode(e, fare.Sub(discount)) })
				})
			})
		})
	})
}

// Reserve holds one use of a coupon for a ride.
func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req couponRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := req.validate(true); err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.coupons.Reserve(r.Context(), reservation.ReserveRequest{
		Code:           req.Code,
		UserID:         UserFromContext(r.Context()),
		RideID:         req.RideID,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
		Ride:           req.Ride.ride(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodeReservation(e, res) })
}

// codeError writes a taxonomy error envelope.
func codeError(w http.ResponseWriter, code coupon.Code) {
	writeError(w, code.HTTPStatus(), string(code), code.Message())
}
