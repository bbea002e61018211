package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// Apply finalizes a reservation with the final fare of the ride.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		h.fail(w, r, err)
		return
	}
	if !req.HasFare {
		h.fail(w, r, invalid("final_fare is required"))
		return
	}
	if req.FinalFare.IsNegative() {
		h.fail(w, r, invalid("final_fare must not be negative"))
		return
	}

	red, err := h.coupons.Apply(r.Context(), chi.URLParam(r, "id"), reservation.FinalFare{Fare: req.FinalFare})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, red.Reservation) })
}

// Release cancels a reservation. Releasing a finished reservation is a no-op
// that still answers with its current state.
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "released"
	}

	id := chi.URLParam(r, "id")
	if err := h.coupons.Release(r.Context(), id, req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.coupons.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, res) })
}

// GetReservation returns a reservation by id.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.coupons.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeReservation(e, res) })
}

// Stats returns reservation statistics of a coupon.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.coupons.Stats(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStats(e, st) })
}

// Sweep runs an expiry pass immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.sweeper.Sweep(r.Context(), h.now())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("expired", func(e *jx.Encoder) { e.Int(n) })
		})
	})
}

// fail maps err to an error response. Internal failures are logged and
// answered without details.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *validationError
	if errors.As(err, &ve) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", ve.Error())
		return
	}
	code := coupon.CodeOf(err)
	if code == coupon.CodeInternal {
		zctx.From(r.Context()).Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	codeError(w, code)
}
