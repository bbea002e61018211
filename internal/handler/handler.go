// Package handler exposes the coupon engine over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// UserHeader carries the authenticated rider id, set by the API gateway.
const UserHeader = "X-User-ID"

// IdempotencyHeader optionally deduplicates reserve retries.
const IdempotencyHeader = "Idempotency-Key"

// Coupons is the engine surface used by the HTTP API.
type Coupons interface {
	Available(ctx context.Context, userID string) ([]reservation.Offer, error)
	Validate(ctx context.Context, req reservation.ValidateRequest) (*reservation.Validation, error)
	Reserve(ctx context.Context, req reservation.ReserveRequest) (*reservation.Reservation, error)
	Apply(ctx context.Context, id string, fare reservation.FinalFare) (*reservation.Redemption, error)
	Release(ctx context.Context, id, reason string) error
	Get(ctx context.Context, id string) (*reservation.Reservation, error)
	Stats(ctx context.Context, code string) (*reservation.Stats, error)
}

// Sweeper runs an on-demand expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

var (
	_ Coupons = (*reservation.Manager)(nil)
	_ Sweeper = (*reservation.Sweeper)(nil)
)

// Handler serves the public coupon API and the internal reservation API.
type Handler struct {
	coupons Coupons
	sweeper Sweeper
	now     func() time.Time
}

// New creates a Handler.
func New(coupons Coupons, sweeper Sweeper) *Handler {
	return &Handler{
		coupons: coupons,
		sweeper: sweeper,
		now:     time.Now,
	}
}

// Routes returns the API router.
//
// Public routes require the UserHeader. Internal routes are meant to be
// reachable from the ride service and operators only.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/coupons", func(r chi.Router) {
		r.Use(RequireUser)
		r.Get("/available", h.Available)
		r.Post("/validate", h.Validate)
		r.Post("/reserve", h.Reserve)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Route("/reservations/{id}", func(r chi.Router) {
			r.Get("/", h.GetReservation)
			r.Post("/apply", h.Apply)
			r.Post("/release", h.Release)
		})
		r.Get("/coupons/{code}/stats", h.Stats)
		r.Post("/sweep", h.Sweep)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	return r
}

type userKey struct{}

// RequireUser rejects requests without the UserHeader and stores the rider
// id in the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing "+UserHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

// UserFromContext returns the rider id stored by RequireUser.
func UserFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}
