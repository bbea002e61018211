package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

const reservationColumns = `id::text, coupon_id::text, coupon_code, user_id, ride_id,
	COALESCE(idempotency_key, ''), status, city_id, service_type,
	estimated_fare, estimated_discount, final_fare, discount_amount, cancel_reason,
	reserved_at, expires_at, applied_at, cancelled_at, expired_at`

const (
	getReservationSQL = `SELECT ` + reservationColumns + ` FROM coupon_reservations WHERE id = $1`

	lockReservationSQL = getReservationSQL + ` FOR UPDATE`

	findByIdempotencyKeySQL = `SELECT ` + reservationColumns + ` FROM coupon_reservations
		WHERE user_id = $1 AND idempotency_key = $2`

	activeForRideSQL = `SELECT ` + reservationColumns + ` FROM coupon_reservations
		WHERE ride_id = $1 AND status IN ('reserved', 'applied')`

	latestForRideSQL = `SELECT ` + reservationColumns + ` FROM coupon_reservations
		WHERE ride_id = $1 ORDER BY reserved_at DESC LIMIT 1`

	insertReservationSQL = `INSERT INTO coupon_reservations (
		id, coupon_id, coupon_code, user_id, ride_id, idempotency_key, status,
		city_id, service_type, estimated_fare, estimated_discount, reserved_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12, $13)`

	updateReservationSQL = `UPDATE coupon_reservations SET
		status = $2, final_fare = $3, discount_amount = $4, cancel_reason = $5,
		applied_at = $6, cancelled_at = $7, expired_at = $8
		WHERE id = $1 AND status = 'reserved'`

	expiredReservationsSQL = `SELECT id::text FROM coupon_reservations
		WHERE status = 'reserved' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`
)

// tx implements reservation.Tx on a pgx transaction.
type tx struct {
	tx pgx.Tx
}

var _ reservation.Tx = (*tx)(nil)

// Reservation returns a reservation by id outside of any transaction.
func (s *Store) Reservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	return queryReservation(ctx, s.pool, getReservationSQL, id)
}

// ExpiredReservations returns ids of reservations still reserved past their
// deadline, oldest deadline first.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, expiredReservationsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing expired reservations: %w", err)
	}
	return ids, nil
}

func (t *tx) FindByIdempotencyKey(ctx context.Context, userID, key string) (*reservation.Reservation, error) {
	return queryReservation(ctx, t.tx, findByIdempotencyKeySQL, userID, key)
}

func (t *tx) ActiveForRide(ctx context.Context, rideID string) (*reservation.Reservation, error) {
	return queryReservation(ctx, t.tx, activeForRideSQL, rideID)
}

func (t *tx) LatestForRide(ctx context.Context, rideID string) (*reservation.Reservation, error) {
	return queryReservation(ctx, t.tx, latestForRideSQL, rideID)
}

func (t *tx) LockReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	return queryReservation(ctx, t.tx, lockReservationSQL, id)
}

func (t *tx) InsertReservation(ctx context.Context, r *reservation.Reservation) error {
	_, err := t.tx.Exec(ctx, insertReservationSQL,
		r.ID, r.CouponID, r.CouponCode, r.UserID, r.RideID, r.IdempotencyKey, string(r.Status),
		r.CityID, r.ServiceType, r.EstimatedFare, r.EstimatedDiscount, r.ReservedAt, r.ExpiresAt,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (t *tx) UpdateReservation(ctx context.Context, r *reservation.Reservation) error {
	tag, err := t.tx.Exec(ctx, updateReservationSQL,
		r.ID, string(r.Status), r.FinalFare, r.DiscountAmount, r.CancelReason,
		r.AppliedAt, r.CancelledAt, r.ExpiredAt,
	)
	if err != nil {
		return fmt.Errorf("updating reservation %s: %w", r.ID, classify(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %s is no longer reserved: %w", r.ID, reservation.ErrConflict)
	}
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryReservation(ctx context.Context, q querier, sql string, args ...any) (*reservation.Reservation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying reservation: %w", classify(err))
	}
	r, err := pgx.CollectExactlyOneRow(rows, scanReservation)
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func scanReservation(row pgx.CollectableRow) (reservation.Reservation, error) {
	var (
		r      reservation.Reservation
		status string
	)
	err := row.Scan(
		&r.ID, &r.CouponID, &r.CouponCode, &r.UserID, &r.RideID,
		&r.IdempotencyKey, &status, &r.CityID, &r.ServiceType,
		&r.EstimatedFare, &r.EstimatedDiscount, &r.FinalFare, &r.DiscountAmount, &r.CancelReason,
		&r.ReservedAt, &r.ExpiresAt, &r.AppliedAt, &r.CancelledAt, &r.ExpiredAt,
	)
	r.Status = reservation.Status(status)
	return r, err
}
