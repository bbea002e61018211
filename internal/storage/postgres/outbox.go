package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

const (
	enqueueDiscountSQL = `INSERT INTO ledger_outbox (
		id, reservation_id, ride_id, user_id, coupon_code, final_fare, discount_amount, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	pendingDiscountsSQL = `SELECT id::text, reservation_id::text, ride_id, user_id, coupon_code,
		final_fare, discount_amount, applied_at
		FROM ledger_outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT $1`

	markPublishedSQL = `UPDATE ledger_outbox SET published_at = $2
		WHERE id = ANY($1::uuid[]) AND published_at IS NULL`

	couponStatsSQL = `SELECT c.code, c.global_used_count,
		COUNT(r.id) FILTER (WHERE r.status = 'reserved'),
		COUNT(r.id) FILTER (WHERE r.status = 'applied'),
		COUNT(r.id) FILTER (WHERE r.status = 'cancelled'),
		COUNT(r.id) FILTER (WHERE r.status = 'expired'),
		COALESCE(SUM(r.discount_amount) FILTER (WHERE r.status = 'applied'), 0),
		COALESCE(AVG(r.discount_amount) FILTER (WHERE r.status = 'applied'), 0)
		FROM coupons c
		LEFT JOIN coupon_reservations r ON r.coupon_id = c.id
		WHERE c.code = $1
		GROUP BY c.id`
)

func (t *tx) EnqueueDiscount(ctx context.Context, e reservation.DiscountApplied) error {
	_, err := t.tx.Exec(ctx, enqueueDiscountSQL,
		e.EventID, e.ReservationID, e.RideID, e.UserID, e.CouponCode,
		e.FinalFare, e.DiscountAmount, e.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing discount for reservation %s: %w", e.ReservationID, classify(err))
	}
	return nil
}

// PendingDiscounts returns unpublished ledger events in creation order.
func (s *Store) PendingDiscounts(ctx context.Context, limit int) ([]reservation.DiscountApplied, error) {
	rows, err := s.pool.Query(ctx, pendingDiscountsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pending discounts: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (reservation.DiscountApplied, error) {
		var e reservation.DiscountApplied
		err := row.Scan(
			&e.EventID, &e.ReservationID, &e.RideID, &e.UserID, &e.CouponCode,
			&e.FinalFare, &e.DiscountAmount, &e.AppliedAt,
		)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing pending discounts: %w", err)
	}
	return events, nil
}

// MarkPublished stamps the given events as delivered.
func (s *Store) MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(eventIDs))
	for _, id := range eventIDs {
		v, err := uuid.Parse(id)
		if err != nil {
			return fmt.Errorf("event id %q: %w", id, err)
		}
		ids = append(ids, v)
	}
	if _, err := s.pool.Exec(ctx, markPublishedSQL, ids, at); err != nil {
		return fmt.Errorf("marking %d events published: %w", len(eventIDs), err)
	}
	return nil
}

// Stats aggregates reservation counts and discounts for a coupon code.
func (s *Store) Stats(ctx context.Context, code string) (*reservation.Stats, error) {
	var (
		st  reservation.Stats
		avg decimal.Decimal
	)
	err := s.pool.QueryRow(ctx, couponStatsSQL, code).Scan(
		&st.CouponCode, &st.GlobalUsed,
		&st.Reserved, &st.Applied, &st.Cancelled, &st.Expired,
		&st.TotalDiscount, &avg,
	)
	if err != nil {
		return nil, notFound(err)
	}
	st.AverageDiscount = avg.Round(2)
	return &st, nil
}
