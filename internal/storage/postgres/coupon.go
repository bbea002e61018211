package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

const couponColumns = `id::text, code, name, description, discount_type, value, max_discount,
	min_fare, starts_at, ends_at, allowed_city_ids, allowed_service_types,
	eligibility_type, segment_key, global_limit, per_user_limit, is_active`

const (
	findCouponSQL    = `SELECT ` + couponColumns + ` FROM coupons WHERE code = UPPER(TRIM($1))`
	lockCouponSQL    = findCouponSQL + ` FOR UPDATE`
	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	availableCouponsSQL = `SELECT ` + couponColumns + `,
		global_used_count, COALESCE(u.used_count, 0)
		FROM coupons c
		LEFT JOIN coupon_user_usage u ON u.coupon_id = c.id AND u.user_id = $1
		WHERE is_active
			AND (starts_at IS NULL OR starts_at <= $2)
			AND (ends_at IS NULL OR ends_at >= $2)
			AND (eligibility_type = 'ALL' OR (eligibility_type = 'TARGETED' AND EXISTS (
				SELECT 1 FROM coupon_target_users t WHERE t.coupon_id = c.id AND t.user_id = $1)))
		ORDER BY ends_at NULLS LAST, code`

	usageSQL = `SELECT c.global_used_count,
		COALESCE((SELECT u.used_count FROM coupon_user_usage u
			WHERE u.coupon_id = c.id AND u.user_id = $2), 0)
		FROM coupons c WHERE c.id = $1`

	isTargetedSQL = `SELECT EXISTS (SELECT 1 FROM coupon_target_users
		WHERE coupon_id = $1 AND user_id = $2)`

	getProfileSQL = `SELECT user_id, signed_up_at, last_ride_at, completed_rides
		FROM rider_profiles WHERE user_id = $1`

	incrementGlobalSQL = `UPDATE coupons
		SET global_used_count = global_used_count + 1, updated_at = now()
		WHERE id = $1`

	incrementUserSQL = `INSERT INTO coupon_user_usage (coupon_id, user_id, used_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (coupon_id, user_id) DO UPDATE
		SET used_count = coupon_user_usage.used_count + 1`

	decrementGlobalSQL = `UPDATE coupons
		SET global_used_count = GREATEST(global_used_count - 1, 0), updated_at = now()
		WHERE id = $1`

	decrementUserSQL = `UPDATE coupon_user_usage
		SET used_count = GREATEST(used_count - 1, 0)
		WHERE coupon_id = $1 AND user_id = $2`
)

func (t *tx) FindCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	return t.queryCoupon(ctx, findCouponSQL, code)
}

func (t *tx) LockCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	return t.queryCoupon(ctx, lockCouponSQL, code)
}

func (t *tx) CouponByID(ctx context.Context, id string) (*coupon.Coupon, error) {
	return t.queryCoupon(ctx, getCouponByIDSQL, id)
}

func (t *tx) queryCoupon(ctx context.Context, sql string, arg string) (*coupon.Coupon, error) {
	rows, err := t.tx.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("querying coupon %q: %w", arg, classify(err))
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (t *tx) AvailableCoupons(ctx context.Context, userID string, now time.Time) ([]reservation.Offer, error) {
	rows, err := t.tx.Query(ctx, availableCouponsSQL, userID, now)
	if err != nil {
		return nil, fmt.Errorf("listing available coupons: %w", classify(err))
	}
	offers, err := pgx.CollectRows(rows, scanOffer)
	if err != nil {
		return nil, fmt.Errorf("listing available coupons: %w", classify(err))
	}
	return offers, nil
}

func (t *tx) Usage(ctx context.Context, couponID, userID string) (coupon.Usage, error) {
	var u coupon.Usage
	if err := t.tx.QueryRow(ctx, usageSQL, couponID, userID).Scan(&u.GlobalUsed, &u.UserUsed); err != nil {
		return coupon.Usage{}, notFound(err)
	}
	return u, nil
}

func (t *tx) IsTargeted(ctx context.Context, couponID, userID string) (bool, error) {
	var ok bool
	if err := t.tx.QueryRow(ctx, isTargetedSQL, couponID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking target list: %w", classify(err))
	}
	return ok, nil
}

func (t *tx) Profile(ctx context.Context, userID string) (coupon.Profile, error) {
	var p coupon.Profile
	err := t.tx.QueryRow(ctx, getProfileSQL, userID).Scan(
		&p.UserID, &p.SignedUpAt, &p.LastRideAt, &p.CompletedRides,
	)
	if err != nil {
		return coupon.Profile{}, notFound(err)
	}
	return p, nil
}

func (t *tx) IncrementUsage(ctx context.Context, couponID, userID string) error {
	tag, err := t.tx.Exec(ctx, incrementGlobalSQL, couponID)
	if err != nil {
		return fmt.Errorf("incrementing global usage: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return reservation.ErrNotFound
	}
	if _, err := t.tx.Exec(ctx, incrementUserSQL, couponID, userID); err != nil {
		return fmt.Errorf("incrementing user usage: %w", classify(err))
	}
	return nil
}

func (t *tx) DecrementUsage(ctx context.Context, couponID, userID string) error {
	if _, err := t.tx.Exec(ctx, decrementGlobalSQL, couponID); err != nil {
		return fmt.Errorf("decrementing global usage: %w", classify(err))
	}
	if _, err := t.tx.Exec(ctx, decrementUserSQL, couponID, userID); err != nil {
		return fmt.Errorf("decrementing user usage: %w", classify(err))
	}
	return nil
}

// couponDest returns scan targets matching couponColumns.
func couponDest(c *coupon.Coupon, discountType, eligibility *string) []any {
	return []any{
		&c.ID, &c.Code, &c.Name, &c.Description, discountType, &c.Value, &c.MaxDiscount,
		&c.MinFare, &c.StartsAt, &c.EndsAt, &c.AllowedCityIDs, &c.AllowedServiceTypes,
		eligibility, &c.SegmentKey, &c.GlobalLimit, &c.PerUserLimit, &c.Active,
	}
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		eligibility  string
	)
	err := row.Scan(couponDest(&c, &discountType, &eligibility)...)
	c.DiscountType = coupon.DiscountType(discountType)
	c.Eligibility = coupon.Eligibility(eligibility)
	return c, err
}

func scanOffer(row pgx.CollectableRow) (reservation.Offer, error) {
	var (
		o            reservation.Offer
		discountType string
		eligibility  string
	)
	dest := append(couponDest(&o.Coupon, &discountType, &eligibility), &o.Usage.GlobalUsed, &o.Usage.UserUsed)
	err := row.Scan(dest...)
	o.Coupon.DiscountType = coupon.DiscountType(discountType)
	o.Coupon.Eligibility = coupon.Eligibility(eligibility)
	return o, err
}
