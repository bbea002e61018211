package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
)

const (
	listCodesSQL = `SELECT code FROM coupons`

	upsertCouponSQL = `INSERT INTO coupons (
		id, code, name, description, discount_type, value, max_discount, min_fare,
		starts_at, ends_at, allowed_city_ids, allowed_service_types,
		eligibility_type, segment_key, global_limit, per_user_limit, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type,
			value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount,
			min_fare = EXCLUDED.min_fare,
			starts_at = EXCLUDED.starts_at,
			ends_at = EXCLUDED.ends_at,
			allowed_city_ids = EXCLUDED.allowed_city_ids,
			allowed_service_types = EXCLUDED.allowed_service_types,
			eligibility_type = EXCLUDED.eligibility_type,
			segment_key = EXCLUDED.segment_key,
			global_limit = EXCLUDED.global_limit,
			per_user_limit = EXCLUDED.per_user_limit,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		WHERE NOT EXISTS (SELECT 1 FROM coupon_reservations r WHERE r.coupon_id = coupons.id)`

	// referencedSQL locks the stored coupon so no reservation can be taken
	// between the check and the write.
	referencedSQL = `SELECT EXISTS (SELECT 1 FROM coupon_reservations r WHERE r.coupon_id = c.id)
		FROM coupons c WHERE c.code = $1
		FOR UPDATE`

	setActiveSQL = `UPDATE coupons SET is_active = $2, updated_at = now() WHERE code = $1`

	addTargetsSQL = `INSERT INTO coupon_target_users (coupon_id, user_id)
		SELECT c.id, u FROM coupons c, UNNEST($2::text[]) AS u
		WHERE c.code = $1
		ON CONFLICT DO NOTHING`
)

var catalogColumns = []string{
	"id", "code", "name", "description", "discount_type", "value", "max_discount", "min_fare",
	"starts_at", "ends_at", "allowed_city_ids", "allowed_service_types",
	"eligibility_type", "segment_key", "global_limit", "per_user_limit", "is_active",
}

// CatalogWriter bulk-loads coupon definitions owned by the catalog service.
// Usage counters are never written here.
type CatalogWriter struct {
	pool *pgxpool.Pool
}

// NewCatalogWriter returns a CatalogWriter that uses the given pool.
func NewCatalogWriter(pool *pgxpool.Pool) *CatalogWriter {
	return &CatalogWriter{pool: pool}
}

// ExistingCodes streams every stored coupon code to fn.
func (w *CatalogWriter) ExistingCodes(ctx context.Context, fn func(code string)) error {
	rows, err := w.pool.Query(ctx, listCodesSQL)
	if err != nil {
		return fmt.Errorf("listing coupon codes: %w", err)
	}
	var code string
	_, err = pgx.ForEachRow(rows, []any{&code}, func() error {
		fn(code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing coupon codes: %w", err)
	}
	return nil
}

// CopyCoupons inserts coupons known to be new with COPY.
func (w *CatalogWriter) CopyCoupons(ctx context.Context, coupons []coupon.Coupon) (int64, error) {
	n, err := w.pool.CopyFrom(ctx, pgx.Identifier{"coupons"}, catalogColumns,
		pgx.CopyFromSlice(len(coupons), func(i int) ([]any, error) {
			return catalogRow(&coupons[i])
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copying %d coupons: %w", len(coupons), err)
	}
	return n, nil
}

// UpsertCoupon inserts c or updates the definition stored under its code.
//
// A coupon referenced by any reservation keeps its terms: only the active
// flag is updated and frozen is true.
func (w *CatalogWriter) UpsertCoupon(ctx context.Context, c *coupon.Coupon) (frozen bool, err error) {
	args, err := catalogRow(c)
	if err != nil {
		return false, err
	}
	err = pgx.BeginFunc(ctx, w.pool, func(t pgx.Tx) error {
		frozen = false
		err := t.QueryRow(ctx, referencedSQL, c.Code).Scan(&frozen)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// New code.
		case err != nil:
			return fmt.Errorf("checking references: %w", err)
		}
		if frozen {
			_, err = t.Exec(ctx, setActiveSQL, c.Code, c.Active)
			return err
		}
		_, err = t.Exec(ctx, upsertCouponSQL, args...)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("upserting coupon %s: %w", c.Code, err)
	}
	return frozen, nil
}

// AddTargetUsers adds users to the target list of the coupon with code.
func (w *CatalogWriter) AddTargetUsers(ctx context.Context, code string, users []string) error {
	if len(users) == 0 {
		return nil
	}
	if _, err := w.pool.Exec(ctx, addTargetsSQL, code, users); err != nil {
		return fmt.Errorf("adding %d target users to %s: %w", len(users), code, err)
	}
	return nil
}

// catalogRow returns the column values of c. Ids are passed as uuid.UUID
// since COPY only speaks the binary format.
func catalogRow(c *coupon.Coupon) ([]any, error) {
	id, err := uuid.Parse(c.ID)
	if err != nil {
		return nil, fmt.Errorf("coupon %s: invalid id %q: %w", c.Code, c.ID, err)
	}
	cities := c.AllowedCityIDs
	if cities == nil {
		cities = []string{}
	}
	services := c.AllowedServiceTypes
	if services == nil {
		services = []string{}
	}
	return []any{
		id, c.Code, c.Name, c.Description, string(c.DiscountType), c.Value, c.MaxDiscount, c.MinFare,
		c.StartsAt, c.EndsAt, cities, services,
		string(c.Eligibility), c.SegmentKey, c.GlobalLimit, c.PerUserLimit, c.Active,
	}, nil
}
