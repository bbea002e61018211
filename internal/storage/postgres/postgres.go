// Package postgres implements reservation.Store on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/ride-coupons/db"
	"github.com/xenking/ride-coupons/internal/domain/reservation"
)

// Constraint names the store translates into domain errors.
const (
	activeRideIndex  = "coupon_reservations_active_ride_uq"
	idempotencyIndex = "coupon_reservations_idempotency_uq"
)

// NewPool creates a pgxpool.Pool configured with shopspring/decimal support
// for NUMERIC columns.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the embedded DDL schema against the pool.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, db.Schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

var _ reservation.Store = (*Store)(nil)

// Store implements reservation.Store backed by PostgreSQL.
type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewStore returns a Store that uses the given pool. A positive lockTimeout
// bounds how long a transaction waits for row locks before failing with
// reservation.ErrConflict.
func NewStore(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{pool: pool, lockTimeout: lockTimeout}
}

// InTx runs fn inside a READ COMMITTED transaction. Row locks taken through
// the Tx serialize competing writers.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx reservation.Tx) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(t pgx.Tx) error {
		if s.lockTimeout > 0 {
			ms := strconv.FormatInt(s.lockTimeout.Milliseconds(), 10)
			if _, err := t.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms+"ms"); err != nil {
				return fmt.Errorf("setting lock timeout: %w", err)
			}
		}
		return fn(ctx, &tx{tx: t})
	})
	return classify(err)
}

// classify translates PostgreSQL failures into reservation store errors.
// Errors that are not PostgreSQL errors are returned unchanged.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return fmt.Errorf("%w: %s", reservation.ErrConflict, pgErr.Message)
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case activeRideIndex:
			return reservation.ErrRideTaken
		case idempotencyIndex:
			return fmt.Errorf("%w: duplicate idempotency key", reservation.ErrConflict)
		}
	case "23514": // check_violation
		return fmt.Errorf("%w: %s", reservation.ErrConflict, pgErr.ConstraintName)
	case "22P02": // invalid_text_representation, e.g. a malformed uuid
		return reservation.ErrNotFound
	}
	return err
}

// notFound maps pgx.ErrNoRows to reservation.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return reservation.ErrNotFound
	}
	return classify(err)
}
