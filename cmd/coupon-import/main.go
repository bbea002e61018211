// Command coupon-import bulk-loads a catalog export into the coupon tables.
//
// Input files are gzip-compressed JSON lines, one coupon per line with an
// optional target_user_ids list.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/ride-coupons/internal/storage/postgres"
)

func main() {
	var (
		databaseURL string
		batchSize   int
		expected    uint
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&batchSize, "batch", 5000, "coupons per COPY batch")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of stored coupons, sizes the bloom filter")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if flag.NArg() == 0 {
		lg.Fatal("Usage: coupon-import [flags] export1.jsonl.gz [export2.jsonl.gz ...]")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, flag.Args(), batchSize, expected); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, databaseURL string, files []string, batchSize int, expected uint) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return errors.Wrapf(err, "check file %s", f)
		}
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	im := newImporter(postgres.NewCatalogWriter(pool), lg, batchSize, expected)
	stats, err := im.run(ctx, files)
	lg.Info("Coupon import finished",
		zap.Int64("copied", stats.copied),
		zap.Int("upserted", stats.upserted),
		zap.Int("frozen", stats.frozen),
		zap.Int("rejected", stats.rejected),
		zap.Int("target_users", stats.targets),
	)
	return err
}
