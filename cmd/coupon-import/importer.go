package main

import (
	"bufio"
	"context"
	"os"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/ride-coupons/internal/domain/coupon"
	"github.com/xenking/ride-coupons/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	maxLineSize   = 4 << 20
	progressEvery = 100_000
)

// catalog is the write side of the coupon catalog.
type catalog interface {
	ExistingCodes(ctx context.Context, fn func(code string)) error
	CopyCoupons(ctx context.Context, coupons []coupon.Coupon) (int64, error)
	UpsertCoupon(ctx context.Context, c *coupon.Coupon) (frozen bool, err error)
	AddTargetUsers(ctx context.Context, code string, users []string) error
}

var _ catalog = (*postgres.CatalogWriter)(nil)

type importStats struct {
	copied   int64
	upserted int
	// frozen counts upserts of coupons already referenced by reservations,
	// of which only the active flag was written.
	frozen   int
	rejected int
	targets  int
}

// importer routes records by a bloom filter of stored codes: codes that are
// certainly new are batched into COPY, possible duplicates are upserted.
type importer struct {
	cat       catalog
	lg        *zap.Logger
	batchSize int
	expected  uint

	filter  *bloom.BloomFilter
	pending []record
	stats   importStats
}

func newImporter(cat catalog, lg *zap.Logger, batchSize int, expected uint) *importer {
	if batchSize <= 0 {
		batchSize = 5000
	}
	if expected == 0 {
		expected = 1_000_000
	}
	return &importer{
		cat:       cat,
		lg:        lg,
		batchSize: batchSize,
		expected:  expected,
	}
}

// loadExisting fills the bloom filter with every stored coupon code.
func (im *importer) loadExisting(ctx context.Context) error {
	im.filter = bloom.NewWithEstimates(im.expected, bloomFPR)
	var n int
	if err := im.cat.ExistingCodes(ctx, func(code string) {
		im.filter.AddString(code)
		n++
	}); err != nil {
		return errors.Wrap(err, "load existing codes")
	}
	im.lg.Info("Loaded existing codes", zap.Int("count", n))
	return nil
}

// add routes one record. The code is added to the filter right away so a
// repeated code later in the input takes the upsert path.
func (im *importer) add(ctx context.Context, rec record) error {
	code := rec.coupon.Code
	if !im.filter.TestString(code) {
		im.filter.AddString(code)
		im.pending = append(im.pending, rec)
		if len(im.pending) >= im.batchSize {
			return im.flush(ctx)
		}
		return nil
	}

	// The code may be in the pending COPY batch; write that first.
	if err := im.flush(ctx); err != nil {
		return err
	}
	frozen, err := im.cat.UpsertCoupon(ctx, &rec.coupon)
	if err != nil {
		return errors.Wrapf(err, "upsert %s", code)
	}
	im.stats.upserted++
	if frozen {
		im.stats.frozen++
		im.lg.Warn("Coupon has reservations, kept its terms and updated active flag only",
			zap.String("coupon_code", code),
			zap.Bool("active", rec.coupon.Active),
		)
	}
	return im.addTargets(ctx, rec)
}

// flush copies the pending batch.
func (im *importer) flush(ctx context.Context) error {
	if len(im.pending) == 0 {
		return nil
	}
	coupons := make([]coupon.Coupon, len(im.pending))
	for i, rec := range im.pending {
		coupons[i] = rec.coupon
	}
	n, err := im.cat.CopyCoupons(ctx, coupons)
	if err != nil {
		return errors.Wrapf(err, "copy %d coupons", len(coupons))
	}
	im.stats.copied += n
	for _, rec := range im.pending {
		if err := im.addTargets(ctx, rec); err != nil {
			return err
		}
	}
	im.pending = im.pending[:0]
	return nil
}

func (im *importer) addTargets(ctx context.Context, rec record) error {
	if len(rec.targets) == 0 {
		return nil
	}
	if err := im.cat.AddTargetUsers(ctx, rec.coupon.Code, rec.targets); err != nil {
		return errors.Wrapf(err, "add targets of %s", rec.coupon.Code)
	}
	im.stats.targets += len(rec.targets)
	return nil
}

// run decodes files concurrently and writes records from a single goroutine.
func (im *importer) run(ctx context.Context, files []string) (importStats, error) {
	if err := im.loadExisting(ctx); err != nil {
		return im.stats, err
	}

	records := make(chan record, 1024)
	rejected := make(chan struct{}, 1024)

	g, gctx := errgroup.WithContext(ctx)
	readers, rctx := errgroup.WithContext(gctx)
	for _, path := range files {
		readers.Go(func() error {
			return im.readFile(rctx, path, records, rejected)
		})
	}
	g.Go(func() error {
		err := readers.Wait()
		close(records)
		close(rejected)
		return err
	})
	g.Go(func() error {
		for range rejected {
			im.stats.rejected++
		}
		return nil
	})
	g.Go(func() error {
		var n int
		for rec := range records {
			if err := im.add(gctx, rec); err != nil {
				return err
			}
			n++
			if n%progressEvery == 0 {
				im.lg.Info("Import progress", zap.Int("records", n))
			}
		}
		return im.flush(gctx)
	})

	err := g.Wait()
	return im.stats, err
}

// readFile streams a gzip-compressed JSON-lines file into records.
func (im *importer) readFile(ctx context.Context, path string, records chan<- record, rejected chan<- struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		rec, err := decodeRecord(data)
		if err != nil {
			im.lg.Warn("Skipping invalid record",
				zap.String("file", path),
				zap.Int("line", line),
				zap.Error(err),
			)
			select {
			case rejected <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		select {
		case records <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
