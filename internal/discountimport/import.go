// Package discountimport finds promo codes shared by several partner code
// files and turns them into discounts.
//
// Files are gzip-compressed, one code per line, and may hold tens of
// millions of codes. The first pass builds one bloom filter per file, the
// second re-streams every file and keeps codes that the other filters
// report, tracking exactly which files a candidate was seen in.
package discountimport

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"strings"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/discount"
)

// MaxFiles is the largest number of files one run can cross-match.
const MaxFiles = 64

const progressEvery = 10_000_000

// Options tune matching.
type Options struct {
	// MinFiles is how many distinct files a code must appear in.
	MinFiles int
	// MinLen and MaxLen bound accepted code lengths.
	MinLen int
	MaxLen int
	// Capacity and FPR size each bloom filter.
	Capacity uint
	FPR      float64
}

// DefaultOptions matches codes present in at least two files.
func DefaultOptions() Options {
	return Options{
		MinFiles: 2,
		MinLen:   8,
		MaxLen:   10,
		Capacity: 120_000_000,
		FPR:      0.001,
	}
}

func (o Options) validate(files int) error {
	switch {
	case files == 0:
		return errors.New("no input files")
	case files > MaxFiles:
		return errors.Errorf("at most %d files are supported, got %d", MaxFiles, files)
	case o.MinFiles < 1 || o.MinFiles > files:
		return errors.Errorf("min files must be between 1 and %d, got %d", files, o.MinFiles)
	case o.MinLen < 1 || o.MaxLen < o.MinLen:
		return errors.Errorf("invalid code length bounds [%d, %d]", o.MinLen, o.MaxLen)
	case o.Capacity == 0 || o.FPR <= 0 || o.FPR >= 1:
		return errors.New("invalid bloom filter sizing")
	}
	return nil
}

// FindCodes returns the upper-cased codes found in at least opts.MinFiles of
// files, in no particular order.
func FindCodes(ctx context.Context, files []string, opts Options) ([]string, error) {
	if err := opts.validate(len(files)); err != nil {
		return nil, err
	}
	lg := zctx.From(ctx)

	lg.Info("Building bloom filters", zap.Int("files", len(files)))
	filters, err := buildFilters(ctx, files, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	lg.Info("Matching codes across files", zap.Int("min_files", opts.MinFiles))
	masks, err := matchCodes(ctx, files, filters, opts)
	if err != nil {
		return nil, errors.Wrap(err, "match codes")
	}

	merged := make(map[string]uint64)
	for _, m := range masks {
		for code, bit := range m {
			merged[code] |= bit
		}
	}
	var codes []string
	for code, mask := range merged {
		if bits.OnesCount64(mask) >= opts.MinFiles {
			codes = append(codes, code)
		}
	}
	lg.Info("Codes matched", zap.Int("count", len(codes)))
	return codes, nil
}

func buildFilters(ctx context.Context, files []string, opts Options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.Capacity, opts.FPR)
			n, err := streamCodes(ctx, path, opts, func(code string) {
				filter.AddString(code)
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			zctx.From(ctx).Info("Bloom filter built", zap.String("file", path), zap.Uint64("codes", n))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// matchCodes returns, per file, the codes of that file which the other
// filters report in enough files, each mapped to the file's bit.
func matchCodes(ctx context.Context, files []string, filters []*bloom.BloomFilter, opts Options) ([]map[string]uint64, error) {
	results := make([]map[string]uint64, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint64)
			bit := uint64(1) << uint(i)
			_, err := streamCodes(ctx, path, opts, func(code string) {
				hits := 1
				for j, f := range filters {
					if j != i && f.TestString(code) {
						hits++
					}
				}
				if hits >= opts.MinFiles {
					candidates[code] = bit
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", i+1)
			}
			zctx.From(ctx).Info("File matched", zap.String("file", path), zap.Int("candidates", len(candidates)))
			results[i] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// streamCodes calls fn for every normalised code of acceptable length in
// the gzip file at path.
func streamCodes(ctx context.Context, path string, opts Options, fn func(code string)) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var n uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		code := strings.ToUpper(strings.TrimSpace(scanner.Text()))
		if len(code) < opts.MinLen || len(code) > opts.MaxLen {
			continue
		}
		fn(code)
		n++
		if n%progressEvery == 0 {
			zctx.From(ctx).Info("Progress", zap.String("file", path), zap.Uint64("codes", n))
		}
	}
	if err := scanner.Err(); err != nil {
		return n, errors.Wrapf(err, "scan %s", path)
	}
	return n, nil
}

// Template describes the discount every imported code becomes.
type Template struct {
	Type        discount.Type
	Value       decimal.Decimal
	MinPurchase decimal.Decimal
	MaxDiscount decimal.Decimal
	Stackable   bool
	UsageLimit  int
	StartDate   time.Time
	EndDate     time.Time
	Description string
}

// Validate rejects templates the discount engine could not apply.
func (t Template) Validate() error {
	switch t.Type {
	case discount.TypePercentage:
		if !t.Value.IsPositive() || t.Value.GreaterThan(decimal.NewFromInt(100)) {
			return errors.Errorf("percentage value must be in (0, 100], got %s", t.Value)
		}
	case discount.TypeFixed:
		if !t.Value.IsPositive() {
			return errors.Errorf("fixed value must be positive, got %s", t.Value)
		}
	default:
		return errors.Errorf("unsupported template type %q", t.Type)
	}
	if t.UsageLimit < 0 {
		return errors.New("usage limit must not be negative")
	}
	if !t.StartDate.IsZero() && !t.EndDate.IsZero() && t.EndDate.Before(t.StartDate) {
		return errors.New("end date is before start date")
	}
	return nil
}

// Discount returns the discount for code. The id is derived from the code
// so repeated imports update the same row.
func (t Template) Discount(code string) discount.Discount {
	code = strings.ToUpper(code)
	return discount.Discount{
		ID:          "promo-" + strings.ToLower(code),
		Code:        code,
		Description: t.Description,
		Type:        t.Type,
		Value:       t.Value,
		MinPurchase: t.MinPurchase,
		MaxDiscount: t.MaxDiscount,
		StartDate:   t.StartDate,
		EndDate:     t.EndDate,
		UsageLimit:  t.UsageLimit,
		Stackable:   t.Stackable,
		Status:      discount.StatusActive,
	}
}

// Store persists discounts. Implemented by *repository.DiscountRepository.
type Store interface {
	Upsert(ctx context.Context, ds []discount.Discount) error
}

// Write upserts one discount per code in batches of batchSize.
func Write(ctx context.Context, store Store, codes []string, tmpl Template, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	lg := zctx.From(ctx)
	for start := 0; start < len(codes); start += batchSize {
		end := min(start+batchSize, len(codes))
		batch := make([]discount.Discount, 0, end-start)
		for _, code := range codes[start:end] {
			batch = append(batch, tmpl.Discount(code))
		}
		if err := store.Upsert(ctx, batch); err != nil {
			return errors.Wrapf(err, "upsert codes %d..%d", start, end)
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(codes)))
	}
	return nil
}
