// Command discount-import turns partner promo codes shared by several
// gzipped code files into discounts.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/discountimport"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/repository"
)

type flags struct {
	databaseURL string
	pattern     string
	minFiles    int
	batch       int

	discountType string
	value        string
	maxDiscount  string
	minPurchase  string
	stackable    bool
	usageLimit   int
	validFor     time.Duration
	description  string
}

func main() {
	var f flags
	flag.StringVar(&f.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&f.pattern, "files", "data/*.gz", "glob of gzipped code files")
	flag.IntVar(&f.minFiles, "min-files", 2, "number of files a code must appear in")
	flag.IntVar(&f.batch, "batch", 1000, "discounts per upsert batch")
	flag.StringVar(&f.discountType, "type", string(discount.TypePercentage), "discount type: PERCENTAGE or FIXED")
	flag.StringVar(&f.value, "value", "10", "discount value")
	flag.StringVar(&f.maxDiscount, "max-discount", "0", "cap on the discount amount, 0 for none")
	flag.StringVar(&f.minPurchase, "min-purchase", "0", "minimum subtotal")
	flag.BoolVar(&f.stackable, "stackable", false, "whether imported discounts stack")
	flag.IntVar(&f.usageLimit, "usage-limit", 1, "uses per code, 0 for unlimited")
	flag.DurationVar(&f.validFor, "valid-for", 0, "validity window from now, 0 for open-ended")
	flag.StringVar(&f.description, "description", "Partner promo code", "discount description")
	flag.Parse()

	if f.databaseURL == "" {
		f.databaseURL = os.Getenv("DATABASE_URL")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		return run(zctx.Base(ctx, lg), f)
	})
}

func run(ctx context.Context, f flags) error {
	lg := zctx.From(ctx)
	if f.databaseURL == "" {
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	}

	tmpl, err := template(f, time.Now().UTC())
	if err != nil {
		return err
	}
	files, err := filepath.Glob(f.pattern)
	if err != nil {
		return errors.Wrap(err, "glob files")
	}

	opts := discountimport.DefaultOptions()
	opts.MinFiles = f.minFiles
	codes, err := discountimport.FindCodes(ctx, files, opts)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		lg.Info("No codes to import")
		return nil
	}

	pool, err := repository.NewPool(ctx, f.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := discountimport.Write(ctx, repository.NewDiscountRepository(pool), codes, tmpl, f.batch); err != nil {
		return errors.Wrap(err, "write discounts")
	}
	lg.Info("Discount import completed", zap.Int("codes", len(codes)), zap.Int("files", len(files)))
	return nil
}

func template(f flags, now time.Time) (discountimport.Template, error) {
	parse := func(name, s string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse --%s", name)
		}
		return d, nil
	}
	value, err := parse("value", f.value)
	if err != nil {
		return discountimport.Template{}, err
	}
	maxDiscount, err := parse("max-discount", f.maxDiscount)
	if err != nil {
		return discountimport.Template{}, err
	}
	minPurchase, err := parse("min-purchase", f.minPurchase)
	if err != nil {
		return discountimport.Template{}, err
	}

	t := discountimport.Template{
		Type:        discount.Type(f.discountType),
		Value:       value,
		MaxDiscount: maxDiscount,
		MinPurchase: minPurchase,
		Stackable:   f.stackable,
		UsageLimit:  f.usageLimit,
		Description: f.description,
	}
	if f.validFor > 0 {
		t.StartDate = now
		t.EndDate = now.Add(f.validFor)
	}
	return t, t.Validate()
}
