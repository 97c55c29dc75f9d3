// Package currency converts amounts between currencies using shared exchange
// rates, applying the tiered markup to conversions out of the base currency.
package currency

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/money"
)

// DefaultRateTTL is the age after which a stored rate is refreshed.
const DefaultRateTTL = time.Hour

var (
	// ErrRateNotFound is returned by a RateStore that has no record for a pair.
	ErrRateNotFound = errors.New("exchange rate not found")

	// ErrRateUnavailable is returned when the feed does not quote the target.
	ErrRateUnavailable = errors.New("exchange rate unavailable from feed")
)

// Rate is the exchange rate for one ordered currency pair.
type Rate struct {
	Base      string
	Target    string
	Value     decimal.Decimal
	UpdatedAt time.Time
}

// RateStore is the durable record of exchange rates. UpsertRates must be an
// atomic insert-or-update per pair.
type RateStore interface {
	GetRate(ctx context.Context, base, target string) (*Rate, error)
	UpsertRates(ctx context.Context, rates []Rate) error
}

// RateCache is a shared low-latency cache in front of the RateStore. Get
// returns (nil, nil) on a miss.
type RateCache interface {
	Get(ctx context.Context, base, target string) (*Rate, error)
	Set(ctx context.Context, rate Rate) error
}

// RateFeed fetches current rates quoted against base.
type RateFeed interface {
	FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// Converter converts amounts between currencies. Conversion never fails:
// when a refresh fails it falls back to the last known rate, or 1.
type Converter struct {
	base   string
	markup MarkupTable
	ttl    time.Duration

	store RateStore
	cache RateCache
	feed  RateFeed

	fallbacks metric.Int64Counter
	now       func() time.Time
}

// Option configures a Converter.
type Option func(*Converter)

// WithTTL overrides DefaultRateTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Converter) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCache puts a shared cache in front of the store.
func WithCache(cache RateCache) Option {
	return func(c *Converter) { c.cache = cache }
}

// WithMeter registers the fallback counter on meter.
func WithMeter(meter metric.Meter) Option {
	return func(c *Converter) {
		counter, err := meter.Int64Counter("storefront.currency.rate_fallbacks",
			metric.WithDescription("Conversions served from a stale or default rate"),
		)
		if err == nil {
			c.fallbacks = counter
		}
	}
}

// NewConverter returns a Converter for the platform base currency.
func NewConverter(base string, markup MarkupTable, store RateStore, feed RateFeed, opts ...Option) *Converter {
	fallbacks, _ := noop.NewMeterProvider().Meter("").Int64Counter("")
	c := &Converter{
		base:      money.NormalizeCode(base),
		markup:    markup,
		ttl:       DefaultRateTTL,
		store:     store,
		feed:      feed,
		fallbacks: fallbacks,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseCurrency returns the platform base currency.
func (c *Converter) BaseCurrency() string {
	return c.base
}

// Convert converts amount from one currency to another. Equal currencies
// return amount unchanged. Conversions out of the base currency get the
// tiered markup applied to the converted amount.
func (c *Converter) Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	if from == to {
		return amount
	}

	converted := amount.Mul(c.Rate(ctx, from, to))
	if from == c.base {
		converted = c.markup.Apply(converted)
	}
	return converted
}

// Exchange converts amount at the current rate without markup.
func (c *Converter) Exchange(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	if from == to {
		return amount
	}
	return amount.Mul(c.Rate(ctx, from, to))
}

// Rate returns the exchange rate for (from, to), refreshing it from the feed
// when missing or older than the TTL.
func (c *Converter) Rate(ctx context.Context, from, to string) decimal.Decimal {
	lg := zctx.From(ctx).With(zap.String("base", from), zap.String("target", to))
	now := c.now()

	var last *Rate
	if c.cache != nil {
		r, err := c.cache.Get(ctx, from, to)
		switch {
		case err != nil:
			lg.Warn("Rate cache read failed", zap.Error(err))
		case r != nil:
			if !c.expired(r, now) {
				return r.Value
			}
			last = r
		}
	}

	r, err := c.store.GetRate(ctx, from, to)
	switch {
	case err == nil:
		if !c.expired(r, now) {
			c.fill(ctx, *r)
			return r.Value
		}
		if last == nil || r.UpdatedAt.After(last.UpdatedAt) {
			last = r
		}
	case errors.Is(err, ErrRateNotFound):
	default:
		lg.Warn("Rate store read failed", zap.Error(err))
	}

	fresh, err := c.refresh(ctx, from, to, now)
	if err == nil {
		return fresh.Value
	}

	c.fallbacks.Add(ctx, 1)
	if last != nil {
		lg.Warn("Rate refresh failed, using last known rate",
			zap.Error(err),
			zap.Time("updated_at", last.UpdatedAt),
		)
		return last.Value
	}
	lg.Warn("Rate refresh failed, no known rate, using 1", zap.Error(err))
	return decimal.NewFromInt(1)
}

// refresh fetches every rate quoted against from and stores them all.
func (c *Converter) refresh(ctx context.Context, from, to string, now time.Time) (*Rate, error) {
	if c.feed == nil {
		return nil, errors.New("no rate feed configured")
	}

	quoted, err := c.feed.FetchRates(ctx, from)
	if err != nil {
		return nil, errors.Wrap(err, "fetch rates")
	}

	rates := make([]Rate, 0, len(quoted))
	var target *Rate
	for code, v := range quoted {
		code = money.NormalizeCode(code)
		if !v.IsPositive() || code == from {
			continue
		}
		rates = append(rates, Rate{Base: from, Target: code, Value: v, UpdatedAt: now})
		if code == to {
			target = &rates[len(rates)-1]
		}
	}
	if target == nil {
		return nil, errors.Wrapf(ErrRateUnavailable, "%s/%s", from, to)
	}
	found := *target

	if err := c.store.UpsertRates(ctx, rates); err != nil {
		zctx.From(ctx).Warn("Rate store write failed", zap.Error(err), zap.Int("rates", len(rates)))
	}
	c.fill(ctx, found)

	return &found, nil
}

func (c *Converter) fill(ctx context.Context, r Rate) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, r); err != nil {
		zctx.From(ctx).Warn("Rate cache write failed", zap.Error(err))
	}
}

// expired reports whether r is strictly older than the TTL.
func (c *Converter) expired(r *Rate, now time.Time) bool {
	return now.Sub(r.UpdatedAt) > c.ttl
}
