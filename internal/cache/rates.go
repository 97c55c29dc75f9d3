// Package cache shares exchange rates across api-server instances via Redis.
package cache

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/currency"
)

const rateKeyPrefix = "fx:"

// RateCache implements currency.RateCache. Entries expire after ttl so a
// stale rate never outlives the converter's own freshness window.
type RateCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ currency.RateCache = (*RateCache)(nil)

// NewRateCache creates a RateCache. A non-positive ttl means
// currency.DefaultRateTTL.
func NewRateCache(client redis.Cmdable, ttl time.Duration) *RateCache {
	if ttl <= 0 {
		ttl = currency.DefaultRateTTL
	}
	return &RateCache{client: client, ttl: ttl}
}

// NewClient parses a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

// Get returns the cached rate for base/target, or nil on a miss.
func (c *RateCache) Get(ctx context.Context, base, target string) (*currency.Rate, error) {
	raw, err := c.client.Get(ctx, rateKey(base, target)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	r, err := decodeRate(base, target, raw)
	if err != nil {
		// Treat garbage as a miss; the next Set overwrites it.
		return nil, nil
	}
	return r, nil
}

// Set stores r for the remainder of its freshness window.
func (c *RateCache) Set(ctx context.Context, r currency.Rate) error {
	ttl := c.ttl - time.Since(r.UpdatedAt)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, rateKey(r.Base, r.Target), encodeRate(r), ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func rateKey(base, target string) string {
	return rateKeyPrefix + base + ":" + target
}

func encodeRate(r currency.Rate) string {
	return r.Value.String() + "|" + strconv.FormatInt(r.UpdatedAt.UnixNano(), 10)
}

func decodeRate(base, target, raw string) (*currency.Rate, error) {
	value, ts, ok := strings.Cut(raw, "|")
	if !ok {
		return nil, errors.Errorf("malformed rate %q", raw)
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return nil, errors.Wrap(err, "parse value")
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "parse timestamp")
	}
	return &currency.Rate{
		Base:      base,
		Target:    target,
		Value:     v,
		UpdatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
