package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/currency"
)

const (
	getRateSQL = `SELECT base, target, rate, updated_at FROM exchange_rates WHERE base = $1 AND target = $2`

	upsertRateSQL = `INSERT INTO exchange_rates (base, target, rate, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (base, target) DO UPDATE SET rate = EXCLUDED.rate, updated_at = EXCLUDED.updated_at
		WHERE exchange_rates.updated_at <= EXCLUDED.updated_at`
)

var _ currency.RateStore = (*RateRepository)(nil)

// RateRepository implements currency.RateStore backed by PostgreSQL.
type RateRepository struct {
	pool *pgxpool.Pool
}

// NewRateRepository returns a RateRepository that uses the given pool.
func NewRateRepository(pool *pgxpool.Pool) *RateRepository {
	return &RateRepository{pool: pool}
}

// GetRate returns the stored rate for base->target or
// currency.ErrRateNotFound.
func (r *RateRepository) GetRate(ctx context.Context, base, target string) (*currency.Rate, error) {
	var rate currency.Rate
	err := r.pool.QueryRow(ctx, getRateSQL, base, target).Scan(&rate.Base, &rate.Target, &rate.Value, &rate.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, currency.ErrRateNotFound
		}
		return nil, fmt.Errorf("getting rate %s/%s: %w", base, target, err)
	}
	rate.UpdatedAt = rate.UpdatedAt.UTC()
	return &rate, nil
}

// UpsertRates stores rates in one batch. A stored rate newer than the
// incoming one is kept.
func (r *RateRepository) UpsertRates(ctx context.Context, rates []currency.Rate) error {
	if len(rates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rate := range rates {
		batch.Queue(upsertRateSQL, rate.Base, rate.Target, rate.Value, rate.UpdatedAt)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d rates: %w", len(rates), err)
	}
	return nil
}
