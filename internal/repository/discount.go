package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/discount"
)

const (
	findDiscountCandidatesSQL = `SELECT id, COALESCE(code, ''), description, type, value, min_purchase, max_discount,
		conditions, start_date, end_date, usage_limit, usage_count, stackable, status
		FROM discounts
		WHERE status = 'ACTIVE'
			AND (code IS NULL OR code = ANY($1))
			AND (start_date IS NULL OR start_date <= $2)
			AND (end_date IS NULL OR end_date >= $2)
			AND (usage_limit IS NULL OR usage_count < usage_limit)
		ORDER BY id`

	upsertDiscountSQL = `INSERT INTO discounts (id, code, description, type, value, min_purchase, max_discount,
		conditions, start_date, end_date, usage_limit, stackable, status)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			code = EXCLUDED.code,
			description = EXCLUDED.description,
			type = EXCLUDED.type,
			value = EXCLUDED.value,
			min_purchase = EXCLUDED.min_purchase,
			max_discount = EXCLUDED.max_discount,
			conditions = EXCLUDED.conditions,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			usage_limit = EXCLUDED.usage_limit,
			stackable = EXCLUDED.stackable,
			status = EXCLUDED.status`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	pool *pgxpool.Pool
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(pool *pgxpool.Pool) *DiscountRepository {
	return &DiscountRepository{pool: pool}
}

// FindCandidates returns the automatic discounts and the discounts whose
// code is one of codes (case-insensitive) that are usable at now.
func (r *DiscountRepository) FindCandidates(ctx context.Context, codes []string, now time.Time) ([]discount.Discount, error) {
	upper := make([]string, 0, len(codes))
	for _, c := range codes {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			upper = append(upper, c)
		}
	}

	rows, err := r.pool.Query(ctx, findDiscountCandidatesSQL, upper, now)
	if err != nil {
		return nil, fmt.Errorf("finding discounts: %w", err)
	}
	found, err := pgx.CollectRows(rows, scanDiscount)
	if err != nil {
		return nil, fmt.Errorf("finding discounts: %w", err)
	}
	return found, nil
}

// Upsert inserts or replaces discounts by id in one batch. Usage counts of
// existing rows are kept.
func (r *DiscountRepository) Upsert(ctx context.Context, ds []discount.Discount) error {
	return upsertDiscounts(ctx, r.pool, ds)
}

func upsertDiscounts(ctx context.Context, pool *pgxpool.Pool, ds []discount.Discount) error {
	if len(ds) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range ds {
		batch.Queue(upsertDiscountSQL,
			d.ID, strings.ToUpper(d.Code), d.Description, string(d.Type), d.Value, d.MinPurchase, d.MaxDiscount,
			d.Conditions, nullTime(d.StartDate), nullTime(d.EndDate), nullInt(d.UsageLimit), d.Stackable, string(d.Status),
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upserting %d discounts: %w", len(ds), err)
	}
	return nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d           discount.Discount
		typ, status string
		start, end  *time.Time
		limit       *int32
		used        int32
	)
	err := row.Scan(
		&d.ID, &d.Code, &d.Description, &typ, &d.Value, &d.MinPurchase, &d.MaxDiscount,
		&d.Conditions, &start, &end, &limit, &used, &d.Stackable, &status,
	)
	d.Type = discount.Type(typ)
	d.Status = discount.Status(status)
	if start != nil {
		d.StartDate = start.UTC()
	}
	if end != nil {
		d.EndDate = end.UTC()
	}
	if limit != nil {
		d.UsageLimit = int(*limit)
	}
	d.UsageCount = int(used)
	return d, err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullInt(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
