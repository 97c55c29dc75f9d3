package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/domain/tax"
)

const (
	listZonesSQL = `SELECT id, name, countries, regions, postal_pattern, currency
		FROM shipping_zones ORDER BY priority DESC, id`

	listMethodsSQL = `SELECT zone_id, id, name, carrier, strategy, cost, min_weight, max_weight
		FROM shipping_methods ORDER BY zone_id, position, id`

	findTaxRulesSQL = `SELECT id, name, country, region, postal_code, category_id, rate, priority
		FROM tax_rules WHERE UPPER(country) = UPPER($1) ORDER BY priority DESC, id`
)

var (
	_ shipping.ZoneRepository = (*ShippingRepository)(nil)
	_ tax.Repository          = (*TaxRepository)(nil)
)

// ShippingRepository implements shipping.ZoneRepository backed by PostgreSQL.
type ShippingRepository struct {
	pool *pgxpool.Pool
}

// NewShippingRepository returns a ShippingRepository that uses the given pool.
func NewShippingRepository(pool *pgxpool.Pool) *ShippingRepository {
	return &ShippingRepository{pool: pool}
}

// ListZones returns zones by descending priority with their methods in
// configured order.
func (r *ShippingRepository) ListZones(ctx context.Context) ([]shipping.Zone, error) {
	rows, err := r.pool.Query(ctx, listZonesSQL)
	if err != nil {
		return nil, fmt.Errorf("listing shipping zones: %w", err)
	}
	zones, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (shipping.Zone, error) {
		var z shipping.Zone
		err := row.Scan(&z.ID, &z.Name, &z.Countries, &z.Regions, &z.PostalPattern, &z.Currency)
		return z, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing shipping zones: %w", err)
	}

	rows, err = r.pool.Query(ctx, listMethodsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing shipping methods: %w", err)
	}
	type zoneMethod struct {
		zoneID string
		shipping.Method
	}
	methods, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (zoneMethod, error) {
		var (
			m        zoneMethod
			strategy string
		)
		err := row.Scan(&m.zoneID, &m.ID, &m.Name, &m.Carrier, &strategy, &m.Cost, &m.MinWeight, &m.MaxWeight)
		m.Strategy = shipping.RateStrategy(strategy)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing shipping methods: %w", err)
	}

	idx := make(map[string]int, len(zones))
	for i := range zones {
		idx[zones[i].ID] = i
	}
	for _, m := range methods {
		if i, ok := idx[m.zoneID]; ok {
			zones[i].Methods = append(zones[i].Methods, m.Method)
		}
	}
	return zones, nil
}

// TaxRepository implements tax.Repository backed by PostgreSQL.
type TaxRepository struct {
	pool *pgxpool.Pool
}

// NewTaxRepository returns a TaxRepository that uses the given pool.
func NewTaxRepository(pool *pgxpool.Pool) *TaxRepository {
	return &TaxRepository{pool: pool}
}

// FindRules returns every rule of the destination country. Region and
// postal matching is left to tax.Applicable.
func (r *TaxRepository) FindRules(ctx context.Context, dest tax.Destination) ([]tax.Rule, error) {
	rows, err := r.pool.Query(ctx, findTaxRulesSQL, dest.Country)
	if err != nil {
		return nil, fmt.Errorf("finding tax rules: %w", err)
	}
	rules, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (tax.Rule, error) {
		var (
			rule     tax.Rule
			priority int32
		)
		err := row.Scan(&rule.ID, &rule.Name, &rule.Country, &rule.Region, &rule.PostalCode, &rule.CategoryID, &rule.Rate, &priority)
		rule.Priority = int(priority)
		return rule, err
	})
	if err != nil {
		return nil, fmt.Errorf("finding tax rules: %w", err)
	}
	return rules, nil
}
