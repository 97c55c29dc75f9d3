package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/domain/tax"
	"github.com/xenking/storefront/internal/domain/workflow"
)

const (
	upsertProductSQL = `INSERT INTO products (id, name, slug, category_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			slug = EXCLUDED.slug,
			category_id = EXCLUDED.category_id,
			status = EXCLUDED.status`

	upsertVariantSQL = `INSERT INTO variants (id, product_id, sku, name, price, inventory, weight, length, width, height, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id,
			sku = EXCLUDED.sku,
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			inventory = EXCLUDED.inventory,
			weight = EXCLUDED.weight,
			length = EXCLUDED.length,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			attributes = EXCLUDED.attributes`

	upsertZoneSQL = `INSERT INTO shipping_zones (id, name, countries, regions, postal_pattern, currency, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			countries = EXCLUDED.countries,
			regions = EXCLUDED.regions,
			postal_pattern = EXCLUDED.postal_pattern,
			currency = EXCLUDED.currency,
			priority = EXCLUDED.priority`

	deleteZoneMethodsSQL = `DELETE FROM shipping_methods WHERE zone_id = $1`

	insertMethodSQL = `INSERT INTO shipping_methods (id, zone_id, name, carrier, strategy, cost, min_weight, max_weight, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	upsertTaxRuleSQL = `INSERT INTO tax_rules (id, name, country, region, postal_code, category_id, rate, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			country = EXCLUDED.country,
			region = EXCLUDED.region,
			postal_code = EXCLUDED.postal_code,
			category_id = EXCLUDED.category_id,
			rate = EXCLUDED.rate,
			priority = EXCLUDED.priority`
)

// SeedZone is a shipping zone with its match priority.
type SeedZone struct {
	shipping.Zone
	Priority int `json:"priority"`
}

// SeedData is the reference data loaded by cmd/seed-db.
type SeedData struct {
	Products  []catalog.Product   `json:"products"`
	Zones     []SeedZone          `json:"zones"`
	TaxRules  []tax.Rule          `json:"taxRules"`
	Discounts []discount.Discount `json:"discounts"`
	Workflows []workflow.Workflow `json:"workflows"`
}

// Seeder upserts reference data.
type Seeder struct {
	pool      *pgxpool.Pool
	workflows *WorkflowRepository
}

// NewSeeder returns a Seeder that uses the given pool.
func NewSeeder(pool *pgxpool.Pool) *Seeder {
	return &Seeder{pool: pool, workflows: NewWorkflowRepository(pool)}
}

// Seed upserts every section of data. Shipping methods of seeded zones are
// replaced.
func (s *Seeder) Seed(ctx context.Context, data SeedData) error {
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := seedCatalog(ctx, tx, data.Products); err != nil {
			return err
		}
		if err := seedZones(ctx, tx, data.Zones); err != nil {
			return err
		}
		for _, r := range data.TaxRules {
			_, err := tx.Exec(ctx, upsertTaxRuleSQL,
				r.ID, r.Name, r.Country, r.Region, r.PostalCode, r.CategoryID, r.Rate, r.Priority,
			)
			if err != nil {
				return fmt.Errorf("upserting tax rule %q: %w", r.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := upsertDiscounts(ctx, s.pool, data.Discounts); err != nil {
		return err
	}
	for _, wf := range data.Workflows {
		if err := s.workflows.Upsert(ctx, wf); err != nil {
			return err
		}
	}
	return nil
}

func seedCatalog(ctx context.Context, tx pgx.Tx, products []catalog.Product) error {
	for _, p := range products {
		status := p.Status
		if status == "" {
			status = "ACTIVE"
		}
		if _, err := tx.Exec(ctx, upsertProductSQL, p.ID, p.Name, p.Slug, p.CategoryID, status); err != nil {
			return fmt.Errorf("upserting product %q: %w", p.ID, err)
		}
		for _, v := range p.Variants {
			attrs := v.Attributes
			if attrs == nil {
				attrs = map[string]string{}
			}
			_, err := tx.Exec(ctx, upsertVariantSQL,
				v.ID, p.ID, v.SKU, v.Name, v.Price, v.Inventory, v.Weight, v.Length, v.Width, v.Height, attrs,
			)
			if err != nil {
				return fmt.Errorf("upserting variant %q: %w", v.ID, err)
			}
		}
	}
	return nil
}

func seedZones(ctx context.Context, tx pgx.Tx, zones []SeedZone) error {
	for _, z := range zones {
		countries, regions := z.Countries, z.Regions
		if countries == nil {
			countries = []string{}
		}
		if regions == nil {
			regions = []string{}
		}
		_, err := tx.Exec(ctx, upsertZoneSQL, z.ID, z.Name, countries, regions, z.PostalPattern, z.Currency, z.Priority)
		if err != nil {
			return fmt.Errorf("upserting zone %q: %w", z.ID, err)
		}
		if _, err := tx.Exec(ctx, deleteZoneMethodsSQL, z.ID); err != nil {
			return fmt.Errorf("replacing methods of zone %q: %w", z.ID, err)
		}
		for i, m := range z.Methods {
			_, err := tx.Exec(ctx, insertMethodSQL,
				m.ID, z.ID, m.Name, m.Carrier, string(m.Strategy), m.Cost, m.MinWeight, m.MaxWeight, i,
			)
			if err != nil {
				return fmt.Errorf("inserting method %q: %w", m.ID, err)
			}
		}
	}
	return nil
}
