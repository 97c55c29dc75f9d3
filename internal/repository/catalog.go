package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/catalog"
)

const (
	getProductsSQL = `SELECT id, name, slug, category_id, status
		FROM products WHERE id = ANY($1) ORDER BY id`

	getVariantsSQL = `SELECT id, product_id, sku, name, price, inventory, weight, length, width, height, attributes
		FROM variants WHERE product_id = ANY($1) ORDER BY product_id, id`
)

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetProduct returns a product with its variants.
func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (*catalog.Product, error) {
	products, err := r.GetProducts(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	if len(products) == 0 {
		return nil, &apperr.NotFoundError{Entity: "product", ID: id}
	}
	return &products[0], nil
}

// GetProducts returns the products matching ids with their variants.
// Unknown ids are skipped.
func (r *CatalogRepository) GetProducts(ctx context.Context, ids []string) ([]catalog.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products: %w", err)
	}
	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("getting products: %w", err)
	}
	if len(products) == 0 {
		return products, nil
	}

	rows, err = r.pool.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}
	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}

	byID := make(map[string]int, len(products))
	for i := range products {
		byID[products[i].ID] = i
	}
	for _, v := range variants {
		if i, ok := byID[v.ProductID]; ok {
			products[i].Variants = append(products[i].Variants, v)
		}
	}
	return products, nil
}

func scanProduct(row pgx.CollectableRow) (catalog.Product, error) {
	var p catalog.Product
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.CategoryID, &p.Status)
	return p, err
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	var (
		v         catalog.Variant
		inventory int32
	)
	err := row.Scan(
		&v.ID, &v.ProductID, &v.SKU, &v.Name, &v.Price, &inventory,
		&v.Weight, &v.Length, &v.Width, &v.Height, &v.Attributes,
	)
	v.Inventory = int(inventory)
	return v, err
}
