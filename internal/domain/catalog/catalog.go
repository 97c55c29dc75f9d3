// Package catalog holds the product and variant model used by pricing.
package catalog

import (
	"context"

	"github.com/shopspring/decimal"
)

// Product is a sellable item. Prices live on its variants.
type Product struct {
	ID         string
	Name       string
	Slug       string
	CategoryID string
	Status     string
	Variants   []Variant
}

// Variant is a purchasable SKU of a product. Price is in the platform base
// currency. Package dimensions feed shipping calculation.
type Variant struct {
	ID         string
	ProductID  string
	SKU        string
	Name       string
	Price      decimal.Decimal
	Inventory  int
	Weight     decimal.Decimal
	Length     decimal.Decimal
	Width      decimal.Decimal
	Height     decimal.Decimal
	Attributes map[string]string
}

// Variant returns the variant with id, or false.
func (p *Product) Variant(id string) (*Variant, bool) {
	for i := range p.Variants {
		if p.Variants[i].ID == id {
			return &p.Variants[i], true
		}
	}
	return nil, false
}

// Repository provides product lookups. GetProduct returns an
// *apperr.NotFoundError when the product does not exist.
type Repository interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	GetProducts(ctx context.Context, ids []string) ([]Product, error)
}
