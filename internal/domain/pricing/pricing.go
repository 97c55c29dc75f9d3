// Package pricing composes currency conversion, shipping, discounts and tax
// into a priced quote for a set of line items.
package pricing

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/money"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/domain/tax"
)

// DefaultCurrency is used when a request names no currency.
const DefaultCurrency = "USD"

// Converter converts base-currency prices into the order currency.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal
	BaseCurrency() string
}

// ShippingCalculator prices shipping options.
type ShippingCalculator interface {
	Calculate(ctx context.Context, items []shipping.Item, dest shipping.Address, currency string) ([]shipping.Quote, error)
}

// TaxCalculator computes tax.
type TaxCalculator interface {
	Calculate(ctx context.Context, items []tax.Item, dest tax.Destination) (decimal.Decimal, error)
}

// DiscountResolver resolves applicable discounts.
type DiscountResolver interface {
	Resolve(ctx context.Context, items []discount.Item, codes []string, customer discount.Customer) (*discount.Result, error)
}

// LineRequest asks for quantity units of a product variant.
type LineRequest struct {
	ProductID string
	VariantID string
	Quantity  int
}

// Line is a priced line item. BasePrice is the variant price in the base
// currency, UnitPrice the converted price in the quote currency.
type Line struct {
	ProductID  string
	VariantID  string
	SKU        string
	Name       string
	CategoryID string
	Quantity   int
	BasePrice  decimal.Decimal
	UnitPrice  decimal.Decimal
	LineTotal  decimal.Decimal

	variant catalog.Variant
}

// QuoteRequest is the input of Quote.
type QuoteRequest struct {
	Items         []LineRequest
	Address       shipping.Address
	Currency      string
	DiscountCodes []string
	Customer      discount.Customer
}

// Quote is a fully priced cart. Total equals
// Subtotal - DiscountTotal + Shipping.Cost + Tax.
type Quote struct {
	Currency        string
	Lines           []Line
	Subtotal        decimal.Decimal
	Discounts       []discount.Applied
	DiscountTotal   decimal.Decimal
	Shipping        shipping.Quote
	ShippingOptions []shipping.Quote
	Tax             decimal.Decimal
	Total           decimal.Decimal
}

// Service prices carts.
type Service struct {
	catalog   catalog.Repository
	converter Converter
	shipping  ShippingCalculator
	tax       TaxCalculator
	discounts DiscountResolver
	tracer    trace.Tracer
}

// Option configures a Service.
type Option func(*Service)

// WithTracer sets the tracer used for quote spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// NewService creates a pricing Service.
func NewService(
	products catalog.Repository,
	converter Converter,
	shippingCalc ShippingCalculator,
	taxCalc TaxCalculator,
	discounts DiscountResolver,
	opts ...Option,
) *Service {
	s := &Service{
		catalog:   products,
		converter: converter,
		shipping:  shippingCalc,
		tax:       taxCalc,
		discounts: discounts,
		tracer:    noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateLines records item shape failures on v.
func ValidateLines(items []LineRequest, v *apperr.ValidationError) {
	if len(items) == 0 {
		v.Add("items", "at least one item is required")
		return
	}
	for i, it := range items {
		if it.ProductID == "" {
			v.Add(fmt.Sprintf("items[%d].productId", i), "is required")
		}
		if it.VariantID == "" {
			v.Add(fmt.Sprintf("items[%d].variantId", i), "is required")
		}
		if it.Quantity < 1 {
			v.Add(fmt.Sprintf("items[%d].quantity", i), "must be at least 1")
		}
	}
}

// ResolveCurrency normalises currency, defaulting to DefaultCurrency, and
// records a failure on v when it is not a currency code.
func ResolveCurrency(currency string, v *apperr.ValidationError) string {
	currency = money.NormalizeCode(currency)
	if currency == "" {
		return DefaultCurrency
	}
	if !money.ValidCode(currency) {
		v.Add("currency", "must be a 3-letter ISO 4217 code")
	}
	return currency
}

// PriceLines loads each product and variant in input order, checks stock
// and converts the variant price into currency. An empty currency prices in
// DefaultCurrency.
func (s *Service) PriceLines(ctx context.Context, items []LineRequest, currency string) ([]Line, error) {
	return s.priceLines(ctx, items, currency, true)
}

// PreviewLines prices like PriceLines without checking stock. Used by the
// shipping, tax and discount previews.
func (s *Service) PreviewLines(ctx context.Context, items []LineRequest, currency string) ([]Line, error) {
	return s.priceLines(ctx, items, currency, false)
}

func (s *Service) priceLines(ctx context.Context, items []LineRequest, currency string, checkStock bool) ([]Line, error) {
	if currency = money.NormalizeCode(currency); currency == "" {
		currency = DefaultCurrency
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	byID := make(map[string]*catalog.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	base := s.converter.BaseCurrency()
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, &apperr.NotFoundError{Entity: "product", ID: it.ProductID}
		}
		v, ok := p.Variant(it.VariantID)
		if !ok {
			return nil, &apperr.NotFoundError{Entity: "variant", ID: it.VariantID}
		}
		if checkStock && v.Inventory < it.Quantity {
			return nil, &apperr.InsufficientInventoryError{
				ProductID: p.ID,
				VariantID: v.ID,
				Requested: it.Quantity,
				Available: v.Inventory,
			}
		}

		unit := s.converter.Convert(ctx, v.Price, base, currency).Round(2)
		lines = append(lines, Line{
			ProductID:  p.ID,
			VariantID:  v.ID,
			SKU:        v.SKU,
			Name:       p.Name,
			CategoryID: p.CategoryID,
			Quantity:   it.Quantity,
			BasePrice:  v.Price,
			UnitPrice:  unit,
			LineTotal:  unit.Mul(decimal.NewFromInt(int64(it.Quantity))),
			variant:    *v,
		})
	}
	return lines, nil
}

// Shipping prices the shipping options for lines.
func (s *Service) Shipping(ctx context.Context, lines []Line, dest shipping.Address, currency string) ([]shipping.Quote, error) {
	return s.shipping.Calculate(ctx, ShippingItems(lines), dest, currency)
}

// Discounts resolves discounts for lines.
func (s *Service) Discounts(ctx context.Context, lines []Line, codes []string, customer discount.Customer) (*discount.Result, error) {
	return s.discounts.Resolve(ctx, DiscountItems(lines), codes, customer)
}

// Tax computes tax for lines after scaling every line by factor.
func (s *Service) Tax(ctx context.Context, lines []Line, dest shipping.Address, factor decimal.Decimal) (decimal.Decimal, error) {
	return s.tax.Calculate(ctx, TaxItems(lines, factor), Destination(dest))
}

// Quote prices a cart end to end: lines, shipping (first option), discounts,
// then tax on the discounted subtotal.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	ctx, span := s.tracer.Start(ctx, "pricing.Quote")
	defer span.End()

	var verr apperr.ValidationError
	ValidateLines(req.Items, &verr)
	currency := ResolveCurrency(req.Currency, &verr)
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("currency", currency),
		attribute.Int("items", len(req.Items)),
	)

	lines, err := s.PriceLines(ctx, req.Items, currency)
	if err != nil {
		return nil, err
	}
	subtotal := Subtotal(lines)

	options, err := s.Shipping(ctx, lines, req.Address, currency)
	if err != nil {
		return nil, errors.Wrap(err, "calculate shipping")
	}
	if len(options) == 0 {
		return nil, errors.Wrap(apperr.ErrNoShippingAvailable, "no method fits the package")
	}

	disc, err := s.Discounts(ctx, lines, req.DiscountCodes, req.Customer)
	if err != nil {
		return nil, errors.Wrap(err, "resolve discounts")
	}

	taxAmount, err := s.Tax(ctx, lines, req.Address, DiscountFactor(subtotal, disc.Final))
	if err != nil {
		return nil, errors.Wrap(err, "calculate tax")
	}

	total, err := sumTotal(currency, disc.Final, options[0].Cost, taxAmount)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Currency:        currency,
		Lines:           lines,
		Subtotal:        subtotal.Round(2),
		Discounts:       disc.Applied,
		DiscountTotal:   disc.Total().Round(2),
		Shipping:        options[0],
		ShippingOptions: options,
		Tax:             taxAmount,
		Total:           total,
	}, nil
}

func sumTotal(currency string, discounted, shippingCost, taxAmount decimal.Decimal) (decimal.Decimal, error) {
	total := money.New(discounted, currency)
	for _, part := range []decimal.Decimal{shippingCost, taxAmount} {
		var err error
		total, err = total.Add(money.New(part, currency))
		if err != nil {
			return decimal.Zero, errors.Wrap(err, "sum totals")
		}
	}
	return total.Round().Amount, nil
}

// Subtotal sums line totals.
func Subtotal(lines []Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(l.LineTotal)
	}
	return sum
}

// DiscountFactor is the share of the subtotal left after discounts.
func DiscountFactor(subtotal, discounted decimal.Decimal) decimal.Decimal {
	if !subtotal.IsPositive() {
		return decimal.Zero
	}
	return discounted.Div(subtotal)
}

// ShippingItems maps lines to shipping items.
func ShippingItems(lines []Line) []shipping.Item {
	out := make([]shipping.Item, 0, len(lines))
	for _, l := range lines {
		out = append(out, shipping.Item{
			ProductID: l.ProductID,
			VariantID: l.VariantID,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
			Weight:    l.variant.Weight,
			Length:    l.variant.Length,
			Width:     l.variant.Width,
			Height:    l.variant.Height,
		})
	}
	return out
}

// DiscountItems maps lines to discount items.
func DiscountItems(lines []Line) []discount.Item {
	out := make([]discount.Item, 0, len(lines))
	for _, l := range lines {
		out = append(out, discount.Item{
			ProductID:  l.ProductID,
			VariantID:  l.VariantID,
			CategoryID: l.CategoryID,
			UnitPrice:  l.UnitPrice,
			Quantity:   l.Quantity,
		})
	}
	return out
}

// TaxItems maps lines to taxable items, scaling each line total by factor.
func TaxItems(lines []Line, factor decimal.Decimal) []tax.Item {
	out := make([]tax.Item, 0, len(lines))
	for _, l := range lines {
		out = append(out, tax.Item{
			ProductID:  l.ProductID,
			CategoryID: l.CategoryID,
			LineTotal:  l.LineTotal.Mul(factor),
		})
	}
	return out
}

// Destination maps a shipping address to a tax destination.
func Destination(a shipping.Address) tax.Destination {
	return tax.Destination{
		Country:    a.Country,
		Region:     a.State,
		PostalCode: a.PostalCode,
	}
}
