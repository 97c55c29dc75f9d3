package pricing

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/currency"
	"github.com/xenking/storefront/internal/domain/discount"
	"github.com/xenking/storefront/internal/domain/shipping"
	"github.com/xenking/storefront/internal/domain/tax"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type mockCatalog struct {
	products map[string]catalog.Product
}

func (m *mockCatalog) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	p, ok := m.products[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "product", ID: id}
	}
	return &p, nil
}

func (m *mockCatalog) GetProducts(_ context.Context, ids []string) ([]catalog.Product, error) {
	var out []catalog.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type mockZones struct{ zones []shipping.Zone }

func (m *mockZones) ListZones(context.Context) ([]shipping.Zone, error) { return m.zones, nil }

type mockTaxRules struct{ rules []tax.Rule }

func (m *mockTaxRules) FindRules(context.Context, tax.Destination) ([]tax.Rule, error) {
	return m.rules, nil
}

type mockDiscounts struct{ discounts []discount.Discount }

func (m *mockDiscounts) FindCandidates(context.Context, []string, time.Time) ([]discount.Discount, error) {
	return m.discounts, nil
}

type fixedRates struct{ rate decimal.Decimal }

func (f fixedRates) GetRate(_ context.Context, base, target string) (*currency.Rate, error) {
	return &currency.Rate{Base: base, Target: target, Value: f.rate, UpdatedAt: time.Now()}, nil
}

func (fixedRates) UpsertRates(context.Context, []currency.Rate) error { return nil }

type noRates struct{}

func (noRates) GetRate(context.Context, string, string) (*currency.Rate, error) {
	return nil, currency.ErrRateNotFound
}

func (noRates) UpsertRates(context.Context, []currency.Rate) error { return nil }

func testProducts() *mockCatalog {
	return &mockCatalog{products: map[string]catalog.Product{
		"p1": {
			ID: "p1", Name: "Desk Lamp", CategoryID: "lighting",
			Variants: []catalog.Variant{{
				ID: "v1", ProductID: "p1", SKU: "LAMP-BLK", Price: d("100"), Inventory: 8,
				Weight: d("2"), Length: d("30"), Width: d("20"), Height: d("10"),
			}},
		},
	}}
}

type fixture struct {
	zones     []shipping.Zone
	rules     []tax.Rule
	discounts []discount.Discount
	rate      decimal.Decimal
}

func newTestService(f fixture) *Service {
	if f.rate.IsZero() {
		f.rate = decimal.NewFromInt(1)
	}
	conv := currency.NewConverter("USD", currency.DefaultMarkup(), fixedRates{rate: f.rate}, nil)
	return NewService(
		testProducts(),
		conv,
		shipping.NewCalculator(&mockZones{zones: f.zones}, nil, conv),
		tax.NewCalculator(&mockTaxRules{rules: f.rules}),
		discount.NewEngine(&mockDiscounts{discounts: f.discounts}),
	)
}

var (
	usFlat = shipping.Zone{
		ID: "us", Countries: []string{"US"}, Currency: "USD",
		Methods: []shipping.Method{
			{ID: "std", Name: "Standard", Carrier: "USPS", Strategy: shipping.RateFlat, Cost: d("15")},
			{ID: "exp", Name: "Express", Carrier: "UPS", Strategy: shipping.RateFlat, Cost: d("30")},
		},
	}
	usTax   = tax.Rule{ID: "us", Country: "US", Rate: d("8"), Priority: 1}
	tenOff  = discount.Discount{ID: "ten", Type: discount.TypePercentage, Value: d("10"), Stackable: true, Status: discount.StatusActive}
	usAddr  = shipping.Address{Street: "1 Main St", City: "Austin", State: "TX", Country: "US", PostalCode: "73301"}
	oneLamp = []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 3}}
)

func TestQuote_EndToEnd(t *testing.T) {
	s := newTestService(fixture{
		zones:     []shipping.Zone{usFlat},
		rules:     []tax.Rule{usTax},
		discounts: []discount.Discount{tenOff},
	})

	q, err := s.Quote(context.Background(), QuoteRequest{
		Items:    oneLamp,
		Address:  usAddr,
		Currency: "usd",
	})
	require.NoError(t, err)

	assert.Equal(t, "USD", q.Currency)
	assert.True(t, d("300").Equal(q.Subtotal), "subtotal %s", q.Subtotal)
	assert.True(t, d("30").Equal(q.DiscountTotal), "discount %s", q.DiscountTotal)
	assert.Equal(t, "std", q.Shipping.MethodID)
	assert.Len(t, q.ShippingOptions, 2)
	assert.True(t, d("15").Equal(q.Shipping.Cost))
	assert.True(t, d("21.60").Equal(q.Tax), "tax %s", q.Tax)
	assert.True(t, d("306.60").Equal(q.Total), "total %s", q.Total)
	require.Len(t, q.Discounts, 1)
	assert.Equal(t, "ten", q.Discounts[0].ID)
}

func TestQuote_DefaultCurrency(t *testing.T) {
	s := newTestService(fixture{zones: []shipping.Zone{usFlat}})

	q, err := s.Quote(context.Background(), QuoteRequest{Items: oneLamp, Address: usAddr})
	require.NoError(t, err)
	assert.Equal(t, DefaultCurrency, q.Currency)
	assert.True(t, d("315").Equal(q.Total))
}

func TestQuote_ConvertsWithMarkup(t *testing.T) {
	s := newTestService(fixture{zones: []shipping.Zone{usFlat}, rate: d("0.5")})

	lines, err := s.PriceLines(context.Background(), oneLamp, "EUR")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	// 100 USD * 0.5 = 50 EUR, below 1000 so x3.
	assert.True(t, d("150").Equal(lines[0].UnitPrice), "unit %s", lines[0].UnitPrice)
	assert.True(t, d("450").Equal(lines[0].LineTotal))
}

func TestQuote_Validation(t *testing.T) {
	s := newTestService(fixture{zones: []shipping.Zone{usFlat}})

	_, err := s.Quote(context.Background(), QuoteRequest{
		Items:    []LineRequest{{ProductID: "", VariantID: "v1", Quantity: 0}},
		Address:  usAddr,
		Currency: "dollars",
	})
	var verr *apperr.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "items[0].productId")
	assert.Contains(t, verr.Fields, "items[0].quantity")
	assert.Contains(t, verr.Fields, "currency")
}

func TestPriceLines_Errors(t *testing.T) {
	s := newTestService(fixture{})

	tests := []struct {
		name  string
		items []LineRequest
		check func(t *testing.T, err error)
	}{
		{
			name:  "unknown product",
			items: []LineRequest{{ProductID: "nope", VariantID: "v1", Quantity: 1}},
			check: func(t *testing.T, err error) {
				var nf *apperr.NotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, "product", nf.Entity)
			},
		},
		{
			name:  "unknown variant",
			items: []LineRequest{{ProductID: "p1", VariantID: "v9", Quantity: 1}},
			check: func(t *testing.T, err error) {
				var nf *apperr.NotFoundError
				require.ErrorAs(t, err, &nf)
				assert.Equal(t, "variant", nf.Entity)
			},
		},
		{
			name:  "insufficient inventory",
			items: []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 9}},
			check: func(t *testing.T, err error) {
				var inv *apperr.InsufficientInventoryError
				require.ErrorAs(t, err, &inv)
				assert.Equal(t, "v1", inv.VariantID)
				assert.Equal(t, 8, inv.Available)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PriceLines(context.Background(), tt.items, "USD")
			tt.check(t, err)
		})
	}
}

func TestPriceLines_EmptyCurrencyIsBase(t *testing.T) {
	conv := currency.NewConverter("USD", currency.DefaultMarkup(), noRates{}, nil)
	s := NewService(testProducts(), conv, nil, nil, nil)

	for _, code := range []string{"", "  ", "usd"} {
		lines, err := s.PriceLines(context.Background(), oneLamp, code)
		require.NoError(t, err, "currency %q", code)
		require.Len(t, lines, 1)
		assert.True(t, d("100").Equal(lines[0].UnitPrice), "currency %q: unit %s", code, lines[0].UnitPrice)
		assert.True(t, d("300").Equal(lines[0].LineTotal), "currency %q: total %s", code, lines[0].LineTotal)
	}
}

func TestPreviewLines_SkipsStockCheck(t *testing.T) {
	s := newTestService(fixture{})
	more := []LineRequest{{ProductID: "p1", VariantID: "v1", Quantity: 9}}

	_, err := s.PriceLines(context.Background(), more, "USD")
	var inv *apperr.InsufficientInventoryError
	require.ErrorAs(t, err, &inv)

	lines, err := s.PreviewLines(context.Background(), more, "")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, d("900").Equal(lines[0].LineTotal), "total %s", lines[0].LineTotal)

	_, err = s.PreviewLines(context.Background(), []LineRequest{{ProductID: "p1", VariantID: "v9", Quantity: 1}}, "USD")
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestQuote_NoShipping(t *testing.T) {
	heavyOnly := shipping.Zone{
		ID: "us", Countries: []string{"US"},
		Methods: []shipping.Method{{ID: "freight", Strategy: shipping.RateFlat, Cost: d("90"), MinWeight: d("100")}},
	}
	s := newTestService(fixture{zones: []shipping.Zone{heavyOnly}})

	_, err := s.Quote(context.Background(), QuoteRequest{Items: oneLamp, Address: usAddr})
	require.ErrorIs(t, err, apperr.ErrNoShippingAvailable)
}

func TestDiscountFactor(t *testing.T) {
	assert.True(t, d("0.9").Equal(DiscountFactor(d("300"), d("270"))))
	assert.True(t, DiscountFactor(decimal.Zero, decimal.Zero).IsZero())
}
