package shipping

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// Calculator prices shipping for a destination.
type Calculator struct {
	zones    ZoneRepository
	carrier  CarrierQuoter
	exchange Exchanger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewCalculator creates a Calculator. carrier may be nil when no zone uses
// API-priced methods.
func NewCalculator(zones ZoneRepository, carrier CarrierQuoter, exchange Exchanger) *Calculator {
	return &Calculator{
		zones:    zones,
		carrier:  carrier,
		exchange: exchange,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Calculate returns the applicable methods of the first zone matching dest,
// in stored order, priced in currency. It fails with
// apperr.ErrNoShippingAvailable when no zone matches.
func (c *Calculator) Calculate(ctx context.Context, items []Item, dest Address, currency string) ([]Quote, error) {
	zones, err := c.zones.ListZones(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list shipping zones")
	}

	zone, err := c.matchZone(ctx, zones, dest)
	if err != nil {
		return nil, err
	}
	if zone == nil {
		return nil, errors.Wrapf(apperr.ErrNoShippingAvailable, "country %q region %q", dest.Country, dest.State)
	}

	pkg := Measure(items)
	quotes := make([]Quote, 0, len(zone.Methods))
	for _, m := range zone.Methods {
		if !m.accepts(pkg.Weight) {
			continue
		}
		cost, err := c.cost(ctx, zone, m, pkg, currency)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, Quote{
			MethodID: m.ID,
			Name:     m.Name,
			Carrier:  m.Carrier,
			Cost:     cost.Round(2),
		})
	}
	return quotes, nil
}

func (c *Calculator) cost(ctx context.Context, zone *Zone, m Method, pkg Package, currency string) (decimal.Decimal, error) {
	zoneCurrency := money.NormalizeCode(zone.Currency)
	if zoneCurrency == "" {
		zoneCurrency = currency
	}

	switch m.Strategy {
	case RateFlat:
		return c.exchange.Exchange(ctx, m.Cost, zoneCurrency, currency), nil
	case RateWeightBased:
		return c.exchange.Exchange(ctx, m.Cost.Mul(pkg.Weight), zoneCurrency, currency), nil
	case RatePriceBased:
		return m.Cost.Div(hundred).Mul(pkg.Subtotal), nil
	case RateAPI:
		if c.carrier == nil {
			return decimal.Zero, c.misconfigured(ctx, fmt.Sprintf("method %s uses API rates but no carrier is configured", m.ID))
		}
		cost, err := c.carrier.Quote(ctx, m, pkg)
		if err != nil {
			return decimal.Zero, &apperr.ExternalServiceError{
				Service:   "carrier:" + m.Carrier,
				Retryable: true,
				Err:       err,
			}
		}
		return c.exchange.Exchange(ctx, cost, zoneCurrency, currency), nil
	default:
		return decimal.Zero, c.misconfigured(ctx, fmt.Sprintf("unsupported rate strategy %q on method %s", m.Strategy, m.ID))
	}
}

// matchZone returns the first zone whose countries, regions or postal
// pattern match dest. Any one criterion is enough.
func (c *Calculator) matchZone(ctx context.Context, zones []Zone, dest Address) (*Zone, error) {
	for i := range zones {
		z := &zones[i]
		if containsFold(z.Countries, dest.Country) || containsFold(z.Regions, dest.State) {
			return z, nil
		}
		if z.PostalPattern == "" || dest.PostalCode == "" {
			continue
		}
		re, err := c.compile(z.PostalPattern)
		if err != nil {
			return nil, c.misconfigured(ctx, fmt.Sprintf("zone %s postal pattern: %v", z.ID, err))
		}
		if re.MatchString(dest.PostalCode) {
			return z, nil
		}
	}
	return nil, nil
}

func (c *Calculator) compile(pattern string) (*regexp.Regexp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if re, ok := c.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	c.patterns[pattern] = re
	return re, nil
}

func (c *Calculator) misconfigured(ctx context.Context, detail string) error {
	err := &apperr.ConfigurationError{Component: "shipping", Detail: detail}
	zctx.From(ctx).Error("Shipping configuration error", zap.Error(err))
	return err
}

// Measure aggregates items into one stacked package: weights sum, length and
// width take the maximum, heights stack per unit.
func Measure(items []Item) Package {
	var pkg Package
	for _, it := range items {
		qty := decimal.NewFromInt(int64(it.Quantity))
		pkg.Weight = pkg.Weight.Add(it.Weight.Mul(qty))
		pkg.Length = decimal.Max(pkg.Length, it.Length)
		pkg.Width = decimal.Max(pkg.Width, it.Width)
		pkg.Height = pkg.Height.Add(it.Height.Mul(qty))
		pkg.ItemCount += it.Quantity
		pkg.Subtotal = pkg.Subtotal.Add(it.UnitPrice.Mul(qty))
	}
	return pkg
}

func (m Method) accepts(weight decimal.Decimal) bool {
	if m.MinWeight.IsPositive() && weight.LessThan(m.MinWeight) {
		return false
	}
	if m.MaxWeight.IsPositive() && weight.GreaterThan(m.MaxWeight) {
		return false
	}
	return true
}

func containsFold(values []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range values {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
