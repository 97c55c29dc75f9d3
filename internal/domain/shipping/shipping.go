// Package shipping selects a shipping zone for a destination and prices the
// zone's methods for a package.
package shipping

import (
	"context"

	"github.com/shopspring/decimal"
)

// RateStrategy is the pricing model of a shipping method.
type RateStrategy string

const (
	// RateFlat charges Cost per shipment.
	RateFlat RateStrategy = "FLAT"
	// RateWeightBased charges Cost per unit of package weight.
	RateWeightBased RateStrategy = "WEIGHT_BASED"
	// RatePriceBased charges Cost percent of the items subtotal.
	RatePriceBased RateStrategy = "PRICE_BASED"
	// RateAPI asks the carrier for a quote.
	RateAPI RateStrategy = "API"
)

// Address is a shipping destination.
type Address struct {
	Street     string `json:"street"`
	City       string `json:"city"`
	State      string `json:"state"`
	Country    string `json:"country"`
	PostalCode string `json:"zipCode"`
	Company    string `json:"company,omitempty"`
	VATNumber  string `json:"vatNumber,omitempty"`
}

// Zone maps a geography to an ordered list of shipping methods. Fixed
// costs are expressed in Currency.
type Zone struct {
	ID            string
	Name          string
	Countries     []string
	Regions       []string
	PostalPattern string
	Currency      string
	Methods       []Method
}

// Method is one way of shipping within a zone. Zero weight bounds are unset.
type Method struct {
	ID        string
	Name      string
	Carrier   string
	Strategy  RateStrategy
	Cost      decimal.Decimal
	MinWeight decimal.Decimal
	MaxWeight decimal.Decimal
}

// Item is a line item with its package data. UnitPrice is in the order
// currency.
type Item struct {
	ProductID string
	VariantID string
	UnitPrice decimal.Decimal
	Quantity  int
	Weight    decimal.Decimal
	Length    decimal.Decimal
	Width     decimal.Decimal
	Height    decimal.Decimal
}

// Package is the aggregate of all items as one stacked parcel.
type Package struct {
	Weight    decimal.Decimal
	Length    decimal.Decimal
	Width     decimal.Decimal
	Height    decimal.Decimal
	ItemCount int
	Subtotal  decimal.Decimal
}

// Quote is a priced shipping option in the order currency.
type Quote struct {
	MethodID string          `json:"methodId"`
	Name     string          `json:"name"`
	Carrier  string          `json:"carrier"`
	Cost     decimal.Decimal `json:"cost"`
}

// ZoneRepository lists zones in match priority order.
type ZoneRepository interface {
	ListZones(ctx context.Context) ([]Zone, error)
}

// CarrierQuoter prices a method through the carrier's API.
type CarrierQuoter interface {
	Quote(ctx context.Context, method Method, pkg Package) (decimal.Decimal, error)
}

// Exchanger converts amounts at the current rate without markup.
type Exchanger interface {
	Exchange(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal
}
