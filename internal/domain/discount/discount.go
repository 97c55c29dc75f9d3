// Package discount resolves which discounts apply to a set of line items and
// how much each one takes off.
package discount

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes Value percent off the subtotal.
	TypePercentage Type = "PERCENTAGE"
	// TypeFixed takes Value off the subtotal, capped at the subtotal.
	TypeFixed Type = "FIXED"
	// TypeBuyXGetY discounts GetQuantity units for every complete set of
	// BuyQuantity+GetQuantity units of an item.
	TypeBuyXGetY Type = "BUY_X_GET_Y"
)

// Status is the administrative state of a discount.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusExpired  Status = "EXPIRED"
)

// Conditions restrict where a discount applies. Empty sets are vacuously
// satisfied.
type Conditions struct {
	Categories     []string `json:"categories,omitempty"`
	Products       []string `json:"products,omitempty"`
	CustomerGroups []string `json:"customerGroups,omitempty"`
	BuyQuantity    int      `json:"buyQuantity,omitempty"`
	GetQuantity    int      `json:"getQuantity,omitempty"`
	TargetProduct  string   `json:"targetProduct,omitempty"`
}

// Discount is a stored discount definition. An empty Code marks an automatic
// discount. UsageLimit of zero means unlimited.
type Discount struct {
	ID          string
	Code        string
	Description string
	Type        Type
	Value       decimal.Decimal
	MinPurchase decimal.Decimal
	MaxDiscount decimal.Decimal
	Conditions  Conditions
	StartDate   time.Time
	EndDate     time.Time
	UsageLimit  int
	UsageCount  int
	Stackable   bool
	Status      Status
}

// Automatic reports whether the discount applies without a code.
func (d *Discount) Automatic() bool {
	return d.Code == ""
}

// Item is a priced line item. UnitPrice is already in the order currency.
type Item struct {
	ProductID  string
	VariantID  string
	CategoryID string
	UnitPrice  decimal.Decimal
	Quantity   int
}

// Customer identifies who the discounts are resolved for.
type Customer struct {
	ID    string
	Group string
}

// Applied is one discount taken off an order.
type Applied struct {
	ID     string          `json:"id"`
	Code   string          `json:"code,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// Result is the outcome of resolving discounts against a subtotal.
type Result struct {
	Original decimal.Decimal
	Final    decimal.Decimal
	Applied  []Applied
}

// Total returns Original minus Final.
func (r *Result) Total() decimal.Decimal {
	return r.Original.Sub(r.Final)
}

// Repository provides candidate discounts: those whose code is one of codes
// or is empty, that are active at now and below their usage limit.
type Repository interface {
	FindCandidates(ctx context.Context, codes []string, now time.Time) ([]Discount, error)
}
