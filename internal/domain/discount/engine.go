package discount

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/money"
)

var hundred = decimal.NewFromInt(100)

// Engine resolves discounts for a set of items.
type Engine struct {
	repo Repository
	now  func() time.Time
}

// NewEngine creates an Engine backed by repo.
func NewEngine(repo Repository) *Engine {
	return &Engine{repo: repo, now: time.Now}
}

// Resolve selects the discounts that apply to items and computes the final
// total. Every amount is computed against the original subtotal. Among
// non-stackable discounts only the largest applies; on a tie the first one
// returned by the repository wins. Stackable discounts all apply.
func (e *Engine) Resolve(ctx context.Context, items []Item, codes []string, customer Customer) (*Result, error) {
	codes = NormalizeCodes(codes)
	now := e.now()

	candidates, err := e.repo.FindCandidates(ctx, codes, now)
	if err != nil {
		return nil, errors.Wrap(err, "find candidate discounts")
	}

	subtotal := calcSubtotal(items)
	res := &Result{Original: subtotal, Final: subtotal}

	var (
		best      *Applied
		stackable []Applied
	)
	for i := range candidates {
		d := &candidates[i]
		if !isCandidate(d, codes, now) || !isEligible(d, items, subtotal, customer) {
			continue
		}

		amount, err := Amount(d, items, subtotal)
		if err != nil {
			zctx.From(ctx).Error("Discount cannot be applied",
				zap.String("discount_id", d.ID),
				zap.Error(err),
			)
			return nil, err
		}

		a := Applied{ID: d.ID, Code: d.Code, Amount: amount}
		if d.Stackable {
			stackable = append(stackable, a)
			continue
		}
		if best == nil || a.Amount.GreaterThan(best.Amount) {
			best = &a
		}
	}

	if best != nil {
		res.Applied = append(res.Applied, *best)
	}
	res.Applied = append(res.Applied, stackable...)
	res.Applied = slices.DeleteFunc(res.Applied, func(a Applied) bool {
		return !a.Amount.IsPositive()
	})

	total := decimal.Zero
	for _, a := range res.Applied {
		total = total.Add(a.Amount)
	}
	res.Final = money.FloorAtZero(subtotal.Sub(total))

	return res, nil
}

// Amount computes the discount d yields on items with the given subtotal.
// An unsupported type is an *apperr.ConfigurationError.
func Amount(d *Discount, items []Item, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch d.Type {
	case TypePercentage:
		amount = subtotal.Mul(d.Value).Div(hundred)
	case TypeFixed:
		amount = decimal.Min(d.Value, subtotal)
	case TypeBuyXGetY:
		var err error
		amount, err = buyXGetY(d, items)
		if err != nil {
			return decimal.Zero, err
		}
	default:
		return decimal.Zero, &apperr.ConfigurationError{
			Component: "discount",
			Detail:    fmt.Sprintf("unsupported discount type %q on discount %s", d.Type, d.ID),
		}
	}

	if d.MaxDiscount.IsPositive() {
		amount = decimal.Min(amount, d.MaxDiscount)
	}
	return money.FloorAtZero(amount).Round(2), nil
}

func buyXGetY(d *Discount, items []Item) (decimal.Decimal, error) {
	c := d.Conditions
	setSize := c.BuyQuantity + c.GetQuantity
	if c.BuyQuantity < 0 || c.GetQuantity <= 0 {
		return decimal.Zero, &apperr.ConfigurationError{
			Component: "discount",
			Detail:    fmt.Sprintf("discount %s: buy/get quantities %d/%d", d.ID, c.BuyQuantity, c.GetQuantity),
		}
	}

	amount := decimal.Zero
	for _, item := range items {
		if c.TargetProduct != "" && item.ProductID != c.TargetProduct {
			continue
		}
		sets := item.Quantity / setSize
		if sets == 0 {
			continue
		}
		free := decimal.NewFromInt(int64(sets * c.GetQuantity))
		amount = amount.Add(item.UnitPrice.Mul(free))
	}
	return amount, nil
}

// isCandidate re-checks the repository filter so the engine does not depend
// on the store for correctness.
func isCandidate(d *Discount, codes []string, now time.Time) bool {
	if d.Status != StatusActive {
		return false
	}
	if !d.Automatic() && !slices.Contains(codes, strings.ToUpper(d.Code)) {
		return false
	}
	if !d.StartDate.IsZero() && now.Before(d.StartDate) {
		return false
	}
	if !d.EndDate.IsZero() && now.After(d.EndDate) {
		return false
	}
	if d.UsageLimit > 0 && d.UsageCount >= d.UsageLimit {
		return false
	}
	return true
}

func isEligible(d *Discount, items []Item, subtotal decimal.Decimal, customer Customer) bool {
	if subtotal.LessThan(d.MinPurchase) {
		return false
	}

	c := d.Conditions
	if len(c.Categories) > 0 && !slices.ContainsFunc(items, func(it Item) bool {
		return slices.Contains(c.Categories, it.CategoryID)
	}) {
		return false
	}
	if len(c.Products) > 0 && !slices.ContainsFunc(items, func(it Item) bool {
		return slices.Contains(c.Products, it.ProductID)
	}) {
		return false
	}
	if len(c.CustomerGroups) > 0 && !slices.Contains(c.CustomerGroups, customer.Group) {
		return false
	}
	return true
}

// NormalizeCodes upper-cases, trims and de-duplicates discount codes,
// preserving first-seen order.
func NormalizeCodes(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || slices.Contains(out, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// calcSubtotal returns the sum of unit price * quantity across items.
func calcSubtotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}
