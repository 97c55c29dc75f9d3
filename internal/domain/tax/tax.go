// Package tax computes sales tax for line items shipped to a destination.
package tax

import (
	"context"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Rule is a tax rate for a geography, optionally limited to one category.
// Empty Region or PostalCode means the rule covers the whole parent area.
type Rule struct {
	ID         string
	Name       string
	Country    string
	Region     string
	PostalCode string
	CategoryID string
	Rate       decimal.Decimal
	Priority   int
}

// Destination is where the goods are shipped.
type Destination struct {
	Country    string
	Region     string
	PostalCode string
}

// Item is a taxable line. LineTotal is the amount tax applies to.
type Item struct {
	ProductID  string
	CategoryID string
	LineTotal  decimal.Decimal
}

// Repository returns rules that may apply to dest, in any order.
type Repository interface {
	FindRules(ctx context.Context, dest Destination) ([]Rule, error)
}

// Calculator computes tax totals.
type Calculator struct {
	rules Repository
}

// NewCalculator creates a Calculator backed by rules.
func NewCalculator(rules Repository) *Calculator {
	return &Calculator{rules: rules}
}

// Calculate returns the total tax for items shipped to dest. Each item is
// taxed by the highest-priority rule that is unrestricted or restricted to
// the item's category. Items without a rule are untaxed.
func (c *Calculator) Calculate(ctx context.Context, items []Item, dest Destination) (decimal.Decimal, error) {
	rules, err := c.rules.FindRules(ctx, dest)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "find tax rules")
	}
	rules = Applicable(rules, dest)

	total := decimal.Zero
	for _, item := range items {
		rule, ok := ruleFor(rules, item.CategoryID)
		if !ok {
			continue
		}
		total = total.Add(item.LineTotal.Mul(rule.Rate).Div(hundred))
	}
	return total.Round(2), nil
}

// Applicable keeps rules matching dest at one of the three specificity
// levels (country+region+postal, country+region, country) and orders them
// by priority, highest first. Equal priorities keep their input order.
func Applicable(rules []Rule, dest Destination) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if matches(r, dest) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b Rule) int {
		return b.Priority - a.Priority
	})
	return out
}

func matches(r Rule, dest Destination) bool {
	if !strings.EqualFold(r.Country, dest.Country) {
		return false
	}
	switch {
	case r.Region == "" && r.PostalCode == "":
		return true
	case r.PostalCode == "":
		return strings.EqualFold(r.Region, dest.Region)
	case r.Region == "":
		return false
	default:
		return strings.EqualFold(r.Region, dest.Region) && strings.EqualFold(r.PostalCode, dest.PostalCode)
	}
}

func ruleFor(rules []Rule, categoryID string) (Rule, bool) {
	for _, r := range rules {
		if r.CategoryID == "" || r.CategoryID == categoryID {
			return r, true
		}
	}
	return Rule{}, false
}
