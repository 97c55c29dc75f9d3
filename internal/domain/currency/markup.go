package currency

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DefaultMarkupSpec is the cross-border markup policy applied to amounts
// converted out of the base currency.
const DefaultMarkupSpec = "lt:1000=3,lt:5000=2,le:10000=1.4,le:25000=1.3,le:50000=1.2,*=1.15"

// MarkupTier applies Multiplier to amounts below Limit, or up to and
// including Limit when Inclusive is set.
type MarkupTier struct {
	Limit      decimal.Decimal
	Inclusive  bool
	Multiplier decimal.Decimal
}

func (t MarkupTier) contains(amount decimal.Decimal) bool {
	if t.Inclusive {
		return amount.LessThanOrEqual(t.Limit)
	}
	return amount.LessThan(t.Limit)
}

// MarkupTable is a step function over the pre-markup converted amount. Tiers
// are checked in ascending order; Above applies when no tier matches.
type MarkupTable struct {
	Tiers []MarkupTier
	Above decimal.Decimal
}

// Multiplier returns the multiplier for amount. Tiers are not cumulative.
func (t MarkupTable) Multiplier(amount decimal.Decimal) decimal.Decimal {
	for _, tier := range t.Tiers {
		if tier.contains(amount) {
			return tier.Multiplier
		}
	}
	if t.Above.IsZero() {
		return decimal.NewFromInt(1)
	}
	return t.Above
}

// Apply multiplies amount by its tier multiplier.
func (t MarkupTable) Apply(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(t.Multiplier(amount))
}

// DefaultMarkup returns the table described by DefaultMarkupSpec.
func DefaultMarkup() MarkupTable {
	t, err := ParseMarkup(DefaultMarkupSpec)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseMarkup parses a comma separated tier list. Each entry is
// "lt:<limit>=<multiplier>" (exclusive bound), "le:<limit>=<multiplier>"
// (inclusive bound) or "*=<multiplier>" for amounts above every tier.
// An empty string yields a table without markup.
func ParseMarkup(def string) (MarkupTable, error) {
	var t MarkupTable
	def = strings.TrimSpace(def)
	if def == "" {
		return t, nil
	}

	for _, raw := range strings.Split(def, ",") {
		entry := strings.TrimSpace(raw)
		bound, mult, ok := strings.Cut(entry, "=")
		if !ok {
			return MarkupTable{}, errors.Errorf("markup entry %q: missing '='", entry)
		}
		m, err := decimal.NewFromString(strings.TrimSpace(mult))
		if err != nil {
			return MarkupTable{}, errors.Wrapf(err, "markup entry %q: multiplier", entry)
		}
		if !m.IsPositive() {
			return MarkupTable{}, errors.Errorf("markup entry %q: multiplier must be positive", entry)
		}

		bound = strings.TrimSpace(bound)
		if bound == "*" {
			if !t.Above.IsZero() {
				return MarkupTable{}, errors.Errorf("markup entry %q: duplicate '*' tier", entry)
			}
			t.Above = m
			continue
		}

		op, limit, ok := strings.Cut(bound, ":")
		if !ok {
			return MarkupTable{}, errors.Errorf("markup entry %q: expected lt:<limit> or le:<limit>", entry)
		}
		l, err := decimal.NewFromString(strings.TrimSpace(limit))
		if err != nil {
			return MarkupTable{}, errors.Wrapf(err, "markup entry %q: limit", entry)
		}

		tier := MarkupTier{Limit: l, Multiplier: m}
		switch op {
		case "lt":
		case "le":
			tier.Inclusive = true
		default:
			return MarkupTable{}, errors.Errorf("markup entry %q: unknown bound %q", entry, op)
		}

		if n := len(t.Tiers); n > 0 && !l.GreaterThan(t.Tiers[n-1].Limit) {
			return MarkupTable{}, errors.Errorf("markup entry %q: limits must be ascending", entry)
		}
		t.Tiers = append(t.Tiers, tier)
	}

	return t, nil
}
