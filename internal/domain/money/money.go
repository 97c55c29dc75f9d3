// Package money provides currency-tagged decimal amounts.
package money

import (
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrCurrencyMismatch is returned when combining amounts of different currencies.
var ErrCurrencyMismatch = errors.New("currency mismatch")

// Money is a decimal amount in a single ISO 4217 currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// New returns Money with a normalised currency code.
func New(amount decimal.Decimal, currency string) Money {
	return Money{Amount: amount, Currency: NormalizeCode(currency)}
}

// Zero returns a zero amount in the given currency.
func Zero(currency string) Money {
	return New(decimal.Zero, currency)
}

// Add returns m + o. Both amounts must share a currency.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "add %s to %s", o.Currency, m.Currency)
	}
	return Money{Amount: m.Amount.Add(o.Amount), Currency: m.Currency}, nil
}

// Sub returns m - o floored at zero. Both amounts must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, errors.Wrapf(ErrCurrencyMismatch, "subtract %s from %s", o.Currency, m.Currency)
	}
	return Money{Amount: FloorAtZero(m.Amount.Sub(o.Amount)), Currency: m.Currency}, nil
}

// Round rounds the amount to two fraction digits.
func (m Money) Round() Money {
	return Money{Amount: m.Amount.Round(2), Currency: m.Currency}
}

func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// FloorAtZero returns d, or zero when d is negative.
func FloorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code looks like an ISO 4217 alphabetic code.
func ValidCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
