// Package money holds the fixed-denomination amount helpers shared by the ledger,
// the task payment math and the HTTP layer. Amounts carry two implied fraction digits.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of fraction digits every stored amount carries.
const Places = 2

var (
	// ErrNotPositive is returned for zero or negative amounts.
	ErrNotPositive = errors.New("amount must be positive")
	// ErrPrecision is returned for amounts with more than two fraction digits.
	ErrPrecision = errors.New("amount has more than 2 fraction digits")
	// ErrTooLarge is returned for amounts above MaxAmount.
	ErrTooLarge = errors.New("amount exceeds the maximum")
)

// MaxAmount is the largest value a NUMERIC(14,2) column holds.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// ValidateMax checks that d fits the stored amount columns.
func ValidateMax(d decimal.Decimal) error {
	if d.GreaterThan(MaxAmount) {
		return ErrTooLarge
	}
	return nil
}

// ValidatePositive checks that 0 < d <= MaxAmount with at most two fraction digits.
func ValidatePositive(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrNotPositive
	}
	if err := ValidateMax(d); err != nil {
		return err
	}
	return ValidatePrecision(d)
}

// ValidatePrecision checks that d has at most two fraction digits.
func ValidatePrecision(d decimal.Decimal) error {
	if !d.Equal(d.Truncate(Places)) {
		return ErrPrecision
	}
	return nil
}

// Round rounds half away from zero to two places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Parse parses a decimal string and validates it as a positive amount.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if err := ValidatePositive(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Format renders d with exactly two fraction digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// MustParse is for constants and tests.
func MustParse(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Amount is the wire form of an amount: a JSON number with two fraction digits.
type Amount decimal.Decimal

// NewAmount wraps d for JSON encoding.
func NewAmount(d decimal.Decimal) Amount { return Amount(d) }

// Decimal unwraps a.
func (a Amount) Decimal() decimal.Decimal { return decimal.Decimal(a) }

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(Format(decimal.Decimal(a))), nil
}

// UnmarshalJSON accepts both JSON numbers and quoted decimal strings.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = Amount(d)
	return nil
}
