package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a monetary value stored in minor units.
type Money = int64

// ErrNegativeAmount is returned when a boundary conversion would produce a negative amount.
var ErrNegativeAmount = errors.New("money: amount must not be negative")

// DefaultExponent is the minor-unit exponent used when a currency does not specify one.
const DefaultExponent = 2

// ToDecimal converts minor units into a decimal amount in major units.
func ToDecimal(amount Money, exponent int32) decimal.Decimal {
	if exponent < 0 {
		exponent = DefaultExponent
	}
	return decimal.New(amount, -exponent)
}

// FromDecimal converts a major-unit decimal into minor units, rounding
// half-up once at the boundary.
func FromDecimal(amount decimal.Decimal, exponent int32) Money {
	if exponent < 0 {
		exponent = DefaultExponent
	}
	return amount.Shift(exponent).Round(0).IntPart()
}

// Parse converts a major-unit string (e.g. "110.00") into minor units.
func Parse(value string, exponent int32) (Money, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("money: parse %q: %w", value, err)
	}
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	return FromDecimal(d, exponent), nil
}

// Format renders minor units as a fixed-precision major-unit string.
func Format(amount Money, exponent int32) string {
	if exponent < 0 {
		exponent = DefaultExponent
	}
	return ToDecimal(amount, exponent).StringFixed(exponent)
}
