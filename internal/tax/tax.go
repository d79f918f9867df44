package tax

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/commerce-core/internal/money"
)

var (
	// ErrInvalidRate is returned when a tax rate is negative.
	ErrInvalidRate = errors.New("tax: rate must not be negative")
	// ErrInvalidAmount is returned when an amount is negative.
	ErrInvalidAmount = errors.New("tax: amount must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Calculator converts between tax-inclusive and tax-exclusive amounts.
// The zero value uses a 0% rate and exclusive prices.
type Calculator struct {
	DefaultRate      decimal.Decimal
	PricesIncludeTax bool
	CurrencyExponent int32
}

// Extract splits a tax-inclusive amount into its net and tax portions.
// net = inclusive / (1 + rate/100); rounding happens half-up once on the
// final net, and tax is the exact remainder so net + tax == inclusive.
func Extract(inclusive money.Money, rate decimal.Decimal) (net, tax money.Money, err error) {
	if rate.IsNegative() {
		return 0, 0, ErrInvalidRate
	}
	if inclusive < 0 {
		return 0, 0, ErrInvalidAmount
	}
	if inclusive == 0 || rate.IsZero() {
		return inclusive, 0, nil
	}
	divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
	net = decimal.NewFromInt(inclusive).DivRound(divisor, 0).IntPart()
	return net, inclusive - net, nil
}

// Add computes the tax on a net amount and returns the gross total.
// tax = net * rate/100, rounded half-up to minor units.
func Add(net money.Money, rate decimal.Decimal) (gross, tax money.Money, err error) {
	if rate.IsNegative() {
		return 0, 0, ErrInvalidRate
	}
	if net < 0 {
		return 0, 0, ErrInvalidAmount
	}
	if net == 0 || rate.IsZero() {
		return net, 0, nil
	}
	tax = decimal.NewFromInt(net).Mul(rate).DivRound(hundred, 0).IntPart()
	return net + tax, tax, nil
}

// LineTax computes the tax portion for an already-discounted line amount,
// honouring the calculator's inclusive/exclusive mode.
func (c Calculator) LineTax(amount money.Money, rate decimal.Decimal) (tax money.Money, err error) {
	if c.PricesIncludeTax {
		_, tax, err = Extract(amount, rate)
		return tax, err
	}
	_, tax, err = Add(amount, rate)
	return tax, err
}

// ExactLineTax returns the unrounded decimal tax for an amount, used by the
// pricing aggregator to round order totals exactly once.
func (c Calculator) ExactLineTax(amount money.Money, rate decimal.Decimal) (decimal.Decimal, error) {
	if rate.IsNegative() {
		return decimal.Decimal{}, ErrInvalidRate
	}
	if amount < 0 {
		return decimal.Decimal{}, ErrInvalidAmount
	}
	d := decimal.NewFromInt(amount)
	if c.PricesIncludeTax {
		divisor := decimal.NewFromInt(1).Add(rate.Div(hundred))
		net := d.Div(divisor)
		return d.Sub(net), nil
	}
	return d.Mul(rate).Div(hundred), nil
}

// Rate resolves the effective rate for a line, falling back to the default.
func (c Calculator) Rate(lineRate *decimal.Decimal) decimal.Decimal {
	if lineRate != nil {
		return *lineRate
	}
	return c.DefaultRate
}

// FormatRate renders a rate as a fixed two-decimal percentage string,
// independent of locale ("10.00").
func FormatRate(rate decimal.Decimal) string {
	return rate.StringFixed(2)
}
