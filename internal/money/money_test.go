package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseAndFormatRoundTrip(t *testing.T) {
	cases := []struct {
		in       string
		exponent int32
		want     Money
	}{
		{"110.00", 2, 11000},
		{"0.01", 2, 1},
		{"0", 2, 0},
		{"5", 0, 5},
		{"19.999", 2, 2000},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in, tc.exponent)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
	if got := Format(11000, 2); got != "110.00" {
		t.Fatalf("Format = %q, want 110.00", got)
	}
}

func TestParseNegative(t *testing.T) {
	if _, err := Parse("-1.00", 2); !errors.Is(err, ErrNegativeAmount) {
		t.Fatalf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestFromDecimalRoundsHalfUp(t *testing.T) {
	d := decimal.RequireFromString("1.005")
	if got := FromDecimal(d, 2); got != 101 {
		t.Fatalf("FromDecimal(1.005) = %d, want 101", got)
	}
}

func TestZeroExponentCurrency(t *testing.T) {
	got, err := Parse("1500", 0)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != 1500 {
		t.Fatalf("Parse = %d, want 1500", got)
	}
	if s := Format(1500, 0); s != "1500" {
		t.Fatalf("Format = %q, want 1500", s)
	}
}
