package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimals is the number of fractional digits in a fixed-point cash value.
const Decimals int32 = 6

// Scale is 10^Decimals: the integer representation of 1.0.
const Scale int64 = 1_000_000

var (
	// ErrOverflow is returned when a computed value does not fit in int64.
	ErrOverflow = errors.New("model: value overflows int64")

	// ErrAmountPrecision is returned when a decimal string carries more
	// than Decimals fractional digits.
	ErrAmountPrecision = errors.New("model: amount has more than 6 fractional digits")
)

// FormatAmount renders a fixed-point value as a decimal string, e.g.
// 1500000 -> "1.500000".
func FormatAmount(v int64) string {
	return decimal.New(v, -Decimals).StringFixed(Decimals)
}

// AmountDecimal converts a fixed-point value to a decimal.
func AmountDecimal(v int64) decimal.Decimal {
	return decimal.New(v, -Decimals)
}

// ParseAmount converts a decimal string ("12.5") to its fixed-point form
// (12500000).
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts a decimal to fixed-point, rejecting excess precision.
func FromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return 0, ErrAmountPrecision
	}
	bi := shifted.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return bi.Int64(), nil
}

// MulDiv computes a*b/c exactly and truncates toward zero. c must be
// non-zero.
func MulDiv(a, b, c int64) (int64, error) {
	if c == 0 {
		return 0, errors.New("model: division by zero")
	}
	q, _ := decimal.NewFromInt(a).Mul(decimal.NewFromInt(b)).QuoRem(decimal.NewFromInt(c), 0)
	bi := q.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return bi.Int64(), nil
}

// AddChecked returns a+b or ErrOverflow.
func AddChecked(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, ErrOverflow
	}
	return s, nil
}
