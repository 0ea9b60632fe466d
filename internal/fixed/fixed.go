// Package fixed holds the fixed-point conventions shared by the ledger.
//
// Every quantity (prices, positions, rates, fees, accumulators) is a
// shopspring/decimal value kept at 18 fractional digits. Products and
// quotients are truncated toward zero, never rounded, so repeated
// settlement cannot mint value out of rounding.
package fixed

import (
	"github.com/shopspring/decimal"
)

// Precision is the number of fractional digits carried by every quantity.
const Precision int32 = 18

var (
	// One is the fixed-point unit.
	One = decimal.NewFromInt(1)

	// SecondsPerYear annualizes curve rates (365 days).
	SecondsPerYear = decimal.NewFromInt(365 * 24 * 60 * 60)
)

// Mul returns a*b truncated to Precision.
func Mul(a, b decimal.Decimal) decimal.Decimal {
	return a.Mul(b).Truncate(Precision)
}

// Div returns a/b truncated toward zero at Precision. Division by zero
// yields zero: an empty side of the market contributes nothing.
func Div(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	q, _ := a.QuoRem(b, Precision)
	return q
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return Min(Max(v, lo), hi)
}

// InUnitRange reports whether v lies in [0, 1].
func InUnitRange(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(One)
}

// FromUnits scales an integer count of 1e-18 units into a decimal. Test
// fixtures are usually written in these raw units.
func FromUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Precision)
}
