package fixed

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDec(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func TestDiv_TruncatesTowardZero(t *testing.T) {
	assertDec(t, decimal.RequireFromString("0.333333333333333333"), Div(d(1), d(3)))
	assertDec(t, decimal.RequireFromString("-0.666666666666666666"), Div(d(-2), d(3)))
}

func TestDiv_ByZeroIsZero(t *testing.T) {
	assert.True(t, Div(d(5), decimal.Zero).IsZero())
}

func TestMul_Truncates(t *testing.T) {
	a := decimal.RequireFromString("0.000000000000000001")
	assert.True(t, Mul(a, d(0.5)).IsZero(), "sub-unit product should truncate to zero")
	assertDec(t, d(3), Mul(d(1.5), d(2)))
}

func TestClamp(t *testing.T) {
	tests := []struct {
		v, want float64
	}{
		{-1, 0},
		{0.25, 0.25},
		{3, 1},
	}
	for _, tt := range tests {
		assertDec(t, d(tt.want), Clamp(d(tt.v), decimal.Zero, One))
	}
}

func TestInUnitRange(t *testing.T) {
	for _, v := range []decimal.Decimal{decimal.Zero, One, d(0.3)} {
		assert.True(t, InUnitRange(v), "%s should be in range", v)
	}
	for _, v := range []decimal.Decimal{d(-0.01), d(1.01)} {
		assert.False(t, InUnitRange(v), "%s should be out of range", v)
	}
}

func TestFromUnits(t *testing.T) {
	assertDec(t, d(0.00702), FromUnits(7_020_000_000_000_000))
}
