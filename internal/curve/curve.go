// Package curve implements the jump-rate utilization curve that prices
// funding between the maker and taker sides of a product.
//
// The curve is piecewise linear through three control points:
//
//	(0, MinRate) → (TargetUtilization, TargetRate) → (1, MaxRate)
//
// Rates on the curve are annualized; Rate converts them to a per-second
// rate. The curve is stateless: positions are passed as arguments.
package curve

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/fixed"
)

var (
	// ErrInvalidTarget is returned when the target utilization is outside (0, 1).
	ErrInvalidTarget = errors.New("curve: target utilization must be in (0, 1)")
)

// JumpRate is a utilization curve with a kink at TargetUtilization.
type JumpRate struct {
	MinRate           decimal.Decimal `json:"min_rate"`
	MaxRate           decimal.Decimal `json:"max_rate"`
	TargetRate        decimal.Decimal `json:"target_rate"`
	TargetUtilization decimal.Decimal `json:"target_utilization"`
}

// Validate checks that the curve's kink lies strictly inside the unit range.
func (c JumpRate) Validate() error {
	if !c.TargetUtilization.IsPositive() || c.TargetUtilization.GreaterThanOrEqual(fixed.One) {
		return ErrInvalidTarget
	}
	return nil
}

// Utilization returns taker/maker clamped to [0, 1]. An empty market has
// zero utilization; takers without makers are fully utilized.
func Utilization(maker, taker decimal.Decimal) decimal.Decimal {
	if taker.IsZero() {
		return decimal.Zero
	}
	if maker.IsZero() {
		return fixed.One
	}
	return fixed.Clamp(fixed.Div(taker, maker), decimal.Zero, fixed.One)
}

// Compute returns the annualized rate at utilization u.
func (c JumpRate) Compute(u decimal.Decimal) decimal.Decimal {
	u = fixed.Clamp(u, decimal.Zero, fixed.One)
	if u.LessThan(c.TargetUtilization) {
		return interpolate(decimal.Zero, c.MinRate, c.TargetUtilization, c.TargetRate, u)
	}
	if u.LessThan(fixed.One) {
		return interpolate(c.TargetUtilization, c.TargetRate, fixed.One, c.MaxRate, u)
	}
	return c.MaxRate
}

// Rate returns the per-second funding rate for the given aggregate position.
func (c JumpRate) Rate(maker, taker decimal.Decimal) decimal.Decimal {
	return fixed.Div(c.Compute(Utilization(maker, taker)), fixed.SecondsPerYear)
}

// interpolate evaluates the line through (x0, y0) and (x1, y1) at x.
func interpolate(x0, y0, x1, y1, x decimal.Decimal) decimal.Decimal {
	span := x1.Sub(x0)
	if span.IsZero() {
		return y0
	}
	slope := fixed.Div(y1.Sub(y0), span)
	return y0.Add(fixed.Mul(slope, x.Sub(x0)))
}
