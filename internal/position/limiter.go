// Package position enforces the invariants a position change must keep
// before it is recorded: one-sided accounts, the maker cap, and enough
// maker liquidity to back the takers.
//
// All checks run against the *next* position (settled plus pending),
// because a pending change is already committed to become live at the
// next oracle version.
package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/fixed"
	"github.com/atmx/perp-ledger/internal/model"
)

var (
	// ErrDoubleSided is returned when an account would hold maker and taker
	// exposure at the same time.
	ErrDoubleSided = errors.New("position: account cannot be both maker and taker")

	// ErrMakerOverLimit is returned when aggregate maker exposure would
	// exceed the product's maker limit.
	ErrMakerOverLimit = errors.New("position: maker limit exceeded")

	// ErrOverClosed is returned when a close exceeds the open exposure.
	ErrOverClosed = errors.New("position: close exceeds open position")
)

// InsufficientLiquidityError reports a change that would leave takers
// without enough makers. Fraction is the overage above the allowed
// utilization for taker opens, or the resulting socialization factor for
// maker closes.
type InsufficientLiquidityError struct {
	Fraction decimal.Decimal
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("position: insufficient liquidity (%s)", e.Fraction)
}

// Limiter enforces the aggregate limits of one product.
type Limiter struct {
	// MakerLimit caps aggregate maker exposure.
	MakerLimit decimal.Decimal

	// UtilizationBuffer is the headroom kept below full utilization when
	// takers open: utilization may not exceed 1 - UtilizationBuffer.
	UtilizationBuffer decimal.Decimal
}

// NewLimiter creates a limiter from a product's parameters.
func NewLimiter(params model.Parameters) *Limiter {
	return &Limiter{
		MakerLimit:        params.MakerLimit,
		UtilizationBuffer: params.UtilizationBuffer,
	}
}

// CheckOpenMake validates the aggregate position after a maker open.
func (l *Limiter) CheckOpenMake(next model.Position) error {
	if next.Maker.GreaterThan(l.MakerLimit) {
		return ErrMakerOverLimit
	}
	return nil
}

// CheckOpenTake validates the aggregate position after a taker open.
func (l *Limiter) CheckOpenTake(next model.Position) error {
	if next.Taker.IsZero() {
		return nil
	}
	limit := fixed.One.Sub(l.UtilizationBuffer)
	if next.Maker.IsZero() {
		return &InsufficientLiquidityError{Fraction: fixed.One}
	}
	utilization := fixed.Div(next.Taker, next.Maker)
	if utilization.GreaterThan(limit) {
		return &InsufficientLiquidityError{Fraction: utilization.Sub(limit)}
	}
	return nil
}

// CheckCloseMake validates the aggregate position after a maker close.
// Winding down a closed product may leave takers uncovered.
func (l *Limiter) CheckCloseMake(next model.Position, closed bool) error {
	if closed || !next.Maker.LessThan(next.Taker) {
		return nil
	}
	return &InsufficientLiquidityError{Fraction: next.SocializationFactor()}
}

// CheckDoubleSided rejects an account whose settled or pending-open
// exposure spans both sides.
func CheckDoubleSided(account model.AccountState) error {
	maker := account.Position.Maker.Add(account.Pre.OpenPosition.Maker)
	taker := account.Position.Taker.Add(account.Pre.OpenPosition.Taker)
	if maker.IsPositive() && taker.IsPositive() {
		return ErrDoubleSided
	}
	return nil
}

// CheckClose rejects closing more than the account's next position on side s.
func CheckClose(account model.AccountState, s model.Side, amount decimal.Decimal) error {
	if account.Next().Get(s).LessThan(amount) {
		return ErrOverClosed
	}
	return nil
}
