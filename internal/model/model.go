// Package model defines the core domain types shared across the ledger.
// All quantities use shopspring/decimal at 18 fractional digits, never
// float64 for money.
package model

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/fixed"
)

// OracleVersion is an immutable price snapshot. Version 0 with a zero
// timestamp is the unbootstrapped sentinel.
type OracleVersion struct {
	Version   int64           `json:"version"`
	Timestamp int64           `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

// Bootstrapped reports whether the snapshot carries real price history.
func (o OracleVersion) Bootstrapped() bool {
	return o.Version > 0 && o.Timestamp > 0
}

// Side selects the maker or taker half of a Position.
type Side string

const (
	Maker Side = "maker"
	Taker Side = "taker"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Maker {
		return Taker
	}
	return Maker
}

// Position is open exposure on each side, in underlying units. Both
// fields are non-negative.
type Position struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// Get returns the given side.
func (p Position) Get(s Side) decimal.Decimal {
	if s == Maker {
		return p.Maker
	}
	return p.Taker
}

// With returns a copy of p with side s set to v.
func (p Position) With(s Side, v decimal.Decimal) Position {
	if s == Maker {
		p.Maker = v
	} else {
		p.Taker = v
	}
	return p
}

// IsEmpty reports whether both sides are zero.
func (p Position) IsEmpty() bool {
	return p.Maker.IsZero() && p.Taker.IsZero()
}

// Add returns p + o.
func (p Position) Add(o Position) Position {
	return Position{Maker: p.Maker.Add(o.Maker), Taker: p.Taker.Add(o.Taker)}
}

// Sub returns p - o. The result may be negative; callers validate.
func (p Position) Sub(o Position) Position {
	return Position{Maker: p.Maker.Sub(o.Maker), Taker: p.Taker.Sub(o.Taker)}
}

// IsNegative reports whether either side is below zero.
func (p Position) IsNegative() bool {
	return p.Maker.IsNegative() || p.Taker.IsNegative()
}

// Next returns the position once pre is applied.
func (p Position) Next(pre PrePosition) Position {
	return p.Add(pre.OpenPosition).Sub(pre.ClosePosition)
}

// SocializationFactor is the fraction of taker exposure the makers can
// absorb: min(1, maker/taker), 1 when there are no takers.
func (p Position) SocializationFactor() decimal.Decimal {
	if p.Taker.IsZero() {
		return fixed.One
	}
	return fixed.Min(fixed.One, fixed.Div(p.Maker, p.Taker))
}

// Notional returns |price| * (maker + taker).
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return fixed.Mul(p.Maker.Add(p.Taker), price.Abs())
}

// PrePosition is a pending change recorded at OracleVersion. A zero
// OracleVersion means nothing is pending.
type PrePosition struct {
	OracleVersion int64    `json:"oracle_version"`
	OpenPosition  Position `json:"open_position"`
	ClosePosition Position `json:"close_position"`
}

// IsEmpty reports whether nothing is pending.
func (p PrePosition) IsEmpty() bool {
	return p.OracleVersion == 0 && p.OpenPosition.IsEmpty() && p.ClosePosition.IsEmpty()
}

// IncreaseOpen adds amount to the pending open on side s at version v.
func (p *PrePosition) IncreaseOpen(v int64, s Side, amount decimal.Decimal) {
	p.OracleVersion = v
	p.OpenPosition = p.OpenPosition.With(s, p.OpenPosition.Get(s).Add(amount))
}

// IncreaseClose adds amount to the pending close on side s at version v.
func (p *PrePosition) IncreaseClose(v int64, s Side, amount decimal.Decimal) {
	p.OracleVersion = v
	p.ClosePosition = p.ClosePosition.With(s, p.ClosePosition.Get(s).Add(amount))
}

// Accumulator is a signed per-unit quantity for each side.
type Accumulator struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// Add returns a + o.
func (a Accumulator) Add(o Accumulator) Accumulator {
	return Accumulator{Maker: a.Maker.Add(o.Maker), Taker: a.Taker.Add(o.Taker)}
}

// Sub returns a - o.
func (a Accumulator) Sub(o Accumulator) Accumulator {
	return Accumulator{Maker: a.Maker.Sub(o.Maker), Taker: a.Taker.Sub(o.Taker)}
}

// IsZero reports whether both sides are zero.
func (a Accumulator) IsZero() bool {
	return a.Maker.IsZero() && a.Taker.IsZero()
}

// Weighted returns the per-side amounts a unit accumulator yields for p.
func (a Accumulator) Weighted(p Position) Accumulator {
	return Accumulator{Maker: fixed.Mul(a.Maker, p.Maker), Taker: fixed.Mul(a.Taker, p.Taker)}
}

// Sum returns Maker + Taker.
func (a Accumulator) Sum() decimal.Decimal {
	return a.Maker.Add(a.Taker)
}

// VersionEntry is the append-only history row written once per version.
// Value and Share are cumulative as of Version; Position is the aggregate
// position that was live during [Version-1, Version).
type VersionEntry struct {
	Version  int64       `json:"version"`
	Value    Accumulator `json:"value"`
	Share    Accumulator `json:"share"`
	Position Position    `json:"position"`
}
