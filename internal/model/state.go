package model

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/curve"
)

// Deferred is a parameter whose change may be staged until the next time a
// pending position folds into settled state.
type Deferred[T any] struct {
	Applied T  `json:"applied"`
	Pending *T `json:"pending,omitempty"`
}

// Stage records v to be applied by Resolve.
func (d *Deferred[T]) Stage(v T) {
	d.Pending = &v
}

// Set applies v immediately and drops anything staged.
func (d *Deferred[T]) Set(v T) {
	d.Applied = v
	d.Pending = nil
}

// Resolve applies a staged value. It reports whether anything changed.
func (d *Deferred[T]) Resolve() bool {
	if d.Pending == nil {
		return false
	}
	d.Applied = *d.Pending
	d.Pending = nil
	return true
}

// Parameters are the owner-controlled knobs of a product.
type Parameters struct {
	MakerFee          Deferred[decimal.Decimal] `json:"maker_fee"`
	TakerFee          Deferred[decimal.Decimal] `json:"taker_fee"`
	PositionFee       Deferred[decimal.Decimal] `json:"position_fee"` // protocol share of position fees
	Maintenance       decimal.Decimal           `json:"maintenance"`
	MakerLimit        decimal.Decimal           `json:"maker_limit"`
	UtilizationBuffer decimal.Decimal           `json:"utilization_buffer"`
	UtilizationCurve  curve.JumpRate            `json:"utilization_curve"`
	Closed            bool                      `json:"closed"`
}

// Fee returns the applied position fee rate charged to side s.
func (p Parameters) Fee(s Side) decimal.Decimal {
	if s == Maker {
		return p.MakerFee.Applied
	}
	return p.TakerFee.Applied
}

// AccountState is one account's view of a product.
type AccountState struct {
	Account       string      `json:"account"`
	Position      Position    `json:"position"`
	Pre           PrePosition `json:"pre"`
	LatestVersion int64       `json:"latest_version"`
	Liquidating   bool        `json:"liquidating"`
	// Share is the account's accrued time-weighted share of each side.
	Share Accumulator `json:"share"`
}

// Next returns the account position once its pending change is applied.
func (a AccountState) Next() Position {
	return a.Position.Next(a.Pre)
}

// ProductState is the aggregate ledger of a product. Value and Share are
// the cumulative accumulators as of LatestVersion.
type ProductState struct {
	ID            string      `json:"id"`
	Position      Position    `json:"position"`
	Pre           PrePosition `json:"pre"`
	LatestVersion int64       `json:"latest_version"`
	Value         Accumulator `json:"value"`
	Share         Accumulator `json:"share"`
	// PendingFees are position fees paid by each side for Pre, distributed
	// to the opposite side when Pre folds.
	PendingFees Position   `json:"pending_fees"`
	Parameters  Parameters `json:"parameters"`
}

// Next returns the aggregate position once its pending change is applied.
func (p ProductState) Next() Position {
	return p.Position.Next(p.Pre)
}
