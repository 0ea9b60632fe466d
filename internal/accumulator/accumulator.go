// Package accumulator computes what one unit of maker or taker exposure
// earns across a single oracle version step.
//
// A step covers [From, To) with the aggregate Position that was live for
// the whole window. Three flows accrue per unit of position:
//
//   - funding: takers and makers exchange rate·dt·min(maker, taker)·|price|,
//     the payer's side gross, the receiver's side net of the protocol fee
//   - price pnl: takers are long Δprice on the socialized share of their
//     exposure, makers take the other side
//   - position fees: fees paid for a pending change are paid out to the
//     opposite side when that change folds in
//
// When takers outnumber makers the taker exposure is scaled down to what
// makers can cover (the socialization factor); the remainder earns nothing.
// Every division by an empty side contributes zero.
package accumulator

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/fixed"
	"github.com/atmx/perp-ledger/internal/model"
)

// Step is the input of one version step.
type Step struct {
	From     model.OracleVersion
	To       model.OracleVersion
	Position model.Position

	// Rate is the per-second funding rate for Position. Positive rates
	// flow from takers to makers.
	Rate decimal.Decimal

	// FundingFee is the protocol's cut of funding.
	FundingFee decimal.Decimal

	// PositionFees are fees paid by each side for a pending change folding
	// in at To. PositionFeeShare is the protocol's cut of them.
	PositionFees     model.Position
	PositionFeeShare decimal.Decimal

	// Closed freezes price pnl and funding.
	Closed bool
}

// Result is the per-unit accrual of one step.
type Result struct {
	Funding     model.Accumulator
	Pnl         model.Accumulator
	PositionFee model.Accumulator
	Share       model.Accumulator

	// FundingFee and ProtocolFee are the amounts owed to the protocol.
	FundingFee  decimal.Decimal
	ProtocolFee decimal.Decimal
}

// Value returns the total per-unit value accrued in the step.
func (r Result) Value() model.Accumulator {
	return r.Funding.Add(r.Pnl).Add(r.PositionFee)
}

// Elapsed returns the step's duration in seconds, never negative.
func Elapsed(from, to model.OracleVersion) decimal.Decimal {
	if to.Timestamp <= from.Timestamp {
		return decimal.Zero
	}
	return decimal.NewFromInt(to.Timestamp - from.Timestamp)
}

// Accumulate computes the accrual for one step.
func Accumulate(s Step) Result {
	var r Result
	dt := Elapsed(s.From, s.To)

	if !s.Closed && !dt.IsZero() {
		r.Funding, r.FundingFee = funding(s.Position, s.From.Price, s.Rate, dt, s.FundingFee)
		r.Pnl = pnl(s.Position, s.From.Price, s.To.Price)
	}
	r.PositionFee, r.ProtocolFee = positionFee(s.Position, s.PositionFees, s.PositionFeeShare)
	r.Share = share(s.Position, dt)
	return r
}

func funding(p model.Position, price, rate, dt, feeRate decimal.Decimal) (model.Accumulator, decimal.Decimal) {
	if p.Maker.IsZero() || p.Taker.IsZero() {
		return model.Accumulator{}, decimal.Zero
	}

	notional := fixed.Mul(fixed.Min(p.Maker, p.Taker), price.Abs())
	accrued := fixed.Mul(fixed.Mul(rate, dt), notional)
	fee := fixed.Mul(accrued.Abs(), feeRate)
	net := accrued.Abs().Sub(fee)
	if accrued.IsNegative() {
		net = net.Neg()
	}

	// The receiving side is credited net of the fee, the paying side is
	// debited the gross amount.
	if accrued.IsPositive() {
		return model.Accumulator{
			Maker: fixed.Div(net, p.Maker),
			Taker: fixed.Div(accrued, p.Taker).Neg(),
		}, fee
	}
	return model.Accumulator{
		Maker: fixed.Div(accrued, p.Maker),
		Taker: fixed.Div(net, p.Taker).Neg(),
	}, fee
}

func pnl(p model.Position, from, to decimal.Decimal) model.Accumulator {
	if p.Maker.IsZero() || p.Taker.IsZero() {
		return model.Accumulator{}
	}

	socialized := fixed.Mul(to.Sub(from), fixed.Min(p.Maker, p.Taker))
	return model.Accumulator{
		Maker: fixed.Div(socialized, p.Maker).Neg(),
		Taker: fixed.Div(socialized, p.Taker),
	}
}

func positionFee(p model.Position, fees model.Position, protocolShare decimal.Decimal) (model.Accumulator, decimal.Decimal) {
	if fees.IsEmpty() {
		return model.Accumulator{}, decimal.Zero
	}

	protocolMaker := fixed.Mul(fees.Maker, protocolShare)
	protocolTaker := fixed.Mul(fees.Taker, protocolShare)
	protocol := protocolMaker.Add(protocolTaker)
	makerPaid := fees.Maker.Sub(protocolMaker)
	takerPaid := fees.Taker.Sub(protocolTaker)

	var acc model.Accumulator
	if p.Maker.IsZero() {
		protocol = protocol.Add(takerPaid)
	} else {
		acc.Maker = fixed.Div(takerPaid, p.Maker)
	}
	if p.Taker.IsZero() {
		protocol = protocol.Add(makerPaid)
	} else {
		acc.Taker = fixed.Div(makerPaid, p.Taker)
	}
	return acc, protocol
}

func share(p model.Position, dt decimal.Decimal) model.Accumulator {
	return model.Accumulator{
		Maker: fixed.Div(dt, p.Maker),
		Taker: fixed.Div(dt, p.Taker),
	}
}
