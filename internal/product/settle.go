package product

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/accumulator"
	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/metrics"
	"github.com/atmx/perp-ledger/internal/model"
)

// settle advances the product to the oracle's current version, one
// version at a time.
func (t *txn) settle() error {
	current, err := t.feed.Sync(t.ctx)
	if err != nil {
		return fmt.Errorf("sync oracle: %w", err)
	}
	t.current = current

	from := t.state.LatestVersion
	if current.Version == from {
		return nil
	}
	if current.Version < from {
		return fmt.Errorf("%w: oracle version %d is behind ledger version %d", ErrInvariant, current.Version, from)
	}

	fundingFeeRate, err := t.p.controller.MinFundingFee(t.ctx)
	if err != nil {
		return fmt.Errorf("read funding fee: %w", err)
	}
	prev, err := t.feed.AtVersion(t.ctx, from)
	if err != nil {
		return fmt.Errorf("read oracle version %d: %w", from, err)
	}

	fundingFees, protocolFees := decimal.Zero, decimal.Zero
	for v := from + 1; v <= current.Version; v++ {
		to := current
		if v < current.Version {
			if to, err = t.feed.AtVersion(t.ctx, v); err != nil {
				return fmt.Errorf("read oracle version %d: %w", v, err)
			}
		}

		live := t.state.Position
		params := t.state.Parameters
		fold := !t.state.Pre.IsEmpty() && t.state.Pre.OracleVersion == v-1

		step := accumulator.Step{
			From:             prev,
			To:               to,
			Position:         live,
			Rate:             params.UtilizationCurve.Rate(live.Maker, live.Taker),
			FundingFee:       fundingFeeRate,
			PositionFeeShare: params.PositionFee.Applied,
			Closed:           params.Closed,
		}
		if fold {
			step.PositionFees = t.state.PendingFees
		}
		r := accumulator.Accumulate(step)

		t.state.Value = t.state.Value.Add(r.Value())
		t.state.Share = t.state.Share.Add(r.Share)
		t.appendVersion(model.VersionEntry{
			Version:  v,
			Value:    t.state.Value,
			Share:    t.state.Share,
			Position: live,
		})
		fundingFees = fundingFees.Add(r.FundingFee)
		protocolFees = protocolFees.Add(r.ProtocolFee)
		t.emitAccumulated(v-1, v, r, fold)

		if fold {
			if err := t.foldProduct(v); err != nil {
				return err
			}
		}
		prev = to
	}

	if !t.state.Pre.IsEmpty() && t.state.Pre.OracleVersion < current.Version {
		return fmt.Errorf("%w: pending change at version %d was not applied", ErrInvariant, t.state.Pre.OracleVersion)
	}

	if err := t.settleProductCollateral(fundingFees); err != nil {
		return err
	}
	if err := t.settleProductCollateral(protocolFees); err != nil {
		return err
	}

	t.state.LatestVersion = current.Version
	t.stateDirty = true
	t.emit(events.TypeSettle, events.Settled{FromVersion: from, ToVersion: current.Version})
	metrics.SettledVersions.WithLabelValues(t.state.ID).Add(float64(current.Version - from))
	slog.Info("product settled",
		"product", t.state.ID,
		"from", from,
		"to", current.Version,
		"funding_fee", fundingFees.String(),
		"position_fee", protocolFees.String(),
	)
	return nil
}

func (t *txn) emitAccumulated(from, to int64, r accumulator.Result, fold bool) {
	if !r.Funding.IsZero() || !r.FundingFee.IsZero() {
		t.emit(events.TypeFundingAccumulated, events.FundingAccumulated{
			FromVersion: from, ToVersion: to, PerUnit: r.Funding, Fee: r.FundingFee,
		})
	}
	if !r.Pnl.IsZero() {
		t.emit(events.TypePositionAccumulated, events.PositionAccumulated{
			FromVersion: from, ToVersion: to, PerUnit: r.Pnl,
		})
	}
	if fold && (!r.PositionFee.IsZero() || !r.ProtocolFee.IsZero()) {
		t.emit(events.TypePositionFeeAccumulated, events.PositionFeeAccumulated{
			FromVersion: from, ToVersion: to, PerUnit: r.PositionFee, ProtocolFee: r.ProtocolFee,
		})
	}
}

// foldProduct applies the product's pending change at version v and any
// fee updates that were staged behind it.
func (t *txn) foldProduct(v int64) error {
	next := t.state.Next()
	if next.IsNegative() {
		return fmt.Errorf("%w: aggregate position %+v would go negative", ErrInvariant, next)
	}
	t.state.Position = next
	t.state.Pre = model.PrePosition{}
	t.state.PendingFees = model.Position{}

	params := &t.state.Parameters
	if params.MakerFee.Resolve() {
		t.emitParameter("maker_fee", params.MakerFee.Applied, v, false)
	}
	if params.TakerFee.Resolve() {
		t.emitParameter("taker_fee", params.TakerFee.Applied, v, false)
	}
	if params.PositionFee.Resolve() {
		t.emitParameter("position_fee", params.PositionFee.Applied, v, false)
	}
	return nil
}

// settleAccount settles the product, then replays the history entries
// between the account's latest version and the product's against the
// account's position.
func (t *txn) settleAccount(name string) (*model.AccountState, error) {
	if err := t.settle(); err != nil {
		return nil, err
	}
	a, err := t.account(name)
	if err != nil {
		return nil, err
	}

	from, to := a.LatestVersion, t.state.LatestVersion
	if from == to {
		return a, nil
	}
	if from > to {
		return nil, fmt.Errorf("%w: account %s is ahead of the product (%d > %d)", ErrInvariant, name, from, to)
	}

	delta := decimal.Zero
	if !a.Position.IsEmpty() || !a.Pre.IsEmpty() {
		prev, err := t.version(from)
		if err != nil {
			return nil, err
		}
		for v := from + 1; v <= to; v++ {
			entry, err := t.version(v)
			if err != nil {
				return nil, err
			}
			delta = delta.Add(entry.Value.Sub(prev.Value).Weighted(a.Position).Sum())
			a.Share = a.Share.Add(entry.Share.Sub(prev.Share).Weighted(a.Position))

			if !a.Pre.IsEmpty() && a.Pre.OracleVersion == v-1 {
				next := a.Next()
				if next.IsNegative() {
					return nil, fmt.Errorf("%w: account %s position %+v would go negative", ErrInvariant, name, next)
				}
				a.Position = next
				a.Pre = model.PrePosition{}
			}
			if a.Position.IsEmpty() && a.Pre.IsEmpty() {
				break
			}
			prev = entry
		}
		if !a.Pre.IsEmpty() && a.Pre.OracleVersion < to {
			return nil, fmt.Errorf("%w: account %s pending change at version %d was not applied", ErrInvariant, name, a.Pre.OracleVersion)
		}
	}

	if a.Liquidating && a.Pre.IsEmpty() {
		a.Liquidating = false
		slog.Info("liquidation complete", "product", t.state.ID, "account", name, "version", to)
	}
	a.LatestVersion = to
	t.touch(name)

	if err := t.settleAccountCollateral(name, delta); err != nil {
		return nil, err
	}
	t.emit(events.TypeAccountSettle, events.AccountSettled{Account: name, FromVersion: from, ToVersion: to})
	metrics.AccountSettlements.WithLabelValues(t.state.ID).Inc()
	slog.Debug("account settled", "product", t.state.ID, "account", name, "from", from, "to", to, "amount", delta.String())
	return a, nil
}
