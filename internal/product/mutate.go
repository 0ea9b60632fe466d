package product

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/fixed"
	"github.com/atmx/perp-ledger/internal/metrics"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/position"
)

// Receipt describes an applied position change.
type Receipt struct {
	Account string          `json:"account"`
	Side    model.Side      `json:"side"`
	Open    bool            `json:"open"`
	Amount  decimal.Decimal `json:"amount"`
	Version int64           `json:"version"`
	// Fee is the position fee debited from the account.
	Fee             decimal.Decimal `json:"fee"`
	MaintenanceNext decimal.Decimal `json:"maintenance_next"`
}

// OpenMake opens maker exposure for the caller.
func (p *Product) OpenMake(ctx context.Context, caller string, amount decimal.Decimal) (*Receipt, error) {
	return p.OpenMakeFor(ctx, caller, caller, amount)
}

// OpenMakeFor opens maker exposure for account on behalf of caller.
func (p *Product) OpenMakeFor(ctx context.Context, caller, account string, amount decimal.Decimal) (*Receipt, error) {
	return p.change(ctx, caller, account, model.Maker, true, amount)
}

// CloseMake closes maker exposure for the caller.
func (p *Product) CloseMake(ctx context.Context, caller string, amount decimal.Decimal) (*Receipt, error) {
	return p.CloseMakeFor(ctx, caller, caller, amount)
}

// CloseMakeFor closes maker exposure for account on behalf of caller.
func (p *Product) CloseMakeFor(ctx context.Context, caller, account string, amount decimal.Decimal) (*Receipt, error) {
	return p.change(ctx, caller, account, model.Maker, false, amount)
}

// OpenTake opens taker exposure for the caller.
func (p *Product) OpenTake(ctx context.Context, caller string, amount decimal.Decimal) (*Receipt, error) {
	return p.OpenTakeFor(ctx, caller, caller, amount)
}

// OpenTakeFor opens taker exposure for account on behalf of caller.
func (p *Product) OpenTakeFor(ctx context.Context, caller, account string, amount decimal.Decimal) (*Receipt, error) {
	return p.change(ctx, caller, account, model.Taker, true, amount)
}

// CloseTake closes taker exposure for the caller.
func (p *Product) CloseTake(ctx context.Context, caller string, amount decimal.Decimal) (*Receipt, error) {
	return p.CloseTakeFor(ctx, caller, caller, amount)
}

// CloseTakeFor closes taker exposure for account on behalf of caller.
func (p *Product) CloseTakeFor(ctx context.Context, caller, account string, amount decimal.Decimal) (*Receipt, error) {
	return p.change(ctx, caller, account, model.Taker, false, amount)
}

func action(open bool) string {
	if open {
		return "open"
	}
	return "close"
}

// change settles the product and the account, validates the change
// against the next position, charges the position fee and records the
// change as pending at the current version.
func (p *Product) change(ctx context.Context, caller, account string, side model.Side, open bool, amount decimal.Decimal) (*Receipt, error) {
	var receipt *Receipt
	op := action(open) + "_" + string(side)

	err := p.run(ctx, op, func(t *txn) error {
		if err := t.authorizeAccount(caller, account); err != nil {
			return err
		}
		if !amount.IsPositive() {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
		}
		if err := t.checkPaused(); err != nil {
			return err
		}

		a, err := t.settleAccount(account)
		if err != nil {
			return err
		}
		if open && !t.current.Bootstrapped() {
			return ErrOracleBootstrapping
		}
		if a.Liquidating {
			return ErrInLiquidation
		}
		params := t.state.Parameters
		if open && params.Closed {
			return ErrClosed
		}

		version := t.state.LatestVersion
		next := *a
		pre := t.state.Pre
		if open {
			next.Pre.IncreaseOpen(version, side, amount)
			pre.IncreaseOpen(version, side, amount)
		} else {
			next.Pre.IncreaseClose(version, side, amount)
			pre.IncreaseClose(version, side, amount)
		}
		if err := checkChange(position.NewLimiter(params), params.Closed, *a, next, t.state.Position.Next(pre), side, open, amount); err != nil {
			return err
		}

		fee := fixed.Mul(fixed.Mul(amount, t.current.Price.Abs()), params.Fee(side))
		if fee.IsPositive() {
			if err := t.settleAccountCollateral(account, fee.Neg()); err != nil {
				return err
			}
			t.state.PendingFees = t.state.PendingFees.With(side, t.state.PendingFees.Get(side).Add(fee))
			t.emit(events.TypePositionFeeCharged, events.FeeCharged{Account: account, Version: version, Fee: fee})
		}

		*a = next
		t.state.Pre = pre
		t.stateDirty = true
		t.touch(account)

		if open {
			liquidatable, err := t.p.collateral.LiquidatableNext(t.ctx, account, t)
			if err != nil {
				return fmt.Errorf("check collateral: %w", err)
			}
			if liquidatable {
				return ErrInsufficientCollateral
			}
		}

		maintenanceNext, err := t.MaintenanceNext(t.ctx, account)
		if err != nil {
			return err
		}
		t.emit(changeEvent(side, open), events.PositionChanged{Account: account, Version: version, Amount: amount})
		receipt = &Receipt{
			Account:         account,
			Side:            side,
			Open:            open,
			Amount:          amount,
			Version:         version,
			Fee:             fee,
			MaintenanceNext: maintenanceNext,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.MutationsTotal.WithLabelValues(string(side), action(open)).Inc()
	slog.Info("position changed",
		"product", p.id,
		"account", account,
		"side", side,
		"action", action(open),
		"amount", amount.String(),
		"fee", receipt.Fee.String(),
		"version", receipt.Version,
	)
	return receipt, nil
}

// checkChange runs the domain checks for one change. current is the
// account before the change and next the account after it. aggregate is
// the product's next position after it.
func checkChange(l *position.Limiter, closed bool, current, next model.AccountState, aggregate model.Position, side model.Side, open bool, amount decimal.Decimal) error {
	switch {
	case open && side == model.Maker:
		if err := position.CheckDoubleSided(next); err != nil {
			return err
		}
		return l.CheckOpenMake(aggregate)
	case open:
		if err := position.CheckDoubleSided(next); err != nil {
			return err
		}
		return l.CheckOpenTake(aggregate)
	case side == model.Maker:
		if err := position.CheckClose(current, side, amount); err != nil {
			return err
		}
		return l.CheckCloseMake(aggregate, closed)
	default:
		return position.CheckClose(current, side, amount)
	}
}

func changeEvent(side model.Side, open bool) events.Type {
	switch {
	case side == model.Maker && open:
		return events.TypeMakeOpened
	case side == model.Maker:
		return events.TypeMakeClosed
	case open:
		return events.TypeTakeOpened
	default:
		return events.TypeTakeClosed
	}
}

func (t *txn) authorizeAccount(caller, account string) error {
	if caller != "" && caller == account {
		return nil
	}
	invoker, err := t.p.controller.MultiInvoker(t.ctx)
	if err != nil {
		return fmt.Errorf("read multi-invoker: %w", err)
	}
	if invoker != "" && caller == invoker {
		return nil
	}
	return ErrNotAccountOrDelegate
}

// CloseAll force-closes every pending and settled exposure of account.
// Only the collateral ledger may call it. The account cannot trade again
// until the close has been settled.
func (p *Product) CloseAll(ctx context.Context, caller, account string) (model.Position, error) {
	var closed model.Position

	err := p.run(ctx, "close_all", func(t *txn) error {
		ledger, err := t.p.controller.Collateral(t.ctx)
		if err != nil {
			return fmt.Errorf("read collateral identity: %w", err)
		}
		if ledger == "" || caller != ledger {
			return ErrNotCollateral
		}
		if err := t.checkPaused(); err != nil {
			return err
		}

		a, err := t.settleAccount(account)
		if err != nil {
			return err
		}

		version := t.state.LatestVersion
		pre := t.state.Pre
		pre.OpenPosition = pre.OpenPosition.Sub(a.Pre.OpenPosition)
		pre.ClosePosition = pre.ClosePosition.Sub(a.Pre.ClosePosition).Add(a.Position)
		pre.OracleVersion = version
		if pre.OpenPosition.IsNegative() || pre.ClosePosition.IsNegative() {
			return fmt.Errorf("%w: account %s pending change exceeds the product's", ErrInvariant, account)
		}

		closed = a.Position
		a.Pre = model.PrePosition{OracleVersion: version, ClosePosition: a.Position}
		a.Liquidating = true
		t.state.Pre = pre
		t.stateDirty = true
		t.touch(account)

		t.emit(events.TypeLiquidation, events.Liquidation{
			Account: account, Liquidator: caller, Version: version, Closed: closed,
		})
		return nil
	})
	if err != nil {
		return model.Position{}, err
	}

	metrics.Liquidations.WithLabelValues(p.id).Inc()
	slog.Warn("account force-closed", "product", p.id, "account", account, "maker", closed.Maker.String(), "taker", closed.Taker.String())
	return closed, nil
}
