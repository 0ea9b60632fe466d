package product

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/curve"
	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/fixed"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
)

func validateParameters(params model.Parameters) error {
	for name, v := range map[string]decimal.Decimal{
		"maker_fee":          params.MakerFee.Applied,
		"taker_fee":          params.TakerFee.Applied,
		"position_fee":       params.PositionFee.Applied,
		"utilization_buffer": params.UtilizationBuffer,
	} {
		if !fixed.InUnitRange(v) {
			return fmt.Errorf("%w: %s %s is outside [0, 1]", ErrInvalidParameter, name, v)
		}
	}
	if params.Maintenance.IsNegative() {
		return fmt.Errorf("%w: maintenance %s is negative", ErrInvalidParameter, params.Maintenance)
	}
	if params.MakerLimit.IsNegative() {
		return fmt.Errorf("%w: maker limit %s is negative", ErrInvalidParameter, params.MakerLimit)
	}
	if err := params.UtilizationCurve.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	return nil
}

func (t *txn) emitParameter(name string, value any, version int64, pending bool) {
	typ := events.TypeParameterUpdated
	switch {
	case pending:
		typ = events.TypePendingFeeUpdated
	case name == "closed":
		typ = events.TypeClosedUpdated
	case name == "oracle":
		typ = events.TypeOracleUpdated
	}
	t.emit(typ, events.ParameterUpdated{
		Name:    name,
		Value:   value,
		Version: version,
		Pending: pending,
	})
}

// update runs an owner-only parameter change after settling the product.
// apply returns the new value and whether it was staged.
func (p *Product) update(ctx context.Context, caller, name string, apply func(t *txn) (any, bool, error)) error {
	return p.run(ctx, "update_"+name, func(t *txn) error {
		owner, err := t.p.controller.CoordinatorOwner(t.ctx, t.state.ID)
		if err != nil {
			return fmt.Errorf("read coordinator owner: %w", err)
		}
		if owner == "" || caller != owner {
			return ErrNotOwner
		}
		if err := t.checkPaused(); err != nil {
			return err
		}
		if err := t.settle(); err != nil {
			return err
		}

		value, pending, err := apply(t)
		if err != nil {
			return err
		}
		t.stateDirty = true
		t.emitParameter(name, value, t.state.LatestVersion, pending)
		slog.Info("parameter updated", "product", t.state.ID, "name", name, "value", value, "pending", pending)
		return nil
	})
}

// updateFee applies a fee change, or stages it while the product has a
// pending position change so in-flight changes keep the rate they paid.
func (p *Product) updateFee(ctx context.Context, caller, name string, fee decimal.Decimal, field func(*model.Parameters) *model.Deferred[decimal.Decimal]) error {
	return p.update(ctx, caller, name, func(t *txn) (any, bool, error) {
		if !fixed.InUnitRange(fee) {
			return nil, false, fmt.Errorf("%w: %s %s is outside [0, 1]", ErrInvalidParameter, name, fee)
		}
		d := field(&t.state.Parameters)
		if t.state.Pre.IsEmpty() {
			d.Set(fee)
			return fee, false, nil
		}
		d.Stage(fee)
		return fee, true, nil
	})
}

// UpdateMakerFee sets the position fee rate charged to makers.
func (p *Product) UpdateMakerFee(ctx context.Context, caller string, fee decimal.Decimal) error {
	return p.updateFee(ctx, caller, "maker_fee", fee, func(ps *model.Parameters) *model.Deferred[decimal.Decimal] {
		return &ps.MakerFee
	})
}

// UpdateTakerFee sets the position fee rate charged to takers.
func (p *Product) UpdateTakerFee(ctx context.Context, caller string, fee decimal.Decimal) error {
	return p.updateFee(ctx, caller, "taker_fee", fee, func(ps *model.Parameters) *model.Deferred[decimal.Decimal] {
		return &ps.TakerFee
	})
}

// UpdatePositionFee sets the protocol's share of position fees.
func (p *Product) UpdatePositionFee(ctx context.Context, caller string, fee decimal.Decimal) error {
	return p.updateFee(ctx, caller, "position_fee", fee, func(ps *model.Parameters) *model.Deferred[decimal.Decimal] {
		return &ps.PositionFee
	})
}

// UpdateMaintenance sets the maintenance ratio.
func (p *Product) UpdateMaintenance(ctx context.Context, caller string, ratio decimal.Decimal) error {
	return p.update(ctx, caller, "maintenance", func(t *txn) (any, bool, error) {
		if ratio.IsNegative() {
			return nil, false, fmt.Errorf("%w: maintenance %s is negative", ErrInvalidParameter, ratio)
		}
		t.state.Parameters.Maintenance = ratio
		return ratio, false, nil
	})
}

// UpdateMakerLimit sets the cap on aggregate maker exposure.
func (p *Product) UpdateMakerLimit(ctx context.Context, caller string, limit decimal.Decimal) error {
	return p.update(ctx, caller, "maker_limit", func(t *txn) (any, bool, error) {
		if limit.IsNegative() {
			return nil, false, fmt.Errorf("%w: maker limit %s is negative", ErrInvalidParameter, limit)
		}
		t.state.Parameters.MakerLimit = limit
		return limit, false, nil
	})
}

// UpdateUtilizationBuffer sets the utilization headroom kept for taker opens.
func (p *Product) UpdateUtilizationBuffer(ctx context.Context, caller string, buffer decimal.Decimal) error {
	return p.update(ctx, caller, "utilization_buffer", func(t *txn) (any, bool, error) {
		if !fixed.InUnitRange(buffer) {
			return nil, false, fmt.Errorf("%w: utilization buffer %s is outside [0, 1]", ErrInvalidParameter, buffer)
		}
		t.state.Parameters.UtilizationBuffer = buffer
		return buffer, false, nil
	})
}

// UpdateUtilizationCurve replaces the funding rate curve.
func (p *Product) UpdateUtilizationCurve(ctx context.Context, caller string, c curve.JumpRate) error {
	return p.update(ctx, caller, "utilization_curve", func(t *txn) (any, bool, error) {
		if err := c.Validate(); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
		}
		t.state.Parameters.UtilizationCurve = c
		return c, false, nil
	})
}

// UpdateOracle switches the product to another feed. The product settles
// against the old feed first; the new feed must already be at or past the
// product's latest version.
func (p *Product) UpdateOracle(ctx context.Context, caller string, feed oracle.Feed) error {
	return p.update(ctx, caller, "oracle", func(t *txn) (any, bool, error) {
		current, err := feed.CurrentVersion(t.ctx)
		if err != nil {
			return nil, false, fmt.Errorf("read new oracle: %w", err)
		}
		if current.Version < t.state.LatestVersion {
			return nil, false, fmt.Errorf("%w: new oracle version %d is behind ledger version %d",
				ErrInvalidParameter, current.Version, t.state.LatestVersion)
		}
		t.feed = feed
		t.feedChanged = true
		return current.Version, false, nil
	})
}

// UpdateClosed opens or closes the product to new positions. While closed,
// price pnl and funding stop accruing.
func (p *Product) UpdateClosed(ctx context.Context, caller string, closed bool) error {
	return p.update(ctx, caller, "closed", func(t *txn) (any, bool, error) {
		t.state.Parameters.Closed = closed
		return closed, false, nil
	})
}
