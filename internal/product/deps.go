package product

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/oracle"
	"github.com/atmx/perp-ledger/internal/store"
)

// Controller supplies protocol-wide settings and identities.
type Controller interface {
	MinFundingFee(ctx context.Context) (decimal.Decimal, error)
	Paused(ctx context.Context) (bool, error)
	CoordinatorOwner(ctx context.Context, productID string) (string, error)
	// MultiInvoker is the delegate allowed to act for any account.
	MultiInvoker(ctx context.Context) (string, error)
	// Collateral is the identity of the collateral ledger, the only caller
	// allowed to liquidate.
	Collateral(ctx context.Context) (string, error)
}

// Collateral is the external balance store settlement results are
// reported to. Positive amounts credit, negative amounts debit.
type Collateral interface {
	SettleProduct(ctx context.Context, productID string, amount decimal.Decimal) error
	SettleAccount(ctx context.Context, productID, account string, amount decimal.Decimal) error
	// LiquidatableNext reports whether the account's collateral would not
	// cover the maintenance of its next position as seen by view.
	LiquidatableNext(ctx context.Context, account string, view MaintenanceView) (bool, error)
}

// MaintenanceView exposes an account's collateral requirement. During a
// ledger call the view reflects the call's uncommitted changes.
type MaintenanceView interface {
	ID() string
	Maintenance(ctx context.Context, account string) (decimal.Decimal, error)
	MaintenanceNext(ctx context.Context, account string) (decimal.Decimal, error)
}

// Deps are the collaborators of a Product.
type Deps struct {
	Store      store.Store
	Oracle     oracle.Feed
	Controller Controller
	Collateral Collateral
	// Broker is optional; events are dropped when nil.
	Broker events.Broker
}
