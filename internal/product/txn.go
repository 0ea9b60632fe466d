package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
	"github.com/atmx/perp-ledger/internal/store"
)

// txn is the working copy of one ledger call. Nothing it holds reaches
// the store until the call succeeds.
type txn struct {
	ctx context.Context
	p   *Product

	feed        oracle.Feed
	feedChanged bool

	state      model.ProductState
	stateDirty bool

	// current is the oracle snapshot the call settled to.
	current model.OracleVersion

	accounts map[string]*model.AccountState
	dirty    map[string]bool

	versions map[int64]model.VersionEntry
	appended []model.VersionEntry

	undo   []func(ctx context.Context) error
	events []events.Event
}

func newTxn(ctx context.Context, p *Product, state model.ProductState) *txn {
	return &txn{
		ctx:      ctx,
		p:        p,
		feed:     p.Oracle(),
		state:    state,
		accounts: make(map[string]*model.AccountState),
		dirty:    make(map[string]bool),
		versions: make(map[int64]model.VersionEntry),
	}
}

// account returns the working copy of an account, loading it on first use.
func (t *txn) account(name string) (*model.AccountState, error) {
	if a, ok := t.accounts[name]; ok {
		return a, nil
	}
	a, err := t.p.source.GetAccount(t.ctx, t.state.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		a, err = &model.AccountState{Account: name}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", name, err)
	}
	t.accounts[name] = a
	return a, nil
}

func (t *txn) touch(name string) {
	t.dirty[name] = true
}

// version returns the history entry at v, including entries appended by
// this call.
func (t *txn) version(v int64) (model.VersionEntry, error) {
	if e, ok := t.versions[v]; ok {
		return e, nil
	}
	e, err := t.p.store.GetVersion(t.ctx, t.state.ID, v)
	if err != nil {
		return model.VersionEntry{}, fmt.Errorf("%w: history entry %d: %v", ErrInvariant, v, err)
	}
	t.versions[v] = *e
	return *e, nil
}

func (t *txn) appendVersion(e model.VersionEntry) {
	t.versions[e.Version] = e
	t.appended = append(t.appended, e)
}

func (t *txn) emit(typ events.Type, payload any) {
	t.events = append(t.events, events.New(typ, t.state.ID, payload))
}

func (t *txn) batch() store.Batch {
	var b store.Batch
	if t.stateDirty {
		state := t.state
		b.Product = &state
	}
	for name := range t.dirty {
		b.Accounts = append(b.Accounts, *t.accounts[name])
	}
	b.Versions = t.appended
	return b
}

// settleProductCollateral credits the protocol and registers the reversal.
func (t *txn) settleProductCollateral(amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	id := t.state.ID
	if err := t.p.collateral.SettleProduct(t.ctx, id, amount); err != nil {
		return fmt.Errorf("settle product collateral: %w", err)
	}
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.p.collateral.SettleProduct(ctx, id, amount.Neg())
	})
	return nil
}

// settleAccountCollateral credits or debits an account and registers the
// reversal.
func (t *txn) settleAccountCollateral(account string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	id := t.state.ID
	if err := t.p.collateral.SettleAccount(t.ctx, id, account, amount); err != nil {
		return fmt.Errorf("settle account collateral: %w", err)
	}
	t.undo = append(t.undo, func(ctx context.Context) error {
		return t.p.collateral.SettleAccount(ctx, id, account, amount.Neg())
	})
	return nil
}

// rollback reverses collateral writes in the opposite order they were made.
func (t *txn) rollback() {
	ctx := context.WithoutCancel(t.ctx)
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](ctx); err != nil {
			slog.Error("collateral rollback failed", "product", t.state.ID, "error", err)
		}
	}
	t.undo = nil
}

func (t *txn) checkPaused() error {
	paused, err := t.p.controller.Paused(t.ctx)
	if err != nil {
		return fmt.Errorf("read pause state: %w", err)
	}
	if paused {
		return ErrPaused
	}
	return nil
}

// --- MaintenanceView over uncommitted state ---

func (t *txn) ID() string {
	return t.state.ID
}

func (t *txn) Maintenance(_ context.Context, account string) (decimal.Decimal, error) {
	a, err := t.account(account)
	if err != nil {
		return decimal.Zero, err
	}
	return maintenance(a.Position, t.current.Price, t.state.Parameters.Maintenance), nil
}

func (t *txn) MaintenanceNext(_ context.Context, account string) (decimal.Decimal, error) {
	a, err := t.account(account)
	if err != nil {
		return decimal.Zero, err
	}
	return maintenance(a.Next(), t.current.Price, t.state.Parameters.Maintenance), nil
}
