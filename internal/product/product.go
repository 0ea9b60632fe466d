// Package product is the position ledger of a single perpetual product.
//
// Settlement is lazy. The product advances a cumulative per-unit value
// and share accumulator once per oracle version and writes one immutable
// history entry per version. Accounts replay the entries between their own
// latest version and the product's to learn what they owe or are owed.
//
// Every state-changing call runs as one transaction under the product's
// lock: product and account changes are committed to the store in a
// single batch only when the call succeeds, collateral writes made during
// the call are reversed when it fails, and events are published after the
// commit. Read methods observe the last committed state and never wait on
// a writer.
package product

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/fixed"
	"github.com/atmx/perp-ledger/internal/metrics"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
	"github.com/atmx/perp-ledger/internal/store"
)

// feedRef boxes the oracle so it can be swapped atomically.
type feedRef struct {
	oracle.Feed
}

// Product is the ledger of one product.
type Product struct {
	id         string
	store      store.Store
	source     store.Store // uncached; the writer loads state from here
	feed       atomic.Pointer[feedRef]
	controller Controller
	collateral Collateral
	broker     events.Broker

	// mu serializes state-changing calls.
	mu sync.Mutex
}

// Create initializes a new product at the oracle's current version and
// persists it.
func Create(ctx context.Context, deps Deps, id string, params model.Parameters) (*Product, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	current, err := deps.Oracle.CurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("read oracle: %w", err)
	}

	state := &model.ProductState{
		ID:            id,
		LatestVersion: current.Version,
		Parameters:    params,
	}
	genesis := model.VersionEntry{Version: current.Version}
	if err := deps.Store.CreateProduct(ctx, state, genesis); err != nil {
		return nil, fmt.Errorf("create product %s: %w", id, err)
	}

	slog.Info("product created", "product", id, "version", current.Version)
	return newProduct(deps, id), nil
}

// Load attaches to a product that already exists in the store.
func Load(ctx context.Context, deps Deps, id string) (*Product, error) {
	if _, err := deps.Store.GetProduct(ctx, id); err != nil {
		return nil, err
	}
	return newProduct(deps, id), nil
}

func newProduct(deps Deps, id string) *Product {
	broker := deps.Broker
	if broker == nil {
		broker = events.Nop{}
	}
	p := &Product{
		id:         id,
		store:      deps.Store,
		source:     store.Primary(deps.Store),
		controller: deps.Controller,
		collateral: deps.Collateral,
		broker:     broker,
	}
	p.feed.Store(&feedRef{deps.Oracle})
	return p
}

// ID returns the product ID.
func (p *Product) ID() string {
	return p.id
}

// Oracle returns the feed the product currently settles against.
func (p *Product) Oracle() oracle.Feed {
	return p.feed.Load().Feed
}

// run executes fn as a single transaction.
func (p *Product) run(ctx context.Context, op string, fn func(t *txn) error) error {
	start := time.Now()
	defer func() {
		metrics.LedgerCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	state, err := p.source.GetProduct(ctx, p.id)
	if err != nil {
		return fmt.Errorf("load product %s: %w", p.id, err)
	}

	t := newTxn(ctx, p, *state)
	if err := fn(t); err != nil {
		t.rollback()
		metrics.MutationRejections.WithLabelValues(Reason(err)).Inc()
		slog.Warn("ledger call rejected", "product", p.id, "op", op, "error", err)
		return err
	}

	if batch := t.batch(); !batch.IsEmpty() {
		if err := p.store.Commit(ctx, p.id, batch); err != nil {
			t.rollback()
			slog.Error("ledger commit failed", "product", p.id, "op", op, "error", err)
			return fmt.Errorf("commit %s: %w", op, err)
		}
	}
	if t.feedChanged {
		p.feed.Store(&feedRef{t.feed})
	}
	metrics.LatestVersion.WithLabelValues(p.id).Set(float64(t.state.LatestVersion))

	if len(t.events) > 0 {
		p.broker.Publish(t.events...)
	}
	return nil
}

// --- Settlement ---

// Settle advances the product ledger to the oracle's current version.
func (p *Product) Settle(ctx context.Context) error {
	return p.run(ctx, "settle", func(t *txn) error {
		if err := t.checkPaused(); err != nil {
			return err
		}
		return t.settle()
	})
}

// SettleAccount advances the product and then the account to the oracle's
// current version, reporting the account's net pnl to the collateral
// ledger.
func (p *Product) SettleAccount(ctx context.Context, account string) error {
	return p.run(ctx, "settle_account", func(t *txn) error {
		if err := t.checkPaused(); err != nil {
			return err
		}
		_, err := t.settleAccount(account)
		return err
	})
}

// --- Read model ---

// State returns the product's committed aggregate state.
func (p *Product) State(ctx context.Context) (*model.ProductState, error) {
	return p.store.GetProduct(ctx, p.id)
}

// Account returns an account's committed state. Accounts that never
// traded have an empty state.
func (p *Product) Account(ctx context.Context, account string) (*model.AccountState, error) {
	a, err := p.store.GetAccount(ctx, p.id, account)
	if errors.Is(err, store.ErrNotFound) {
		return &model.AccountState{Account: account}, nil
	}
	return a, err
}

// Position returns the account's settled position.
func (p *Product) Position(ctx context.Context, account string) (model.Position, error) {
	a, err := p.Account(ctx, account)
	if err != nil {
		return model.Position{}, err
	}
	return a.Position, nil
}

// PositionAtVersion returns the aggregate position live during [v-1, v).
func (p *Product) PositionAtVersion(ctx context.Context, v int64) (model.Position, error) {
	e, err := p.store.GetVersion(ctx, p.id, v)
	if err != nil {
		return model.Position{}, err
	}
	return e.Position, nil
}

// ValueAtVersion returns the cumulative per-unit value as of v.
func (p *Product) ValueAtVersion(ctx context.Context, v int64) (model.Accumulator, error) {
	e, err := p.store.GetVersion(ctx, p.id, v)
	if err != nil {
		return model.Accumulator{}, err
	}
	return e.Value, nil
}

// ShareAtVersion returns the cumulative per-unit share as of v.
func (p *Product) ShareAtVersion(ctx context.Context, v int64) (model.Accumulator, error) {
	e, err := p.store.GetVersion(ctx, p.id, v)
	if err != nil {
		return model.Accumulator{}, err
	}
	return e.Share, nil
}

// Pre returns the product's pending position change.
func (p *Product) Pre(ctx context.Context) (model.PrePosition, error) {
	s, err := p.State(ctx)
	if err != nil {
		return model.PrePosition{}, err
	}
	return s.Pre, nil
}

// PreFor returns the account's pending position change.
func (p *Product) PreFor(ctx context.Context, account string) (model.PrePosition, error) {
	a, err := p.Account(ctx, account)
	if err != nil {
		return model.PrePosition{}, err
	}
	return a.Pre, nil
}

// LatestVersion returns the product's latest settled version.
func (p *Product) LatestVersion(ctx context.Context) (int64, error) {
	s, err := p.State(ctx)
	if err != nil {
		return 0, err
	}
	return s.LatestVersion, nil
}

// LatestVersionFor returns the account's latest settled version.
func (p *Product) LatestVersionFor(ctx context.Context, account string) (int64, error) {
	a, err := p.Account(ctx, account)
	if err != nil {
		return 0, err
	}
	return a.LatestVersion, nil
}

// Maintenance returns the collateral required by the account's settled
// position at the current oracle price.
func (p *Product) Maintenance(ctx context.Context, account string) (decimal.Decimal, error) {
	return p.maintenance(ctx, account, false)
}

// MaintenanceNext returns the collateral required by the account's next
// position, pending changes included, at the current oracle price.
func (p *Product) MaintenanceNext(ctx context.Context, account string) (decimal.Decimal, error) {
	return p.maintenance(ctx, account, true)
}

func (p *Product) maintenance(ctx context.Context, account string, next bool) (decimal.Decimal, error) {
	s, err := p.State(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	a, err := p.Account(ctx, account)
	if err != nil {
		return decimal.Zero, err
	}
	current, err := p.Oracle().CurrentVersion(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read oracle: %w", err)
	}

	pos := a.Position
	if next {
		pos = a.Next()
	}
	return maintenance(pos, current.Price, s.Parameters.Maintenance), nil
}

// IsClosed reports whether the product is closed to new positions.
func (p *Product) IsClosed(ctx context.Context) (bool, error) {
	s, err := p.State(ctx)
	if err != nil {
		return false, err
	}
	return s.Parameters.Closed, nil
}

// IsLiquidating reports whether the account is being force-closed.
func (p *Product) IsLiquidating(ctx context.Context, account string) (bool, error) {
	a, err := p.Account(ctx, account)
	if err != nil {
		return false, err
	}
	return a.Liquidating, nil
}

// Rate returns the per-second funding rate the current curve assigns to pos.
func (p *Product) Rate(ctx context.Context, pos model.Position) (decimal.Decimal, error) {
	s, err := p.State(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return s.Parameters.UtilizationCurve.Rate(pos.Maker, pos.Taker), nil
}

// Parameters returns the product's parameters, staged fee changes included.
func (p *Product) Parameters(ctx context.Context) (model.Parameters, error) {
	s, err := p.State(ctx)
	if err != nil {
		return model.Parameters{}, err
	}
	return s.Parameters, nil
}

func maintenance(pos model.Position, price, ratio decimal.Decimal) decimal.Decimal {
	return fixed.Mul(pos.Notional(price), ratio)
}
