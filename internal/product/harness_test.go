package product

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-ledger/internal/controller"
	"github.com/atmx/perp-ledger/internal/curve"
	"github.com/atmx/perp-ledger/internal/events"
	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
	"github.com/atmx/perp-ledger/internal/store"
)

const (
	productID = "PERP-ETH-USD-LONG"
	owner     = "owner"
	invoker   = "invoker"
	ledgerID  = "collateral"
)

var errCollateralDown = errors.New("collateral unavailable")

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDec(t *testing.T, want, got decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
}

func assertAcc(t *testing.T, want, got model.Accumulator) {
	t.Helper()
	assert.True(t, want.Maker.Equal(got.Maker) && want.Taker.Equal(got.Taker), "want %+v, got %+v", want, got)
}

func assertNear(t *testing.T, want, got, tolerance decimal.Decimal) {
	t.Helper()
	assert.True(t, want.Sub(got).Abs().LessThanOrEqual(tolerance), "want %s ± %s, got %s", want, tolerance, got)
}

// fakeCollateral records settlement results and can fail one call.
type fakeCollateral struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	fees     decimal.Decimal

	failAccount string
}

func newFakeCollateral() *fakeCollateral {
	return &fakeCollateral{balances: make(map[string]decimal.Decimal)}
}

func (c *fakeCollateral) SettleProduct(_ context.Context, _ string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fees = c.fees.Add(amount)
	return nil
}

func (c *fakeCollateral) SettleAccount(_ context.Context, _ string, account string, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if account == c.failAccount {
		c.failAccount = ""
		return errCollateralDown
	}
	c.balances[account] = c.balances[account].Add(amount)
	return nil
}

func (c *fakeCollateral) LiquidatableNext(ctx context.Context, account string, view MaintenanceView) (bool, error) {
	m, err := view.MaintenanceNext(ctx, account)
	if err != nil {
		return false, err
	}
	return c.balance(account).LessThan(m), nil
}

func (c *fakeCollateral) deposit(account string, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[account] = c.balances[account].Add(amount)
}

func (c *fakeCollateral) balance(account string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[account]
}

func (c *fakeCollateral) totalFees() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fees
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	feed  *oracle.MemoryFeed
	ctrl  *controller.Static
	col   *fakeCollateral
	rec   *events.Recorder
	store *store.MemoryStore
	p     *Product
	ts    int64
}

// flatCurve charges a constant 10% a year regardless of utilization.
var flatCurve = curve.JumpRate{
	MinRate:           d(0.10),
	MaxRate:           d(0.10),
	TargetRate:        d(0.10),
	TargetUtilization: d(0.80),
}

// zeroRate disables funding so value moves only with price and fees.
func zeroRate(p *model.Parameters) {
	p.UtilizationCurve = curve.JumpRate{
		MinRate:           decimal.Zero,
		MaxRate:           decimal.Zero,
		TargetRate:        decimal.Zero,
		TargetUtilization: d(0.80),
	}
}

func defaultParameters() model.Parameters {
	return model.Parameters{
		MakerLimit:       d(1000),
		UtilizationCurve: flatCurve,
	}
}

func newHarness(t *testing.T, opts ...func(*model.Parameters)) *harness {
	t.Helper()
	ctx := context.Background()

	params := defaultParameters()
	for _, opt := range opts {
		opt(&params)
	}

	ctrl, err := controller.NewStatic(controller.Config{
		MinFundingFee: d(0.1),
		MultiInvoker:  invoker,
		Collateral:    ledgerID,
		Owners:        map[string]string{productID: owner},
	})
	require.NoError(t, err)

	h := &harness{
		t:     t,
		ctx:   ctx,
		feed:  oracle.NewMemoryFeed(),
		ctrl:  ctrl,
		col:   newFakeCollateral(),
		rec:   &events.Recorder{},
		store: store.NewMemoryStore(),
		ts:    1_000,
	}
	h.p, err = Create(ctx, Deps{
		Store:      h.store,
		Oracle:     h.feed,
		Controller: ctrl,
		Collateral: h.col,
		Broker:     h.rec,
	}, productID, params)
	require.NoError(t, err)
	return h
}

// push publishes a new oracle version one hour after the previous one.
func (h *harness) push(price float64) int64 {
	h.t.Helper()
	return h.pushAfter(price, 3600)
}

func (h *harness) pushAfter(price float64, seconds int64) int64 {
	h.t.Helper()
	h.ts += seconds
	v, err := h.feed.Push(d(price), h.ts)
	require.NoError(h.t, err)
	return v.Version
}

func (h *harness) settle(accounts ...string) {
	h.t.Helper()
	require.NoError(h.t, h.p.Settle(h.ctx))
	for _, a := range accounts {
		require.NoError(h.t, h.p.SettleAccount(h.ctx, a))
	}
}

func (h *harness) account(name string) *model.AccountState {
	h.t.Helper()
	a, err := h.p.Account(h.ctx, name)
	require.NoError(h.t, err)
	return a
}

func (h *harness) state() *model.ProductState {
	h.t.Helper()
	s, err := h.p.State(h.ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) value(v int64) model.Accumulator {
	h.t.Helper()
	acc, err := h.p.ValueAtVersion(h.ctx, v)
	require.NoError(h.t, err)
	return acc
}

func (h *harness) share(v int64) model.Accumulator {
	h.t.Helper()
	acc, err := h.p.ShareAtVersion(h.ctx, v)
	require.NoError(h.t, err)
	return acc
}

func (h *harness) openMake(account string, amount float64) {
	h.t.Helper()
	_, err := h.p.OpenMake(h.ctx, account, d(amount))
	require.NoError(h.t, err)
}

func (h *harness) openTake(account string, amount float64) {
	h.t.Helper()
	_, err := h.p.OpenTake(h.ctx, account, d(amount))
	require.NoError(h.t, err)
}
