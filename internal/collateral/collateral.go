// Package collateral is an in-memory collateral ledger. It holds each
// account's balance per product, receives settlement results from the
// products, and liquidates accounts whose balance no longer covers their
// maintenance.
//
// Balances are signed: settlement may push an account below zero, and
// the sum of negative balances in a product is its shortfall.
package collateral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/product"
)

var (
	ErrUnknownProduct      = errors.New("collateral: unknown product")
	ErrInvalidAmount       = errors.New("collateral: amount must be positive")
	ErrInsufficientBalance = errors.New("collateral: withdrawal would leave the account under maintenance")
	ErrNotLiquidatable     = errors.New("collateral: account is not liquidatable")
)

// Product is the part of a product ledger the collateral ledger drives.
type Product interface {
	product.MaintenanceView
	SettleAccount(ctx context.Context, account string) error
	CloseAll(ctx context.Context, caller, account string) (model.Position, error)
}

// Ledger implements product.Collateral.
type Ledger struct {
	// id is the identity the ledger presents to products when liquidating.
	id string

	mu       sync.RWMutex
	products map[string]Product
	balances map[string]map[string]decimal.Decimal
	fees     map[string]decimal.Decimal
}

// NewLedger creates an empty ledger with the given caller identity.
func NewLedger(id string) *Ledger {
	return &Ledger{
		id:       id,
		products: make(map[string]Product),
		balances: make(map[string]map[string]decimal.Decimal),
		fees:     make(map[string]decimal.Decimal),
	}
}

// ID returns the identity the ledger uses as a caller.
func (l *Ledger) ID() string {
	return l.id
}

// Register attaches a product so its accounts can deposit, withdraw and
// be liquidated.
func (l *Ledger) Register(p Product) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.products[p.ID()] = p
	if _, ok := l.balances[p.ID()]; !ok {
		l.balances[p.ID()] = make(map[string]decimal.Decimal)
	}
}

func (l *Ledger) product(productID string) (Product, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	return p, nil
}

// --- product.Collateral ---

func (l *Ledger) SettleProduct(_ context.Context, productID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.fees[productID] = l.fees[productID].Add(amount)
	return nil
}

func (l *Ledger) SettleAccount(_ context.Context, productID, account string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balances, ok := l.balances[productID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	balances[account] = balances[account].Add(amount)
	return nil
}

func (l *Ledger) LiquidatableNext(ctx context.Context, account string, view product.MaintenanceView) (bool, error) {
	maintenance, err := view.MaintenanceNext(ctx, account)
	if err != nil {
		return false, err
	}
	return l.Balance(view.ID(), account).LessThan(maintenance), nil
}

// --- Account operations ---

// Balance returns the account's collateral in a product. It may be
// negative after a loss larger than the deposit.
func (l *Ledger) Balance(productID, account string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.balances[productID][account]
}

// Fees returns the protocol fees a product has reported.
func (l *Ledger) Fees(productID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.fees[productID]
}

// Shortfall returns the total uncovered losses in a product.
func (l *Ledger) Shortfall(productID string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := decimal.Zero
	for _, b := range l.balances[productID] {
		if b.IsNegative() {
			total = total.Sub(b)
		}
	}
	return total
}

// Deposit adds collateral to an account.
func (l *Ledger) Deposit(ctx context.Context, productID, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if _, err := l.product(productID); err != nil {
		return err
	}
	if err := l.SettleAccount(ctx, productID, account, amount); err != nil {
		return err
	}
	slog.Info("collateral deposited", "product", productID, "account", account, "amount", amount.String())
	return nil
}

// Withdraw removes collateral from an account. The account is settled
// first and must keep enough to cover the maintenance of its next position.
func (l *Ledger) Withdraw(ctx context.Context, productID, account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	p, err := l.product(productID)
	if err != nil {
		return err
	}
	// Settling calls back into SettleAccount, so it runs before taking the lock.
	if err := p.SettleAccount(ctx, account); err != nil {
		return fmt.Errorf("settle before withdrawal: %w", err)
	}
	maintenance, err := p.MaintenanceNext(ctx, account)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.balances[productID][account].Sub(amount)
	if remaining.LessThan(maintenance) {
		return fmt.Errorf("%w: %s left, %s required", ErrInsufficientBalance, remaining, maintenance)
	}
	l.balances[productID][account] = remaining
	slog.Info("collateral withdrawn", "product", productID, "account", account, "amount", amount.String())
	return nil
}

// Liquidatable reports whether the account's balance is below the
// maintenance of its settled position.
func (l *Ledger) Liquidatable(ctx context.Context, productID, account string) (bool, error) {
	p, err := l.product(productID)
	if err != nil {
		return false, err
	}
	maintenance, err := p.Maintenance(ctx, account)
	if err != nil {
		return false, err
	}
	return l.Balance(productID, account).LessThan(maintenance), nil
}

// Liquidate settles the account and, if it is under maintenance, closes
// all of its exposure.
func (l *Ledger) Liquidate(ctx context.Context, productID, account string) (model.Position, error) {
	p, err := l.product(productID)
	if err != nil {
		return model.Position{}, err
	}
	if err := p.SettleAccount(ctx, account); err != nil {
		return model.Position{}, fmt.Errorf("settle before liquidation: %w", err)
	}

	liquidatable, err := l.Liquidatable(ctx, productID, account)
	if err != nil {
		return model.Position{}, err
	}
	if !liquidatable {
		return model.Position{}, ErrNotLiquidatable
	}

	closed, err := p.CloseAll(ctx, l.id, account)
	if err != nil {
		return model.Position{}, err
	}
	slog.Warn("account liquidated", "product", productID, "account", account, "balance", l.Balance(productID, account).String())
	return closed, nil
}
