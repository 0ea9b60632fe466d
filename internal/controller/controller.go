// Package controller holds the protocol-wide settings a product consults:
// the pause switch, the funding fee floor, product owners and the trusted
// caller identities.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/fixed"
)

var (
	ErrUnknownProduct = errors.New("controller: product has no coordinator")
	ErrInvalidFee     = errors.New("controller: funding fee must be within [0, 1]")
)

// Config is the initial controller state.
type Config struct {
	MinFundingFee decimal.Decimal
	MultiInvoker  string
	Collateral    string
	// Admin may pause the protocol and change the funding fee floor.
	Admin string
	// Owners maps product ID to its coordinator owner.
	Owners map[string]string
}

// Static is an in-process controller configured at start-up and adjusted
// through its setters.
type Static struct {
	mu            sync.RWMutex
	paused        bool
	minFundingFee decimal.Decimal
	multiInvoker  string
	collateral    string
	admin         string
	owners        map[string]string
}

// NewStatic creates a controller from cfg.
func NewStatic(cfg Config) (*Static, error) {
	if !fixed.InUnitRange(cfg.MinFundingFee) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFee, cfg.MinFundingFee)
	}
	owners := make(map[string]string, len(cfg.Owners))
	for k, v := range cfg.Owners {
		owners[k] = v
	}
	return &Static{
		minFundingFee: cfg.MinFundingFee,
		multiInvoker:  cfg.MultiInvoker,
		collateral:    cfg.Collateral,
		admin:         cfg.Admin,
		owners:        owners,
	}, nil
}

func (c *Static) MinFundingFee(_ context.Context) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minFundingFee, nil
}

func (c *Static) Paused(_ context.Context) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused, nil
}

func (c *Static) CoordinatorOwner(_ context.Context, productID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, ok := c.owners[productID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProduct, productID)
	}
	return owner, nil
}

func (c *Static) MultiInvoker(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.multiInvoker, nil
}

func (c *Static) Collateral(_ context.Context) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.collateral, nil
}

// Admin returns the identity allowed to use the setters below. An empty
// admin disables administration over the API.
func (c *Static) Admin() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.admin
}

// SetPaused flips the protocol-wide pause switch.
func (c *Static) SetPaused(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = paused
}

// SetMinFundingFee updates the protocol's cut of funding.
func (c *Static) SetMinFundingFee(fee decimal.Decimal) error {
	if !fixed.InUnitRange(fee) {
		return fmt.Errorf("%w: %s", ErrInvalidFee, fee)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minFundingFee = fee
	return nil
}

// SetOwner assigns productID's coordinator owner.
func (c *Static) SetOwner(productID, owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners[productID] = owner
}
