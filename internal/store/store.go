// Package store defines the persistence interface for the position ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perp-ledger/internal/model"
)

var (
	// ErrNotFound is returned when a product, account or version entry
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrProductExists is returned by CreateProduct for a duplicate ID.
	ErrProductExists = errors.New("store: product already exists")

	// ErrVersionExists is returned when a commit would rewrite a version
	// entry. Version history is append-only.
	ErrVersionExists = errors.New("store: version entry already written")
)

// Batch is everything one ledger call changes. It is applied atomically.
type Batch struct {
	Product  *model.ProductState
	Accounts []model.AccountState
	Versions []model.VersionEntry
}

// IsEmpty reports whether the batch writes nothing.
func (b Batch) IsEmpty() bool {
	return b.Product == nil && len(b.Accounts) == 0 && len(b.Versions) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Product operations ---

	// CreateProduct persists a new product together with its first
	// version entry.
	CreateProduct(ctx context.Context, product *model.ProductState, genesis model.VersionEntry) error

	// GetProduct retrieves a product's aggregate state.
	GetProduct(ctx context.Context, id string) (*model.ProductState, error)

	// ListProducts returns all products.
	ListProducts(ctx context.Context) ([]model.ProductState, error)

	// --- Account operations ---

	// GetAccount retrieves one account's state in a product. Accounts that
	// never traded return ErrNotFound.
	GetAccount(ctx context.Context, productID, account string) (*model.AccountState, error)

	// --- Version history ---

	// GetVersion retrieves the accumulator entry written at version.
	GetVersion(ctx context.Context, productID string, version int64) (*model.VersionEntry, error)

	// Commit applies a batch atomically: either every write lands or none.
	Commit(ctx context.Context, productID string, batch Batch) error
}

// Layered is implemented by stores that front another store, such as a
// cache. Primary returns the store underneath.
type Layered interface {
	Primary() Store
}

// Primary unwraps every layer of s and returns the source of truth. The
// ledger loads the state it is about to rewrite from here, so a cache
// entry filled by a concurrent reader can never feed a stale version back
// into a commit.
func Primary(s Store) Store {
	for {
		l, ok := s.(Layered)
		if !ok {
			return s
		}
		s = l.Primary()
	}
}
