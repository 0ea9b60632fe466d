package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/perp-ledger/internal/model"
)

type accountKey struct {
	product string
	account string
}

type versionKey struct {
	product string
	version int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*model.ProductState
	accounts map[accountKey]*model.AccountState
	versions map[versionKey]*model.VersionEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]*model.ProductState),
		accounts: make(map[accountKey]*model.AccountState),
		versions: make(map[versionKey]*model.VersionEntry),
	}
}

func (s *MemoryStore) CreateProduct(_ context.Context, p *model.ProductState, genesis model.VersionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrProductExists, p.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *p
	s.products[p.ID] = &copy
	s.versions[versionKey{p.ID, genesis.Version}] = &genesis
	return nil
}

func (s *MemoryStore) GetProduct(_ context.Context, id string) (*model.ProductState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListProducts(_ context.Context) ([]model.ProductState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]model.ProductState, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, productID, account string) (*model.AccountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[accountKey{productID, account}]
	if !ok {
		return nil, fmt.Errorf("account %s/%s: %w", productID, account, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, productID string, version int64) (*model.VersionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.versions[versionKey{productID, version}]
	if !ok {
		return nil, fmt.Errorf("version %s@%d: %w", productID, version, ErrNotFound)
	}
	copy := *v
	return &copy, nil
}

func (s *MemoryStore) Commit(_ context.Context, productID string, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before the first write.
	if _, ok := s.products[productID]; !ok {
		return fmt.Errorf("product %s: %w", productID, ErrNotFound)
	}
	for _, v := range b.Versions {
		if _, ok := s.versions[versionKey{productID, v.Version}]; ok {
			return fmt.Errorf("%w: %s@%d", ErrVersionExists, productID, v.Version)
		}
	}

	if b.Product != nil {
		copy := *b.Product
		s.products[productID] = &copy
	}
	for _, a := range b.Accounts {
		a := a
		s.accounts[accountKey{productID, a.Account}] = &a
	}
	for _, v := range b.Versions {
		v := v
		s.versions[versionKey{productID, v.Version}] = &v
	}
	return nil
}
