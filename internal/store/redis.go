package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perp-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh the cache; reads
// check Redis first then fall back to the primary. A reader that misses
// may still refill an entry with a row older than the last commit, so
// product and account entries serve the read model only. The ledger's
// writer loads them through Primary. Version entries never change once
// written.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// Primary returns the store behind the cache.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Write-through (write to primary, then refresh cache) ---

func (s *CachedStore) CreateProduct(ctx context.Context, p *model.ProductState, genesis model.VersionEntry) error {
	if err := s.primary.CreateProduct(ctx, p, genesis); err != nil {
		return err
	}
	s.set(ctx, productCacheKey(p.ID), p)
	s.set(ctx, versionCacheKey(p.ID, genesis.Version), genesis)
	return nil
}

func (s *CachedStore) Commit(ctx context.Context, productID string, b Batch) error {
	if err := s.primary.Commit(ctx, productID, b); err != nil {
		return err
	}

	// The batch holds the full committed state, so the cache is refreshed
	// rather than emptied.
	if b.Product != nil {
		s.set(ctx, productCacheKey(productID), b.Product)
	}
	for _, a := range b.Accounts {
		s.set(ctx, accountCacheKey(productID, a.Account), a)
	}
	for _, v := range b.Versions {
		s.set(ctx, versionCacheKey(productID, v.Version), v)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetProduct(ctx context.Context, id string) (*model.ProductState, error) {
	var p model.ProductState
	if s.get(ctx, productCacheKey(id), &p) {
		return &p, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, productCacheKey(id), got)
	return got, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, productID, account string) (*model.AccountState, error) {
	var a model.AccountState
	if s.get(ctx, accountCacheKey(productID, account), &a) {
		return &a, nil
	}

	got, err := s.primary.GetAccount(ctx, productID, account)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountCacheKey(productID, account), got)
	return got, nil
}

func (s *CachedStore) GetVersion(ctx context.Context, productID string, version int64) (*model.VersionEntry, error) {
	var v model.VersionEntry
	if s.get(ctx, versionCacheKey(productID, version), &v) {
		return &v, nil
	}

	got, err := s.primary.GetVersion(ctx, productID, version)
	if err != nil {
		return nil, err
	}
	s.set(ctx, versionCacheKey(productID, version), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListProducts(ctx context.Context) ([]model.ProductState, error) {
	return s.primary.ListProducts(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func productCacheKey(id string) string { return fmt.Sprintf("product:%s", id) }
func accountCacheKey(pid, account string) string {
	return fmt.Sprintf("account:%s:%s", pid, account)
}
func versionCacheKey(pid string, v int64) string { return fmt.Sprintf("version:%s:%d", pid, v) }
