package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perp-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newProduct(t *testing.T, s *MemoryStore) {
	t.Helper()
	err := s.CreateProduct(context.Background(),
		&model.ProductState{ID: "p1", LatestVersion: 1},
		model.VersionEntry{Version: 1})
	require.NoError(t, err)
}

func TestMemoryStore_CreateProduct(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newProduct(t, s)

	err := s.CreateProduct(ctx, &model.ProductState{ID: "p1"}, model.VersionEntry{})
	assert.ErrorIs(t, err, ErrProductExists)

	p, err := s.GetProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.LatestVersion)

	_, err = s.GetVersion(ctx, "p1", 1)
	assert.NoError(t, err)

	_, err = s.GetProduct(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newProduct(t, s)

	p, _ := s.GetProduct(ctx, "p1")
	p.LatestVersion = 99

	again, _ := s.GetProduct(ctx, "p1")
	assert.Equal(t, int64(1), again.LatestVersion)
}

func TestMemoryStore_Commit(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newProduct(t, s)

	_, err := s.GetAccount(ctx, "p1", "alice")
	assert.ErrorIs(t, err, ErrNotFound)

	err = s.Commit(ctx, "p1", Batch{
		Product: &model.ProductState{ID: "p1", LatestVersion: 3},
		Accounts: []model.AccountState{
			{Account: "alice", LatestVersion: 3, Position: model.Position{Maker: d(10)}},
		},
		Versions: []model.VersionEntry{
			{Version: 2, Value: model.Accumulator{Maker: d(0.5)}},
			{Version: 3, Value: model.Accumulator{Maker: d(1)}},
		},
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.True(t, a.Position.Maker.Equal(d(10)))

	v, err := s.GetVersion(ctx, "p1", 3)
	require.NoError(t, err)
	assert.True(t, v.Value.Maker.Equal(d(1)))
}

func TestMemoryStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newProduct(t, s)

	// Version 1 is the genesis entry and cannot be rewritten.
	err := s.Commit(ctx, "p1", Batch{
		Product:  &model.ProductState{ID: "p1", LatestVersion: 2},
		Accounts: []model.AccountState{{Account: "bob"}},
		Versions: []model.VersionEntry{{Version: 2}, {Version: 1}},
	})
	require.ErrorIs(t, err, ErrVersionExists)

	p, _ := s.GetProduct(ctx, "p1")
	assert.Equal(t, int64(1), p.LatestVersion)
	_, err = s.GetAccount(ctx, "p1", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetVersion(ctx, "p1", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CommitUnknownProduct(t *testing.T) {
	err := NewMemoryStore().Commit(context.Background(), "nope", Batch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "product:p1", productCacheKey("p1"))
	assert.Equal(t, "account:p1:alice", accountCacheKey("p1", "alice"))
	assert.Equal(t, "version:p1:7", versionCacheKey("p1", 7))
}

func TestPrimary_SkipsCache(t *testing.T) {
	mem := NewMemoryStore()
	cached := NewCachedStore(mem, nil, 0)

	assert.Same(t, mem, Primary(cached))
	assert.Same(t, mem, Primary(NewCachedStore(cached, nil, 0)))
	assert.Same(t, mem, Primary(mem))
}
