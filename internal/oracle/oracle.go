// Package oracle defines the price feed the ledger settles against and an
// in-memory implementation of it.
//
// A feed hands out immutable snapshots indexed by a dense version
// sequence starting at 0; version 0 is the unbootstrapped sentinel with a
// zero price and timestamp. Once a version is at or below the current
// version, AtVersion returns the same snapshot forever.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/model"
)

var (
	// ErrVersionNotFound is returned for versions past the current one.
	ErrVersionNotFound = errors.New("oracle: version not found")

	// ErrTimestampRegressed is returned when a pushed price is older than
	// the current snapshot.
	ErrTimestampRegressed = errors.New("oracle: timestamp is older than the current version")
)

// Feed is a source of monotonically versioned price snapshots.
type Feed interface {
	// Sync asks the feed to take a fresh snapshot and returns the current one.
	Sync(ctx context.Context) (model.OracleVersion, error)

	// CurrentVersion returns the latest snapshot without syncing.
	CurrentVersion(ctx context.Context) (model.OracleVersion, error)

	// AtVersion returns the snapshot at version v.
	AtVersion(ctx context.Context, v int64) (model.OracleVersion, error)
}

// MemoryFeed keeps the full price history in memory. Prices are pushed by
// the caller; Sync does not fetch anything.
type MemoryFeed struct {
	mu       sync.RWMutex
	versions []model.OracleVersion
}

// NewMemoryFeed creates a feed holding only the version 0 sentinel.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		versions: []model.OracleVersion{{Price: decimal.Zero}},
	}
}

// Push appends a new version with the given price and unix timestamp.
// Timestamps may repeat but never go backwards.
func (f *MemoryFeed) Push(price decimal.Decimal, timestamp int64) (model.OracleVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	latest := f.versions[len(f.versions)-1]
	if timestamp < latest.Timestamp {
		return model.OracleVersion{}, fmt.Errorf("%w: %d < %d", ErrTimestampRegressed, timestamp, latest.Timestamp)
	}

	v := model.OracleVersion{
		Version:   int64(len(f.versions)),
		Timestamp: timestamp,
		Price:     price,
	}
	f.versions = append(f.versions, v)
	return v, nil
}

func (f *MemoryFeed) Sync(ctx context.Context) (model.OracleVersion, error) {
	return f.CurrentVersion(ctx)
}

func (f *MemoryFeed) CurrentVersion(_ context.Context) (model.OracleVersion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return f.versions[len(f.versions)-1], nil
}

func (f *MemoryFeed) AtVersion(_ context.Context, v int64) (model.OracleVersion, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if v < 0 || v >= int64(len(f.versions)) {
		return model.OracleVersion{}, fmt.Errorf("%w: %d", ErrVersionNotFound, v)
	}
	return f.versions[v], nil
}
