// Package payoff handles product ticker parsing and the payoff direction
// a product applies to the raw oracle price.
package payoff

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/model"
	"github.com/atmx/perp-ledger/internal/oracle"
)

// Supported payoff directions.
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// tickerRegex matches: PERP-{base}-{quote}-{direction}
// Example: PERP-ETH-USD-LONG
var tickerRegex = regexp.MustCompile(`^PERP-([A-Z0-9]+)-([A-Z0-9]+)-([A-Z]+)$`)

var (
	ErrInvalidTicker    = errors.New("payoff: invalid ticker format")
	ErrInvalidDirection = errors.New("payoff: unsupported payoff direction")
)

// Definition is a parsed product ticker.
type Definition struct {
	Ticker    string `json:"ticker"`
	Base      string `json:"base"`
	Quote     string `json:"quote"`
	Direction string `json:"direction"`
}

// ParseTicker parses and validates a product ticker string.
func ParseTicker(ticker string) (*Definition, error) {
	matches := tickerRegex.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PERP-{base}-{quote}-{LONG|SHORT})",
			ErrInvalidTicker, ticker)
	}

	direction := matches[3]
	if direction != DirectionLong && direction != DirectionShort {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDirection, direction)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: base and quote are both %s", ErrInvalidTicker, matches[1])
	}

	return &Definition{
		Ticker:    ticker,
		Base:      matches[1],
		Quote:     matches[2],
		Direction: direction,
	}, nil
}

// Apply maps a raw oracle price to the product's payoff price. Takers on
// a SHORT product profit when the underlying falls.
func (d *Definition) Apply(price decimal.Decimal) decimal.Decimal {
	if d.Direction == DirectionShort {
		return price.Neg()
	}
	return price
}

// Feed wraps an oracle feed so every snapshot carries the payoff price.
type Feed struct {
	underlying oracle.Feed
	def        *Definition
}

// NewFeed creates a payoff-adjusted view of underlying.
func NewFeed(underlying oracle.Feed, def *Definition) *Feed {
	return &Feed{underlying: underlying, def: def}
}

func (f *Feed) Sync(ctx context.Context) (model.OracleVersion, error) {
	v, err := f.underlying.Sync(ctx)
	return f.apply(v), err
}

func (f *Feed) CurrentVersion(ctx context.Context) (model.OracleVersion, error) {
	v, err := f.underlying.CurrentVersion(ctx)
	return f.apply(v), err
}

func (f *Feed) AtVersion(ctx context.Context, version int64) (model.OracleVersion, error) {
	v, err := f.underlying.AtVersion(ctx, version)
	return f.apply(v), err
}

func (f *Feed) apply(v model.OracleVersion) model.OracleVersion {
	v.Price = f.def.Apply(v.Price)
	return v
}
