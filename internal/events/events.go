// Package events defines the ledger's observable events and the broker
// they are published through.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-ledger/internal/model"
)

// Type names an event.
type Type string

const (
	TypeMakeOpened    Type = "make_opened"
	TypeMakeClosed    Type = "make_closed"
	TypeTakeOpened    Type = "take_opened"
	TypeTakeClosed    Type = "take_closed"
	TypeSettle        Type = "settle"
	TypeAccountSettle Type = "account_settle"

	TypePositionFeeCharged     Type = "position_fee_charged"
	TypeFundingAccumulated     Type = "funding_accumulated"
	TypePositionAccumulated    Type = "position_accumulated"
	TypePositionFeeAccumulated Type = "position_fee_accumulated"

	TypeParameterUpdated  Type = "parameter_updated"
	TypePendingFeeUpdated Type = "pending_fee_updated"
	TypeClosedUpdated     Type = "closed_updated"
	TypeOracleUpdated     Type = "oracle_updated"
	TypeLiquidation       Type = "liquidation"
)

// Event is the envelope every ledger event travels in.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Product   string    `json:"product"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New wraps payload in an envelope with a fresh ID.
func New(t Type, product string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Product:   product,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// PositionChanged is the payload of the four mutation events.
type PositionChanged struct {
	Account string          `json:"account"`
	Version int64           `json:"version"`
	Amount  decimal.Decimal `json:"amount"`
}

// Settled is the payload of a product settlement.
type Settled struct {
	FromVersion int64 `json:"from_version"`
	ToVersion   int64 `json:"to_version"`
}

// AccountSettled is the payload of an account settlement.
type AccountSettled struct {
	Account     string `json:"account"`
	FromVersion int64  `json:"from_version"`
	ToVersion   int64  `json:"to_version"`
}

// FeeCharged is the payload of PositionFeeCharged.
type FeeCharged struct {
	Account string          `json:"account"`
	Version int64           `json:"version"`
	Fee     decimal.Decimal `json:"fee"`
}

// FundingAccumulated reports the per-unit funding and the protocol fee of
// one version step.
type FundingAccumulated struct {
	FromVersion int64             `json:"from_version"`
	ToVersion   int64             `json:"to_version"`
	PerUnit     model.Accumulator `json:"per_unit"`
	Fee         decimal.Decimal   `json:"fee"`
}

// PositionAccumulated reports the per-unit price pnl of one version step.
type PositionAccumulated struct {
	FromVersion int64             `json:"from_version"`
	ToVersion   int64             `json:"to_version"`
	PerUnit     model.Accumulator `json:"per_unit"`
}

// PositionFeeAccumulated reports fees distributed when a pending change
// folded in.
type PositionFeeAccumulated struct {
	FromVersion int64             `json:"from_version"`
	ToVersion   int64             `json:"to_version"`
	PerUnit     model.Accumulator `json:"per_unit"`
	ProtocolFee decimal.Decimal   `json:"protocol_fee"`
}

// ParameterUpdated reports a parameter change. Pending is set when the
// change is staged until the next pending position folds.
type ParameterUpdated struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Version int64  `json:"version"`
	Pending bool   `json:"pending,omitempty"`
}

// Liquidation reports a CloseAll.
type Liquidation struct {
	Account    string         `json:"account"`
	Liquidator string         `json:"liquidator"`
	Version    int64          `json:"version"`
	Closed     model.Position `json:"closed"`
}

// Broker receives published events.
type Broker interface {
	Publish(evts ...Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(...Event) {}

// Fanout publishes to several brokers in order.
type Fanout []Broker

func (f Fanout) Publish(evts ...Event) {
	for _, b := range f {
		b.Publish(evts...)
	}
}

// Log writes one debug line per event. A nil Logger uses slog.Default.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(evts ...Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range evts {
		logger.Debug("ledger event", "type", e.Type, "product", e.Product, "id", e.ID)
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(evts ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
