// Package events carries engine notifications to external observers.
// An event is published only after its operation has committed.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a notification.
type Kind string

const (
	KindAgentRegistered    Kind = "agent_registered"
	KindDeposited          Kind = "deposited"
	KindWithdrawn          Kind = "withdrawn"
	KindTradeSettled       Kind = "trade_settled"
	KindSharesMinted       Kind = "shares_minted"
	KindDividendPaid       Kind = "dividend_paid"
	KindFuturesOpened      Kind = "futures_opened"
	KindMarginLocked       Kind = "margin_locked"
	KindFuturesClosed      Kind = "futures_closed"
	KindMarginReleased     Kind = "margin_released"
	KindPositionLiquidated Kind = "position_liquidated"
	KindMarketToggled      Kind = "market_toggled"
)

// Event is a JSON notification. Monetary fields are decimal strings.
type Event struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	Identity     string    `json:"identity,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Name         string    `json:"name,omitempty"`
	Symbol       string    `json:"symbol,omitempty"`
	ContractID   string    `json:"contract_id,omitempty"`
	RecordID     *uint64   `json:"record_id,omitempty"` // trade, dividend or position id
	Quantity     int64     `json:"quantity,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Price        string    `json:"price,omitempty"`
	PnL          string    `json:"pnl,omitempty"`
	IsLong       *bool     `json:"is_long,omitempty"`
	Leverage     int64     `json:"leverage,omitempty"`
	Recipients   int       `json:"recipients,omitempty"`
	MarketOpen   *bool     `json:"market_open,omitempty"`
}

// New stamps a fresh event.
func New(kind Kind, identity string, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: at,
		Identity:  identity,
	}
}

// WithRecord sets the record id.
func (e Event) WithRecord(id uint64) Event {
	e.RecordID = &id
	return e
}

// Publisher receives committed notifications. Publish must not block the
// engine for long; slow consumers drop.
type Publisher interface {
	Publish(Event)
}

// Fanout publishes to several publishers in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

// LogPublisher writes every notification as an audit log line.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) Publish(e Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"event_id", e.ID, "identity", e.Identity}
	if e.Counterparty != "" {
		attrs = append(attrs, "counterparty", e.Counterparty)
	}
	if e.Symbol != "" {
		attrs = append(attrs, "symbol", e.Symbol)
	}
	if e.RecordID != nil {
		attrs = append(attrs, "record_id", *e.RecordID)
	}
	if e.Amount != "" {
		attrs = append(attrs, "amount", e.Amount)
	}
	if e.Quantity != 0 {
		attrs = append(attrs, "quantity", e.Quantity)
	}
	if e.PnL != "" {
		attrs = append(attrs, "pnl", e.PnL)
	}
	logger.Info("audit: "+string(e.Kind), attrs...)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
