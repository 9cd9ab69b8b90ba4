// Package model defines the core domain types shared across the exchange
// ledger. Cash values are int64 fixed-point with six fractional digits;
// share quantities are whole int64 counts.
package model

import (
	"time"
)

// TradeKind classifies a trade record. Only KindSpot is produced by
// settlement; the others are reserved classification values.
type TradeKind string

const (
	KindSpot         TradeKind = "spot"
	KindFuturesOpen  TradeKind = "futures_open"
	KindFuturesClose TradeKind = "futures_close"
	KindDividend     TradeKind = "dividend"
)

// Agent is a registered trading identity and its cash sub-ledger.
type Agent struct {
	Identity     string    `json:"identity" db:"identity"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	Balance      int64     `json:"balance" db:"balance"`             // available cash
	LockedMargin int64     `json:"locked_margin" db:"locked_margin"` // backing open futures
	TradedVolume int64     `json:"traded_volume" db:"traded_volume"`
	RealizedPnL  int64     `json:"realized_pnl" db:"realized_pnl"`
	TradeCount   int64     `json:"trade_count" db:"trade_count"`
	RegisteredAt time.Time `json:"registered_at" db:"registered_at"`
	Active       bool      `json:"active" db:"active"`
}

// Holding is the share count of one identity in one symbol.
type Holding struct {
	Identity string `json:"identity" db:"identity"`
	Symbol   string `json:"symbol" db:"symbol"`
	SymbolID uint32 `json:"-" db:"-"`
	Quantity int64  `json:"quantity" db:"quantity"`
}

// Symbol is an interned ticker.
type Symbol struct {
	ID   uint32 `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// Trade is an immutable record of a settled trade.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        uint64    `json:"id" db:"id"`
	Buyer     string    `json:"buyer" db:"buyer"`
	Seller    string    `json:"seller" db:"seller"`
	Symbol    string    `json:"symbol" db:"symbol"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	Price     int64     `json:"price" db:"price"`
	Total     int64     `json:"total" db:"total"` // quantity * price / Scale
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Kind      TradeKind `json:"kind" db:"kind"`
}

// Dividend is an immutable record of one pro-rata distribution.
type Dividend struct {
	ID              uint64    `json:"id" db:"id"`
	Symbol          string    `json:"symbol" db:"symbol"`
	TotalAmount     int64     `json:"total_amount" db:"total_amount"`         // actually paid
	RequestedAmount int64     `json:"requested_amount" db:"requested_amount"` // as supplied by the operator
	PerShareAmount  int64     `json:"per_share_amount" db:"per_share_amount"` // requested / totalShares
	Timestamp       time.Time `json:"timestamp" db:"timestamp"`
	Recipients      int       `json:"recipients" db:"recipients"` // len(holders), paid or not
}

// FuturesPosition is a leveraged directional position backed by locked
// margin. Active flips to false exactly once, on close.
type FuturesPosition struct {
	ID          uint64     `json:"id" db:"id"`
	Owner       string     `json:"owner" db:"owner"`
	ContractID  string     `json:"contract_id" db:"contract_id"`
	IsLong      bool       `json:"is_long" db:"is_long"`
	Size        int64      `json:"size" db:"size"`
	EntryPrice  int64      `json:"entry_price" db:"entry_price"`
	Margin      int64      `json:"margin" db:"margin"`
	Leverage    int64      `json:"leverage" db:"leverage"`
	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	Active      bool       `json:"active" db:"active"`
	ExitPrice   int64      `json:"exit_price,omitempty" db:"exit_price"`
	RealizedPnL int64      `json:"realized_pnl,omitempty" db:"realized_pnl"`
	Liquidated  bool       `json:"liquidated,omitempty" db:"liquidated"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Totals are the exchange-wide counters.
type Totals struct {
	AgentCount         int64 `json:"agent_count"`
	TotalDeposited     int64 `json:"total_deposited"`
	TotalWithdrawn     int64 `json:"total_withdrawn"`
	TotalSettled       int64 `json:"total_settled"`
	TotalTrades        int64 `json:"total_trades"`
	TotalDividendsPaid int64 `json:"total_dividends_paid"`
	DividendCount      int64 `json:"dividend_count"`
	FuturesCount       int64 `json:"futures_count"`
	TotalForfeited     int64 `json:"total_forfeited"`      // liquidated margin, removed from circulation
	TotalFuturesProfit int64 `json:"total_futures_profit"` // credited on profitable closes
	TotalFuturesLoss   int64 `json:"total_futures_loss"`   // absorbed on non-liquidating losing closes
	TotalSharesMinted  int64 `json:"total_shares_minted"`
}

// ExchangeState is the global mutable state outside the per-agent tables.
type ExchangeState struct {
	MarketOpen bool   `json:"market_open"`
	Totals     Totals `json:"totals"`
}

// Snapshot is everything the engine needs in memory to resume.
// Trades, dividends and closed positions stay in the store.
type Snapshot struct {
	Agents        []Agent
	Holdings      []Holding
	Symbols       []Symbol
	OpenPositions []FuturesPosition
	PositionIndex map[string][]uint64 // owner -> position ids, ascending
	State         ExchangeState
	Initialized   bool // false until the first commit
}

// Changeset is the complete set of writes produced by one operation.
// A store applies it entirely or not at all.
type Changeset struct {
	Agents    []Agent
	Holdings  []Holding
	Symbols   []Symbol
	Trade     *Trade
	Dividend  *Dividend
	Positions []FuturesPosition
	State     ExchangeState
}

// Page selects a window of an append-only log.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// MaxPageLimit caps a single log read.
const MaxPageLimit = 500

// Normalize clamps the page to sane bounds.
func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 || p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}
