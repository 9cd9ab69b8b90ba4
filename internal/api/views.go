package api

import (
	"time"

	"github.com/atmx/exchange-ledger/internal/engine"
	"github.com/atmx/exchange-ledger/internal/model"
)

// AgentView is the JSON form of an agent.
type AgentView struct {
	Identity     string    `json:"identity"`
	DisplayName  string    `json:"display_name"`
	Balance      string    `json:"balance"`
	LockedMargin string    `json:"locked_margin"`
	TradedVolume string    `json:"traded_volume"`
	RealizedPnL  string    `json:"realized_pnl"`
	TradeCount   int64     `json:"trade_count"`
	RegisteredAt time.Time `json:"registered_at"`
	Active       bool      `json:"active"`
}

func agentView(a model.Agent) AgentView {
	return AgentView{
		Identity:     a.Identity,
		DisplayName:  a.DisplayName,
		Balance:      model.FormatAmount(a.Balance),
		LockedMargin: model.FormatAmount(a.LockedMargin),
		TradedVolume: model.FormatAmount(a.TradedVolume),
		RealizedPnL:  model.FormatAmount(a.RealizedPnL),
		TradeCount:   a.TradeCount,
		RegisteredAt: a.RegisteredAt,
		Active:       a.Active,
	}
}

// TradeView is the JSON form of a trade record.
type TradeView struct {
	ID        uint64    `json:"id"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Symbol    string    `json:"symbol"`
	Quantity  int64     `json:"quantity"`
	Price     string    `json:"price"`
	Total     string    `json:"total"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
}

func tradeView(t model.Trade) TradeView {
	return TradeView{
		ID:        t.ID,
		Buyer:     t.Buyer,
		Seller:    t.Seller,
		Symbol:    t.Symbol,
		Quantity:  t.Quantity,
		Price:     model.FormatAmount(t.Price),
		Total:     model.FormatAmount(t.Total),
		Timestamp: t.Timestamp,
		Kind:      string(t.Kind),
	}
}

// DividendView is the JSON form of a dividend record.
type DividendView struct {
	ID              uint64    `json:"id"`
	Symbol          string    `json:"symbol"`
	TotalAmount     string    `json:"total_amount"`
	RequestedAmount string    `json:"requested_amount"`
	PerShareAmount  string    `json:"per_share_amount"`
	Timestamp       time.Time `json:"timestamp"`
	Recipients      int       `json:"recipients"`
}

func dividendView(d model.Dividend) DividendView {
	return DividendView{
		ID:              d.ID,
		Symbol:          d.Symbol,
		TotalAmount:     model.FormatAmount(d.TotalAmount),
		RequestedAmount: model.FormatAmount(d.RequestedAmount),
		PerShareAmount:  model.FormatAmount(d.PerShareAmount),
		Timestamp:       d.Timestamp,
		Recipients:      d.Recipients,
	}
}

// PositionView is the JSON form of a futures position.
type PositionView struct {
	ID          uint64     `json:"id"`
	Owner       string     `json:"owner"`
	ContractID  string     `json:"contract_id"`
	IsLong      bool       `json:"is_long"`
	Size        string     `json:"size"`
	EntryPrice  string     `json:"entry_price"`
	Margin      string     `json:"margin"`
	Leverage    int64      `json:"leverage"`
	OpenedAt    time.Time  `json:"opened_at"`
	Active      bool       `json:"active"`
	ExitPrice   string     `json:"exit_price,omitempty"`
	RealizedPnL string     `json:"realized_pnl,omitempty"`
	Liquidated  bool       `json:"liquidated,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

func positionView(p model.FuturesPosition) PositionView {
	v := PositionView{
		ID:         p.ID,
		Owner:      p.Owner,
		ContractID: p.ContractID,
		IsLong:     p.IsLong,
		Size:       model.FormatAmount(p.Size),
		EntryPrice: model.FormatAmount(p.EntryPrice),
		Margin:     model.FormatAmount(p.Margin),
		Leverage:   p.Leverage,
		OpenedAt:   p.OpenedAt,
		Active:     p.Active,
		Liquidated: p.Liquidated,
		ClosedAt:   p.ClosedAt,
	}
	if !p.Active {
		v.ExitPrice = model.FormatAmount(p.ExitPrice)
		v.RealizedPnL = model.FormatAmount(p.RealizedPnL)
	}
	return v
}

// CloseView reports a futures close.
type CloseView struct {
	Position   PositionView `json:"position"`
	PnL        string       `json:"pnl"`
	Payout     string       `json:"payout"`
	Liquidated bool         `json:"liquidated"`
}

func closeView(res *engine.CloseResult) CloseView {
	return CloseView{
		Position:   positionView(res.Position),
		PnL:        model.FormatAmount(res.PnL),
		Payout:     model.FormatAmount(res.Payout),
		Liquidated: res.Liquidated,
	}
}

// HoldingView is one (identity, symbol) share count.
type HoldingView struct {
	Identity string `json:"identity"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// StatsView is the exchange-wide totals.
type StatsView struct {
	MarketOpen         bool   `json:"market_open"`
	AgentCount         int64  `json:"agent_count"`
	TotalDeposited     string `json:"total_deposited"`
	TotalWithdrawn     string `json:"total_withdrawn"`
	TotalSettled       string `json:"total_settled"`
	TotalTrades        int64  `json:"total_trades"`
	TotalDividendsPaid string `json:"total_dividends_paid"`
	DividendCount      int64  `json:"dividend_count"`
	FuturesCount       int64  `json:"futures_count"`
	TotalForfeited     string `json:"total_forfeited"`
	TotalFuturesProfit string `json:"total_futures_profit"`
	TotalFuturesLoss   string `json:"total_futures_loss"`
	TotalSharesMinted  int64  `json:"total_shares_minted"`
}

func statsView(s model.ExchangeState) StatsView {
	t := s.Totals
	return StatsView{
		MarketOpen:         s.MarketOpen,
		AgentCount:         t.AgentCount,
		TotalDeposited:     model.FormatAmount(t.TotalDeposited),
		TotalWithdrawn:     model.FormatAmount(t.TotalWithdrawn),
		TotalSettled:       model.FormatAmount(t.TotalSettled),
		TotalTrades:        t.TotalTrades,
		TotalDividendsPaid: model.FormatAmount(t.TotalDividendsPaid),
		DividendCount:      t.DividendCount,
		FuturesCount:       t.FuturesCount,
		TotalForfeited:     model.FormatAmount(t.TotalForfeited),
		TotalFuturesProfit: model.FormatAmount(t.TotalFuturesProfit),
		TotalFuturesLoss:   model.FormatAmount(t.TotalFuturesLoss),
		TotalSharesMinted:  t.TotalSharesMinted,
	}
}

// AuditView is the reconciliation report.
type AuditView struct {
	OK           bool     `json:"ok"`
	Balances     string   `json:"balances"`
	LockedMargin string   `json:"locked_margin"`
	OpenMargin   string   `json:"open_margin"`
	Expected     string   `json:"expected"`
	Shares       int64    `json:"shares"`
	SharesMinted int64    `json:"shares_minted"`
	Violations   []string `json:"violations,omitempty"`
}

func auditView(r engine.AuditReport) AuditView {
	return AuditView{
		OK:           r.OK(),
		Balances:     model.FormatAmount(r.Balances),
		LockedMargin: model.FormatAmount(r.LockedMargin),
		OpenMargin:   model.FormatAmount(r.OpenMargin),
		Expected:     model.FormatAmount(r.Expected),
		Shares:       r.Shares,
		SharesMinted: r.SharesMinted,
		Violations:   r.Violations,
	}
}
