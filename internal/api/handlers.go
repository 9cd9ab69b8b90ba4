package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/exchange-ledger/internal/engine"
	"github.com/atmx/exchange-ledger/internal/model"
)

// --- Request types ---

// RegisterRequest is the JSON body for POST /agents.
type RegisterRequest struct {
	DisplayName string `json:"display_name"`
}

// AmountRequest is the JSON body for POST /deposit and POST /withdraw.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// SettleRequest is the JSON body for POST /trades.
type SettleRequest struct {
	Buyer    string          `json:"buyer"`
	Seller   string          `json:"seller"`
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	Price    decimal.Decimal `json:"price"` // per share
}

// MintRequest is the JSON body for POST /mint.
type MintRequest struct {
	Agent    string `json:"agent"`
	Symbol   string `json:"symbol"`
	Quantity int64  `json:"quantity"`
}

// DividendRequest is the JSON body for POST /dividends.
type DividendRequest struct {
	Symbol      string          `json:"symbol"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Holders     []string        `json:"holders"`
	Shares      []int64         `json:"shares"`
	TotalShares int64           `json:"total_shares"`
}

// OpenFuturesRequest is the JSON body for POST /futures.
type OpenFuturesRequest struct {
	ContractID string          `json:"contract_id"`
	IsLong     bool            `json:"is_long"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int64           `json:"leverage"`
}

// CloseFuturesRequest is the JSON body for POST /futures/{positionID}/close.
type CloseFuturesRequest struct {
	ExitPrice decimal.Decimal `json:"exit_price"`
}

// --- Registry and capital ---

// Register handles POST /api/v1/agents
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.eng.Register(r.Context(), id, req.DisplayName)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentView(*a))
}

// GetAgent handles GET /api/v1/agents/{identity}
func (s *Service) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.eng.Agent(chi.URLParam(r, "identity"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView(a))
}

// GetHoldings handles GET /api/v1/agents/{identity}/holdings
func (s *Service) GetHoldings(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	out := []HoldingView{}
	for _, h := range s.eng.Holdings(identity) {
		out = append(out, HoldingView{Identity: h.Identity, Symbol: h.Symbol, Quantity: h.Quantity})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetHolding handles GET /api/v1/agents/{identity}/holdings/{symbol}
func (s *Service) GetHolding(w http.ResponseWriter, r *http.Request) {
	identity, sym := chi.URLParam(r, "identity"), chi.URLParam(r, "symbol")
	writeJSON(w, http.StatusOK, HoldingView{Identity: identity, Symbol: sym, Quantity: s.eng.Holding(identity, sym)})
}

// GetAgentPositions handles GET /api/v1/agents/{identity}/positions
func (s *Service) GetAgentPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.eng.AgentPositions(r.Context(), chi.URLParam(r, "identity"), page(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// Deposit handles POST /api/v1/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.moveCapital(w, r, s.eng.Deposit)
}

// Withdraw handles POST /api/v1/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	s.moveCapital(w, r, s.eng.Withdraw)
}

func (s *Service) moveCapital(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, caller string, amount int64) (*model.Agent, error)) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	amt, ok := amount(w, "amount", req.Amount)
	if !ok {
		return
	}
	a, err := op(r.Context(), id, amt)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView(*a))
}

// --- Settlement ---

// SettleTrade handles POST /api/v1/trades
func (s *Service) SettleTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}
	price, ok := amount(w, "price", req.Price)
	if !ok {
		return
	}
	t, err := s.eng.SettleTrade(r.Context(), id, engine.SettleRequest{
		Buyer:    req.Buyer,
		Seller:   req.Seller,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Price:    price,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tradeView(*t))
}

// ListTrades handles GET /api/v1/trades
// Optional ?agent=<identity> restricts to trades the identity took part in.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	var (
		trades []model.Trade
		err    error
	)
	if agent := r.URL.Query().Get("agent"); agent != "" {
		trades, err = s.eng.AgentTrades(r.Context(), agent, page(r))
	} else {
		trades, err = s.eng.Trades(r.Context(), page(r))
	}
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]TradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTrade handles GET /api/v1/trades/{id}
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "id")
	if !ok {
		return
	}
	t, err := s.eng.Trade(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tradeView(*t))
}

// MintShares handles POST /api/v1/mint
func (s *Service) MintShares(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	h, err := s.eng.MintShares(r.Context(), id, req.Agent, req.Symbol, req.Quantity)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HoldingView{Identity: h.Identity, Symbol: h.Symbol, Quantity: h.Quantity})
}

// --- Dividends ---

// DistributeDividend handles POST /api/v1/dividends
func (s *Service) DistributeDividend(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req DividendRequest
	if !decode(w, r, &req) {
		return
	}
	total, ok := amount(w, "total_amount", req.TotalAmount)
	if !ok {
		return
	}
	d, err := s.eng.DistributeDividend(r.Context(), id, engine.DividendRequest{
		Symbol:      req.Symbol,
		TotalAmount: total,
		Holders:     req.Holders,
		Shares:      req.Shares,
		TotalShares: req.TotalShares,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dividendView(*d))
}

// ListDividends handles GET /api/v1/dividends
func (s *Service) ListDividends(w http.ResponseWriter, r *http.Request) {
	divs, err := s.eng.Dividends(r.Context(), page(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	out := make([]DividendView, 0, len(divs))
	for _, d := range divs {
		out = append(out, dividendView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetDividend handles GET /api/v1/dividends/{id}
func (s *Service) GetDividend(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "id")
	if !ok {
		return
	}
	d, err := s.eng.Dividend(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dividendView(*d))
}

// --- Futures ---

// OpenFutures handles POST /api/v1/futures
func (s *Service) OpenFutures(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	var req OpenFuturesRequest
	if !decode(w, r, &req) {
		return
	}
	size, ok := amount(w, "size", req.Size)
	if !ok {
		return
	}
	entry, ok := amount(w, "entry_price", req.EntryPrice)
	if !ok {
		return
	}
	p, err := s.eng.OpenFutures(r.Context(), id, engine.OpenFuturesRequest{
		ContractID: req.ContractID,
		IsLong:     req.IsLong,
		Size:       size,
		EntryPrice: entry,
		Leverage:   req.Leverage,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(*p))
}

// GetPosition handles GET /api/v1/futures/{positionID}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "positionID")
	if !ok {
		return
	}
	p, err := s.eng.Position(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(*p))
}

// CloseFutures handles POST /api/v1/futures/{positionID}/close
func (s *Service) CloseFutures(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, ok := recordID(w, r, "positionID")
	if !ok {
		return
	}
	var req CloseFuturesRequest
	if !decode(w, r, &req) {
		return
	}
	exit, ok := amount(w, "exit_price", req.ExitPrice)
	if !ok {
		return
	}
	res, err := s.eng.CloseFutures(r.Context(), who, id, exit)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeView(res))
}

// --- Circuit breaker and exchange-wide views ---

// GetMarket handles GET /api/v1/market
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"market_open": s.eng.MarketOpen()})
}

// ToggleMarket handles POST /api/v1/market/toggle
func (s *Service) ToggleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := caller(w, r)
	if !ok {
		return
	}
	open, err := s.eng.ToggleMarket(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"market_open": open})
}

// GetStats handles GET /api/v1/stats
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsView(s.eng.Stats()))
}

// GetAudit handles GET /api/v1/audit
// Responds 500 with the full report when the books do not reconcile.
func (s *Service) GetAudit(w http.ResponseWriter, r *http.Request) {
	report, err := s.eng.Audit()
	status := http.StatusOK
	if err != nil {
		s.logger.Error("audit failed", "violations", report.Violations)
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, auditView(report))
}
