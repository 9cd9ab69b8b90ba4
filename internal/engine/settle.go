package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/metrics"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/store"
	"github.com/atmx/exchange-ledger/internal/symbol"
)

// SettleRequest carries already-agreed trade parameters from the external
// matching process. Price is fixed-point per share.
type SettleRequest struct {
	Buyer    string
	Seller   string
	Symbol   string
	Quantity int64
	Price    int64
}

// SettleTrade atomically moves total = quantity*price/Scale cash from buyer
// to seller and quantity shares from seller to buyer, and appends a spot
// trade record.
func (e *Engine) SettleTrade(ctx context.Context, caller string, req SettleRequest) (_ *model.Trade, err error) {
	defer e.observe("settle_trade", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, auth.ActionSettleTrade); err != nil {
		return nil, err
	}
	if !e.state.MarketOpen {
		return nil, ErrMarketClosed
	}
	if _, err := e.registered(req.Buyer); err != nil {
		return nil, fmt.Errorf("buyer: %w", err)
	}
	if _, err := e.registered(req.Seller); err != nil {
		return nil, fmt.Errorf("seller: %w", err)
	}
	if err := symbol.Validate(req.Symbol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
	}
	if err := checkAmount("quantity", req.Quantity); err != nil {
		return nil, err
	}
	if err := checkAmount("price", req.Price); err != nil {
		return nil, err
	}

	total, err := model.MulDiv(req.Quantity, req.Price, model.Scale)
	if err != nil {
		return nil, err
	}

	t := e.begin()
	buyer := t.agent(req.Buyer)
	if buyer.Balance < total {
		return nil, fmt.Errorf("%w: buyer %s has %s, trade costs %s", ErrInsufficientBalance,
			req.Buyer, model.FormatAmount(buyer.Balance), model.FormatAmount(total))
	}
	sellerShares := t.holding(req.Seller, req.Symbol)
	if sellerShares < req.Quantity {
		return nil, fmt.Errorf("%w: seller %s holds %d %s, trade needs %d", ErrInsufficientShares,
			req.Seller, sellerShares, req.Symbol, req.Quantity)
	}

	// Cash leg.
	buyer.Balance -= total
	seller := t.agent(req.Seller)
	if err := addTo(&seller.Balance, total); err != nil {
		return nil, err
	}

	// Share leg.
	t.setHolding(req.Seller, req.Symbol, sellerShares-req.Quantity)
	buyerShares, err := model.AddChecked(t.holding(req.Buyer, req.Symbol), req.Quantity)
	if err != nil {
		return nil, err
	}
	t.setHolding(req.Buyer, req.Symbol, buyerShares)

	// Stats. A self-trade counts once.
	parties := []*model.Agent{buyer, seller}
	if req.Buyer == req.Seller {
		parties = parties[:1]
	}
	for _, a := range parties {
		if err := addTo(&a.TradedVolume, total); err != nil {
			return nil, err
		}
		a.TradeCount++
	}
	if err := addTo(&t.state.Totals.TotalSettled, total); err != nil {
		return nil, err
	}

	now := e.now()
	t.trade = &model.Trade{
		ID:        uint64(t.state.Totals.TotalTrades),
		Buyer:     req.Buyer,
		Seller:    req.Seller,
		Symbol:    req.Symbol,
		Quantity:  req.Quantity,
		Price:     req.Price,
		Total:     total,
		Timestamp: now,
		Kind:      model.KindSpot,
	}
	t.state.Totals.TotalTrades++

	ev := events.New(events.KindTradeSettled, req.Buyer, now).WithRecord(t.trade.ID)
	ev.Counterparty = req.Seller
	ev.Symbol = req.Symbol
	ev.Quantity = req.Quantity
	ev.Price = model.FormatAmount(req.Price)
	ev.Amount = model.FormatAmount(total)
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	metrics.SettledVolume.WithLabelValues(req.Symbol).Add(model.AmountDecimal(total).InexactFloat64())
	metrics.SharesTraded.WithLabelValues(req.Symbol).Add(float64(req.Quantity))

	e.logger.Info("trade settled",
		"trade_id", t.trade.ID,
		"buyer", req.Buyer,
		"seller", req.Seller,
		"symbol", req.Symbol,
		"qty", req.Quantity,
		"price", model.FormatAmount(req.Price),
		"total", model.FormatAmount(total),
	)
	out := *t.trade
	return &out, nil
}

// MintShares creates shares for an agent with no cash movement (IPO,
// split). It is the only operation that creates shares.
func (e *Engine) MintShares(ctx context.Context, caller, identity, sym string, quantity int64) (_ *model.Holding, err error) {
	defer e.observe("mint_shares", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, auth.ActionMintShares); err != nil {
		return nil, err
	}
	if _, err := e.registered(identity); err != nil {
		return nil, err
	}
	if err := symbol.Validate(sym); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
	}
	if err := checkAmount("quantity", quantity); err != nil {
		return nil, err
	}

	t := e.begin()
	qty, err := model.AddChecked(t.holding(identity, sym), quantity)
	if err != nil {
		return nil, err
	}
	if err := addTo(&t.state.Totals.TotalSharesMinted, quantity); err != nil {
		return nil, err
	}
	t.setHolding(identity, sym, qty)

	ev := events.New(events.KindSharesMinted, identity, e.now())
	ev.Symbol = sym
	ev.Quantity = quantity
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.logger.Info("shares minted", "identity", identity, "symbol", sym, "qty", quantity, "holding", qty)
	return &model.Holding{Identity: identity, Symbol: sym, Quantity: qty}, nil
}

// Trade returns a settled trade by id.
func (e *Engine) Trade(ctx context.Context, id uint64) (*model.Trade, error) {
	if id >= uint64(e.TradeCount()) {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
	}
	t, err := e.store.GetTrade(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrTradeNotFound, id)
	}
	return t, err
}

// Trades returns a page of the trade log.
func (e *Engine) Trades(ctx context.Context, page model.Page) ([]model.Trade, error) {
	return e.store.ListTrades(ctx, page)
}

// AgentTrades returns a page of trades an identity took part in.
func (e *Engine) AgentTrades(ctx context.Context, identity string, page model.Page) ([]model.Trade, error) {
	return e.store.ListTradesByAgent(ctx, identity, page)
}

// TradeCount is the number of settled trades.
func (e *Engine) TradeCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Totals.TotalTrades
}
