package engine

import (
	"context"
	"time"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/model"
)

// ToggleMarket flips the circuit breaker and returns the new state. A closed
// market rejects new trades and new futures; deposits, withdrawals and
// futures closes stay available.
func (e *Engine) ToggleMarket(ctx context.Context, caller string) (_ bool, err error) {
	defer e.observe("toggle_market", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, auth.ActionToggleMarket); err != nil {
		return false, err
	}

	t := e.begin()
	t.state.MarketOpen = !t.state.MarketOpen
	open := t.state.MarketOpen
	ev := events.New(events.KindMarketToggled, caller, e.now())
	ev.MarketOpen = &open
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		return false, err
	}
	e.logger.Info("market toggled", "by", caller, "open", open)
	return open, nil
}

// MarketOpen reports the circuit breaker state.
func (e *Engine) MarketOpen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.MarketOpen
}

// Stats returns the exchange-wide counters and breaker state.
func (e *Engine) Stats() model.ExchangeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}
