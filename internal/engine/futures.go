package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/metrics"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/store"
)

// OpenFuturesRequest opens a leveraged position for the caller.
type OpenFuturesRequest struct {
	ContractID string
	IsLong     bool
	Size       int64
	EntryPrice int64
	Leverage   int64
}

// CloseResult reports how a position was settled.
type CloseResult struct {
	Position   model.FuturesPosition
	PnL        int64 // raw directional P&L
	Payout     int64 // credited to available balance
	Liquidated bool
}

// OpenFutures locks size/leverage of the caller's balance as margin and
// records a new active position.
func (e *Engine) OpenFutures(ctx context.Context, caller string, req OpenFuturesRequest) (_ *model.FuturesPosition, err error) {
	defer e.observe("open_futures", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registered(caller); err != nil {
		return nil, err
	}
	if !e.state.MarketOpen {
		return nil, ErrMarketClosed
	}
	if req.Leverage < 1 || req.Leverage > MaxLeverage {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLeverage, req.Leverage)
	}
	if err := checkAmount("size", req.Size); err != nil {
		return nil, err
	}
	if req.EntryPrice <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive", ErrInvalidAmount)
	}

	margin := req.Size / req.Leverage

	t := e.begin()
	agent := t.agent(caller)
	if agent.Balance < margin {
		return nil, fmt.Errorf("%w: margin %s, available %s", ErrInsufficientBalance,
			model.FormatAmount(margin), model.FormatAmount(agent.Balance))
	}
	agent.Balance -= margin
	if err := addTo(&agent.LockedMargin, margin); err != nil {
		return nil, err
	}

	now := e.now()
	pos := t.openPosition(model.FuturesPosition{
		Owner:      caller,
		ContractID: req.ContractID,
		IsLong:     req.IsLong,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		Margin:     margin,
		Leverage:   req.Leverage,
		OpenedAt:   now,
		Active:     true,
	})

	isLong := req.IsLong
	opened := events.New(events.KindFuturesOpened, caller, now).WithRecord(pos.ID)
	opened.ContractID = req.ContractID
	opened.IsLong = &isLong
	opened.Quantity = req.Size
	opened.Price = model.FormatAmount(req.EntryPrice)
	opened.Leverage = req.Leverage
	t.emit(opened)

	locked := events.New(events.KindMarginLocked, caller, now).WithRecord(pos.ID)
	locked.Amount = model.FormatAmount(margin)
	t.emit(locked)

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.logger.Info("futures opened",
		"position_id", pos.ID,
		"owner", caller,
		"contract", req.ContractID,
		"long", req.IsLong,
		"size", req.Size,
		"entry", model.FormatAmount(req.EntryPrice),
		"leverage", req.Leverage,
		"margin", model.FormatAmount(margin),
	)
	out := *pos
	return &out, nil
}

// CloseFutures settles an active position at exitPrice. The locked margin is
// always released; the balance is credited margin+pnl when pnl is not
// negative, margin-loss for a smaller loss, and nothing once the loss
// reaches the margin. Forfeited margin leaves circulation.
func (e *Engine) CloseFutures(ctx context.Context, caller string, positionID uint64, exitPrice int64) (_ *CloseResult, err error) {
	defer e.observe("close_futures", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, auth.ActionCloseFutures); err != nil {
		return nil, err
	}
	if err := checkAmount("exit price", exitPrice); err != nil {
		return nil, err
	}

	t := e.begin()
	pos, ok := t.position(positionID)
	if !ok {
		if positionID < uint64(e.state.Totals.FuturesCount) {
			return nil, fmt.Errorf("%w: position %d is closed", ErrPositionNotActive, positionID)
		}
		return nil, fmt.Errorf("%w: position %d does not exist", ErrPositionNotActive, positionID)
	}

	pnl, err := positionPnL(pos, exitPrice)
	if err != nil {
		return nil, err
	}

	agent := t.agent(pos.Owner)
	if agent.LockedMargin < pos.Margin {
		return nil, fmt.Errorf("locked margin of %s below position %d margin", pos.Owner, pos.ID)
	}
	agent.LockedMargin -= pos.Margin

	var payout int64
	liquidated := false
	switch {
	case pnl >= 0:
		if payout, err = model.AddChecked(pos.Margin, pnl); err != nil {
			return nil, err
		}
		if err := addTo(&agent.RealizedPnL, pnl); err != nil {
			return nil, err
		}
		if err := addTo(&t.state.Totals.TotalFuturesProfit, pnl); err != nil {
			return nil, err
		}
	case pnl <= -pos.Margin:
		liquidated = true
		agent.RealizedPnL -= pos.Margin
		if err := addTo(&t.state.Totals.TotalForfeited, pos.Margin); err != nil {
			return nil, err
		}
	default:
		loss := -pnl
		payout = pos.Margin - loss
		agent.RealizedPnL -= loss
		if err := addTo(&t.state.Totals.TotalFuturesLoss, loss); err != nil {
			return nil, err
		}
	}
	if err := addTo(&agent.Balance, payout); err != nil {
		return nil, err
	}

	now := e.now()
	pos.Active = false
	pos.ExitPrice = exitPrice
	pos.RealizedPnL = pnl
	pos.Liquidated = liquidated
	pos.ClosedAt = &now

	closed := events.New(events.KindFuturesClosed, pos.Owner, now).WithRecord(pos.ID)
	closed.ContractID = pos.ContractID
	closed.Price = model.FormatAmount(exitPrice)
	closed.PnL = model.FormatAmount(pnl)
	closed.Amount = model.FormatAmount(payout)
	t.emit(closed)

	released := events.New(events.KindMarginReleased, pos.Owner, now).WithRecord(pos.ID)
	released.Amount = model.FormatAmount(pos.Margin)
	t.emit(released)

	if liquidated {
		liq := events.New(events.KindPositionLiquidated, pos.Owner, now).WithRecord(pos.ID)
		liq.Amount = model.FormatAmount(pos.Margin)
		liq.PnL = model.FormatAmount(pnl)
		t.emit(liq)
	}

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}
	if liquidated {
		metrics.Liquidations.Inc()
	}

	e.logger.Info("futures closed",
		"position_id", pos.ID,
		"owner", pos.Owner,
		"exit", model.FormatAmount(exitPrice),
		"pnl", model.FormatAmount(pnl),
		"payout", model.FormatAmount(payout),
		"liquidated", liquidated,
	)
	return &CloseResult{Position: *pos, PnL: pnl, Payout: payout, Liquidated: liquidated}, nil
}

// positionPnL is (exit-entry)*size/entry for longs and the negation for
// shorts, truncated toward zero once at the end. A loss too large for int64
// clamps to math.MinInt64, which always liquidates; a profit that large is
// an error since the payout cannot be represented.
func positionPnL(p *model.FuturesPosition, exitPrice int64) (int64, error) {
	delta := exitPrice - p.EntryPrice
	if !p.IsLong {
		delta = -delta
	}
	pnl, err := model.MulDiv(delta, p.Size, p.EntryPrice)
	if errors.Is(err, model.ErrOverflow) && delta < 0 {
		return math.MinInt64, nil
	}
	return pnl, err
}

// Position returns a position by id, open or closed.
func (e *Engine) Position(ctx context.Context, id uint64) (*model.FuturesPosition, error) {
	e.mu.RLock()
	if p, ok := e.positions[id]; ok {
		out := *p
		e.mu.RUnlock()
		return &out, nil
	}
	count := e.state.Totals.FuturesCount
	e.mu.RUnlock()

	if id >= uint64(count) {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	p, err := e.store.GetPosition(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrPositionNotFound, id)
	}
	return p, err
}

// AgentPositionIDs returns every position id an identity has opened, in
// opening order.
func (e *Engine) AgentPositionIDs(identity string) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]uint64(nil), e.positionIndex[identity]...)
}

// AgentPositions returns a page of an identity's positions.
func (e *Engine) AgentPositions(ctx context.Context, identity string, page model.Page) ([]model.FuturesPosition, error) {
	return e.store.ListPositionsByOwner(ctx, identity, page)
}

// FuturesCount is the number of positions ever opened.
func (e *Engine) FuturesCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Totals.FuturesCount
}
