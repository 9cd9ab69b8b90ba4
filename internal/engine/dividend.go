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

// DividendRequest describes a pro-rata cash distribution. Holders and
// Shares are parallel; the caller vouches for both and for TotalShares.
type DividendRequest struct {
	Symbol      string
	TotalAmount int64
	Holders     []string
	Shares      []int64
	TotalShares int64
}

// DistributeDividend pays floor(TotalAmount*Shares[i]/TotalShares) to every
// registered holder with a positive share count. The recorded total is what
// was actually paid; rounding dust and skipped shares are not refunded.
// PerShareAmount is computed from the requested total, so it can disagree
// with the sum of payouts.
func (e *Engine) DistributeDividend(ctx context.Context, caller string, req DividendRequest) (_ *model.Dividend, err error) {
	defer e.observe("distribute_dividend", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.authorize(caller, auth.ActionDistribute); err != nil {
		return nil, err
	}
	if len(req.Holders) != len(req.Shares) {
		return nil, fmt.Errorf("%w: %d holders, %d share counts", ErrArrayLengthMismatch, len(req.Holders), len(req.Shares))
	}
	if req.TotalShares <= 0 {
		return nil, ErrNoShares
	}
	if err := symbol.Validate(req.Symbol); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSymbol, err)
	}
	if err := checkAmount("total amount", req.TotalAmount); err != nil {
		return nil, err
	}
	for i, s := range req.Shares {
		if err := checkAmount(fmt.Sprintf("shares[%d]", i), s); err != nil {
			return nil, err
		}
	}

	t := e.begin()
	now := e.now()
	id := uint64(t.state.Totals.DividendCount)

	var distributed int64
	var payouts []events.Event
	for i, holder := range req.Holders {
		if req.Shares[i] == 0 {
			continue
		}
		if _, err := e.registered(holder); err != nil {
			continue
		}
		pay, err := model.MulDiv(req.TotalAmount, req.Shares[i], req.TotalShares)
		if err != nil {
			return nil, err
		}
		a := t.agent(holder)
		if err := addTo(&a.Balance, pay); err != nil {
			return nil, err
		}
		if err := addTo(&distributed, pay); err != nil {
			return nil, err
		}
		ev := events.New(events.KindDividendPaid, holder, now).WithRecord(id)
		ev.Symbol = req.Symbol
		ev.Quantity = req.Shares[i]
		ev.Amount = model.FormatAmount(pay)
		payouts = append(payouts, ev)
	}

	if err := addTo(&t.state.Totals.TotalDividendsPaid, distributed); err != nil {
		return nil, err
	}
	t.state.Totals.DividendCount++
	t.dividend = &model.Dividend{
		ID:              id,
		Symbol:          req.Symbol,
		TotalAmount:     distributed,
		RequestedAmount: req.TotalAmount,
		PerShareAmount:  req.TotalAmount / req.TotalShares,
		Timestamp:       now,
		Recipients:      len(req.Holders),
	}

	summary := events.New(events.KindDividendPaid, caller, now).WithRecord(id)
	summary.Symbol = req.Symbol
	summary.Amount = model.FormatAmount(distributed)
	summary.Recipients = len(req.Holders)
	t.emit(summary)
	for _, ev := range payouts {
		t.emit(ev)
	}

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	metrics.DividendsPaid.WithLabelValues(req.Symbol).Add(model.AmountDecimal(distributed).InexactFloat64())

	e.logger.Info("dividend distributed",
		"dividend_id", id,
		"symbol", req.Symbol,
		"requested", model.FormatAmount(req.TotalAmount),
		"distributed", model.FormatAmount(distributed),
		"recipients", len(req.Holders),
		"paid", len(payouts),
	)
	out := *t.dividend
	return &out, nil
}

// Dividend returns a distribution record by id.
func (e *Engine) Dividend(ctx context.Context, id uint64) (*model.Dividend, error) {
	if id >= uint64(e.DividendCount()) {
		return nil, fmt.Errorf("%w: %d", ErrDividendNotFound, id)
	}
	d, err := e.store.GetDividend(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrDividendNotFound, id)
	}
	return d, err
}

// Dividends returns a page of the dividend log.
func (e *Engine) Dividends(ctx context.Context, page model.Page) ([]model.Dividend, error) {
	return e.store.ListDividends(ctx, page)
}

// DividendCount is the number of recorded distributions.
func (e *Engine) DividendCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Totals.DividendCount
}
