package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/metrics"
	"github.com/atmx/exchange-ledger/internal/model"
)

// Deposit pulls amount from the caller's external account into custody and
// credits the caller's available balance. The pull must succeed before any
// internal credit.
func (e *Engine) Deposit(ctx context.Context, caller string, amount int64) (_ *model.Agent, err error) {
	defer e.observe("deposit", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.registered(caller); err != nil {
		return nil, err
	}
	if err := positive(amount); err != nil {
		return nil, err
	}

	t := e.begin()
	agent := t.agent(caller)
	if err := addTo(&agent.Balance, amount); err != nil {
		return nil, err
	}
	if err := addTo(&t.state.Totals.TotalDeposited, amount); err != nil {
		return nil, err
	}

	if err := e.vault.Pull(ctx, caller, amount); err != nil {
		metrics.VaultFailures.WithLabelValues("pull").Inc()
		return nil, fmt.Errorf("%w: pull %s from %s: %v", ErrVaultTransferFailed, model.FormatAmount(amount), caller, err)
	}

	ev := events.New(events.KindDeposited, caller, e.now())
	ev.Amount = model.FormatAmount(amount)
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		// Value is in custody but not on the books: hand it back.
		if perr := e.vault.Push(context.WithoutCancel(ctx), caller, amount); perr != nil {
			e.logger.Error("deposit compensation failed",
				"identity", caller, "amount", model.FormatAmount(amount), "err", perr)
		}
		return nil, err
	}

	e.logger.Info("deposit",
		"identity", caller,
		"amount", model.FormatAmount(amount),
		"balance", model.FormatAmount(agent.Balance),
	)
	out := *agent
	return &out, nil
}

// Withdraw pushes amount from custody to the caller's external account.
//
// The debit is staged first and held while the vault push runs under the
// engine lock. A failed push discards the stage, so the books never lose
// value to a failed transfer; a successful push commits the debit.
func (e *Engine) Withdraw(ctx context.Context, caller string, amount int64) (_ *model.Agent, err error) {
	defer e.observe("withdraw", time.Now(), &err)

	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.registered(caller)
	if err != nil {
		return nil, err
	}
	if err := positive(amount); err != nil {
		return nil, err
	}
	if current.Balance < amount {
		return nil, fmt.Errorf("%w: %s has %s, withdrawing %s", ErrInsufficientBalance,
			caller, model.FormatAmount(current.Balance), model.FormatAmount(amount))
	}

	t := e.begin()
	agent := t.agent(caller)
	agent.Balance -= amount
	if err := addTo(&t.state.Totals.TotalWithdrawn, amount); err != nil {
		return nil, err
	}

	if err := e.vault.Push(ctx, caller, amount); err != nil {
		metrics.VaultFailures.WithLabelValues("push").Inc()
		return nil, fmt.Errorf("%w: push %s to %s: %v", ErrVaultTransferFailed, model.FormatAmount(amount), caller, err)
	}

	ev := events.New(events.KindWithdrawn, caller, e.now())
	ev.Amount = model.FormatAmount(amount)
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		// Value left custody but the books still show it: pull it back.
		if perr := e.vault.Pull(context.WithoutCancel(ctx), caller, amount); perr != nil {
			e.logger.Error("withdraw compensation failed",
				"identity", caller, "amount", model.FormatAmount(amount), "err", perr)
		}
		return nil, err
	}

	e.logger.Info("withdraw",
		"identity", caller,
		"amount", model.FormatAmount(amount),
		"balance", model.FormatAmount(agent.Balance),
	)
	out := *agent
	return &out, nil
}

// Holding returns an identity's share count in one symbol.
func (e *Engine) Holding(identity, sym string) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	id, ok := e.symbols.Lookup(sym)
	if !ok {
		return 0
	}
	return e.holdings[holdingKey{identity, id}]
}

// Holdings returns every non-zero holding of an identity, sorted by symbol.
func (e *Engine) Holdings(identity string) []model.Holding {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Holding
	for k, q := range e.holdings {
		if k.identity != identity || q == 0 {
			continue
		}
		name, _ := e.symbols.Name(k.symbol)
		out = append(out, model.Holding{Identity: identity, Symbol: name, SymbolID: uint32(k.symbol), Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func positive(amount int64) error {
	switch {
	case amount == 0:
		return ErrZeroAmount
	case amount < 0:
		return fmt.Errorf("%w: amount must not be negative (got %d)", ErrInvalidAmount, amount)
	}
	return nil
}
