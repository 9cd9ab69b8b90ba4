package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/model"
)

// Register creates an agent for the calling identity. Display names are
// not required to be unique.
func (e *Engine) Register(ctx context.Context, caller, displayName string) (_ *model.Agent, err error) {
	defer e.observe("register", time.Now(), &err)

	if caller == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrNotRegistered)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, exists := e.agents[caller]
	if exists && prev.Active {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyRegistered, caller)
	}

	now := e.now()
	agent := model.Agent{
		Identity:     caller,
		DisplayName:  displayName,
		RegisteredAt: now,
		Active:       true,
	}
	t := e.begin()
	if exists {
		// Reactivation keeps custody value; stats start over.
		agent.Balance = prev.Balance
		agent.LockedMargin = prev.LockedMargin
	} else {
		t.state.Totals.AgentCount++
	}
	t.putAgent(agent)

	ev := events.New(events.KindAgentRegistered, caller, now)
	ev.Name = displayName
	t.emit(ev)

	if err := e.commit(ctx, t); err != nil {
		return nil, err
	}

	e.logger.Info("agent registered", "identity", caller, "name", displayName)
	return &agent, nil
}

// Agent returns a copy of a registered agent.
func (e *Engine) Agent(identity string) (model.Agent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.agents[identity]
	if !ok {
		return model.Agent{}, fmt.Errorf("%w: %q", ErrNotRegistered, identity)
	}
	return *a, nil
}

// IsRegistered reports whether identity is an active agent.
func (e *Engine) IsRegistered(identity string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.registered(identity)
	return err == nil
}

// AgentCount is the number of identities ever registered.
func (e *Engine) AgentCount() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Totals.AgentCount
}
