// Package engine is the settlement and accounting core of the exchange:
// the single source of truth for agent cash, share holdings, futures margin,
// and trade/dividend/futures history.
//
// Every mutating operation runs under one engine-wide lock: it validates all
// preconditions against current state, stages its writes in a transaction,
// commits them to the store as one changeset, and only then applies them to
// memory and publishes notifications. Queries take the read lock and so
// always observe a fully-applied state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/metrics"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/store"
	"github.com/atmx/exchange-ledger/internal/symbol"
	"github.com/atmx/exchange-ledger/internal/vault"
)

// MaxLeverage is the highest leverage a futures position may use.
const MaxLeverage = 10

type holdingKey struct {
	identity string
	symbol   symbol.ID
}

// Options configures an Engine. Store, Vault and Authorizer are required.
type Options struct {
	Store      store.Store
	Vault      vault.Vault
	Authorizer auth.Authorizer
	Publisher  events.Publisher
	Logger     *slog.Logger
	Clock      func() time.Time

	// MarketOpen is the circuit breaker state for a store that has never
	// been committed to. A restored store keeps its persisted state.
	MarketOpen bool
}

// Engine is the exchange ledger.
type Engine struct {
	mu     sync.RWMutex
	store  store.Store
	vault  vault.Vault
	authz  auth.Authorizer
	pub    events.Publisher
	logger *slog.Logger
	now    func() time.Time

	agents        map[string]*model.Agent
	holdings      map[holdingKey]int64
	symbols       *symbol.Table
	positions     map[uint64]*model.FuturesPosition // open positions only
	positionIndex map[string][]uint64
	state         model.ExchangeState
}

// New creates an engine and restores its state from the store.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Vault == nil || opts.Authorizer == nil {
		return nil, errors.New("engine: store, vault and authorizer are required")
	}
	e := &Engine{
		store:  opts.Store,
		vault:  opts.Vault,
		authz:  opts.Authorizer,
		pub:    opts.Publisher,
		logger: opts.Logger,
		now:    opts.Clock,
	}
	if e.pub == nil {
		e.pub = events.Fanout(nil)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}

	snap, err := opts.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if err := e.restore(snap, opts.MarketOpen); err != nil {
		return nil, err
	}

	metrics.MarketOpen.Set(boolGauge(e.state.MarketOpen))
	metrics.RegisteredAgents.Set(float64(e.state.Totals.AgentCount))
	metrics.OpenPositions.Set(float64(len(e.positions)))

	e.logger.Info("engine restored",
		"agents", len(e.agents),
		"symbols", e.symbols.Len(),
		"open_positions", len(e.positions),
		"trades", e.state.Totals.TotalTrades,
		"market_open", e.state.MarketOpen,
	)
	return e, nil
}

func (e *Engine) restore(snap *model.Snapshot, defaultOpen bool) error {
	syms, err := symbol.Restore(snap.Symbols)
	if err != nil {
		return fmt.Errorf("restore symbols: %w", err)
	}
	e.symbols = syms
	e.agents = make(map[string]*model.Agent, len(snap.Agents))
	for i := range snap.Agents {
		a := snap.Agents[i]
		e.agents[a.Identity] = &a
	}
	e.holdings = make(map[holdingKey]int64, len(snap.Holdings))
	for _, h := range snap.Holdings {
		e.holdings[holdingKey{h.Identity, symbol.ID(h.SymbolID)}] = h.Quantity
	}
	e.positions = make(map[uint64]*model.FuturesPosition, len(snap.OpenPositions))
	for i := range snap.OpenPositions {
		p := snap.OpenPositions[i]
		e.positions[p.ID] = &p
	}
	e.positionIndex = make(map[string][]uint64, len(snap.PositionIndex))
	for owner, ids := range snap.PositionIndex {
		e.positionIndex[owner] = append([]uint64(nil), ids...)
	}
	e.state = snap.State
	if !snap.Initialized {
		e.state.MarketOpen = defaultOpen
	}
	return nil
}

// authorize consults the authorization policy for a privileged action.
func (e *Engine) authorize(caller string, action auth.Action) error {
	if !e.authz.IsAuthorized(caller, action) {
		return fmt.Errorf("%w: %s may not %s", ErrNotAuthorized, caller, action)
	}
	return nil
}

// IsPrivileged reports whether identity holds any gated action.
func (e *Engine) IsPrivileged(identity string) bool {
	for _, a := range auth.PrivilegedActions {
		if e.authz.IsAuthorized(identity, a) {
			return true
		}
	}
	return false
}

// registered returns the active agent for identity.
func (e *Engine) registered(identity string) (*model.Agent, error) {
	a, ok := e.agents[identity]
	if !ok || !a.Active {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, identity)
	}
	return a, nil
}

// observe records metrics for one operation and logs rejections.
// Use as: defer e.observe("op", time.Now(), &err)
func (e *Engine) observe(op string, start time.Time, errp *error) {
	err := *errp
	metrics.OperationsTotal.WithLabelValues(op, Kind(err)).Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		e.logger.Warn("operation rejected", "operation", op, "err", err)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// checkAmount rejects negative values in inputs that are unsigned by nature.
func checkAmount(name string, v int64) error {
	if v < 0 {
		return fmt.Errorf("%w: %s must not be negative (got %d)", ErrInvalidAmount, name, v)
	}
	return nil
}
