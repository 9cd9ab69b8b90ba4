package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/metrics"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/symbol"
)

// tx stages the writes of one operation. Nothing in the engine changes
// until commit; a discarded tx leaves no trace.
type tx struct {
	e *Engine

	agents     map[string]*model.Agent
	agentOrder []string
	holdings   map[holdingKey]int64
	newSymbols []model.Symbol
	trade      *model.Trade
	dividend   *model.Dividend
	positions  map[uint64]*model.FuturesPosition
	posOrder   []uint64
	newPosIDs  []uint64
	state      model.ExchangeState
	events     []events.Event
}

// begin must be called with e.mu held for writing.
func (e *Engine) begin() *tx {
	return &tx{
		e:         e,
		agents:    make(map[string]*model.Agent),
		holdings:  make(map[holdingKey]int64),
		positions: make(map[uint64]*model.FuturesPosition),
		state:     e.state,
	}
}

// agent returns the staged copy of an existing agent.
func (t *tx) agent(identity string) *model.Agent {
	if a, ok := t.agents[identity]; ok {
		return a
	}
	cp := *t.e.agents[identity]
	t.agents[identity] = &cp
	t.agentOrder = append(t.agentOrder, identity)
	return &cp
}

// putAgent stages a new or replaced agent row.
func (t *tx) putAgent(a model.Agent) {
	if _, ok := t.agents[a.Identity]; !ok {
		t.agentOrder = append(t.agentOrder, a.Identity)
	}
	t.agents[a.Identity] = &a
}

// symbolID resolves a ticker, interning it in this tx if it is new.
func (t *tx) symbolID(name string) symbol.ID {
	if id, ok := t.e.symbols.Lookup(name); ok {
		return id
	}
	for _, s := range t.newSymbols {
		if s.Name == name {
			return symbol.ID(s.ID)
		}
	}
	id := t.e.symbols.Next() + symbol.ID(len(t.newSymbols))
	t.newSymbols = append(t.newSymbols, model.Symbol{ID: uint32(id), Name: name})
	return id
}

func (t *tx) holding(identity, sym string) int64 {
	key := holdingKey{identity, t.symbolID(sym)}
	if q, ok := t.holdings[key]; ok {
		return q
	}
	return t.e.holdings[key]
}

func (t *tx) setHolding(identity, sym string, qty int64) {
	t.holdings[holdingKey{identity, t.symbolID(sym)}] = qty
}

// position returns the staged copy of an open position.
func (t *tx) position(id uint64) (*model.FuturesPosition, bool) {
	if p, ok := t.positions[id]; ok {
		return p, true
	}
	p, ok := t.e.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	t.positions[id] = &cp
	t.posOrder = append(t.posOrder, id)
	return &cp, true
}

// openPosition stages a new position under the next id.
func (t *tx) openPosition(p model.FuturesPosition) *model.FuturesPosition {
	p.ID = uint64(t.state.Totals.FuturesCount)
	t.state.Totals.FuturesCount++
	t.positions[p.ID] = &p
	t.posOrder = append(t.posOrder, p.ID)
	t.newPosIDs = append(t.newPosIDs, p.ID)
	return &p
}

func (t *tx) emit(ev events.Event) {
	t.events = append(t.events, ev)
}

func (t *tx) changeset() *model.Changeset {
	cs := &model.Changeset{
		Symbols:  t.newSymbols,
		Trade:    t.trade,
		Dividend: t.dividend,
		State:    t.state,
	}
	for _, id := range t.agentOrder {
		cs.Agents = append(cs.Agents, *t.agents[id])
	}
	keys := make([]holdingKey, 0, len(t.holdings))
	for k := range t.holdings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].identity != keys[j].identity {
			return keys[i].identity < keys[j].identity
		}
		return keys[i].symbol < keys[j].symbol
	})
	for _, k := range keys {
		cs.Holdings = append(cs.Holdings, model.Holding{
			Identity: k.identity,
			Symbol:   t.symbolName(k.symbol),
			SymbolID: uint32(k.symbol),
			Quantity: t.holdings[k],
		})
	}
	for _, id := range t.posOrder {
		cs.Positions = append(cs.Positions, *t.positions[id])
	}
	return cs
}

func (t *tx) symbolName(id symbol.ID) string {
	if name, ok := t.e.symbols.Name(id); ok {
		return name
	}
	return t.newSymbols[int(id)-t.e.symbols.Len()].Name
}

// commit persists the tx, applies it to memory, and publishes its events.
// Must be called with e.mu held for writing.
func (e *Engine) commit(ctx context.Context, t *tx) error {
	cs := t.changeset()
	if err := e.store.Commit(ctx, cs); err != nil {
		e.logger.Error("store commit failed", "err", err)
		return fmt.Errorf("commit: %w", err)
	}

	for _, s := range t.newSymbols {
		if err := e.symbols.Add(s); err != nil {
			// The store accepted the same sequence, so this is a bug.
			e.logger.Error("symbol table diverged from store", "symbol", s.Name, "err", err)
		}
	}
	for _, id := range t.agentOrder {
		e.agents[id] = t.agents[id]
	}
	for k, q := range t.holdings {
		e.holdings[k] = q
	}
	for _, id := range t.posOrder {
		p := t.positions[id]
		if p.Active {
			e.positions[id] = p
		} else {
			delete(e.positions, id)
		}
	}
	for _, id := range t.newPosIDs {
		owner := t.positions[id].Owner
		e.positionIndex[owner] = append(e.positionIndex[owner], id)
	}
	e.state = t.state

	metrics.MarketOpen.Set(boolGauge(e.state.MarketOpen))
	metrics.RegisteredAgents.Set(float64(e.state.Totals.AgentCount))
	metrics.OpenPositions.Set(float64(len(e.positions)))

	for _, ev := range t.events {
		e.pub.Publish(ev)
	}
	return nil
}

// addTo adds v to *dst, failing on overflow.
func addTo(dst *int64, v int64) error {
	sum, err := model.AddChecked(*dst, v)
	if err != nil {
		return err
	}
	*dst = sum
	return nil
}
