package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/exchange-ledger/internal/model"
)

type holdingKey struct {
	identity string
	symbol   uint32
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]model.Agent
	holdings    map[holdingKey]model.Holding
	symbols     []model.Symbol
	trades      []model.Trade
	dividends   []model.Dividend
	positions   []model.FuturesPosition
	state       model.ExchangeState
	initialized bool
	failCommits error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]model.Agent),
		holdings: make(map[holdingKey]model.Holding),
	}
}

// FailCommits makes every subsequent Commit return err; nil restores
// normal behaviour.
func (s *MemoryStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommits = err
}

func (s *MemoryStore) Load(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{
		Agents:        make([]model.Agent, 0, len(s.agents)),
		Holdings:      make([]model.Holding, 0, len(s.holdings)),
		Symbols:       append([]model.Symbol(nil), s.symbols...),
		PositionIndex: make(map[string][]uint64),
		State:         s.state,
		Initialized:   s.initialized,
	}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, a)
	}
	sort.Slice(snap.Agents, func(i, j int) bool { return snap.Agents[i].Identity < snap.Agents[j].Identity })
	for _, h := range s.holdings {
		snap.Holdings = append(snap.Holdings, h)
	}
	for _, p := range s.positions {
		snap.PositionIndex[p.Owner] = append(snap.PositionIndex[p.Owner], p.ID)
		if p.Active {
			snap.OpenPositions = append(snap.OpenPositions, p)
		}
	}
	return snap, nil
}

func (s *MemoryStore) Commit(_ context.Context, cs *model.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failCommits != nil {
		return s.failCommits
	}

	// Validate sequencing before touching anything.
	if cs.Trade != nil && cs.Trade.ID != uint64(len(s.trades)) {
		return fmt.Errorf("trade id %d out of sequence (next %d)", cs.Trade.ID, len(s.trades))
	}
	if cs.Dividend != nil && cs.Dividend.ID != uint64(len(s.dividends)) {
		return fmt.Errorf("dividend id %d out of sequence (next %d)", cs.Dividend.ID, len(s.dividends))
	}
	next := uint64(len(s.positions))
	for _, p := range cs.Positions {
		if p.ID > next {
			return fmt.Errorf("position id %d out of sequence (next %d)", p.ID, next)
		}
		if p.ID == next {
			next++
		}
	}
	nextSym := uint32(len(s.symbols))
	for _, sym := range cs.Symbols {
		if sym.ID != nextSym {
			return fmt.Errorf("symbol id %d out of sequence (next %d)", sym.ID, nextSym)
		}
		nextSym++
	}

	for _, a := range cs.Agents {
		s.agents[a.Identity] = a
	}
	s.symbols = append(s.symbols, cs.Symbols...)
	for _, h := range cs.Holdings {
		s.holdings[holdingKey{h.Identity, h.SymbolID}] = h
	}
	if cs.Trade != nil {
		s.trades = append(s.trades, *cs.Trade)
	}
	if cs.Dividend != nil {
		s.dividends = append(s.dividends, *cs.Dividend)
	}
	for _, p := range cs.Positions {
		if p.ID == uint64(len(s.positions)) {
			s.positions = append(s.positions, p)
		} else {
			s.positions[p.ID] = p
		}
	}
	s.state = cs.State
	s.initialized = true
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id uint64) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id >= uint64(len(s.trades)) {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	t := s.trades[id]
	return &t, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, page model.Page) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := window(len(s.trades), page)
	return append([]model.Trade{}, s.trades[lo:hi]...), nil
}

func (s *MemoryStore) ListTradesByAgent(_ context.Context, identity string, page model.Page) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.Trade
	for _, t := range s.trades {
		if t.Buyer == identity || t.Seller == identity {
			matched = append(matched, t)
		}
	}
	lo, hi := window(len(matched), page)
	return append([]model.Trade{}, matched[lo:hi]...), nil
}

func (s *MemoryStore) GetDividend(_ context.Context, id uint64) (*model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id >= uint64(len(s.dividends)) {
		return nil, fmt.Errorf("dividend %d: %w", id, ErrNotFound)
	}
	d := s.dividends[id]
	return &d, nil
}

func (s *MemoryStore) ListDividends(_ context.Context, page model.Page) ([]model.Dividend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := window(len(s.dividends), page)
	return append([]model.Dividend{}, s.dividends[lo:hi]...), nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id uint64) (*model.FuturesPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id >= uint64(len(s.positions)) {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	p := s.positions[id]
	return &p, nil
}

func (s *MemoryStore) ListPositionsByOwner(_ context.Context, owner string, page model.Page) ([]model.FuturesPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.FuturesPosition
	for _, p := range s.positions {
		if p.Owner == owner {
			matched = append(matched, p)
		}
	}
	lo, hi := window(len(matched), page)
	return append([]model.FuturesPosition{}, matched[lo:hi]...), nil
}

// window converts a page into slice bounds over n items.
func window(n int, page model.Page) (int, int) {
	page = page.Normalize()
	lo := page.Offset
	if lo > n {
		lo = n
	}
	hi := lo + page.Limit
	if hi > n {
		hi = n
	}
	return lo, hi
}
