package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/exchange-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Trade and dividend records are immutable, so they never need
// invalidation; positions are invalidated when a changeset touches them.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, cs *model.Changeset) error {
	if err := s.primary.Commit(ctx, cs); err != nil {
		return err
	}
	if len(cs.Positions) > 0 {
		keys := make([]string, 0, len(cs.Positions))
		for _, p := range cs.Positions {
			keys = append(keys, positionKey(p.ID))
		}
		s.rdb.Del(ctx, keys...)
	}
	// Prime the cache with the record just written.
	if cs.Trade != nil {
		s.cache(ctx, tradeKey(cs.Trade.ID), cs.Trade)
	}
	if cs.Dividend != nil {
		s.cache(ctx, dividendKey(cs.Dividend.ID), cs.Dividend)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTrade(ctx context.Context, id uint64) (*model.Trade, error) {
	var t model.Trade
	if s.lookup(ctx, tradeKey(id), &t) {
		return &t, nil
	}
	tp, err := s.primary.GetTrade(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tradeKey(id), tp)
	return tp, nil
}

func (s *CachedStore) GetDividend(ctx context.Context, id uint64) (*model.Dividend, error) {
	var d model.Dividend
	if s.lookup(ctx, dividendKey(id), &d) {
		return &d, nil
	}
	dp, err := s.primary.GetDividend(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, dividendKey(id), dp)
	return dp, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, id uint64) (*model.FuturesPosition, error) {
	var p model.FuturesPosition
	if s.lookup(ctx, positionKey(id), &p) {
		return &p, nil
	}
	pp, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionKey(id), pp)
	return pp, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.Load(ctx)
}

func (s *CachedStore) ListTrades(ctx context.Context, page model.Page) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, page)
}

func (s *CachedStore) ListTradesByAgent(ctx context.Context, identity string, page model.Page) ([]model.Trade, error) {
	return s.primary.ListTradesByAgent(ctx, identity, page)
}

func (s *CachedStore) ListDividends(ctx context.Context, page model.Page) ([]model.Dividend, error) {
	return s.primary.ListDividends(ctx, page)
}

func (s *CachedStore) ListPositionsByOwner(ctx context.Context, owner string, page model.Page) ([]model.FuturesPosition, error) {
	return s.primary.ListPositionsByOwner(ctx, owner, page)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func tradeKey(id uint64) string    { return fmt.Sprintf("trade:%d", id) }
func dividendKey(id uint64) string { return fmt.Sprintf("dividend:%d", id) }
func positionKey(id uint64) string { return fmt.Sprintf("position:%d", id) }
