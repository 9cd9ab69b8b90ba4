// Package store defines the persistence interface for the exchange ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache of log records), and in-memory (for testing and the demo driver).
package store

import (
	"context"
	"errors"

	"github.com/atmx/exchange-ledger/internal/model"
)

// ErrNotFound is returned when a log record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine keeps the working set in
// memory and hands every operation's writes to Commit as one unit.
type Store interface {
	// --- Engine state ---

	// Load returns the state the engine needs to resume.
	Load(ctx context.Context) (*model.Snapshot, error)

	// Commit applies every write of one operation atomically.
	Commit(ctx context.Context, cs *model.Changeset) error

	// --- Append-only logs ---

	// GetTrade returns one trade by id.
	GetTrade(ctx context.Context, id uint64) (*model.Trade, error)

	// ListTrades returns a page of trades in id order.
	ListTrades(ctx context.Context, page model.Page) ([]model.Trade, error)

	// ListTradesByAgent returns a page of trades where identity is buyer or seller.
	ListTradesByAgent(ctx context.Context, identity string, page model.Page) ([]model.Trade, error)

	// GetDividend returns one dividend record by id.
	GetDividend(ctx context.Context, id uint64) (*model.Dividend, error)

	// ListDividends returns a page of dividend records in id order.
	ListDividends(ctx context.Context, page model.Page) ([]model.Dividend, error)

	// GetPosition returns one futures position, open or closed.
	GetPosition(ctx context.Context, id uint64) (*model.FuturesPosition, error)

	// ListPositionsByOwner returns a page of an identity's positions in id order.
	ListPositionsByOwner(ctx context.Context, owner string, page model.Page) ([]model.FuturesPosition, error)
}
