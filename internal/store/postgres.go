package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/exchange-ledger/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Every changeset is written inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const (
	agentColumns = `identity, display_name, balance, locked_margin, traded_volume,
		realized_pnl, trade_count, registered_at, active`
	tradeColumns    = `id, buyer, seller, symbol, quantity, price, total, timestamp, kind`
	dividendColumns = `id, symbol, total_amount, requested_amount, per_share_amount, timestamp, recipients`
	positionColumns = `id, owner, contract_id, is_long, size, entry_price, margin, leverage,
		opened_at, active, exit_price, realized_pnl, liquidated, closed_at`
)

func (s *PostgresStore) Load(ctx context.Context) (*model.Snapshot, error) {
	snap := &model.Snapshot{PositionIndex: make(map[string][]uint64)}

	rows, err := s.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY identity`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	if snap.Agents, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Agent]); err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, name FROM symbols ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if snap.Symbols, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.Symbol]); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT h.identity, s.name, h.symbol_id, h.quantity
		 FROM holdings h JOIN symbols s ON s.id = h.symbol_id`)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	snap.Holdings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Holding, error) {
		var h model.Holding
		err := row.Scan(&h.Identity, &h.Symbol, &h.SymbolID, &h.Quantity)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}

	rows, err = s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM futures_positions WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	if snap.OpenPositions, err = pgx.CollectRows(rows, pgx.RowToStructByName[model.FuturesPosition]); err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	rows, err = s.pool.Query(ctx, `SELECT id, owner FROM futures_positions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load position index: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uint64
		var owner string
		if err := rows.Scan(&id, &owner); err != nil {
			return nil, fmt.Errorf("load position index: %w", err)
		}
		snap.PositionIndex[owner] = append(snap.PositionIndex[owner], id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load position index: %w", err)
	}

	st := &snap.State
	t := &st.Totals
	err = s.pool.QueryRow(ctx,
		`SELECT market_open, agent_count, total_deposited, total_withdrawn, total_settled,
		        total_trades, total_dividends_paid, dividend_count, futures_count,
		        total_forfeited, total_futures_profit, total_futures_loss, total_shares_minted
		 FROM exchange_state WHERE id = 1`).
		Scan(&st.MarketOpen, &t.AgentCount, &t.TotalDeposited, &t.TotalWithdrawn, &t.TotalSettled,
			&t.TotalTrades, &t.TotalDividendsPaid, &t.DividendCount, &t.FuturesCount,
			&t.TotalForfeited, &t.TotalFuturesProfit, &t.TotalFuturesLoss, &t.TotalSharesMinted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		snap.Initialized = false
	case err != nil:
		return nil, fmt.Errorf("load exchange state: %w", err)
	default:
		snap.Initialized = true
	}

	return snap, nil
}

func (s *PostgresStore) Commit(ctx context.Context, cs *model.Changeset) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	queueChangeset(batch, cs)

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("commit statement %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// queueChangeset turns a changeset into ordered statements. Symbols and
// agents go first so holdings' foreign keys resolve.
func queueChangeset(b *pgx.Batch, cs *model.Changeset) {
	for _, sym := range cs.Symbols {
		b.Queue(`INSERT INTO symbols (id, name) VALUES ($1, $2)`, sym.ID, sym.Name)
	}
	for _, a := range cs.Agents {
		b.Queue(
			`INSERT INTO agents (`+agentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (identity) DO UPDATE SET
			   display_name = EXCLUDED.display_name,
			   balance = EXCLUDED.balance,
			   locked_margin = EXCLUDED.locked_margin,
			   traded_volume = EXCLUDED.traded_volume,
			   realized_pnl = EXCLUDED.realized_pnl,
			   trade_count = EXCLUDED.trade_count,
			   active = EXCLUDED.active`,
			a.Identity, a.DisplayName, a.Balance, a.LockedMargin, a.TradedVolume,
			a.RealizedPnL, a.TradeCount, a.RegisteredAt, a.Active,
		)
	}
	for _, h := range cs.Holdings {
		b.Queue(
			`INSERT INTO holdings (identity, symbol_id, quantity) VALUES ($1, $2, $3)
			 ON CONFLICT (identity, symbol_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			h.Identity, h.SymbolID, h.Quantity,
		)
	}
	if t := cs.Trade; t != nil {
		b.Queue(
			`INSERT INTO trades (`+tradeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			t.ID, t.Buyer, t.Seller, t.Symbol, t.Quantity, t.Price, t.Total, t.Timestamp, string(t.Kind),
		)
	}
	if d := cs.Dividend; d != nil {
		b.Queue(
			`INSERT INTO dividends (`+dividendColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			d.ID, d.Symbol, d.TotalAmount, d.RequestedAmount, d.PerShareAmount, d.Timestamp, d.Recipients,
		)
	}
	for _, p := range cs.Positions {
		b.Queue(
			`INSERT INTO futures_positions (`+positionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (id) DO UPDATE SET
			   active = EXCLUDED.active,
			   exit_price = EXCLUDED.exit_price,
			   realized_pnl = EXCLUDED.realized_pnl,
			   liquidated = EXCLUDED.liquidated,
			   closed_at = EXCLUDED.closed_at`,
			p.ID, p.Owner, p.ContractID, p.IsLong, p.Size, p.EntryPrice, p.Margin, p.Leverage,
			p.OpenedAt, p.Active, p.ExitPrice, p.RealizedPnL, p.Liquidated, p.ClosedAt,
		)
	}

	st := cs.State
	t := st.Totals
	b.Queue(
		`INSERT INTO exchange_state (id, market_open, agent_count, total_deposited, total_withdrawn,
		     total_settled, total_trades, total_dividends_paid, dividend_count, futures_count,
		     total_forfeited, total_futures_profit, total_futures_loss, total_shares_minted)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   market_open = EXCLUDED.market_open,
		   agent_count = EXCLUDED.agent_count,
		   total_deposited = EXCLUDED.total_deposited,
		   total_withdrawn = EXCLUDED.total_withdrawn,
		   total_settled = EXCLUDED.total_settled,
		   total_trades = EXCLUDED.total_trades,
		   total_dividends_paid = EXCLUDED.total_dividends_paid,
		   dividend_count = EXCLUDED.dividend_count,
		   futures_count = EXCLUDED.futures_count,
		   total_forfeited = EXCLUDED.total_forfeited,
		   total_futures_profit = EXCLUDED.total_futures_profit,
		   total_futures_loss = EXCLUDED.total_futures_loss,
		   total_shares_minted = EXCLUDED.total_shares_minted`,
		st.MarketOpen, t.AgentCount, t.TotalDeposited, t.TotalWithdrawn,
		t.TotalSettled, t.TotalTrades, t.TotalDividendsPaid, t.DividendCount, t.FuturesCount,
		t.TotalForfeited, t.TotalFuturesProfit, t.TotalFuturesLoss, t.TotalSharesMinted,
	)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id uint64) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get trade %d: %w", id, err)
	}
	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Trade])
	if err != nil {
		return nil, notFound("trade", id, err)
	}
	return &t, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, page model.Page) ([]model.Trade, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades ORDER BY id OFFSET $1 LIMIT $2`, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Trade])
}

func (s *PostgresStore) ListTradesByAgent(ctx context.Context, identity string, page model.Page) ([]model.Trade, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE buyer = $1 OR seller = $1
		 ORDER BY id OFFSET $2 LIMIT $3`, identity, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Trade])
}

func (s *PostgresStore) GetDividend(ctx context.Context, id uint64) (*model.Dividend, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+dividendColumns+` FROM dividends WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get dividend %d: %w", id, err)
	}
	d, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Dividend])
	if err != nil {
		return nil, notFound("dividend", id, err)
	}
	return &d, nil
}

func (s *PostgresStore) ListDividends(ctx context.Context, page model.Page) ([]model.Dividend, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+dividendColumns+` FROM dividends ORDER BY id OFFSET $1 LIMIT $2`, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.Dividend])
}

func (s *PostgresStore) GetPosition(ctx context.Context, id uint64) (*model.FuturesPosition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM futures_positions WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get position %d: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.FuturesPosition])
	if err != nil {
		return nil, notFound("position", id, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListPositionsByOwner(ctx context.Context, owner string, page model.Page) ([]model.FuturesPosition, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM futures_positions WHERE owner = $1
		 ORDER BY id OFFSET $2 LIMIT $3`, owner, page.Offset, page.Limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[model.FuturesPosition])
}

// notFound maps pgx.ErrNoRows onto ErrNotFound.
func notFound(kind string, id uint64, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("get %s %d: %w", kind, id, err)
}
