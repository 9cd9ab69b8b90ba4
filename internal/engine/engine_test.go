package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/engine"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/store"
	"github.com/atmx/exchange-ledger/internal/vault"
)

const operator = "operator"

var epoch = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	eng   *engine.Engine
	store *store.MemoryStore
	vault *vault.MemoryVault
	rec   *events.Recorder
}

// newTestEnv creates an engine over in-memory collaborators with the
// market open.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		vault: vault.NewMemoryVault(nil),
		rec:   &events.Recorder{},
	}
	env.eng = env.open(t)
	return env
}

// open builds an engine over env's store, as a restart would.
func (env *testEnv) open(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.New(context.Background(), engine.Options{
		Store:      env.store,
		Vault:      env.vault,
		Authorizer: auth.NewSingleOperator(operator),
		Publisher:  env.rec,
		Clock:      func() time.Time { return epoch },
		MarketOpen: true,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func units(n int64) int64 { return n * model.Scale }

func (env *testEnv) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.eng.Register(context.Background(), id, "agent "+id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
}

func (env *testEnv) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	env.vault.Fund(id, amount)
	if _, err := env.eng.Deposit(context.Background(), id, amount); err != nil {
		t.Fatalf("deposit %s: %v", id, err)
	}
}

func (env *testEnv) mint(t *testing.T, id, sym string, qty int64) {
	t.Helper()
	if _, err := env.eng.MintShares(context.Background(), operator, id, sym, qty); err != nil {
		t.Fatalf("mint %s %s: %v", id, sym, err)
	}
}

func (env *testEnv) agent(t *testing.T, id string) model.Agent {
	t.Helper()
	a, err := env.eng.Agent(id)
	if err != nil {
		t.Fatalf("agent %s: %v", id, err)
	}
	return a
}

// mustAudit fails the test if the books do not reconcile.
func (env *testEnv) mustAudit(t *testing.T) engine.AuditReport {
	t.Helper()
	r, err := env.eng.Audit()
	if err != nil {
		t.Fatalf("audit: %v %v", err, r.Violations)
	}
	return r
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// --- Registry ---

func TestRegister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.eng.Register(ctx, "alice", "Alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !a.Active || a.Balance != 0 || !a.RegisteredAt.Equal(epoch) {
		t.Errorf("unexpected agent %+v", a)
	}

	_, err = env.eng.Register(ctx, "alice", "Again")
	expectErr(t, err, engine.ErrAlreadyRegistered)

	// Display names may repeat.
	if _, err := env.eng.Register(ctx, "bob", "Alice"); err != nil {
		t.Fatalf("duplicate display name rejected: %v", err)
	}

	if env.eng.AgentCount() != 2 {
		t.Errorf("expected 2 agents, got %d", env.eng.AgentCount())
	}
	if !env.eng.IsRegistered("alice") || env.eng.IsRegistered("carol") {
		t.Error("IsRegistered mismatch")
	}
	_, err = env.eng.Agent("carol")
	expectErr(t, err, engine.ErrNotRegistered)

	kinds := env.rec.Kinds()
	if len(kinds) != 2 || kinds[0] != events.KindAgentRegistered {
		t.Errorf("unexpected events %v", kinds)
	}
}

// --- Capital movement ---

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice")
	env.vault.Fund("alice", units(1000))

	a, err := env.eng.Deposit(ctx, "alice", units(600))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if a.Balance != units(600) {
		t.Errorf("balance %d", a.Balance)
	}
	if env.vault.External("alice") != units(400) || env.vault.Custody() != units(600) {
		t.Errorf("vault external=%d custody=%d", env.vault.External("alice"), env.vault.Custody())
	}

	a, err = env.eng.Withdraw(ctx, "alice", units(100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if a.Balance != units(500) || env.vault.External("alice") != units(500) {
		t.Errorf("balance %d external %d", a.Balance, env.vault.External("alice"))
	}

	_, err = env.eng.Withdraw(ctx, "alice", units(501))
	expectErr(t, err, engine.ErrInsufficientBalance)

	_, err = env.eng.Deposit(ctx, "alice", 0)
	expectErr(t, err, engine.ErrZeroAmount)
	_, err = env.eng.Withdraw(ctx, "alice", 0)
	expectErr(t, err, engine.ErrZeroAmount)
	_, err = env.eng.Deposit(ctx, "alice", -5)
	expectErr(t, err, engine.ErrInvalidAmount)

	_, err = env.eng.Deposit(ctx, "mallory", units(1))
	expectErr(t, err, engine.ErrNotRegistered)

	st := env.eng.Stats()
	if st.Totals.TotalDeposited != units(600) || st.Totals.TotalWithdrawn != units(100) {
		t.Errorf("totals %+v", st.Totals)
	}
	env.mustAudit(t)
}

func TestDeposit_VaultFailureLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.vault.Fund("alice", units(10))
	env.vault.FailPulls("alice", true)

	_, err := env.eng.Deposit(context.Background(), "alice", units(10))
	expectErr(t, err, engine.ErrVaultTransferFailed)

	if env.agent(t, "alice").Balance != 0 || env.eng.Stats().Totals.TotalDeposited != 0 {
		t.Error("failed deposit changed the books")
	}
	if env.vault.External("alice") != units(10) {
		t.Error("failed deposit moved external value")
	}

	// Not enough external value behaves the same way.
	env.vault.FailPulls("alice", false)
	_, err = env.eng.Deposit(context.Background(), "alice", units(11))
	expectErr(t, err, engine.ErrVaultTransferFailed)
	env.mustAudit(t)
}

func TestWithdraw_VaultFailureKeepsBalance(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")
	env.fund(t, "alice", units(50))
	env.vault.FailPushes("alice", true)

	_, err := env.eng.Withdraw(context.Background(), "alice", units(20))
	expectErr(t, err, engine.ErrVaultTransferFailed)

	if got := env.agent(t, "alice").Balance; got != units(50) {
		t.Errorf("expected balance restored to 50, got %s", model.FormatAmount(got))
	}
	if env.vault.Custody() != units(50) {
		t.Errorf("custody %d", env.vault.Custody())
	}
	for _, k := range env.rec.Kinds() {
		if k == events.KindWithdrawn {
			t.Error("withdrawn event published for failed withdraw")
		}
	}
	env.mustAudit(t)
}

func TestCommitFailure_Compensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "alice")
	env.fund(t, "alice", units(100))
	env.vault.Fund("alice", units(5))

	env.store.FailCommits(errors.New("database unavailable"))

	if _, err := env.eng.Deposit(ctx, "alice", units(5)); err == nil {
		t.Fatal("expected deposit to fail")
	}
	if env.vault.External("alice") != units(5) {
		t.Errorf("deposit pull not returned: external %d", env.vault.External("alice"))
	}

	if _, err := env.eng.Withdraw(ctx, "alice", units(40)); err == nil {
		t.Fatal("expected withdraw to fail")
	}
	if env.vault.Custody() != units(100) {
		t.Errorf("withdraw push not reclaimed: custody %d", env.vault.Custody())
	}
	if got := env.agent(t, "alice").Balance; got != units(100) {
		t.Errorf("balance changed to %d", got)
	}

	env.store.FailCommits(nil)
	if _, err := env.eng.Withdraw(ctx, "alice", units(40)); err != nil {
		t.Fatalf("withdraw after recovery: %v", err)
	}
	env.mustAudit(t)
}

// --- Settlement ---

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A", "B")
	env.fund(t, "A", units(1000))
	env.mint(t, "B", "X", 500)

	tr, err := env.eng.SettleTrade(ctx, operator, engine.SettleRequest{
		Buyer: "A", Seller: "B", Symbol: "X", Quantity: 100, Price: units(2),
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if tr.ID != 0 || tr.Total != units(200) || tr.Kind != model.KindSpot {
		t.Errorf("unexpected trade %+v", tr)
	}

	a, b := env.agent(t, "A"), env.agent(t, "B")
	if a.Balance != units(800) || env.eng.Holding("A", "X") != 100 {
		t.Errorf("A: balance %s holding %d", model.FormatAmount(a.Balance), env.eng.Holding("A", "X"))
	}
	if b.Balance != units(200) || env.eng.Holding("B", "X") != 400 {
		t.Errorf("B: balance %s holding %d", model.FormatAmount(b.Balance), env.eng.Holding("B", "X"))
	}
	if a.TradeCount != 1 || b.TradeCount != 1 || a.TradedVolume != units(200) {
		t.Errorf("agent stats A=%+v B=%+v", a, b)
	}
	if env.eng.TradeCount() != 1 || env.eng.Stats().Totals.TotalSettled != units(200) {
		t.Errorf("exchange totals %+v", env.eng.Stats().Totals)
	}

	got, err := env.eng.Trade(ctx, 0)
	if err != nil || *got != *tr {
		t.Errorf("trade lookup: %+v %v", got, err)
	}
	_, err = env.eng.Trade(ctx, 1)
	expectErr(t, err, engine.ErrTradeNotFound)

	byA, err := env.eng.AgentTrades(ctx, "A", model.Page{})
	if err != nil || len(byA) != 1 {
		t.Errorf("agent trades: %v %v", byA, err)
	}
	env.mustAudit(t)
}

func TestQueriesAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A", "B")
	env.fund(t, "A", units(1000))
	env.mint(t, "B", "X", 500)
	if _, err := env.eng.SettleTrade(ctx, operator, engine.SettleRequest{
		Buyer: "A", Seller: "B", Symbol: "X", Quantity: 10, Price: units(3),
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	type view struct {
		agent    model.Agent
		holdings []model.Holding
		stats    model.ExchangeState
		trade    model.Trade
		audit    engine.AuditReport
	}
	read := func() view {
		a := env.agent(t, "A")
		tr, err := env.eng.Trade(ctx, 0)
		if err != nil {
			t.Fatalf("trade: %v", err)
		}
		return view{
			agent:    a,
			holdings: env.eng.Holdings("A"),
			stats:    env.eng.Stats(),
			trade:    *tr,
			audit:    env.mustAudit(t),
		}
	}

	first, second := read(), read()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated reads differ:\n%+v\n%+v", first, second)
	}
	emitted := len(env.rec.Events())
	read()
	if got := len(env.rec.Events()); got != emitted {
		t.Errorf("reads emitted %d events", got-emitted)
	}
}

func TestSettleTrade_FractionalPrice(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "A", "B")
	env.fund(t, "A", units(10))
	env.mint(t, "B", "ACME", 3)

	price, err := model.ParseAmount("1.333333")
	if err != nil {
		t.Fatal(err)
	}
	tr, err := env.eng.SettleTrade(context.Background(), operator, engine.SettleRequest{
		Buyer: "A", Seller: "B", Symbol: "ACME", Quantity: 3, Price: price,
	})
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if model.FormatAmount(tr.Total) != "3.999999" {
		t.Errorf("expected total 3.999999, got %s", model.FormatAmount(tr.Total))
	}
	env.mustAudit(t)
}

func TestSettleTrade_RejectsWithoutMutation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A", "B")
	env.fund(t, "A", units(100))
	env.mint(t, "B", "X", 10)

	beforeA, beforeB := env.agent(t, "A"), env.agent(t, "B")
	eventsBefore := len(env.rec.Events())

	cases := []struct {
		name   string
		caller string
		req    engine.SettleRequest
		want   error
	}{
		{"not operator", "A", engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 1, Price: units(1)}, engine.ErrNotAuthorized},
		{"unregistered buyer", operator, engine.SettleRequest{Buyer: "Z", Seller: "B", Symbol: "X", Quantity: 1, Price: units(1)}, engine.ErrNotRegistered},
		{"unregistered seller", operator, engine.SettleRequest{Buyer: "A", Seller: "Z", Symbol: "X", Quantity: 1, Price: units(1)}, engine.ErrNotRegistered},
		{"insufficient balance", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 10, Price: units(11)}, engine.ErrInsufficientBalance},
		{"insufficient shares", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 11, Price: units(1)}, engine.ErrInsufficientShares},
		{"unknown symbol", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "Y", Quantity: 1, Price: units(1)}, engine.ErrInsufficientShares},
		{"bad symbol", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "not a ticker", Quantity: 1, Price: units(1)}, engine.ErrInvalidSymbol},
		{"negative quantity", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: -1, Price: units(1)}, engine.ErrInvalidAmount},
		{"overflow", operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 1 << 62, Price: 1 << 62}, engine.ErrArithmeticOverflow},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.eng.SettleTrade(ctx, tc.caller, tc.req)
			expectErr(t, err, tc.want)
		})
	}

	if env.agent(t, "A") != beforeA || env.agent(t, "B") != beforeB {
		t.Error("rejected trades mutated agents")
	}
	if env.eng.Holding("A", "X") != 0 || env.eng.Holding("B", "X") != 10 {
		t.Error("rejected trades moved shares")
	}
	if env.eng.TradeCount() != 0 || len(env.rec.Events()) != eventsBefore {
		t.Error("rejected trades left records or events")
	}
	env.mustAudit(t)
}

func TestMintShares(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A")

	_, err := env.eng.MintShares(ctx, "A", "A", "X", 5)
	expectErr(t, err, engine.ErrNotAuthorized)
	_, err = env.eng.MintShares(ctx, operator, "Z", "X", 5)
	expectErr(t, err, engine.ErrNotRegistered)

	h, err := env.eng.MintShares(ctx, operator, "A", "X", 5)
	if err != nil || h.Quantity != 5 {
		t.Fatalf("mint: %+v %v", h, err)
	}
	env.mint(t, "A", "Y", 7)
	env.mint(t, "A", "X", 1)

	holdings := env.eng.Holdings("A")
	if len(holdings) != 2 || holdings[0].Symbol != "X" || holdings[0].Quantity != 6 || holdings[1].Quantity != 7 {
		t.Errorf("holdings %+v", holdings)
	}
	if env.agent(t, "A").Balance != 0 {
		t.Error("minting moved cash")
	}
	r := env.mustAudit(t)
	if r.Shares != 13 {
		t.Errorf("expected 13 shares in audit, got %d", r.Shares)
	}
}

// --- Dividends ---

func TestDistributeDividend_Rounding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "h1", "h2")

	d, err := env.eng.DistributeDividend(ctx, operator, engine.DividendRequest{
		Symbol:      "X",
		TotalAmount: 100,
		Holders:     []string{"h1", "h2"},
		Shares:      []int64{1, 2},
		TotalShares: 3,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if env.agent(t, "h1").Balance != 33 || env.agent(t, "h2").Balance != 66 {
		t.Errorf("payouts %d %d", env.agent(t, "h1").Balance, env.agent(t, "h2").Balance)
	}
	if d.TotalAmount != 99 || d.RequestedAmount != 100 || d.PerShareAmount != 33 || d.Recipients != 2 {
		t.Errorf("unexpected record %+v", d)
	}
	if env.eng.DividendCount() != 1 || env.eng.Stats().Totals.TotalDividendsPaid != 99 {
		t.Errorf("totals %+v", env.eng.Stats().Totals)
	}

	got, err := env.eng.Dividend(ctx, 0)
	if err != nil || *got != *d {
		t.Errorf("dividend lookup: %+v %v", got, err)
	}
	_, err = env.eng.Dividend(ctx, 1)
	expectErr(t, err, engine.ErrDividendNotFound)
	env.mustAudit(t)
}

func TestDistributeDividend_SkipsAndCounts(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "h1", "h2")

	d, err := env.eng.DistributeDividend(context.Background(), operator, engine.DividendRequest{
		Symbol:      "X",
		TotalAmount: 1000,
		Holders:     []string{"h1", "ghost", "h2"},
		Shares:      []int64{5, 3, 0},
		TotalShares: 10,
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if d.TotalAmount != 500 || d.Recipients != 3 || d.PerShareAmount != 100 {
		t.Errorf("unexpected record %+v", d)
	}
	if env.agent(t, "h2").Balance != 0 {
		t.Error("zero-share holder was paid")
	}
	env.mustAudit(t)
}

func TestDistributeDividend_Rejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "h1")

	_, err := env.eng.DistributeDividend(ctx, "h1", engine.DividendRequest{Symbol: "X", TotalAmount: 1, Holders: []string{"h1"}, Shares: []int64{1}, TotalShares: 1})
	expectErr(t, err, engine.ErrNotAuthorized)
	_, err = env.eng.DistributeDividend(ctx, operator, engine.DividendRequest{Symbol: "X", TotalAmount: 1, Holders: []string{"h1"}, Shares: []int64{1, 2}, TotalShares: 1})
	expectErr(t, err, engine.ErrArrayLengthMismatch)
	_, err = env.eng.DistributeDividend(ctx, operator, engine.DividendRequest{Symbol: "X", TotalAmount: 1, Holders: []string{"h1"}, Shares: []int64{1}, TotalShares: 0})
	expectErr(t, err, engine.ErrNoShares)

	if env.eng.DividendCount() != 0 || env.agent(t, "h1").Balance != 0 {
		t.Error("rejected dividend left a trace")
	}
}

// --- Futures ---

func TestFutures_LiquidationBoundary(t *testing.T) {
	cases := []struct {
		exit       int64
		pnl        int64
		payout     int64
		liquidated bool
	}{
		{exit: 90, pnl: -100, payout: 0, liquidated: true},
		{exit: 91, pnl: -90, payout: 10, liquidated: false},
		{exit: 50, pnl: -500, payout: 0, liquidated: true},
		{exit: 110, pnl: 100, payout: 200, liquidated: false},
		{exit: 100, pnl: 0, payout: 100, liquidated: false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("exit_%d", tc.exit), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.register(t, "trader")
			env.fund(t, "trader", 1000)

			pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{
				ContractID: "ESZ5", IsLong: true, Size: 1000, EntryPrice: 100, Leverage: 10,
			})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if pos.Margin != 100 {
				t.Fatalf("expected margin 100, got %d", pos.Margin)
			}
			a := env.agent(t, "trader")
			if a.Balance != 900 || a.LockedMargin != 100 {
				t.Fatalf("after open: %+v", a)
			}
			env.mustAudit(t)

			res, err := env.eng.CloseFutures(ctx, operator, pos.ID, tc.exit)
			if err != nil {
				t.Fatalf("close: %v", err)
			}
			if res.PnL != tc.pnl || res.Payout != tc.payout || res.Liquidated != tc.liquidated {
				t.Errorf("got pnl=%d payout=%d liquidated=%v", res.PnL, res.Payout, res.Liquidated)
			}
			a = env.agent(t, "trader")
			if a.LockedMargin != 0 || a.Balance != 900+tc.payout {
				t.Errorf("after close: %+v", a)
			}
			if res.Position.Active || res.Position.RealizedPnL != tc.pnl || res.Position.ExitPrice != tc.exit {
				t.Errorf("closed position %+v", res.Position)
			}
			wantRealized := tc.pnl
			if tc.liquidated {
				wantRealized = -100
			}
			if a.RealizedPnL != wantRealized {
				t.Errorf("realized pnl %d, want %d", a.RealizedPnL, wantRealized)
			}

			stored, err := env.eng.Position(ctx, pos.ID)
			if err != nil || stored.Active {
				t.Errorf("position lookup after close: %+v %v", stored, err)
			}
			env.mustAudit(t)
		})
	}
}

func TestFutures_Short(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "trader")
	env.fund(t, "trader", 1000)

	pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{
		ContractID: "CLZ5", IsLong: false, Size: 300, EntryPrice: 100, Leverage: 3,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := env.eng.CloseFutures(ctx, operator, pos.ID, 93)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// (100-93)*300/100 = 21
	if res.PnL != 21 || res.Payout != 121 {
		t.Errorf("got pnl=%d payout=%d", res.PnL, res.Payout)
	}
	if env.agent(t, "trader").Balance != 1021 {
		t.Errorf("balance %d", env.agent(t, "trader").Balance)
	}
	env.mustAudit(t)
}

func TestFutures_TruncatesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "trader")
	env.fund(t, "trader", 1000)

	// margin 7/2 = 3; pnl (2-3)*7/3 = -7/3 truncates to -2.
	pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{
		ContractID: "Z", IsLong: true, Size: 7, EntryPrice: 3, Leverage: 2,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if pos.Margin != 3 {
		t.Errorf("margin %d", pos.Margin)
	}
	res, err := env.eng.CloseFutures(ctx, operator, pos.ID, 2)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.PnL != -2 || res.Payout != 1 {
		t.Errorf("got pnl=%d payout=%d", res.PnL, res.Payout)
	}
	env.mustAudit(t)
}

func TestFutures_Rejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "trader")
	env.fund(t, "trader", 50)

	for _, lev := range []int64{0, 11, -1} {
		_, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 100, EntryPrice: 10, Leverage: lev})
		expectErr(t, err, engine.ErrInvalidLeverage)
	}
	_, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 100, EntryPrice: 10, Leverage: 1})
	expectErr(t, err, engine.ErrInsufficientBalance)
	_, err = env.eng.OpenFutures(ctx, "nobody", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 10, EntryPrice: 10, Leverage: 1})
	expectErr(t, err, engine.ErrNotRegistered)
	_, err = env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 10, EntryPrice: 0, Leverage: 1})
	expectErr(t, err, engine.ErrInvalidAmount)

	pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 100, EntryPrice: 10, Leverage: 10})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = env.eng.CloseFutures(ctx, "trader", pos.ID, 10)
	expectErr(t, err, engine.ErrNotAuthorized)
	if _, err := env.eng.CloseFutures(ctx, operator, pos.ID, 10); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = env.eng.CloseFutures(ctx, operator, pos.ID, 10)
	expectErr(t, err, engine.ErrPositionNotActive)
	_, err = env.eng.CloseFutures(ctx, operator, 99, 10)
	expectErr(t, err, engine.ErrPositionNotActive)
	_, err = env.eng.Position(ctx, 99)
	expectErr(t, err, engine.ErrPositionNotFound)

	if env.eng.FuturesCount() != 1 {
		t.Errorf("futures count %d", env.eng.FuturesCount())
	}
	env.mustAudit(t)
}

func TestFutures_OverflowingLossLiquidates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "trader")
	env.fund(t, "trader", 1000)

	pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{
		ContractID: "C", IsLong: false, Size: 1000, EntryPrice: 1, Leverage: 10,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	res, err := env.eng.CloseFutures(ctx, operator, pos.ID, math.MaxInt64/2)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Liquidated || res.Payout != 0 || res.PnL != math.MinInt64 {
		t.Errorf("got pnl=%d payout=%d liquidated=%v", res.PnL, res.Payout, res.Liquidated)
	}
	a := env.agent(t, "trader")
	if a.LockedMargin != 0 || a.Balance != 900 || a.RealizedPnL != -100 {
		t.Errorf("after close: %+v", a)
	}
	if env.eng.Stats().Totals.TotalForfeited != 100 {
		t.Errorf("forfeited %d", env.eng.Stats().Totals.TotalForfeited)
	}
	env.mustAudit(t)
}

func TestFutures_OverflowingProfitRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "trader")
	env.fund(t, "trader", 1000)

	pos, err := env.eng.OpenFutures(ctx, "trader", engine.OpenFuturesRequest{
		ContractID: "C", IsLong: true, Size: 1000, EntryPrice: 1, Leverage: 10,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = env.eng.CloseFutures(ctx, operator, pos.ID, math.MaxInt64/2)
	expectErr(t, err, engine.ErrArithmeticOverflow)

	a := env.agent(t, "trader")
	if a.LockedMargin != 100 || a.Balance != 900 {
		t.Errorf("after rejected close: %+v", a)
	}
	if _, err := env.eng.CloseFutures(ctx, operator, pos.ID, 1); err != nil {
		t.Fatalf("close at entry: %v", err)
	}
	env.mustAudit(t)
}

func TestFutures_IndexAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "a", "b")
	env.fund(t, "a", 1000)
	env.fund(t, "b", 1000)

	open := func(who string) uint64 {
		p, err := env.eng.OpenFutures(ctx, who, engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 100, EntryPrice: 100, Leverage: 10})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return p.ID
	}
	a0, b0, a1 := open("a"), open("b"), open("a")
	if a0 != 0 || b0 != 1 || a1 != 2 {
		t.Fatalf("ids %d %d %d", a0, b0, a1)
	}
	ids := env.eng.AgentPositionIDs("a")
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 2 {
		t.Errorf("index %v", ids)
	}

	before := len(env.rec.Events())
	if _, err := env.eng.CloseFutures(ctx, operator, a0, 0); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := env.rec.Kinds()[before:]
	want := []events.Kind{events.KindFuturesClosed, events.KindMarginReleased, events.KindPositionLiquidated}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events %v, want %v", got, want)
	}

	page, err := env.eng.AgentPositions(ctx, "a", model.Page{})
	if err != nil || len(page) != 2 || page[0].Active || !page[1].Active {
		t.Errorf("agent positions %+v %v", page, err)
	}
	env.mustAudit(t)
}

// --- Circuit breaker ---

func TestCircuitBreakerScope(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A", "B")
	env.fund(t, "A", units(100))
	env.mint(t, "B", "X", 10)

	pos, err := env.eng.OpenFutures(ctx, "A", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: units(10), EntryPrice: units(1), Leverage: 5})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	_, err = env.eng.ToggleMarket(ctx, "A")
	expectErr(t, err, engine.ErrNotAuthorized)

	open, err := env.eng.ToggleMarket(ctx, operator)
	if err != nil || open {
		t.Fatalf("toggle: %v %v", open, err)
	}
	if env.eng.MarketOpen() {
		t.Fatal("market still open")
	}

	_, err = env.eng.SettleTrade(ctx, operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 1, Price: units(1)})
	expectErr(t, err, engine.ErrMarketClosed)
	_, err = env.eng.OpenFutures(ctx, "A", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: 10, EntryPrice: 1, Leverage: 1})
	expectErr(t, err, engine.ErrMarketClosed)

	env.vault.Fund("A", units(5))
	if _, err := env.eng.Deposit(ctx, "A", units(5)); err != nil {
		t.Errorf("deposit while halted: %v", err)
	}
	if _, err := env.eng.Withdraw(ctx, "A", units(5)); err != nil {
		t.Errorf("withdraw while halted: %v", err)
	}
	if _, err := env.eng.CloseFutures(ctx, operator, pos.ID, units(1)); err != nil {
		t.Errorf("close while halted: %v", err)
	}

	open, err = env.eng.ToggleMarket(ctx, operator)
	if err != nil || !open {
		t.Fatalf("reopen: %v %v", open, err)
	}
	if _, err := env.eng.SettleTrade(ctx, operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "X", Quantity: 1, Price: units(1)}); err != nil {
		t.Errorf("settle after reopen: %v", err)
	}
	env.mustAudit(t)
}

// --- Persistence ---

func TestRestoreFromStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, "A", "B")
	env.fund(t, "A", units(100))
	env.mint(t, "B", "X", 10)
	env.mint(t, "B", "Y", 4)
	if _, err := env.eng.SettleTrade(ctx, operator, engine.SettleRequest{Buyer: "A", Seller: "B", Symbol: "Y", Quantity: 2, Price: units(3)}); err != nil {
		t.Fatalf("settle: %v", err)
	}
	pos, err := env.eng.OpenFutures(ctx, "A", engine.OpenFuturesRequest{ContractID: "C", IsLong: true, Size: units(10), EntryPrice: units(1), Leverage: 2})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := env.eng.ToggleMarket(ctx, operator); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	restarted := env.open(t)
	if restarted.MarketOpen() {
		t.Error("persisted halt lost on restart")
	}
	if restarted.Stats() != env.eng.Stats() {
		t.Errorf("stats differ: %+v vs %+v", restarted.Stats(), env.eng.Stats())
	}
	for _, id := range []string{"A", "B"} {
		a, _ := restarted.Agent(id)
		if a != env.agent(t, id) {
			t.Errorf("agent %s differs after restart", id)
		}
	}
	if restarted.Holding("A", "Y") != 2 || restarted.Holding("B", "X") != 10 {
		t.Error("holdings differ after restart")
	}
	if ids := restarted.AgentPositionIDs("A"); len(ids) != 1 || ids[0] != pos.ID {
		t.Errorf("position index %v", ids)
	}
	res, err := restarted.CloseFutures(ctx, operator, pos.ID, units(1))
	if err != nil || res.Payout != units(5) {
		t.Errorf("close after restart: %+v %v", res, err)
	}
	if _, err := restarted.Audit(); err != nil {
		t.Errorf("audit after restart: %v", err)
	}
}

// --- Concurrency ---

func TestConcurrentOperationsConserveValue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const agents = 8
	ids := make([]string, agents)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%d", i)
		env.register(t, ids[i])
		env.fund(t, ids[i], units(1000))
		env.mint(t, ids[i], "X", 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			buyer, seller := ids[i], ids[(i+1)%agents]
			for j := 0; j < 20; j++ {
				_, _ = env.eng.SettleTrade(ctx, operator, engine.SettleRequest{Buyer: buyer, Seller: seller, Symbol: "X", Quantity: 1, Price: units(3)})
				p, err := env.eng.OpenFutures(ctx, buyer, engine.OpenFuturesRequest{ContractID: "C", IsLong: j%2 == 0, Size: units(20), EntryPrice: units(10), Leverage: 4})
				if err == nil {
					_, _ = env.eng.CloseFutures(ctx, operator, p.ID, units(int64(8+j%5)))
				}
				_, _ = env.eng.Withdraw(ctx, buyer, units(1))
				_ = env.eng.Stats()
			}
		}(i)
	}
	wg.Wait()

	r := env.mustAudit(t)
	if r.Shares != agents*100 {
		t.Errorf("shares %d", r.Shares)
	}
	if env.eng.TradeCount() != agents*20 {
		t.Errorf("trade count %d", env.eng.TradeCount())
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{engine.ErrMarketClosed, "market_closed"},
		{fmt.Errorf("wrapped: %w", engine.ErrInsufficientShares), "insufficient_shares"},
		{model.ErrOverflow, "overflow"},
		{engine.ErrTradeNotFound, "not_found"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := engine.Kind(tt.err); got != tt.want {
			t.Errorf("Kind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
