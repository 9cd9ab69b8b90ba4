// Command demo drives the exchange engine through a short scripted session
// against in-memory collaborators and prints what happened.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/atmx/exchange-ledger/internal/auth"
	"github.com/atmx/exchange-ledger/internal/engine"
	"github.com/atmx/exchange-ledger/internal/events"
	"github.com/atmx/exchange-ledger/internal/model"
	"github.com/atmx/exchange-ledger/internal/store"
	"github.com/atmx/exchange-ledger/internal/vault"
)

const operator = "operator"

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "demo failed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	vlt := vault.NewMemoryVault(map[string]int64{
		"alice": units(5000),
		"bob":   units(1000),
	})
	rec := &events.Recorder{}

	eng, err := engine.New(ctx, engine.Options{
		Store:      store.NewMemoryStore(),
		Vault:      vlt,
		Authorizer: auth.NewSingleOperator(operator),
		Publisher:  rec,
		Logger:     logger,
		MarketOpen: true,
	})
	if err != nil {
		return err
	}

	step("Register agents")
	for _, id := range []string{"alice", "bob"} {
		if _, err := eng.Register(ctx, id, titleCase(id)); err != nil {
			return err
		}
	}
	showAgents(eng, "alice", "bob")

	step("alice deposits 1000")
	if _, err := eng.Deposit(ctx, "alice", units(1000)); err != nil {
		return err
	}
	showAgents(eng, "alice")

	step("Operator mints 500 ACME to bob")
	if _, err := eng.MintShares(ctx, operator, "bob", "ACME", 500); err != nil {
		return err
	}
	fmt.Printf("  bob holds %d ACME\n", eng.Holding("bob", "ACME"))

	step("Settle: alice buys 100 ACME from bob at 2.00")
	tr, err := eng.SettleTrade(ctx, operator, engine.SettleRequest{
		Buyer: "alice", Seller: "bob", Symbol: "ACME", Quantity: 100, Price: units(2),
	})
	if err != nil {
		return err
	}
	fmt.Printf("  trade #%d total %s\n", tr.ID, model.FormatAmount(tr.Total))
	showAgents(eng, "alice", "bob")
	fmt.Printf("  alice holds %d ACME, bob holds %d ACME\n", eng.Holding("alice", "ACME"), eng.Holding("bob", "ACME"))

	step("Dividend of 100 on ACME split 1:4 over 500 shares")
	div, err := eng.DistributeDividend(ctx, operator, engine.DividendRequest{
		Symbol:      "ACME",
		TotalAmount: units(100),
		Holders:     []string{"alice", "bob"},
		Shares:      []int64{100, 400},
		TotalShares: 500,
	})
	if err != nil {
		return err
	}
	fmt.Printf("  distributed %s (per share %s) to %d holders\n",
		model.FormatAmount(div.TotalAmount), model.FormatAmount(div.PerShareAmount), div.Recipients)

	step("alice opens a 10x long: size 1000 at 100")
	pos, err := eng.OpenFutures(ctx, "alice", engine.OpenFuturesRequest{
		ContractID: "ACME-DEC", IsLong: true, Size: units(1000), EntryPrice: units(100), Leverage: 10,
	})
	if err != nil {
		return err
	}
	fmt.Printf("  position #%d margin %s\n", pos.ID, model.FormatAmount(pos.Margin))
	showAgents(eng, "alice")

	step("Operator halts the market")
	if _, err := eng.ToggleMarket(ctx, operator); err != nil {
		return err
	}
	_, err = eng.SettleTrade(ctx, operator, engine.SettleRequest{
		Buyer: "alice", Seller: "bob", Symbol: "ACME", Quantity: 1, Price: units(2),
	})
	fmt.Printf("  settle while halted: %v\n", err)

	step("Close alice's long at 91 (loss of 90, margin 100)")
	res, err := eng.CloseFutures(ctx, operator, pos.ID, units(91))
	if err != nil {
		return err
	}
	fmt.Printf("  pnl %s payout %s liquidated=%v\n",
		model.FormatAmount(res.PnL), model.FormatAmount(res.Payout), res.Liquidated)
	showAgents(eng, "alice")

	step("bob withdraws 150 while halted")
	if _, err := eng.Withdraw(ctx, "bob", units(150)); err != nil {
		return err
	}
	showAgents(eng, "bob")
	fmt.Printf("  bob's external account: %s\n", model.FormatAmount(vlt.External("bob")))

	step("Audit")
	report, err := eng.Audit()
	fmt.Printf("  balances %s + locked %s, expected %s, ok=%v\n",
		model.FormatAmount(report.Balances), model.FormatAmount(report.LockedMargin),
		model.FormatAmount(report.Expected), report.OK())
	if err != nil {
		return fmt.Errorf("%w: %v", err, report.Violations)
	}

	st := eng.Stats()
	fmt.Printf("\n%d trades, %d dividends, %d futures, %d notifications\n",
		st.Totals.TotalTrades, st.Totals.DividendCount, st.Totals.FuturesCount, len(rec.Events()))
	return nil
}

func units(n int64) int64 { return n * model.Scale }

func step(title string) {
	fmt.Printf("\n== %s\n", title)
}

func showAgents(eng *engine.Engine, ids ...string) {
	for _, id := range ids {
		a, err := eng.Agent(id)
		if err != nil {
			fmt.Printf("  %s: %v\n", id, err)
			continue
		}
		fmt.Printf("  %-6s balance %14s  locked %12s  pnl %12s\n", a.DisplayName,
			model.FormatAmount(a.Balance), model.FormatAmount(a.LockedMargin), model.FormatAmount(a.RealizedPnL))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
