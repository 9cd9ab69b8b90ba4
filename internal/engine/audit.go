package engine

import (
	"fmt"
	"sort"
)

// AuditReport is a point-in-time reconciliation of the books.
type AuditReport struct {
	Balances     int64 `json:"balances"`
	LockedMargin int64 `json:"locked_margin"`
	OpenMargin   int64 `json:"open_margin"`
	Expected     int64 `json:"expected"`
	Shares       int64 `json:"shares"`
	SharesMinted int64 `json:"shares_minted"`

	// Violations is empty when every check passes.
	Violations []string `json:"violations,omitempty"`
}

// OK reports whether the books reconcile.
func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Audit checks the value-conservation identities over the in-memory working
// set:
//
//	sum(balance + locked) = deposited - withdrawn + dividends + futures profit
//	                        - futures loss - forfeited
//	sum(locked)           = sum(margin of open positions)
//	sum(holdings)         = shares minted
//
// and that no balance, locked margin or holding is negative. A failing
// report is returned together with ErrConservation.
func (e *Engine) Audit() (AuditReport, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var r AuditReport
	ids := make([]string, 0, len(e.agents))
	for id := range e.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := e.agents[id]
		if a.Balance < 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("agent %s: negative balance %d", id, a.Balance))
		}
		if a.LockedMargin < 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("agent %s: negative locked margin %d", id, a.LockedMargin))
		}
		r.Balances += a.Balance
		r.LockedMargin += a.LockedMargin
	}
	for _, p := range e.positions {
		r.OpenMargin += p.Margin
	}
	for k, q := range e.holdings {
		if q < 0 {
			r.Violations = append(r.Violations, fmt.Sprintf("holding %s/%d: negative quantity %d", k.identity, k.symbol, q))
		}
		r.Shares += q
	}

	tot := e.state.Totals
	r.Expected = tot.TotalDeposited - tot.TotalWithdrawn + tot.TotalDividendsPaid +
		tot.TotalFuturesProfit - tot.TotalFuturesLoss - tot.TotalForfeited
	r.SharesMinted = tot.TotalSharesMinted

	if got := r.Balances + r.LockedMargin; got != r.Expected {
		r.Violations = append(r.Violations, fmt.Sprintf("value: books hold %d, counters expect %d", got, r.Expected))
	}
	if r.LockedMargin != r.OpenMargin {
		r.Violations = append(r.Violations, fmt.Sprintf("margin: locked %d, open positions %d", r.LockedMargin, r.OpenMargin))
	}
	if r.Shares != r.SharesMinted {
		r.Violations = append(r.Violations, fmt.Sprintf("shares: held %d, minted %d", r.Shares, r.SharesMinted))
	}

	if !r.OK() {
		return r, ErrConservation
	}
	return r, nil
}
