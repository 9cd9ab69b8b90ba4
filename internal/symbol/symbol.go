// Package symbol validates share tickers and interns them into small
// integer ids so holdings can be keyed without carrying strings around.
package symbol

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/atmx/exchange-ledger/internal/model"
)

// tickerRegex matches 1-16 characters of upper-case letters, digits,
// '.', '-' and '_', starting with a letter or digit.
// Examples: X, AAPL, BRK.B, SPY-2025
var tickerRegex = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,15}$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid ticker")
	ErrDuplicate     = errors.New("symbol: already interned")
)

// ID is the interned form of a ticker.
type ID uint32

// Validate checks a ticker's format.
func Validate(name string) error {
	if !tickerRegex.MatchString(name) {
		return fmt.Errorf("%w: %q (expected 1-16 of A-Z 0-9 . _ -)", ErrInvalidSymbol, name)
	}
	return nil
}

// Table maps tickers to ids and back. Ids are dense and start at 0.
// Table is not safe for concurrent use; the owner serialises access.
type Table struct {
	byName map[string]ID
	names  []string
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byName: make(map[string]ID)}
}

// Restore rebuilds a table from persisted entries.
func Restore(entries []model.Symbol) (*Table, error) {
	t := NewTable()
	// Entries may arrive in any order; place them by id.
	t.names = make([]string, len(entries))
	for _, e := range entries {
		if int(e.ID) >= len(entries) || t.names[e.ID] != "" {
			return nil, fmt.Errorf("symbol table: bad id %d for %q", e.ID, e.Name)
		}
		t.names[e.ID] = e.Name
		t.byName[e.Name] = ID(e.ID)
	}
	return t, nil
}

// Lookup returns the id of an interned ticker.
func (t *Table) Lookup(name string) (ID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Name returns the ticker for an id.
func (t *Table) Name(id ID) (string, bool) {
	if int(id) >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

// Next is the id the next new ticker will receive.
func (t *Table) Next() ID {
	return ID(len(t.names))
}

// Add appends an entry whose id must equal Next().
func (t *Table) Add(e model.Symbol) error {
	if _, ok := t.byName[e.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.Name)
	}
	if ID(e.ID) != t.Next() {
		return fmt.Errorf("symbol table: id %d out of sequence (next %d)", e.ID, t.Next())
	}
	t.byName[e.Name] = ID(e.ID)
	t.names = append(t.names, e.Name)
	return nil
}

// Len returns the number of interned tickers.
func (t *Table) Len() int {
	return len(t.names)
}
