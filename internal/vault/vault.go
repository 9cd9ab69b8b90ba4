// Package vault is the adapter between the engine and the external asset
// custodian. The engine trusts a vault's return value as ground truth: a nil
// error means the value moved, any error means nothing moved.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInsufficientFunds = errors.New("vault: insufficient external funds")
	ErrTransferRejected  = errors.New("vault: transfer rejected")
)

// Vault moves fixed-point value in and out of the engine's custody.
// Both calls are synchronous and total.
type Vault interface {
	// Pull moves amount from the identity's external account into custody.
	Pull(ctx context.Context, from string, amount int64) error

	// Push moves amount from custody to the identity's external account.
	Push(ctx context.Context, to string, amount int64) error
}

// MemoryVault simulates a custodian with per-identity external accounts.
// Used by the demo driver, tests, and deployments without a real custodian.
type MemoryVault struct {
	mu       sync.Mutex
	external map[string]int64
	custody  int64
	failPull map[string]bool
	failPush map[string]bool
}

// NewMemoryVault creates a vault seeded with external balances.
func NewMemoryVault(balances map[string]int64) *MemoryVault {
	ext := make(map[string]int64, len(balances))
	for id, amt := range balances {
		ext[id] = amt
	}
	return &MemoryVault{
		external: ext,
		failPull: make(map[string]bool),
		failPush: make(map[string]bool),
	}
}

func (v *MemoryVault) Pull(ctx context.Context, from string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failPull[from] {
		return fmt.Errorf("%w: pull from %s", ErrTransferRejected, from)
	}
	if v.external[from] < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, v.external[from], amount)
	}
	v.external[from] -= amount
	v.custody += amount
	return nil
}

func (v *MemoryVault) Push(ctx context.Context, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failPush[to] {
		return fmt.Errorf("%w: push to %s", ErrTransferRejected, to)
	}
	if v.custody < amount {
		return fmt.Errorf("%w: custody holds %d, needs %d", ErrInsufficientFunds, v.custody, amount)
	}
	v.custody -= amount
	v.external[to] += amount
	return nil
}

// Fund credits an identity's external account.
func (v *MemoryVault) Fund(identity string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.external[identity] += amount
}

// External returns an identity's external balance.
func (v *MemoryVault) External(identity string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.external[identity]
}

// Custody returns the value currently held on behalf of the engine.
func (v *MemoryVault) Custody() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custody
}

// FailPulls makes every pull from identity fail (or succeed again).
func (v *MemoryVault) FailPulls(identity string, fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failPull[identity] = fail
}

// FailPushes makes every push to identity fail (or succeed again).
func (v *MemoryVault) FailPushes(identity string, fail bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failPush[identity] = fail
}
