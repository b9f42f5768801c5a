package sim

import (
	"context"
	"errors"
	"sync"

	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
)

var ErrInsufficientSupply = errors.New("redeem exceeds total supply")

// Ledger tracks the basket token supply, the per-unit external debt position
// and idle balances left over from swaps.
type Ledger struct {
	mu       sync.Mutex
	supply   sdkmath.Int
	external map[string]sdkmath.Int
	idle     map[string]sdkmath.Int
}

func NewLedger(supply sdkmath.Int) *Ledger {
	return &Ledger{
		supply:   precise.IntOrZero(supply),
		external: make(map[string]sdkmath.Int),
		idle:     make(map[string]sdkmath.Int),
	}
}

func (l *Ledger) TotalSupply(ctx context.Context) (sdkmath.Int, error) {
	_ = ctx
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.supply, nil
}

func (l *Ledger) Issue(amount sdkmath.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.supply = l.supply.Add(amount)
}

func (l *Ledger) Redeem(amount sdkmath.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.GT(l.supply) {
		return ErrInsufficientSupply
	}
	l.supply = l.supply.Sub(amount)
	return nil
}

// SyncExternalPosition records the debt carried per basket unit. A zero
// total removes the position.
func (l *Ledger) SyncExternalPosition(asset string, total sdkmath.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !total.IsPositive() || !l.supply.IsPositive() {
		delete(l.external, asset)
		return
	}
	l.external[asset] = precise.DivIntCeil(total, l.supply)
}

// ExternalPositionUnit returns the debt per basket unit, if any.
func (l *Ledger) ExternalPositionUnit(asset string) (sdkmath.Int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.external[asset]
	return u, ok
}

func (l *Ledger) Credit(asset string, amount sdkmath.Int) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.idle[asset] = precise.IntOrZero(l.idle[asset]).Add(amount)
}

func (l *Ledger) Idle(asset string) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return precise.IntOrZero(l.idle[asset])
}
