// Package access decides which callers may invoke controller entry points.
package access

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotOperator    = errors.New("caller must be operator")
	ErrLengthMismatch = errors.New("array length mismatch")
)

// Policy holds the operator, the trader allow-list and the set of known
// contract addresses that the EOA guard rejects.
type Policy struct {
	mu             sync.RWMutex
	operator       common.Address
	allowed        map[common.Address]bool
	contracts      map[common.Address]bool
	anyoneCallable bool
}

func NewPolicy(operator common.Address) *Policy {
	return &Policy{
		operator:  operator,
		allowed:   make(map[common.Address]bool),
		contracts: make(map[common.Address]bool),
	}
}

func (p *Policy) Operator() common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.operator
}

func (p *Policy) IsOperator(caller common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return caller != (common.Address{}) && caller == p.operator
}

func (p *Policy) IsAllowedTrader(caller common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anyoneCallable || p.allowed[caller]
}

func (p *Policy) IsEOA(caller common.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return caller != (common.Address{}) && !p.contracts[caller]
}

func (p *Policy) AnyoneCallable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.anyoneCallable
}

// UpdateCallerStatus sets the allow-list status of each target.
func (p *Policy) UpdateCallerStatus(caller common.Address, targets []common.Address, statuses []bool) error {
	if len(targets) != len(statuses) {
		return ErrLengthMismatch
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.operator {
		return ErrNotOperator
	}
	for i, target := range targets {
		if statuses[i] {
			p.allowed[target] = true
		} else {
			delete(p.allowed, target)
		}
	}
	return nil
}

func (p *Policy) UpdateAnyoneCallable(caller common.Address, status bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if caller != p.operator {
		return ErrNotOperator
	}
	p.anyoneCallable = status
	return nil
}

// MarkContract records addr as a contract account.
func (p *Policy) MarkContract(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contracts[addr] = true
}
