package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

var ErrInsufficientBalance = errors.New("insufficient vault balance")

// RewardVault holds the native-currency balance ripcord rewards are paid
// from.
type RewardVault struct {
	mu      sync.Mutex
	balance sdkmath.Int
	paid    map[common.Address]sdkmath.Int
	failErr    error
	balanceErr error
}

func NewRewardVault(balance sdkmath.Int) *RewardVault {
	return &RewardVault{
		balance: precise.IntOrZero(balance),
		paid:    make(map[common.Address]sdkmath.Int),
	}
}

func (v *RewardVault) Balance(ctx context.Context) (sdkmath.Int, error) {
	_ = ctx
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balanceErr != nil {
		return sdkmath.Int{}, v.balanceErr
	}
	return v.balance, nil
}

func (v *RewardVault) Deposit(amount sdkmath.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = v.balance.Add(amount)
}

func (v *RewardVault) Transfer(ctx context.Context, to common.Address, amount sdkmath.Int) error {
	_ = ctx
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.failErr != nil {
		return v.failErr
	}
	if amount.GT(v.balance) {
		return fmt.Errorf("transfer %s of %s: %w", amount, v.balance, ErrInsufficientBalance)
	}
	v.balance = v.balance.Sub(amount)
	v.paid[to] = precise.IntOrZero(v.paid[to]).Add(amount)
	return nil
}

// FailTransfers makes every later Transfer return err. Nil restores normal
// behaviour.
func (v *RewardVault) FailTransfers(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failErr = err
}

// FailBalance makes every later Balance return err.
func (v *RewardVault) FailBalance(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balanceErr = err
}

// Paid returns the total transferred to addr.
func (v *RewardVault) Paid(addr common.Address) sdkmath.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return precise.IntOrZero(v.paid[addr])
}
