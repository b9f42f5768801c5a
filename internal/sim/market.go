// Package sim provides in-process stand-ins for the lending market, the
// basket ledger, the swap venues and the reward vault. The keeper runs
// against them in paper mode and the controller tests use them as fixtures.
package sim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownAsset   = errors.New("asset not listed on market")
	ErrBorrowLimit    = errors.New("borrow exceeds max LTV")
	ErrUnsafeWithdraw = errors.New("withdraw breaches liquidation threshold")
	ErrNegativeAmount = errors.New("balance would go negative")
)

type MarketConfig struct {
	CollateralAsset      string
	BorrowAsset          string
	CollateralDecimals   int
	BorrowDecimals       int
	MaxLTV               sdkmath.LegacyDec
	LiquidationThreshold sdkmath.LegacyDec
}

// Market is a single-collateral, single-debt lending market priced by an
// oracle.
type Market struct {
	cfg    MarketConfig
	oracle position.Oracle

	mu         sync.Mutex
	collateral map[common.Address]sdkmath.Int
	debt       map[common.Address]sdkmath.Int
}

func NewMarket(cfg MarketConfig, oracle position.Oracle) *Market {
	return &Market{
		cfg:        cfg,
		oracle:     oracle,
		collateral: make(map[common.Address]sdkmath.Int),
		debt:       make(map[common.Address]sdkmath.Int),
	}
}

func (m *Market) Config() MarketConfig {
	return m.cfg
}

func (m *Market) CollateralBalance(ctx context.Context, account common.Address, asset string) (sdkmath.Int, error) {
	_ = ctx
	if !strings.EqualFold(asset, m.cfg.CollateralAsset) {
		return sdkmath.Int{}, fmt.Errorf("collateral %s: %w", asset, ErrUnknownAsset)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return precise.IntOrZero(m.collateral[account]), nil
}

func (m *Market) DebtBalance(ctx context.Context, account common.Address, asset string) (sdkmath.Int, error) {
	_ = ctx
	if !strings.EqualFold(asset, m.cfg.BorrowAsset) {
		return sdkmath.Int{}, fmt.Errorf("debt %s: %w", asset, ErrUnknownAsset)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return precise.IntOrZero(m.debt[account]), nil
}

func (m *Market) RiskParameters(ctx context.Context, collateralAsset string) (position.RiskParameters, error) {
	_ = ctx
	if !strings.EqualFold(collateralAsset, m.cfg.CollateralAsset) {
		return position.RiskParameters{}, fmt.Errorf("risk %s: %w", collateralAsset, ErrUnknownAsset)
	}
	return position.RiskParameters{MaxLTV: m.cfg.MaxLTV, LiquidationThreshold: m.cfg.LiquidationThreshold}, nil
}

// Deposit supplies collateral without any health check.
func (m *Market) Deposit(account common.Address, amount sdkmath.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collateral[account] = precise.IntOrZero(m.collateral[account]).Add(amount)
}

// SetDebt overwrites the debt balance, e.g. to accrue interest in tests.
func (m *Market) SetDebt(account common.Address, amount sdkmath.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debt[account] = amount
}

// CheckAdjust reports whether Adjust would succeed without applying it.
func (m *Market) CheckAdjust(ctx context.Context, account common.Address, collateralDelta, debtDelta sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, _, err := m.next(ctx, account, collateralDelta, debtDelta)
	return err
}

// Adjust moves collateral and debt by the given deltas in one step. Raising
// debt is bounded by max LTV; withdrawing collateral while indebted is
// bounded by the liquidation threshold.
func (m *Market) Adjust(ctx context.Context, account common.Address, collateralDelta, debtDelta sdkmath.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, debt, err := m.next(ctx, account, collateralDelta, debtDelta)
	if err != nil {
		return err
	}
	m.collateral[account] = coll
	m.debt[account] = debt
	return nil
}

func (m *Market) next(ctx context.Context, account common.Address, collateralDelta, debtDelta sdkmath.Int) (sdkmath.Int, sdkmath.Int, error) {
	collateralDelta = precise.IntOrZero(collateralDelta)
	debtDelta = precise.IntOrZero(debtDelta)
	coll := precise.IntOrZero(m.collateral[account]).Add(collateralDelta)
	debt := precise.IntOrZero(m.debt[account]).Add(debtDelta)
	if coll.IsNegative() || debt.IsNegative() {
		return sdkmath.Int{}, sdkmath.Int{}, ErrNegativeAmount
	}
	if !debt.IsPositive() || (!debtDelta.IsPositive() && !collateralDelta.IsNegative()) {
		return coll, debt, nil
	}
	collPrice, err := m.oracle.Price(ctx, m.cfg.CollateralAsset)
	if err != nil {
		return sdkmath.Int{}, sdkmath.Int{}, err
	}
	debtPrice, err := m.oracle.Price(ctx, m.cfg.BorrowAsset)
	if err != nil {
		return sdkmath.Int{}, sdkmath.Int{}, err
	}
	collValue := precise.Value(coll, collPrice, m.cfg.CollateralDecimals)
	debtValue := precise.Value(debt, debtPrice, m.cfg.BorrowDecimals)
	if debtDelta.IsPositive() && debtValue.GT(collValue.MulTruncate(precise.OrZero(m.cfg.MaxLTV))) {
		return sdkmath.Int{}, sdkmath.Int{}, ErrBorrowLimit
	}
	if collateralDelta.IsNegative() && debtValue.GT(collValue.MulTruncate(precise.OrZero(m.cfg.LiquidationThreshold))) {
		return sdkmath.Int{}, sdkmath.Int{}, ErrUnsafeWithdraw
	}
	return coll, debt, nil
}
