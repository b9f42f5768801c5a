package sim

import (
	"context"
	"errors"
	"fmt"

	"flexlev-keeper/internal/exec"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrRedeemLimit = errors.New("repaying debt needs more collateral than allowed")

// Quoter prices exact-out swaps for delever-to-zero.
type Quoter interface {
	QuoteIn(ctx context.Context, venueName, sell, buy string, out sdkmath.Int, payload []byte) (sdkmath.Int, error)
}

// LeverageModule carries out lever and delever orders for one basket
// account: it moves funds on the market and swaps through the executor.
// Order quantities are per basket unit and are scaled by the ledger supply.
type LeverageModule struct {
	account  common.Address
	market   *Market
	ledger   *Ledger
	executor *exec.Executor
	quoter   Quoter
	log      *zap.Logger
}

func NewLeverageModule(account common.Address, market *Market, ledger *Ledger, executor *exec.Executor, quoter Quoter, log *zap.Logger) *LeverageModule {
	if log == nil {
		log = zap.NewNop()
	}
	return &LeverageModule{
		account:  account,
		market:   market,
		ledger:   ledger,
		executor: executor,
		quoter:   quoter,
		log:      log,
	}
}

func (m *LeverageModule) Lever(ctx context.Context, order position.LeverOrder) error {
	supply, err := m.ledger.TotalSupply(ctx)
	if err != nil {
		return err
	}
	borrow := precise.MulUnits(order.BorrowUnits, supply)
	if !borrow.IsPositive() {
		return nil
	}
	if err := m.market.CheckAdjust(ctx, m.account, sdkmath.ZeroInt(), borrow); err != nil {
		return fmt.Errorf("borrow %s %s: %w", borrow, order.BorrowAsset, err)
	}
	received, err := m.executor.Execute(ctx, exec.Swap{
		Venue:      order.Venue,
		Sell:       order.BorrowAsset,
		Buy:        order.CollateralAsset,
		Amount:     borrow,
		MinReceive: precise.MulUnits(order.MinReceiveUnits, supply),
		Payload:    order.Payload,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		return err
	}
	if err := m.market.Adjust(ctx, m.account, received, borrow); err != nil {
		return err
	}
	m.syncDebt(ctx, order.BorrowAsset)
	m.log.Debug("levered",
		zap.String("venue", order.Venue),
		zap.String("borrowed", borrow.String()),
		zap.String("received", received.String()),
	)
	return nil
}

func (m *LeverageModule) Delever(ctx context.Context, order position.DeleverOrder) error {
	supply, err := m.ledger.TotalSupply(ctx)
	if err != nil {
		return err
	}
	redeem := precise.MulUnits(order.RedeemUnits, supply)
	if !redeem.IsPositive() {
		return nil
	}
	if err := m.market.CheckAdjust(ctx, m.account, redeem.Neg(), sdkmath.ZeroInt()); err != nil {
		return fmt.Errorf("withdraw %s %s: %w", redeem, order.CollateralAsset, err)
	}
	received, err := m.executor.Execute(ctx, exec.Swap{
		Venue:      order.Venue,
		Sell:       order.CollateralAsset,
		Buy:        order.RepayAsset,
		Amount:     redeem,
		MinReceive: precise.MulUnits(order.MinRepayUnits, supply),
		Payload:    order.Payload,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		return err
	}
	return m.repay(ctx, order.RepayAsset, redeem, received)
}

// DeleverToZeroBorrowBalance sells just enough collateral to repay the whole
// debt and clears the ledger's debt position.
func (m *LeverageModule) DeleverToZeroBorrowBalance(ctx context.Context, order position.DeleverToZeroOrder) error {
	supply, err := m.ledger.TotalSupply(ctx)
	if err != nil {
		return err
	}
	debt, err := m.market.DebtBalance(ctx, m.account, order.RepayAsset)
	if err != nil {
		return err
	}
	if !debt.IsPositive() {
		m.ledger.SyncExternalPosition(order.RepayAsset, sdkmath.ZeroInt())
		return nil
	}
	maxRedeem := precise.MulUnits(order.MaxRedeemUnits, supply)
	need, err := m.quoter.QuoteIn(ctx, order.Venue, order.CollateralAsset, order.RepayAsset, debt, order.Payload)
	if err != nil {
		return err
	}
	if need.GT(maxRedeem) {
		return fmt.Errorf("need %s have %s: %w", need, maxRedeem, ErrRedeemLimit)
	}
	received, err := m.executor.Execute(ctx, exec.Swap{
		Venue:      order.Venue,
		Sell:       order.CollateralAsset,
		Buy:        order.RepayAsset,
		Amount:     need,
		MinReceive: debt,
		Payload:    order.Payload,
		ClientID:   uuid.NewString(),
	})
	if err != nil {
		return err
	}
	return m.repay(ctx, order.RepayAsset, need, received)
}

func (m *LeverageModule) repay(ctx context.Context, asset string, redeemed, received sdkmath.Int) error {
	debt, err := m.market.DebtBalance(ctx, m.account, asset)
	if err != nil {
		return err
	}
	repay := sdkmath.MinInt(received, debt)
	if err := m.market.Adjust(ctx, m.account, redeemed.Neg(), repay.Neg()); err != nil {
		return err
	}
	m.ledger.Credit(asset, received.Sub(repay))
	m.syncDebt(ctx, asset)
	m.log.Debug("delevered",
		zap.String("redeemed", redeemed.String()),
		zap.String("repaid", repay.String()),
	)
	return nil
}

func (m *LeverageModule) syncDebt(ctx context.Context, asset string) {
	debt, err := m.market.DebtBalance(ctx, m.account, asset)
	if err != nil {
		m.log.Warn("debt position sync failed", zap.Error(err))
		return
	}
	m.ledger.SyncExternalPosition(asset, debt)
}
