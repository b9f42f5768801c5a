// Package position reads the basket's collateral and debt state and issues
// lever and delever orders against the lending market.
package position

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"flexlev-keeper/internal/leverage"
	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrZeroPrice  = errors.New("oracle price must be positive")
	ErrNoSupply   = errors.New("basket total supply is zero")
	ErrMissingDep = errors.New("position gateway dependency missing")
)

type RiskParameters struct {
	MaxLTV               sdkmath.LegacyDec
	LiquidationThreshold sdkmath.LegacyDec
}

type LendingMarket interface {
	CollateralBalance(ctx context.Context, account common.Address, asset string) (sdkmath.Int, error)
	DebtBalance(ctx context.Context, account common.Address, asset string) (sdkmath.Int, error)
	RiskParameters(ctx context.Context, collateralAsset string) (RiskParameters, error)
}

type Oracle interface {
	Price(ctx context.Context, asset string) (sdkmath.LegacyDec, error)
}

type Ledger interface {
	TotalSupply(ctx context.Context) (sdkmath.Int, error)
}

// LeverageModule executes trades on behalf of the basket. Quantities are per
// basket unit (scaled by 1e18 total supply), matching how the ledger tracks
// positions.
type LeverageModule interface {
	Lever(ctx context.Context, order LeverOrder) error
	Delever(ctx context.Context, order DeleverOrder) error
	DeleverToZeroBorrowBalance(ctx context.Context, order DeleverToZeroOrder) error
}

// LeverOrder borrows BorrowUnits, swaps them on the venue and supplies at
// least MinReceiveUnits of collateral.
type LeverOrder struct {
	Venue           string
	BorrowAsset     string
	CollateralAsset string
	BorrowUnits     sdkmath.Int
	MinReceiveUnits sdkmath.Int
	Payload         []byte
}

// DeleverOrder withdraws RedeemUnits of collateral, swaps them and repays at
// least MinRepayUnits of debt.
type DeleverOrder struct {
	Venue           string
	CollateralAsset string
	RepayAsset      string
	RedeemUnits     sdkmath.Int
	MinRepayUnits   sdkmath.Int
	Payload         []byte
}

// DeleverToZeroOrder withdraws up to MaxRedeemUnits of collateral and repays
// the whole borrow balance, clearing the ledger's external debt position.
type DeleverToZeroOrder struct {
	Venue           string
	CollateralAsset string
	RepayAsset      string
	MaxRedeemUnits  sdkmath.Int
	Payload         []byte
}

// Contract describes the position the gateway manages.
type Contract struct {
	Account            common.Address
	CollateralAsset    string
	BorrowAsset        string
	CollateralDecimals int
	BorrowDecimals     int
}

func (c Contract) validate() error {
	if strings.TrimSpace(c.CollateralAsset) == "" || strings.TrimSpace(c.BorrowAsset) == "" {
		return errors.New("collateral and borrow assets are required")
	}
	if c.CollateralDecimals < 0 || c.BorrowDecimals < 0 {
		return errors.New("decimals must be >= 0")
	}
	return nil
}

// Snapshot is one consistent read of the position taken at the start of a
// controller transition.
type Snapshot struct {
	CollateralBalance sdkmath.Int
	BorrowBalance     sdkmath.Int
	CollateralPrice   sdkmath.LegacyDec
	BorrowPrice       sdkmath.LegacyDec
	CollateralValue   sdkmath.LegacyDec
	BorrowValue       sdkmath.LegacyDec
	TotalSupply       sdkmath.Int
	Risk              RiskParameters
	At                time.Time
}

func (s Snapshot) Ratio() (sdkmath.LegacyDec, error) {
	return leverage.CurrentRatio(s.CollateralValue, s.BorrowValue)
}

// Trade records what the gateway sent to the leverage module.
type Trade struct {
	Kind            string
	Venue           string
	CollateralUnits sdkmath.Int
	BorrowUnits     sdkmath.Int
	Notional        sdkmath.Int
}

const (
	TradeLever         = "lever"
	TradeDelever       = "delever"
	TradeDeleverToZero = "delever_to_zero"
)

type Deps struct {
	Market LendingMarket
	Oracle Oracle
	Ledger Ledger
	Module LeverageModule
}

type Gateway struct {
	contract Contract
	market   LendingMarket
	oracle   Oracle
	ledger   Ledger
	module   LeverageModule
	log      *zap.Logger
	now      func() time.Time
}

func NewGateway(contract Contract, deps Deps, log *zap.Logger) (*Gateway, error) {
	if err := contract.validate(); err != nil {
		return nil, err
	}
	if deps.Market == nil || deps.Oracle == nil || deps.Ledger == nil || deps.Module == nil {
		return nil, ErrMissingDep
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		contract: contract,
		market:   deps.Market,
		oracle:   deps.Oracle,
		ledger:   deps.Ledger,
		module:   deps.Module,
		log:      log,
		now:      time.Now,
	}, nil
}

func (g *Gateway) Contract() Contract {
	return g.contract
}

// Snapshot reads balances, prices and supply fresh from the collaborators.
func (g *Gateway) Snapshot(ctx context.Context) (Snapshot, error) {
	c := g.contract
	collateralPrice, err := g.price(ctx, c.CollateralAsset)
	if err != nil {
		return Snapshot{}, err
	}
	borrowPrice, err := g.price(ctx, c.BorrowAsset)
	if err != nil {
		return Snapshot{}, err
	}
	collateral, err := g.market.CollateralBalance(ctx, c.Account, c.CollateralAsset)
	if err != nil {
		return Snapshot{}, fmt.Errorf("collateral balance: %w", err)
	}
	debt, err := g.market.DebtBalance(ctx, c.Account, c.BorrowAsset)
	if err != nil {
		return Snapshot{}, fmt.Errorf("debt balance: %w", err)
	}
	risk, err := g.market.RiskParameters(ctx, c.CollateralAsset)
	if err != nil {
		return Snapshot{}, fmt.Errorf("risk parameters: %w", err)
	}
	supply, err := g.ledger.TotalSupply(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("total supply: %w", err)
	}
	collateral = precise.IntOrZero(collateral)
	debt = precise.IntOrZero(debt)
	return Snapshot{
		CollateralBalance: collateral,
		BorrowBalance:     debt,
		CollateralPrice:   collateralPrice,
		BorrowPrice:       borrowPrice,
		CollateralValue:   precise.Value(collateral, collateralPrice, c.CollateralDecimals),
		BorrowValue:       precise.Value(debt, borrowPrice, c.BorrowDecimals),
		TotalSupply:       precise.IntOrZero(supply),
		Risk:              risk,
		At:                g.now(),
	}, nil
}

func (g *Gateway) price(ctx context.Context, asset string) (sdkmath.LegacyDec, error) {
	p, err := g.oracle.Price(ctx, asset)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("price %s: %w", asset, err)
	}
	if p.IsNil() || !p.IsPositive() {
		return sdkmath.LegacyDec{}, fmt.Errorf("price %s: %w", asset, ErrZeroPrice)
	}
	return p, nil
}

// MaxBorrow returns how much collateral (base units) can move in one trade
// without breaching the market's limits, less the unutilized buffer.
//
// Levering is bounded by borrow headroom under max LTV. Delevering is bounded
// by how much collateral can be withdrawn before the liquidation threshold.
func (g *Gateway) MaxBorrow(snap Snapshot, isLever bool, unutilized sdkmath.LegacyDec) sdkmath.Int {
	buffer := precise.OneMinus(precise.OrZero(unutilized))
	if isLever {
		limit := snap.CollateralValue.MulTruncate(precise.OrZero(snap.Risk.MaxLTV).MulTruncate(buffer))
		headroom := precise.PositiveOrZero(limit.Sub(snap.BorrowValue))
		return precise.Amount(headroom, snap.CollateralPrice, g.contract.CollateralDecimals)
	}
	limit := snap.CollateralValue.MulTruncate(precise.OrZero(snap.Risk.LiquidationThreshold).MulTruncate(buffer))
	if !limit.IsPositive() {
		return sdkmath.ZeroInt()
	}
	share := precise.PositiveOrZero(limit.Sub(snap.BorrowValue)).QuoTruncate(limit)
	return precise.MulInt(snap.CollateralBalance, share)
}

// BorrowUnitsFor converts collateral base units into the equivalent borrow
// base units at snapshot prices.
func (g *Gateway) BorrowUnitsFor(snap Snapshot, collateral sdkmath.Int) sdkmath.Int {
	value := precise.Value(collateral, snap.CollateralPrice, g.contract.CollateralDecimals)
	return precise.Amount(value, snap.BorrowPrice, g.contract.BorrowDecimals)
}

// Lever borrows the equivalent of notional collateral and buys collateral
// with it, accepting at most slippage loss on the swap.
func (g *Gateway) Lever(ctx context.Context, snap Snapshot, venue string, payload []byte, notional sdkmath.Int, slippage sdkmath.LegacyDec) (Trade, error) {
	if !snap.TotalSupply.IsPositive() {
		return Trade{}, ErrNoSupply
	}
	collateralUnits := precise.DivInt(notional, snap.TotalSupply)
	borrowUnits := g.BorrowUnitsFor(snap, collateralUnits)
	order := LeverOrder{
		Venue:           venue,
		BorrowAsset:     g.contract.BorrowAsset,
		CollateralAsset: g.contract.CollateralAsset,
		BorrowUnits:     borrowUnits,
		MinReceiveUnits: precise.MulInt(collateralUnits, precise.OneMinus(slippage)),
		Payload:         payload,
	}
	if err := g.module.Lever(ctx, order); err != nil {
		return Trade{}, fmt.Errorf("lever on %s: %w", venue, err)
	}
	g.log.Debug("lever submitted",
		zap.String("venue", venue),
		zap.String("borrow_units", borrowUnits.String()),
		zap.String("min_receive_units", order.MinReceiveUnits.String()),
	)
	return Trade{Kind: TradeLever, Venue: venue, CollateralUnits: collateralUnits, BorrowUnits: borrowUnits, Notional: notional}, nil
}

// Delever sells notional collateral for the borrow asset and repays debt with
// the proceeds.
func (g *Gateway) Delever(ctx context.Context, snap Snapshot, venue string, payload []byte, notional sdkmath.Int, slippage sdkmath.LegacyDec) (Trade, error) {
	if !snap.TotalSupply.IsPositive() {
		return Trade{}, ErrNoSupply
	}
	collateralUnits := precise.DivInt(notional, snap.TotalSupply)
	repayUnits := g.BorrowUnitsFor(snap, collateralUnits)
	order := DeleverOrder{
		Venue:           venue,
		CollateralAsset: g.contract.CollateralAsset,
		RepayAsset:      g.contract.BorrowAsset,
		RedeemUnits:     collateralUnits,
		MinRepayUnits:   precise.MulInt(repayUnits, precise.OneMinus(slippage)),
		Payload:         payload,
	}
	if err := g.module.Delever(ctx, order); err != nil {
		return Trade{}, fmt.Errorf("delever on %s: %w", venue, err)
	}
	g.log.Debug("delever submitted",
		zap.String("venue", venue),
		zap.String("redeem_units", collateralUnits.String()),
		zap.String("min_repay_units", order.MinRepayUnits.String()),
	)
	return Trade{Kind: TradeDelever, Venue: venue, CollateralUnits: collateralUnits, BorrowUnits: repayUnits, Notional: notional}, nil
}

// DeleverToZero unwinds the remaining debt. The collateral allowance is
// rounded up so the swap can always cover the full borrow balance.
func (g *Gateway) DeleverToZero(ctx context.Context, snap Snapshot, venue string, payload []byte, total sdkmath.Int, slippage sdkmath.LegacyDec) (Trade, error) {
	if !snap.TotalSupply.IsPositive() {
		return Trade{}, ErrNoSupply
	}
	allowance := precise.MulIntCeil(total, precise.OnePlus(slippage))
	maxUnits := precise.DivIntCeil(allowance, snap.TotalSupply)
	order := DeleverToZeroOrder{
		Venue:           venue,
		CollateralAsset: g.contract.CollateralAsset,
		RepayAsset:      g.contract.BorrowAsset,
		MaxRedeemUnits:  maxUnits,
		Payload:         payload,
	}
	if err := g.module.DeleverToZeroBorrowBalance(ctx, order); err != nil {
		return Trade{}, fmt.Errorf("delever to zero on %s: %w", venue, err)
	}
	g.log.Debug("delever to zero submitted",
		zap.String("venue", venue),
		zap.String("max_redeem_units", maxUnits.String()),
	)
	return Trade{Kind: TradeDeleverToZero, Venue: venue, CollateralUnits: maxUnits, BorrowUnits: snap.BorrowBalance, Notional: total}, nil
}
