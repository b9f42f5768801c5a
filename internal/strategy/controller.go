// Package strategy holds the rebalance controller: the TWAP state machine,
// the ripcord incentive and the settings it enforces.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flexlev-keeper/internal/events"
	"flexlev-keeper/internal/leverage"
	"flexlev-keeper/internal/metrics"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/venue"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type AccessControl interface {
	IsOperator(caller common.Address) bool
	IsAllowedTrader(caller common.Address) bool
	IsEOA(caller common.Address) bool
}

// RewardVault holds the reward currency paid to ripcord callers.
type RewardVault interface {
	Balance(ctx context.Context) (sdkmath.Int, error)
	Transfer(ctx context.Context, to common.Address, amount sdkmath.Int) error
}

// Gateway is the slice of position.Gateway the controller trades through.
type Gateway interface {
	Contract() position.Contract
	Snapshot(ctx context.Context) (position.Snapshot, error)
	MaxBorrow(snap position.Snapshot, isLever bool, unutilized sdkmath.LegacyDec) sdkmath.Int
	Lever(ctx context.Context, snap position.Snapshot, venue string, payload []byte, notional sdkmath.Int, slippage sdkmath.LegacyDec) (position.Trade, error)
	Delever(ctx context.Context, snap position.Snapshot, venue string, payload []byte, notional sdkmath.Int, slippage sdkmath.LegacyDec) (position.Trade, error)
	DeleverToZero(ctx context.Context, snap position.Snapshot, venue string, payload []byte, total sdkmath.Int, slippage sdkmath.LegacyDec) (position.Trade, error)
}

type Deps struct {
	Gateway Gateway
	Access  AccessControl
	Vault   RewardVault
	Events  events.Emitter
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Clock   func() time.Time
}

// Result describes what one transition did.
type Result struct {
	Action               Action
	Venue                string
	CurrentLeverageRatio sdkmath.LegacyDec
	NewLeverageRatio     sdkmath.LegacyDec
	Chunk                leverage.Chunk
	Trade                *position.Trade
	TwapLeverageRatio    sdkmath.LegacyDec
	Reward               sdkmath.Int
}

// Controller owns the settings, the venue registry and the cross-call
// rebalance state. Every exported method holds mu for its whole
// read-decide-mutate sequence.
type Controller struct {
	mu sync.Mutex

	gateway Gateway
	access  AccessControl
	vault   RewardVault
	events  events.Emitter
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time

	methodology MethodologySettings
	execution   ExecutionSettings
	incentive   IncentiveSettings
	venues      *venue.Registry

	globalLastTrade   time.Time
	twapLeverageRatio sdkmath.LegacyDec
}

func New(settings Settings, deps Deps) (*Controller, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if deps.Gateway == nil || deps.Access == nil || deps.Vault == nil {
		return nil, errors.New("gateway, access control and reward vault are required")
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoop()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Controller{
		gateway:           deps.Gateway,
		access:            deps.Access,
		vault:             deps.Vault,
		events:            deps.Events,
		metrics:           deps.Metrics,
		log:               deps.Log,
		now:               deps.Clock,
		methodology:       settings.Methodology,
		execution:         settings.Execution,
		incentive:         settings.Incentive,
		venues:            venue.NewRegistry(),
		twapLeverageRatio: sdkmath.LegacyZeroDec(),
	}, nil
}

func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Settings{Methodology: c.methodology, Execution: c.execution, Incentive: c.incentive}
}

// TwapLeverageRatio is zero unless a chunked rebalance is in progress.
func (c *Controller) TwapLeverageRatio() sdkmath.LegacyDec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.twapLeverageRatio
}

func (c *Controller) GlobalLastTradeTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalLastTrade
}

func (c *Controller) Exchange(name string) (venue.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.venues.Get(name)
}

func (c *Controller) EnabledExchanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.venues.Enabled()
}

// CurrentLeverageRatio reads the position and returns its leverage ratio.
func (c *Controller) CurrentLeverageRatio(ctx context.Context) (sdkmath.LegacyDec, error) {
	snap, err := c.gateway.Snapshot(ctx)
	if err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return snap.Ratio()
}

// Engage levers a fresh unleveraged position toward the target ratio.
func (c *Controller) Engage(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.engage(ctx, caller, exchange)
	c.observe(ActionEngage, err)
	return res, err
}

func (c *Controller) engage(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	if err := c.requireOperator(caller); err != nil {
		return Result{}, err
	}
	v, err := c.enabledVenue(exchange)
	if err != nil {
		return Result{}, err
	}
	snap, err := c.positionSnapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	if !snap.BorrowBalance.IsZero() {
		return Result{}, ErrDebtNotZero
	}
	now := c.now()
	current := sdkmath.LegacyOneDec()
	target := c.methodology.TargetLeverageRatio
	chunk := c.size(snap, current, target, v, false)

	trade, err := c.execute(ctx, snap, exchange, v, chunk, c.execution.SlippageTolerance)
	if err != nil {
		return Result{}, err
	}
	c.touch(exchange, now)
	if !chunk.Completes() {
		c.twapLeverageRatio = target
	}
	res := Result{
		Action:               ActionEngage,
		Venue:                exchange,
		CurrentLeverageRatio: current,
		NewLeverageRatio:     target,
		Chunk:                chunk,
		Trade:                trade,
		TwapLeverageRatio:    c.twapLeverageRatio,
	}
	c.emitTrade(ctx, events.KindEngaged, caller, res, now)
	return res, nil
}

// Rebalance starts an ordinary rebalance when the ratio has left the band or
// the rebalance interval has elapsed.
func (c *Controller) Rebalance(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.rebalance(ctx, caller, exchange)
	c.observe(ActionRebalance, err)
	return res, err
}

func (c *Controller) rebalance(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	if err := c.requireEOA(caller); err != nil {
		return Result{}, err
	}
	if err := c.requireOperator(caller); err != nil {
		return Result{}, err
	}
	v, err := c.enabledVenue(exchange)
	if err != nil {
		return Result{}, err
	}
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	next, err := c.rebalanceEligible(snap, current, now, c.methodology.Bounds())
	if err != nil {
		return Result{}, err
	}
	chunk := c.size(snap, current, next, v, false)

	trade, err := c.execute(ctx, snap, exchange, v, chunk, c.execution.SlippageTolerance)
	if err != nil {
		return Result{}, err
	}
	c.touch(exchange, now)
	if !chunk.Completes() {
		c.twapLeverageRatio = next
	}
	res := Result{
		Action:               ActionRebalance,
		Venue:                exchange,
		CurrentLeverageRatio: current,
		NewLeverageRatio:     next,
		Chunk:                chunk,
		Trade:                trade,
		TwapLeverageRatio:    c.twapLeverageRatio,
	}
	c.emitTrade(ctx, events.KindRebalanced, caller, res, now)
	return res, nil
}

// IterateRebalance trades the next chunk of an in-progress TWAP, or closes it
// without trading when the price already moved the ratio past the marker.
func (c *Controller) IterateRebalance(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.iterate(ctx, caller, exchange)
	c.observe(ActionIterateRebalance, err)
	return res, err
}

func (c *Controller) iterate(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	if err := c.requireEOA(caller); err != nil {
		return Result{}, err
	}
	if err := c.requireAllowedTrader(caller); err != nil {
		return Result{}, err
	}
	v, err := c.enabledVenue(exchange)
	if err != nil {
		return Result{}, err
	}
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	advantageous, err := c.iterateEligible(snap, current, v, now)
	if err != nil {
		return Result{}, err
	}
	next := c.twapLeverageRatio
	chunk := leverage.Chunk{Notional: sdkmath.ZeroInt(), Total: sdkmath.ZeroInt()}
	if !advantageous {
		chunk = c.size(snap, current, next, v, false)
	}

	trade, err := c.execute(ctx, snap, exchange, v, chunk, c.execution.SlippageTolerance)
	if err != nil {
		return Result{}, err
	}
	c.touch(exchange, now)
	if chunk.Completes() {
		c.twapLeverageRatio = sdkmath.LegacyZeroDec()
	}
	res := Result{
		Action:               ActionIterateRebalance,
		Venue:                exchange,
		CurrentLeverageRatio: current,
		NewLeverageRatio:     next,
		Chunk:                chunk,
		Trade:                trade,
		TwapLeverageRatio:    c.twapLeverageRatio,
	}
	c.emitTrade(ctx, events.KindRebalanceIterated, caller, res, now)
	return res, nil
}

// Ripcord is the permissionless emergency delever toward the max ratio. It
// abandons any ordinary TWAP and pays the caller the ether incentive.
func (c *Controller) Ripcord(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.ripcord(ctx, caller, exchange)
	c.observe(ActionRipcord, err)
	if err == nil || errors.Is(err, ErrRewardTransfer) {
		c.metrics.RipcordCalled.Inc()
	}
	return res, err
}

func (c *Controller) ripcord(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	if err := c.requireEOA(caller); err != nil {
		return Result{}, err
	}
	v, err := c.enabledVenue(exchange)
	if err != nil {
		return Result{}, err
	}
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	now := c.now()
	if err := c.ripcordEligible(snap, current, v, now); err != nil {
		return Result{}, err
	}
	next := c.methodology.MaxLeverageRatio
	chunk, err := c.ripcordChunk(snap, current, v)
	if err != nil {
		return Result{}, err
	}
	// The reward is sized before trading so only the transfer itself can
	// fail after the trade is committed.
	amount, err := c.rewardAmount(ctx)
	if err != nil {
		return Result{}, err
	}

	trade, err := c.execute(ctx, snap, exchange, v, chunk, c.incentive.IncentivizedSlippageTolerance)
	if err != nil {
		return Result{}, err
	}
	c.touch(exchange, now)
	c.twapLeverageRatio = sdkmath.LegacyZeroDec()

	reward, rewardErr := c.payReward(ctx, caller, amount)
	res := Result{
		Action:               ActionRipcord,
		Venue:                exchange,
		CurrentLeverageRatio: current,
		NewLeverageRatio:     next,
		Chunk:                chunk,
		Trade:                trade,
		TwapLeverageRatio:    c.twapLeverageRatio,
		Reward:               reward,
	}
	c.emitTrade(ctx, events.KindRipcordCalled, caller, res, now)
	if rewardErr != nil {
		return res, rewardErr
	}
	return res, nil
}

// Disengage unwinds toward ratio 1. The final chunk repays the whole borrow
// balance so no dust debt position remains.
func (c *Controller) Disengage(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := c.disengage(ctx, caller, exchange)
	c.observe(ActionDisengage, err)
	return res, err
}

func (c *Controller) disengage(ctx context.Context, caller common.Address, exchange string) (Result, error) {
	if err := c.requireOperator(caller); err != nil {
		return Result{}, err
	}
	v, err := c.enabledVenue(exchange)
	if err != nil {
		return Result{}, err
	}
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		return Result{}, err
	}
	if !snap.BorrowBalance.IsPositive() {
		return Result{}, ErrNoBorrowBalance
	}
	now := c.now()
	next := sdkmath.LegacyOneDec()
	chunk := c.size(snap, current, next, v, false)

	if chunk.Total.GT(chunk.Notional) && !chunk.Notional.IsPositive() {
		return Result{}, ErrZeroChunk
	}
	var trade position.Trade
	if chunk.Total.GT(chunk.Notional) {
		trade, err = c.gateway.Delever(ctx, snap, exchange, v.DeleverPayload, chunk.Notional, c.execution.SlippageTolerance)
	} else {
		trade, err = c.gateway.DeleverToZero(ctx, snap, exchange, v.DeleverPayload, chunk.Total, c.execution.SlippageTolerance)
	}
	if err != nil {
		return Result{}, err
	}
	c.touch(exchange, now)
	c.twapLeverageRatio = sdkmath.LegacyZeroDec()
	res := Result{
		Action:               ActionDisengage,
		Venue:                exchange,
		CurrentLeverageRatio: current,
		NewLeverageRatio:     next,
		Chunk:                chunk,
		Trade:                &trade,
		TwapLeverageRatio:    c.twapLeverageRatio,
	}
	c.emitTrade(ctx, events.KindDisengaged, caller, res, now)
	return res, nil
}

// positionSnapshot reads the position and checks it can be traded at all.
func (c *Controller) positionSnapshot(ctx context.Context) (position.Snapshot, error) {
	snap, err := c.gateway.Snapshot(ctx)
	if err != nil {
		return position.Snapshot{}, err
	}
	if !snap.TotalSupply.IsPositive() {
		return position.Snapshot{}, ErrZeroSupply
	}
	if !snap.CollateralBalance.IsPositive() {
		return position.Snapshot{}, ErrZeroCollateral
	}
	return snap, nil
}

func (c *Controller) leveragedInfo(ctx context.Context) (position.Snapshot, sdkmath.LegacyDec, error) {
	snap, err := c.positionSnapshot(ctx)
	if err != nil {
		return position.Snapshot{}, sdkmath.LegacyDec{}, err
	}
	ratio, err := snap.Ratio()
	if err != nil {
		return position.Snapshot{}, sdkmath.LegacyDec{}, err
	}
	return snap, ratio, nil
}

func (c *Controller) enabledVenue(name string) (venue.Settings, error) {
	v, ok := c.venues.Get(name)
	if !ok {
		return venue.Settings{}, fmt.Errorf("%s: %w", name, ErrExchangeNotEnabled)
	}
	return v, nil
}

// size computes the chunk for a move from current to next on venue v.
func (c *Controller) size(snap position.Snapshot, current, next sdkmath.LegacyDec, v venue.Settings, incentivized bool) leverage.Chunk {
	isLever := next.GT(current)
	return leverage.ChunkNotional(leverage.ChunkInput{
		Current:           current,
		Next:              next,
		CollateralBalance: snap.CollateralBalance,
		MaxTradeSize:      v.MaxTradeSize(incentivized),
		MaxBorrow:         c.gateway.MaxBorrow(snap, isLever, c.execution.UnutilizedLeveragePercentage),
	})
}

// execute sends the chunk to the gateway. A zero chunk trades nothing.
func (c *Controller) execute(ctx context.Context, snap position.Snapshot, exchange string, v venue.Settings, chunk leverage.Chunk, slippage sdkmath.LegacyDec) (*position.Trade, error) {
	if !chunk.Notional.IsPositive() {
		return nil, nil
	}
	var (
		trade position.Trade
		err   error
	)
	if chunk.IsLever {
		trade, err = c.gateway.Lever(ctx, snap, exchange, v.LeverPayload, chunk.Notional, slippage)
	} else {
		trade, err = c.gateway.Delever(ctx, snap, exchange, v.DeleverPayload, chunk.Notional, slippage)
	}
	if err != nil {
		return nil, err
	}
	return &trade, nil
}

func (c *Controller) touch(exchange string, at time.Time) {
	c.globalLastTrade = at
	if err := c.venues.Touch(exchange, at); err != nil {
		c.log.Warn("venue timestamp update failed", zap.String("venue", exchange), zap.Error(err))
	}
}

// ripcordChunk sizes the delever toward the max ratio. A position past the
// liquidation headroom has nothing to delever and is rejected.
func (c *Controller) ripcordChunk(snap position.Snapshot, current sdkmath.LegacyDec, v venue.Settings) (leverage.Chunk, error) {
	chunk := c.size(snap, current, c.methodology.MaxLeverageRatio, v, true)
	if !chunk.Notional.IsPositive() {
		return chunk, ErrZeroChunk
	}
	return chunk, nil
}

func (c *Controller) rewardAmount(ctx context.Context) (sdkmath.Int, error) {
	balance, err := c.vault.Balance(ctx)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("reward vault balance: %w", err)
	}
	return sdkmath.MinInt(c.incentive.EtherReward, balance), nil
}

func (c *Controller) payReward(ctx context.Context, caller common.Address, amount sdkmath.Int) (sdkmath.Int, error) {
	if !amount.IsPositive() {
		return sdkmath.ZeroInt(), nil
	}
	if err := c.vault.Transfer(ctx, caller, amount); err != nil {
		c.log.Error("ripcord reward transfer failed", zap.String("caller", caller.Hex()), zap.Error(err))
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %v", ErrRewardTransfer, err)
	}
	c.metrics.RewardsPaid.Inc()
	return amount, nil
}

func (c *Controller) requireOperator(caller common.Address) error {
	if !c.access.IsOperator(caller) {
		return ErrNotOperator
	}
	return nil
}

func (c *Controller) requireAllowedTrader(caller common.Address) error {
	if !c.access.IsAllowedTrader(caller) {
		return ErrNotAllowedCaller
	}
	return nil
}

func (c *Controller) requireEOA(caller common.Address) error {
	if !c.access.IsEOA(caller) {
		return ErrNotEOA
	}
	return nil
}

func (c *Controller) observe(action Action, err error) {
	if c.twapLeverageRatio.IsZero() {
		c.metrics.TwapActive.Set(0)
	} else {
		c.metrics.TwapActive.Set(1)
	}
	switch {
	case err == nil:
		switch action {
		case ActionEngage:
			c.metrics.Engaged.Inc()
		case ActionRebalance:
			c.metrics.Rebalanced.Inc()
		case ActionIterateRebalance:
			c.metrics.RebalanceIterated.Inc()
		case ActionDisengage:
			c.metrics.Disengaged.Inc()
		}
		return
	case IsAuthError(err):
		c.metrics.AuthRejected.Inc()
	case IsPreconditionError(err):
		c.metrics.PreconditionSkips.Inc()
	default:
		c.metrics.ActionsFailed.Inc()
	}
	c.log.Debug("controller action rejected", zap.String("action", action.String()), zap.Error(err))
}

func (c *Controller) emitTrade(ctx context.Context, kind events.Kind, caller common.Address, res Result, at time.Time) {
	ev := events.New(kind, at)
	ev.Caller = caller
	ev.Venue = res.Venue
	ev.CurrentLeverageRatio = res.CurrentLeverageRatio
	ev.NewLeverageRatio = res.NewLeverageRatio
	ev.TwapLeverageRatio = res.TwapLeverageRatio
	ev.ChunkNotional = res.Chunk.Notional
	ev.TotalNotional = res.Chunk.Total
	ev.IsLever = res.Chunk.IsLever
	if !res.Reward.IsNil() {
		ev.Reward = res.Reward
	}
	c.events.Emit(ctx, ev)
}

func (c *Controller) emitParams(ctx context.Context, kind events.Kind, caller common.Address, venueName string, params map[string]string) {
	ev := events.New(kind, c.now())
	ev.Caller = caller
	ev.Venue = venueName
	ev.Params = params
	c.events.Emit(ctx, ev)
}
