package strategy

import (
	"context"
	"fmt"
	"time"

	"flexlev-keeper/internal/leverage"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/venue"

	sdkmath "cosmossdk.io/math"
)

// Action is what a keeper should call on a venue. The first four values
// match the ShouldRebalance encoding.
type Action int

const (
	ActionNone Action = iota
	ActionRebalance
	ActionIterateRebalance
	ActionRipcord
	ActionEngage
	ActionDisengage
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRebalance:
		return "rebalance"
	case ActionIterateRebalance:
		return "iterate_rebalance"
	case ActionRipcord:
		return "ripcord"
	case ActionEngage:
		return "engage"
	case ActionDisengage:
		return "disengage"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// The eligibility predicates below are shared by the mutating entry points
// and ShouldRebalance.

// rebalanceEligible returns the ratio an ordinary rebalance would move to.
func (c *Controller) rebalanceEligible(snap position.Snapshot, current sdkmath.LegacyDec, now time.Time, trigger leverage.Bounds) (sdkmath.LegacyDec, error) {
	if !current.LT(c.incentive.IncentivizedLeverageRatio) {
		return sdkmath.LegacyDec{}, ErrAboveIncentivizedRatio
	}
	if c.inTWAP() {
		return sdkmath.LegacyDec{}, ErrMustCallIterate
	}
	if !elapsed(now, c.globalLastTrade, c.methodology.RebalanceInterval) && trigger.Contains(current) {
		return sdkmath.LegacyDec{}, ErrRebalanceNotDue
	}
	next := leverage.NewRatio(current, c.methodology.TargetLeverageRatio, c.methodology.Bounds(), c.methodology.RecenteringSpeed)
	if err := requireDebtForDelever(snap, current, next); err != nil {
		return sdkmath.LegacyDec{}, err
	}
	return next, nil
}

// iterateEligible reports whether the in-progress TWAP can be closed
// without trading.
func (c *Controller) iterateEligible(snap position.Snapshot, current sdkmath.LegacyDec, v venue.Settings, now time.Time) (bool, error) {
	if !current.LT(c.incentive.IncentivizedLeverageRatio) {
		return false, ErrAboveIncentivizedRatio
	}
	if !c.inTWAP() {
		return false, ErrNotInTWAP
	}
	if !elapsed(now, v.LastTradeTimestamp, c.execution.TwapCooldownPeriod) {
		return false, ErrCooldownNotElapsed
	}
	if leverage.IsAdvantageousTWAP(c.twapLeverageRatio, c.methodology.TargetLeverageRatio, current) {
		return true, nil
	}
	if err := requireDebtForDelever(snap, current, c.twapLeverageRatio); err != nil {
		return false, err
	}
	return false, nil
}

func (c *Controller) ripcordEligible(snap position.Snapshot, current sdkmath.LegacyDec, v venue.Settings, now time.Time) error {
	if current.LT(c.incentive.IncentivizedLeverageRatio) {
		return ErrBelowIncentivizedRatio
	}
	if !elapsed(now, v.LastTradeTimestamp, c.incentive.IncentivizedTwapCooldownPeriod) {
		return ErrCooldownNotElapsed
	}
	if !snap.BorrowBalance.IsPositive() {
		return ErrNoBorrowBalance
	}
	return nil
}

func requireDebtForDelever(snap position.Snapshot, current, next sdkmath.LegacyDec) error {
	if next.LT(current) && !snap.BorrowBalance.IsPositive() {
		return ErrNoBorrowBalance
	}
	return nil
}

func (c *Controller) inTWAP() bool {
	return !c.twapLeverageRatio.IsNil() && !c.twapLeverageRatio.IsZero()
}

// elapsed reports whether strictly more than period has passed since last.
func elapsed(now, last time.Time, period time.Duration) bool {
	if last.IsZero() {
		return true
	}
	return now.Sub(last) > period
}

// decide replays the eligibility of ripcord, iterate and rebalance for one
// venue, in that priority order.
func (c *Controller) decide(snap position.Snapshot, current sdkmath.LegacyDec, v venue.Settings, now time.Time, trigger leverage.Bounds) Action {
	if !current.LT(c.incentive.IncentivizedLeverageRatio) {
		if c.ripcordEligible(snap, current, v, now) != nil {
			return ActionNone
		}
		if _, err := c.ripcordChunk(snap, current, v); err == nil {
			return ActionRipcord
		}
		return ActionNone
	}
	if c.inTWAP() {
		if _, err := c.iterateEligible(snap, current, v, now); err == nil {
			return ActionIterateRebalance
		}
		return ActionNone
	}
	if _, err := c.rebalanceEligible(snap, current, now, trigger); err == nil {
		return ActionRebalance
	}
	return ActionNone
}

// ShouldRebalance returns, per venue, which entry point a keeper can call
// right now without it failing a precondition. Empty names means every
// enabled venue.
func (c *Controller) ShouldRebalance(ctx context.Context, names []string) ([]string, []Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldRebalance(ctx, names, c.methodology.Bounds())
}

// ShouldRebalanceWithBounds is ShouldRebalance with a keeper-chosen trigger
// band that must contain the methodology band. Ratios outside the methodology
// band but inside the custom one report no action until the interval elapses.
func (c *Controller) ShouldRebalanceWithBounds(ctx context.Context, names []string, customMin, customMax sdkmath.LegacyDec) ([]string, []Action, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if customMin.IsNil() || customMax.IsNil() ||
		customMin.GT(c.methodology.MinLeverageRatio) || customMax.LT(c.methodology.MaxLeverageRatio) {
		return nil, nil, ErrInvalidBounds
	}
	return c.shouldRebalance(ctx, names, leverage.Bounds{Min: customMin, Max: customMax})
}

func (c *Controller) shouldRebalance(ctx context.Context, names []string, trigger leverage.Bounds) ([]string, []Action, error) {
	if len(names) == 0 {
		names = c.venues.Enabled()
	}
	actions := make([]Action, len(names))
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		if IsPreconditionError(err) {
			return names, actions, nil
		}
		return nil, nil, err
	}
	now := c.now()
	for i, name := range names {
		v, ok := c.venues.Get(name)
		if !ok {
			continue
		}
		actions[i] = c.decide(snap, current, v, now, trigger)
	}
	return names, actions, nil
}

// ChunkQuote is the chunk a venue would trade right now.
type ChunkQuote struct {
	Venue     string
	Notional  sdkmath.Int
	Total     sdkmath.Int
	IsLever   bool
	SellAsset string
	BuyAsset  string
}

// GetChunkRebalanceNotional sizes the next chunk on each venue without
// trading. Above the incentivized ratio it sizes the ripcord chunk.
func (c *Controller) GetChunkRebalanceNotional(ctx context.Context, names []string) ([]ChunkQuote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		names = c.venues.Enabled()
	}
	snap, current, err := c.leveragedInfo(ctx)
	if err != nil {
		return nil, err
	}
	ripcord := !current.LT(c.incentive.IncentivizedLeverageRatio)
	var next sdkmath.LegacyDec
	switch {
	case ripcord:
		next = c.methodology.MaxLeverageRatio
	case c.inTWAP():
		next = c.twapLeverageRatio
	default:
		next = leverage.NewRatio(current, c.methodology.TargetLeverageRatio, c.methodology.Bounds(), c.methodology.RecenteringSpeed)
	}
	contract := c.gateway.Contract()
	out := make([]ChunkQuote, 0, len(names))
	for _, name := range names {
		v, ok := c.venues.Get(name)
		if !ok {
			return nil, fmt.Errorf("%s: %w", name, ErrExchangeNotEnabled)
		}
		chunk := c.size(snap, current, next, v, ripcord)
		quote := ChunkQuote{
			Venue:     name,
			Notional:  chunk.Notional,
			Total:     chunk.Total,
			IsLever:   chunk.IsLever,
			SellAsset: contract.CollateralAsset,
			BuyAsset:  contract.BorrowAsset,
		}
		if chunk.IsLever {
			quote.SellAsset, quote.BuyAsset = contract.BorrowAsset, contract.CollateralAsset
		}
		out = append(out, quote)
	}
	return out, nil
}

// CurrentEtherIncentive is the reward a ripcord caller would receive now.
func (c *Controller) CurrentEtherIncentive(ctx context.Context) (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.etherIncentive(ctx)
}

func (c *Controller) etherIncentive(ctx context.Context) (sdkmath.Int, error) {
	current, err := c.CurrentLeverageRatio(ctx)
	if err != nil {
		return sdkmath.Int{}, err
	}
	if current.LT(c.incentive.IncentivizedLeverageRatio) {
		return sdkmath.ZeroInt(), nil
	}
	return c.rewardAmount(ctx)
}
