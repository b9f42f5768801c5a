package strategy

import (
	"context"
	"fmt"
	"time"

	"flexlev-keeper/internal/events"
	"flexlev-keeper/internal/precise"
	"flexlev-keeper/internal/state"
	"flexlev-keeper/internal/venue"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

func (c *Controller) SetMethodologySettings(ctx context.Context, caller common.Address, m MethodologySettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settingsWritable(caller); err != nil {
		return err
	}
	next := Settings{Methodology: m, Execution: c.execution, Incentive: c.incentive}
	if err := next.Validate(); err != nil {
		return err
	}
	c.methodology = m
	c.emitParams(ctx, events.KindMethodologySettingsUpdated, caller, "", m.Params())
	return nil
}

func (c *Controller) SetExecutionSettings(ctx context.Context, caller common.Address, e ExecutionSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settingsWritable(caller); err != nil {
		return err
	}
	next := Settings{Methodology: c.methodology, Execution: e, Incentive: c.incentive}
	if err := next.Validate(); err != nil {
		return err
	}
	c.execution = e
	c.emitParams(ctx, events.KindExecutionSettingsUpdated, caller, "", e.Params())
	return nil
}

func (c *Controller) SetIncentiveSettings(ctx context.Context, caller common.Address, i IncentiveSettings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settingsWritable(caller); err != nil {
		return err
	}
	next := Settings{Methodology: c.methodology, Execution: c.execution, Incentive: i}
	if err := next.Validate(); err != nil {
		return err
	}
	c.incentive = i
	c.emitParams(ctx, events.KindIncentiveSettingsUpdated, caller, "", i.Params())
	return nil
}

func (c *Controller) settingsWritable(caller common.Address) error {
	if err := c.requireOperator(caller); err != nil {
		return err
	}
	if c.inTWAP() {
		return ErrRebalanceInProgress
	}
	return nil
}

func (c *Controller) AddEnabledExchange(ctx context.Context, caller common.Address, name string, s venue.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOperator(caller); err != nil {
		return err
	}
	s.LastTradeTimestamp = time.Time{}
	if err := c.venues.Add(name, s); err != nil {
		return err
	}
	c.emitParams(ctx, events.KindExchangeAdded, caller, name, venueParams(s))
	return nil
}

func (c *Controller) UpdateEnabledExchange(ctx context.Context, caller common.Address, name string, s venue.Settings) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOperator(caller); err != nil {
		return err
	}
	if err := c.venues.Update(name, s); err != nil {
		return err
	}
	c.emitParams(ctx, events.KindExchangeUpdated, caller, name, venueParams(s))
	return nil
}

func (c *Controller) RemoveEnabledExchange(ctx context.Context, caller common.Address, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOperator(caller); err != nil {
		return err
	}
	if err := c.venues.Remove(name); err != nil {
		return err
	}
	c.emitParams(ctx, events.KindExchangeRemoved, caller, name, nil)
	return nil
}

func venueParams(s venue.Settings) map[string]string {
	return map[string]string{
		"twap_max_trade_size":              precise.IntOrZero(s.TwapMaxTradeSize).String(),
		"incentivized_twap_max_trade_size": precise.IntOrZero(s.IncentivizedTwapMaxTradeSize).String(),
		"lever_payload_bytes":              fmt.Sprint(len(s.LeverPayload)),
		"delever_payload_bytes":            fmt.Sprint(len(s.DeleverPayload)),
	}
}

// WithdrawEtherBalance sweeps the whole reward vault to the operator.
func (c *Controller) WithdrawEtherBalance(ctx context.Context, caller common.Address) (sdkmath.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settingsWritable(caller); err != nil {
		return sdkmath.Int{}, err
	}
	balance, err := c.vault.Balance(ctx)
	if err != nil {
		return sdkmath.Int{}, err
	}
	if balance.IsPositive() {
		if err := c.vault.Transfer(ctx, caller, balance); err != nil {
			return sdkmath.Int{}, err
		}
	}
	ev := events.New(events.KindEtherWithdrawn, c.now())
	ev.Caller = caller
	ev.Reward = balance
	c.events.Emit(ctx, ev)
	return balance, nil
}

// Export captures the cross-call state for persistence.
func (c *Controller) Export() state.ControllerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := state.ControllerSnapshot{
		TwapLeverageRatio: c.twapLeverageRatio.String(),
		GlobalLastTradeMS: unixMilli(c.globalLastTrade),
		UpdatedAtMS:       c.now().UnixMilli(),
	}
	for _, name := range c.venues.Enabled() {
		v, _ := c.venues.Get(name)
		snap.Venues = append(snap.Venues, state.VenueSnapshot{
			Name:                         name,
			TwapMaxTradeSize:             v.TwapMaxTradeSize.String(),
			IncentivizedTwapMaxTradeSize: v.IncentivizedTwapMaxTradeSize.String(),
			LastTradeMS:                  unixMilli(v.LastTradeTimestamp),
			LeverPayload:                 v.LeverPayload,
			DeleverPayload:               v.DeleverPayload,
		})
	}
	return snap
}

// Restore replaces the venue registry and rebalance state with a persisted
// snapshot. Nothing changes if the snapshot is invalid.
func (c *Controller) Restore(snap state.ControllerSnapshot) error {
	twap := sdkmath.LegacyZeroDec()
	if snap.TwapLeverageRatio != "" {
		d, err := precise.ParseDec(snap.TwapLeverageRatio)
		if err != nil {
			return fmt.Errorf("twap leverage ratio: %w", err)
		}
		twap = d
	}
	registry := venue.NewRegistry()
	for _, vs := range snap.Venues {
		maxTrade, err := precise.ParseInt(vs.TwapMaxTradeSize)
		if err != nil {
			return fmt.Errorf("venue %s: %w", vs.Name, err)
		}
		incentivized, err := precise.ParseInt(vs.IncentivizedTwapMaxTradeSize)
		if err != nil {
			return fmt.Errorf("venue %s: %w", vs.Name, err)
		}
		err = registry.Restore(vs.Name, venue.Settings{
			TwapMaxTradeSize:             maxTrade,
			IncentivizedTwapMaxTradeSize: incentivized,
			LastTradeTimestamp:           fromUnixMilli(vs.LastTradeMS),
			LeverPayload:                 vs.LeverPayload,
			DeleverPayload:               vs.DeleverPayload,
		})
		if err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.venues = registry
	c.twapLeverageRatio = twap
	c.globalLastTrade = fromUnixMilli(snap.GlobalLastTradeMS)
	c.log.Info("controller state restored",
		zap.String("twap_leverage_ratio", twap.String()),
		zap.Int("venues", registry.Len()),
	)
	return nil
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
