package strategy

import (
	"fmt"
	"time"

	"flexlev-keeper/internal/leverage"
	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
)

type MethodologySettings struct {
	TargetLeverageRatio sdkmath.LegacyDec
	MinLeverageRatio    sdkmath.LegacyDec
	MaxLeverageRatio    sdkmath.LegacyDec
	RecenteringSpeed    sdkmath.LegacyDec
	RebalanceInterval   time.Duration
}

func (m MethodologySettings) Bounds() leverage.Bounds {
	return leverage.Bounds{Min: m.MinLeverageRatio, Max: m.MaxLeverageRatio}
}

func (m MethodologySettings) Params() map[string]string {
	return map[string]string{
		"target_leverage_ratio": m.TargetLeverageRatio.String(),
		"min_leverage_ratio":    m.MinLeverageRatio.String(),
		"max_leverage_ratio":    m.MaxLeverageRatio.String(),
		"recentering_speed":     m.RecenteringSpeed.String(),
		"rebalance_interval":    m.RebalanceInterval.String(),
	}
}

type ExecutionSettings struct {
	UnutilizedLeveragePercentage sdkmath.LegacyDec
	TwapCooldownPeriod           time.Duration
	SlippageTolerance            sdkmath.LegacyDec
}

func (e ExecutionSettings) Params() map[string]string {
	return map[string]string{
		"unutilized_leverage_percentage": e.UnutilizedLeveragePercentage.String(),
		"twap_cooldown_period":           e.TwapCooldownPeriod.String(),
		"slippage_tolerance":             e.SlippageTolerance.String(),
	}
}

type IncentiveSettings struct {
	IncentivizedTwapCooldownPeriod time.Duration
	IncentivizedSlippageTolerance  sdkmath.LegacyDec
	EtherReward                    sdkmath.Int
	IncentivizedLeverageRatio      sdkmath.LegacyDec
}

func (i IncentiveSettings) Params() map[string]string {
	return map[string]string{
		"incentivized_twap_cooldown_period": i.IncentivizedTwapCooldownPeriod.String(),
		"incentivized_slippage_tolerance":   i.IncentivizedSlippageTolerance.String(),
		"ether_reward":                      i.EtherReward.String(),
		"incentivized_leverage_ratio":       i.IncentivizedLeverageRatio.String(),
	}
}

type Settings struct {
	Methodology MethodologySettings
	Execution   ExecutionSettings
	Incentive   IncentiveSettings
}

// Validate checks every single-field and cross-field invariant of the three
// settings groups together.
func (s Settings) Validate() error {
	m, e, i := s.Methodology, s.Execution, s.Incentive
	for _, f := range []struct {
		name string
		d    sdkmath.LegacyDec
	}{
		{"target leverage ratio", m.TargetLeverageRatio},
		{"min leverage ratio", m.MinLeverageRatio},
		{"max leverage ratio", m.MaxLeverageRatio},
		{"recentering speed", m.RecenteringSpeed},
		{"unutilized leverage percentage", e.UnutilizedLeveragePercentage},
		{"slippage tolerance", e.SlippageTolerance},
		{"incentivized slippage", i.IncentivizedSlippageTolerance},
		{"incentivized leverage ratio", i.IncentivizedLeverageRatio},
	} {
		if f.d.IsNil() {
			return invalid("%s is required", f.name)
		}
		if f.d.IsNegative() {
			return invalid("%s must be >= 0", f.name)
		}
	}
	if i.EtherReward.IsNil() || i.EtherReward.IsNegative() {
		return invalid("ether reward must be >= 0")
	}
	if !m.MinLeverageRatio.IsPositive() {
		return invalid("min leverage ratio must be > 0")
	}
	if m.MinLeverageRatio.GT(m.TargetLeverageRatio) || m.TargetLeverageRatio.GT(m.MaxLeverageRatio) {
		return invalid("must be valid min, target and max leverage ratio")
	}
	if !m.RecenteringSpeed.IsPositive() || m.RecenteringSpeed.GT(precise.Unit()) {
		return invalid("must be valid recentering speed")
	}
	if e.UnutilizedLeveragePercentage.GT(precise.Unit()) {
		return invalid("unutilized leverage must be < 100%%")
	}
	if e.SlippageTolerance.GT(precise.Unit()) {
		return invalid("slippage tolerance must be <= 100%%")
	}
	if i.IncentivizedSlippageTolerance.GT(precise.Unit()) {
		return invalid("incentivized slippage tolerance must be <= 100%%")
	}
	if !i.IncentivizedLeverageRatio.GT(m.MaxLeverageRatio) {
		return invalid("incentivized leverage ratio must be > max leverage ratio")
	}
	if m.RebalanceInterval < 0 || e.TwapCooldownPeriod < 0 || i.IncentivizedTwapCooldownPeriod < 0 {
		return invalid("periods must be >= 0")
	}
	if m.RebalanceInterval <= e.TwapCooldownPeriod {
		return invalid("rebalance interval must be greater than TWAP cooldown period")
	}
	if e.TwapCooldownPeriod < i.IncentivizedTwapCooldownPeriod {
		return invalid("TWAP cooldown must be greater than incentivized TWAP cooldown")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidSettings)
}
