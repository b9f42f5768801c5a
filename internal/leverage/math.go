// Package leverage implements the stateless leverage-ratio math used by the
// rebalance controller.
package leverage

import (
	"errors"

	"flexlev-keeper/internal/precise"

	sdkmath "cosmossdk.io/math"
)

var ErrUndefinedRatio = errors.New("leverage ratio undefined: collateral value must exceed debt value")

// CurrentRatio returns collateralValue / (collateralValue - debtValue),
// truncated.
func CurrentRatio(collateralValue, debtValue sdkmath.LegacyDec) (sdkmath.LegacyDec, error) {
	collateralValue = precise.OrZero(collateralValue)
	debtValue = precise.OrZero(debtValue)
	if !collateralValue.GT(debtValue) {
		return sdkmath.LegacyDec{}, ErrUndefinedRatio
	}
	return collateralValue.QuoTruncate(collateralValue.Sub(debtValue)), nil
}

// Bounds is the methodology band the recentering operates in.
type Bounds struct {
	Min sdkmath.LegacyDec
	Max sdkmath.LegacyDec
}

func (b Bounds) Contains(ratio sdkmath.LegacyDec) bool {
	return ratio.GTE(b.Min) && ratio.LTE(b.Max)
}

// NewRatio moves current toward target.
//
// Inside the band the move is damped: next = speed*target + (1-speed)*current,
// clamped into the band. Outside the band the whole gap is eligible and the
// target itself is returned; the chunk caps bound how much of it trades.
func NewRatio(current, target sdkmath.LegacyDec, bounds Bounds, speed sdkmath.LegacyDec) sdkmath.LegacyDec {
	if !bounds.Contains(current) {
		return target
	}
	a := target.MulTruncate(speed)
	b := precise.OneMinus(speed).MulTruncate(current)
	return precise.Clamp(a.Add(b), bounds.Min, bounds.Max)
}

// ChunkInput carries everything ChunkNotional needs. Amounts are collateral
// base units.
type ChunkInput struct {
	Current           sdkmath.LegacyDec
	Next              sdkmath.LegacyDec
	CollateralBalance sdkmath.Int
	MaxTradeSize      sdkmath.Int
	MaxBorrow         sdkmath.Int
}

// Chunk is the sizing of one rebalance call.
type Chunk struct {
	Notional sdkmath.Int
	Total    sdkmath.Int
	IsLever  bool
}

// Completes reports whether this chunk finishes the whole move.
func (c Chunk) Completes() bool {
	return c.Notional.GTE(c.Total)
}

// ChunkNotional sizes the trade needed to move from Current to Next:
// total = |next-current|/current * collateral, chunk = min(total, maxTrade, maxBorrow).
func ChunkNotional(in ChunkInput) Chunk {
	isLever := in.Next.GT(in.Current)
	diff := in.Current.Sub(in.Next)
	if isLever {
		diff = in.Next.Sub(in.Current)
	}
	total := sdkmath.ZeroInt()
	if in.Current.IsPositive() {
		total = precise.MulInt(precise.IntOrZero(in.CollateralBalance), diff.QuoTruncate(in.Current))
	}
	chunk := precise.MinInt(total, precise.IntOrZero(in.MaxTradeSize), nonNegative(in.MaxBorrow))
	return Chunk{Notional: chunk, Total: total, IsLever: isLever}
}

// IsAdvantageousTWAP reports whether the price has already carried the
// position to or past the in-flight TWAP ratio, in which case the TWAP can be
// closed without trading.
func IsAdvantageousTWAP(twapRatio, target, current sdkmath.LegacyDec) bool {
	if twapRatio.LT(target) && current.GTE(twapRatio) {
		return true
	}
	return twapRatio.GT(target) && current.LTE(twapRatio)
}

func nonNegative(i sdkmath.Int) sdkmath.Int {
	i = precise.IntOrZero(i)
	if i.IsNegative() {
		return sdkmath.ZeroInt()
	}
	return i
}
