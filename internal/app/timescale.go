package app

import (
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/timescale"

	sdkmath "cosmossdk.io/math"
)

func (a *App) recordSample(snap position.Snapshot, ratio sdkmath.LegacyDec) {
	if a.timescale == nil {
		return
	}
	at := snap.At
	if at.IsZero() {
		at = a.now()
	}
	a.timescale.EnqueueSample(timescale.LeverageSample{
		Time:              at.UTC(),
		LeverageRatio:     decFloat(ratio),
		TwapLeverageRatio: decFloat(a.controller.TwapLeverageRatio()),
		CollateralValue:   decFloat(snap.CollateralValue),
		BorrowValue:       decFloat(snap.BorrowValue),
		CollateralPrice:   decFloat(snap.CollateralPrice),
		Paused:            a.isPaused(),
	})
}
