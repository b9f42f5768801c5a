package strategy

import (
	"errors"

	"flexlev-keeper/internal/leverage"
	"flexlev-keeper/internal/venue"
)

var (
	ErrNotOperator      = errors.New("caller must be operator")
	ErrNotAllowedCaller = errors.New("address not permitted to call")
	ErrNotEOA           = errors.New("caller must be EOA address")
)

var (
	ErrMustCallIterate        = errors.New("must call iterate")
	ErrNotInTWAP              = errors.New("not in TWAP state")
	ErrCooldownNotElapsed     = errors.New("cooldown not elapsed or not valid leverage ratio")
	ErrRebalanceNotDue        = errors.New("rebalance interval not yet elapsed")
	ErrAboveIncentivizedRatio = errors.New("must be below incentivized leverage ratio")
	ErrBelowIncentivizedRatio = errors.New("must be above incentivized leverage ratio")
	ErrZeroSupply             = errors.New("basket supply must be > 0")
	ErrZeroCollateral         = errors.New("collateral balance must be > 0")
	ErrNoBorrowBalance        = errors.New("borrow balance must exist")
	ErrDebtNotZero            = errors.New("debt must be 0")
	ErrRebalanceInProgress    = errors.New("rebalance is currently in progress")
	ErrExchangeNotEnabled     = errors.New("must be valid exchange")
	ErrZeroChunk              = errors.New("no tradable notional within borrow headroom")
)

var (
	ErrInvalidSettings = errors.New("invalid settings")
	ErrInvalidBounds   = errors.New("custom bounds must be valid")
	ErrRewardTransfer  = errors.New("reward transfer failed")
)

var authErrors = []error{ErrNotOperator, ErrNotAllowedCaller, ErrNotEOA}

var preconditionErrors = []error{
	ErrMustCallIterate,
	ErrNotInTWAP,
	ErrCooldownNotElapsed,
	ErrRebalanceNotDue,
	ErrAboveIncentivizedRatio,
	ErrBelowIncentivizedRatio,
	ErrZeroSupply,
	ErrZeroCollateral,
	ErrNoBorrowBalance,
	ErrDebtNotZero,
	ErrRebalanceInProgress,
	ErrExchangeNotEnabled,
	ErrZeroChunk,
	leverage.ErrUndefinedRatio,
}

var configErrors = []error{
	ErrInvalidSettings,
	ErrInvalidBounds,
	venue.ErrEmptyName,
	venue.ErrAlreadyEnabled,
	venue.ErrNotEnabled,
	venue.ErrZeroTradeSize,
	venue.ErrTradeSizeAboveIncentivized,
}

func IsAuthError(err error) bool {
	return isAny(err, authErrors)
}

// IsPreconditionError reports state errors a caller can clear by waiting or
// choosing another entry point.
func IsPreconditionError(err error) bool {
	return isAny(err, preconditionErrors)
}

func IsConfigError(err error) bool {
	return isAny(err, configErrors)
}

func isAny(err error, targets []error) bool {
	if err == nil {
		return false
	}
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
