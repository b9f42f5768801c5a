// Package precise holds the 18-decimal fixed-point helpers shared by the
// leverage math, the position gateway and the controller.
//
// Ratios and fractions are sdkmath.LegacyDec (1.0 is the unit). Token amounts
// are sdkmath.Int in base units. Every helper names its rounding direction:
// plain variants truncate toward zero, Ceil variants round up.
package precise

import (
	"errors"
	"fmt"
	"strings"

	sdkmath "cosmossdk.io/math"
)

const Decimals = 18

var unitInt = sdkmath.NewIntWithDecimal(1, Decimals)

// Unit is 1.0.
func Unit() sdkmath.LegacyDec {
	return sdkmath.LegacyOneDec()
}

// UnitInt is 10^18 as an integer, the supply of exactly one basket token.
func UnitInt() sdkmath.Int {
	return unitInt
}

func Zero() sdkmath.LegacyDec {
	return sdkmath.LegacyZeroDec()
}

// OrZero replaces a nil decimal with zero.
func OrZero(d sdkmath.LegacyDec) sdkmath.LegacyDec {
	if d.IsNil() {
		return sdkmath.LegacyZeroDec()
	}
	return d
}

// IntOrZero replaces a nil integer with zero.
func IntOrZero(i sdkmath.Int) sdkmath.Int {
	if i.IsNil() {
		return sdkmath.ZeroInt()
	}
	return i
}

// IsSet reports whether d is non-nil and non-zero.
func IsSet(d sdkmath.LegacyDec) bool {
	return !d.IsNil() && !d.IsZero()
}

func Pow10(n int) sdkmath.Int {
	if n <= 0 {
		return sdkmath.OneInt()
	}
	return sdkmath.NewIntWithDecimal(1, n)
}

// MulInt returns a*d truncated.
func MulInt(a sdkmath.Int, d sdkmath.LegacyDec) sdkmath.Int {
	return d.MulInt(a).TruncateInt()
}

// MulIntCeil returns a*d rounded up.
func MulIntCeil(a sdkmath.Int, d sdkmath.LegacyDec) sdkmath.Int {
	return d.MulInt(a).Ceil().TruncateInt()
}

// DivInt returns a*10^18/b truncated. It is the per-unit conversion used when
// turning a total quantity into units per basket token.
func DivInt(a, b sdkmath.Int) sdkmath.Int {
	return a.Mul(unitInt).Quo(b)
}

// DivIntCeil returns a*10^18/b rounded up.
func DivIntCeil(a, b sdkmath.Int) sdkmath.Int {
	num := a.Mul(unitInt)
	q := num.Quo(b)
	if !num.Mod(b).IsZero() {
		q = q.AddRaw(1)
	}
	return q
}

// MulUnits converts per-unit quantities back into totals: units*supply/10^18.
func MulUnits(units, supply sdkmath.Int) sdkmath.Int {
	return units.Mul(supply).Quo(unitInt)
}

// Value prices amount (base units with the given decimals) at price per whole
// token, truncated.
func Value(amount sdkmath.Int, price sdkmath.LegacyDec, decimals int) sdkmath.LegacyDec {
	return sdkmath.LegacyNewDecFromInt(amount).MulTruncate(price).QuoInt(Pow10(decimals))
}

// Amount is the inverse of Value: the base-unit amount worth value at price,
// truncated.
func Amount(value, price sdkmath.LegacyDec, decimals int) sdkmath.Int {
	if !price.IsPositive() {
		return sdkmath.ZeroInt()
	}
	return value.MulInt(Pow10(decimals)).QuoTruncate(price).TruncateInt()
}

// OneMinus returns 1-d.
func OneMinus(d sdkmath.LegacyDec) sdkmath.LegacyDec {
	return sdkmath.LegacyOneDec().Sub(d)
}

// OnePlus returns 1+d.
func OnePlus(d sdkmath.LegacyDec) sdkmath.LegacyDec {
	return sdkmath.LegacyOneDec().Add(d)
}

func MinInt(first sdkmath.Int, rest ...sdkmath.Int) sdkmath.Int {
	out := first
	for _, v := range rest {
		out = sdkmath.MinInt(out, v)
	}
	return out
}

// Clamp bounds d into [lo, hi].
func Clamp(d, lo, hi sdkmath.LegacyDec) sdkmath.LegacyDec {
	return sdkmath.LegacyMaxDec(lo, sdkmath.LegacyMinDec(d, hi))
}

// PositiveOrZero floors negative values at zero.
func PositiveOrZero(d sdkmath.LegacyDec) sdkmath.LegacyDec {
	if d.IsNegative() {
		return sdkmath.LegacyZeroDec()
	}
	return d
}

var errEmpty = errors.New("empty value")

// ParseDec parses a decimal string such as "2.5" or "0.05".
func ParseDec(raw string) (sdkmath.LegacyDec, error) {
	clean := strings.TrimSpace(raw)
	if clean == "" {
		return sdkmath.LegacyDec{}, errEmpty
	}
	d, err := sdkmath.LegacyNewDecFromStr(clean)
	if err != nil {
		return sdkmath.LegacyDec{}, fmt.Errorf("parse decimal %q: %w", raw, err)
	}
	return d, nil
}

// ParseInt parses a base-unit integer. Underscores are accepted as digit
// separators ("5_000_000").
func ParseInt(raw string) (sdkmath.Int, error) {
	clean := strings.ReplaceAll(strings.TrimSpace(raw), "_", "")
	if clean == "" {
		return sdkmath.Int{}, errEmpty
	}
	i, ok := sdkmath.NewIntFromString(clean)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("parse integer %q", raw)
	}
	return i, nil
}

// ParseAmount parses a human amount ("1.5") into base units with the given
// decimals, truncating anything below one base unit.
func ParseAmount(raw string, decimals int) (sdkmath.Int, error) {
	d, err := ParseDec(raw)
	if err != nil {
		return sdkmath.Int{}, err
	}
	if d.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("amount %q must be >= 0", raw)
	}
	return d.MulInt(Pow10(decimals)).TruncateInt(), nil
}
