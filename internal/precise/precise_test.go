package precise

import (
	"testing"

	sdkmath "cosmossdk.io/math"
)

func dec(t *testing.T, s string) sdkmath.LegacyDec {
	t.Helper()
	d, err := ParseDec(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func TestMulIntRounding(t *testing.T) {
	third := sdkmath.LegacyOneDec().QuoInt64(3)
	got := MulInt(sdkmath.NewInt(10), third)
	if !got.Equal(sdkmath.NewInt(3)) {
		t.Fatalf("expected truncated 3, got %s", got)
	}
	got = MulIntCeil(sdkmath.NewInt(10), third)
	if !got.Equal(sdkmath.NewInt(4)) {
		t.Fatalf("expected rounded-up 4, got %s", got)
	}
}

func TestDivIntRounding(t *testing.T) {
	supply := sdkmath.NewIntWithDecimal(3, Decimals)
	units := DivInt(sdkmath.NewInt(10), supply)
	if !units.Equal(sdkmath.NewInt(3)) {
		t.Fatalf("expected 3 units, got %s", units)
	}
	units = DivIntCeil(sdkmath.NewInt(10), supply)
	if !units.Equal(sdkmath.NewInt(4)) {
		t.Fatalf("expected 4 units, got %s", units)
	}
	exact := DivIntCeil(sdkmath.NewInt(9), supply)
	if !exact.Equal(sdkmath.NewInt(3)) {
		t.Fatalf("expected exact division to stay 3, got %s", exact)
	}
}

func TestMulUnitsInvertsDivInt(t *testing.T) {
	supply := sdkmath.NewIntWithDecimal(50, Decimals)
	total := sdkmath.NewIntWithDecimal(7, Decimals)
	units := DivInt(total, supply)
	if back := MulUnits(units, supply); !back.Equal(total) {
		t.Fatalf("expected %s, got %s", total, back)
	}
}

func TestValueAndAmount(t *testing.T) {
	oneEth := sdkmath.NewIntWithDecimal(1, 18)
	price := dec(t, "1000")
	value := Value(oneEth, price, 18)
	if !value.Equal(dec(t, "1000")) {
		t.Fatalf("expected value 1000, got %s", value)
	}
	usdc := Amount(value, dec(t, "1"), 6)
	if !usdc.Equal(sdkmath.NewInt(1_000_000_000)) {
		t.Fatalf("expected 1e9 usdc base units, got %s", usdc)
	}
	if got := Amount(value, sdkmath.LegacyZeroDec(), 6); !got.IsZero() {
		t.Fatalf("expected zero amount for zero price, got %s", got)
	}
}

func TestClamp(t *testing.T) {
	lo, hi := dec(t, "1.7"), dec(t, "2.3")
	if got := Clamp(dec(t, "2.5"), lo, hi); !got.Equal(hi) {
		t.Fatalf("expected %s, got %s", hi, got)
	}
	if got := Clamp(dec(t, "1.1"), lo, hi); !got.Equal(lo) {
		t.Fatalf("expected %s, got %s", lo, got)
	}
	if got := Clamp(dec(t, "2"), lo, hi); !got.Equal(dec(t, "2")) {
		t.Fatalf("expected 2, got %s", got)
	}
}

func TestParseHelpers(t *testing.T) {
	if _, err := ParseDec(" "); err == nil {
		t.Fatalf("expected error for empty decimal")
	}
	if _, err := ParseDec("abc"); err == nil {
		t.Fatalf("expected error for invalid decimal")
	}
	i, err := ParseInt("5_000_000")
	if err != nil {
		t.Fatalf("parse int: %v", err)
	}
	if !i.Equal(sdkmath.NewInt(5_000_000)) {
		t.Fatalf("unexpected int %s", i)
	}
	amt, err := ParseAmount("1.5", 6)
	if err != nil {
		t.Fatalf("parse amount: %v", err)
	}
	if !amt.Equal(sdkmath.NewInt(1_500_000)) {
		t.Fatalf("unexpected amount %s", amt)
	}
	if _, err := ParseAmount("-1", 6); err == nil {
		t.Fatalf("expected error for negative amount")
	}
}

func TestNilHelpers(t *testing.T) {
	var d sdkmath.LegacyDec
	if IsSet(d) {
		t.Fatalf("nil decimal should not be set")
	}
	if !OrZero(d).IsZero() {
		t.Fatalf("expected zero")
	}
	var i sdkmath.Int
	if !IntOrZero(i).IsZero() {
		t.Fatalf("expected zero int")
	}
}
