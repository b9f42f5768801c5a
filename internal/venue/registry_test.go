package venue

import (
	"bytes"
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/vmihailenco/msgpack/v5"
)

func settings(maxTrade, incentivized int64) Settings {
	return Settings{
		TwapMaxTradeSize:             sdkmath.NewInt(maxTrade),
		IncentivizedTwapMaxTradeSize: sdkmath.NewInt(incentivized),
		LeverPayload:                 []byte{0x01},
		DeleverPayload:               []byte{0x02},
	}
}

func TestRegistryAddRejectsZeroTradeSize(t *testing.T) {
	r := NewRegistry()
	err := r.Add("uniswap", settings(0, 10))
	if !errors.Is(err, ErrZeroTradeSize) {
		t.Fatalf("expected ErrZeroTradeSize, got %v", err)
	}
	if err.Error() != "uniswap: max TWAP trade size must not be 0" {
		t.Fatalf("unexpected message: %v", err)
	}
	if r.IsEnabled("uniswap") || len(r.Enabled()) != 0 {
		t.Fatalf("rejected venue must not be enabled")
	}
}

func TestRegistryAddRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("uniswap", settings(5, 10)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := r.Add("uniswap", settings(5, 10)); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one enabled venue, got %d", r.Len())
	}
}

func TestRegistryAddRejectsTradeSizeAboveIncentivized(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("uniswap", settings(11, 10)); !errors.Is(err, ErrTradeSizeAboveIncentivized) {
		t.Fatalf("expected ErrTradeSizeAboveIncentivized, got %v", err)
	}
	if err := r.Add("", settings(1, 1)); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestRegistryUpdatePreservesTimestamp(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("uniswap", settings(5, 10)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	at := time.Unix(1_700_000_000, 0)
	if err := r.Touch("uniswap", at); err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	next := settings(7, 20)
	next.LastTradeTimestamp = time.Unix(1, 0)
	if err := r.Update("uniswap", next); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, ok := r.Get("uniswap")
	if !ok {
		t.Fatalf("expected venue")
	}
	if !got.TwapMaxTradeSize.Equal(sdkmath.NewInt(7)) {
		t.Fatalf("expected updated trade size, got %s", got.TwapMaxTradeSize)
	}
	if !got.LastTradeTimestamp.Equal(at) {
		t.Fatalf("expected timestamp %s preserved, got %s", at, got.LastTradeTimestamp)
	}
	if err := r.Update("sushiswap", next); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}
	if err := r.Update("uniswap", settings(0, 20)); !errors.Is(err, ErrZeroTradeSize) {
		t.Fatalf("expected ErrZeroTradeSize, got %v", err)
	}
}

func TestRegistryRemoveCompacts(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := r.Add(name, settings(1, 1)); err != nil {
			t.Fatalf("add %s failed: %v", name, err)
		}
	}
	if err := r.Remove("a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	enabled := r.Enabled()
	if len(enabled) != 2 || enabled[0] != "c" || enabled[1] != "b" {
		t.Fatalf("unexpected enabled list %v", enabled)
	}
	if _, ok := r.Get("a"); ok {
		t.Fatalf("removed venue must not be readable")
	}
	if err := r.Remove("a"); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}
	// Re-adding after removal starts fresh.
	if err := r.Add("a", settings(2, 2)); err != nil {
		t.Fatalf("re-add failed: %v", err)
	}
	if err := r.Remove("b"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	enabled = r.Enabled()
	if len(enabled) != 2 || enabled[0] != "c" || enabled[1] != "a" {
		t.Fatalf("unexpected enabled list %v", enabled)
	}
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry()
	if err := r.Add("uniswap", settings(1, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	got, _ := r.Get("uniswap")
	got.LeverPayload[0] = 0xff
	again, _ := r.Get("uniswap")
	if again.LeverPayload[0] != 0x01 {
		t.Fatalf("registry payload mutated through copy")
	}
	names := r.Enabled()
	names[0] = "mutated"
	if !r.IsEnabled("uniswap") {
		t.Fatalf("enabled list mutated through copy")
	}
}

func TestRegistryRestoreKeepsTimestamp(t *testing.T) {
	r := NewRegistry()
	s := settings(1, 1)
	s.LastTradeTimestamp = time.Unix(42, 0)
	if err := r.Restore("uniswap", s); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	got, _ := r.Get("uniswap")
	if !got.LastTradeTimestamp.Equal(time.Unix(42, 0)) {
		t.Fatalf("expected restored timestamp, got %s", got.LastTradeTimestamp)
	}
	if err := r.Touch("missing", time.Now()); !errors.Is(err, ErrNotEnabled) {
		t.Fatalf("expected ErrNotEnabled, got %v", err)
	}
}

func TestMaxTradeSize(t *testing.T) {
	s := settings(3, 9)
	if !s.MaxTradeSize(false).Equal(sdkmath.NewInt(3)) {
		t.Fatalf("expected ordinary cap")
	}
	if !s.MaxTradeSize(true).Equal(sdkmath.NewInt(9)) {
		t.Fatalf("expected incentivized cap")
	}
}

func TestRouteRoundTrip(t *testing.T) {
	route := Route{Venue: "amm", Path: []string{"USDC", "WETH"}, FeeBps: []uint32{30}, Deadline: 1_700_000_000}
	b1, err := EncodeRoute(route)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	b2, err := EncodeRoute(route)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected deterministic encoding")
	}
	var raw map[string]any
	if err := msgpack.Unmarshal(b1, &raw); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if raw["v"] != "amm" {
		t.Fatalf("unexpected venue %v", raw["v"])
	}
	got, err := DecodeRoute(b1)
	if err != nil {
		t.Fatalf("decode route: %v", err)
	}
	if got.Sell() != "USDC" || got.Buy() != "WETH" {
		t.Fatalf("unexpected path %v", got.Path)
	}
	if len(got.FeeBps) != 1 || got.FeeBps[0] != 30 || got.Deadline != route.Deadline {
		t.Fatalf("unexpected route %+v", got)
	}
}

func TestRouteRejectsInvalid(t *testing.T) {
	if _, err := EncodeRoute(Route{Venue: "amm", Path: []string{"USDC"}}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute, got %v", err)
	}
	if _, err := EncodeRoute(Route{Venue: "amm", Path: []string{"USDC", "WETH"}, FeeBps: []uint32{1, 2}}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute for fee mismatch, got %v", err)
	}
	if _, err := DecodeRoute(nil); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute for empty payload, got %v", err)
	}
	if _, err := DecodeRoute([]byte{0x01}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected ErrInvalidRoute for garbage, got %v", err)
	}
}
