package state

import (
	"context"
	"encoding/json"
	"strings"
)

const ControllerSnapshotKey = "controller:last_snapshot"

type VenueSnapshot struct {
	Name                         string `json:"name"`
	TwapMaxTradeSize             string `json:"twap_max_trade_size"`
	IncentivizedTwapMaxTradeSize string `json:"incentivized_twap_max_trade_size"`
	LastTradeMS                  int64  `json:"last_trade_ms"`
	LeverPayload                 []byte `json:"lever_payload,omitempty"`
	DeleverPayload               []byte `json:"delever_payload,omitempty"`
}

// ControllerSnapshot is the cross-call rebalance state: the TWAP marker, the
// trade timestamps and the enabled venue list.
type ControllerSnapshot struct {
	TwapLeverageRatio string          `json:"twap_leverage_ratio"`
	GlobalLastTradeMS int64           `json:"global_last_trade_ms"`
	Venues            []VenueSnapshot `json:"venues"`
	UpdatedAtMS       int64           `json:"updated_at_ms"`
}

func LoadControllerSnapshot(ctx context.Context, store Store) (ControllerSnapshot, bool, error) {
	if store == nil {
		return ControllerSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, ControllerSnapshotKey)
	if err != nil {
		return ControllerSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return ControllerSnapshot{}, false, nil
	}
	var snapshot ControllerSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return ControllerSnapshot{}, false, err
	}
	return snapshot, true, nil
}

func SaveControllerSnapshot(ctx context.Context, store Store, snapshot ControllerSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, ControllerSnapshotKey, string(payload))
}
