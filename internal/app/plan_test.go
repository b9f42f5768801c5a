package app

import (
	"context"
	"path/filepath"
	"testing"

	"flexlev-keeper/internal/strategy"

	"go.uber.org/zap"
)

func TestPlanQuotesIterateDuringTwap(t *testing.T) {
	app, _ := newTestApp(t, testConfig(t), nil)
	ctx := context.Background()
	if _, err := app.handleOperatorCommand(ctx, "engage", []string{"amm"}, operatorMeta{}); err != nil {
		t.Fatalf("engage: %v", err)
	}
	plan, err := app.plan(ctx)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan.TwapLeverageRatio.IsZero() || len(plan.Decisions) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
	d := plan.Decisions[0]
	if d.Action != strategy.ActionIterateRebalance && d.Action != strategy.ActionNone {
		t.Fatalf("expected iterate or cooldown, got %s", d.Action)
	}
	if d.Action == strategy.ActionIterateRebalance && (d.Quote == nil || !d.Quote.IsLever || d.Quote.SellAsset != "USDC") {
		t.Fatalf("expected a lever quote, got %+v", d.Quote)
	}
}

func TestInspectWithoutStateFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.SQLitePath = filepath.Join(t.TempDir(), "missing.db")
	plan, err := Inspect(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if len(plan.Decisions) != 1 || plan.Decisions[0].Action != strategy.ActionRebalance {
		t.Fatalf("expected a rebalance below the band, got %+v", plan.Decisions)
	}
	if q := plan.Decisions[0].Quote; q == nil || !q.IsLever || !q.Notional.IsPositive() {
		t.Fatalf("expected a lever quote, got %+v", q)
	}
	if plan.LeverageRatio.String() != "1.000000000000000000" {
		t.Fatalf("unexpected ratio %s", plan.LeverageRatio)
	}
}
