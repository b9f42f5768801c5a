package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"flexlev-keeper/internal/app"
	"flexlev-keeper/internal/config"
	"flexlev-keeper/internal/logging"
)

type quoteOutput struct {
	Notional  string `json:"notional"`
	Total     string `json:"total"`
	IsLever   bool   `json:"is_lever"`
	SellAsset string `json:"sell_asset"`
	BuyAsset  string `json:"buy_asset"`
}

type decisionOutput struct {
	Venue  string       `json:"venue"`
	Action string       `json:"action"`
	Chunk  *quoteOutput `json:"chunk,omitempty"`
}

type planOutput struct {
	Keeper            string           `json:"keeper"`
	LeverageRatio     string           `json:"leverage_ratio"`
	TwapLeverageRatio string           `json:"twap_leverage_ratio"`
	RipcordIncentive  string           `json:"ripcord_incentive"`
	Decisions         []decisionOutput `json:"decisions"`
}

func main() {
	configPath := flag.String("config", "configs/keeper.yaml", "path to config file")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(config.LoggingConfig{Level: "warn", Encoding: cfg.Log.Encoding})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	plan, err := app.Inspect(ctx, cfg, log)
	if err != nil {
		fatal(err)
	}

	out := planOutput{
		Keeper:            plan.Keeper,
		LeverageRatio:     plan.LeverageRatio.String(),
		TwapLeverageRatio: plan.TwapLeverageRatio.String(),
		RipcordIncentive:  plan.RipcordIncentive.String(),
	}
	for _, d := range plan.Decisions {
		row := decisionOutput{Venue: d.Venue, Action: d.Action.String()}
		if q := d.Quote; q != nil {
			row.Chunk = &quoteOutput{
				Notional:  q.Notional.String(),
				Total:     q.Total.String(),
				IsLever:   q.IsLever,
				SellAsset: q.SellAsset,
				BuyAsset:  q.BuyAsset,
			}
		}
		out.Decisions = append(out.Decisions, row)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "plan: %v\n", err)
	os.Exit(1)
}
