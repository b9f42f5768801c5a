package app

import (
	"context"
	"fmt"
	"os"

	"flexlev-keeper/internal/config"
	"flexlev-keeper/internal/state"
	"flexlev-keeper/internal/state/sqlite"
	"flexlev-keeper/internal/strategy"

	sdkmath "cosmossdk.io/math"
	"go.uber.org/zap"
)

// Plan is what the keeper would do on its next tick.
type Plan struct {
	Keeper            string
	LeverageRatio     sdkmath.LegacyDec
	TwapLeverageRatio sdkmath.LegacyDec
	RipcordIncentive  sdkmath.Int
	Decisions         []Decision
}

type Decision struct {
	Venue  string
	Action strategy.Action
	Quote  *strategy.ChunkQuote
}

// readOnlyStore drops writes so planning never touches persisted state.
type readOnlyStore struct {
	state.Store
}

func (readOnlyStore) Set(context.Context, string, string) error { return nil }

func (readOnlyStore) Delete(context.Context, string) error { return nil }

// Inspect restores the keeper from its state file and reports the next
// action per venue without calling the controller.
func Inspect(ctx context.Context, cfg *config.Config, log *zap.Logger) (Plan, error) {
	var store state.Store = &memoryless{}
	if _, err := os.Stat(cfg.State.SQLitePath); err == nil {
		db, err := sqlite.New(cfg.State.SQLitePath)
		if err != nil {
			return Plan{}, err
		}
		store = db
	}
	defer store.Close()
	a, err := newApp(cfg, log, nil, readOnlyStore{store}, nil, nil)
	if err != nil {
		return Plan{}, err
	}
	if err := a.restore(ctx); err != nil {
		return Plan{}, err
	}
	if a.feed != nil {
		if err := a.feed.Refresh(ctx); err != nil {
			return Plan{}, fmt.Errorf("oracle refresh: %w", err)
		}
	}
	return a.plan(ctx)
}

func (a *App) plan(ctx context.Context) (Plan, error) {
	out := Plan{
		Keeper:            a.caller.Hex(),
		TwapLeverageRatio: a.controller.TwapLeverageRatio(),
	}
	ratio, err := a.controller.CurrentLeverageRatio(ctx)
	if err != nil {
		return Plan{}, err
	}
	out.LeverageRatio = ratio
	if out.RipcordIncentive, err = a.controller.CurrentEtherIncentive(ctx); err != nil {
		return Plan{}, err
	}
	names, actions, err := a.shouldRebalance(ctx)
	if err != nil {
		return Plan{}, err
	}
	quotes, err := a.controller.GetChunkRebalanceNotional(ctx, names)
	if err != nil && !strategy.IsPreconditionError(err) {
		return Plan{}, err
	}
	byVenue := make(map[string]strategy.ChunkQuote, len(quotes))
	for _, q := range quotes {
		byVenue[q.Venue] = q
	}
	for i, name := range names {
		d := Decision{Venue: name, Action: actions[i]}
		if q, ok := byVenue[name]; ok && actions[i] != strategy.ActionNone {
			d.Quote = &q
		}
		out.Decisions = append(out.Decisions, d)
	}
	return out, nil
}

// memoryless stands in for a missing state file.
type memoryless struct{}

func (memoryless) Get(context.Context, string) (string, bool, error) { return "", false, nil }

func (memoryless) Set(context.Context, string, string) error { return nil }

func (memoryless) Delete(context.Context, string) error { return nil }

func (memoryless) Close() error { return nil }
