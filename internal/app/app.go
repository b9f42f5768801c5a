package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"flexlev-keeper/internal/access"
	"flexlev-keeper/internal/alerts"
	"flexlev-keeper/internal/config"
	"flexlev-keeper/internal/events"
	"flexlev-keeper/internal/keys"
	"flexlev-keeper/internal/metrics"
	"flexlev-keeper/internal/oracle"
	"flexlev-keeper/internal/position"
	"flexlev-keeper/internal/precise"
	"flexlev-keeper/internal/sim"
	"flexlev-keeper/internal/state"
	"flexlev-keeper/internal/state/sqlite"
	"flexlev-keeper/internal/strategy"
	"flexlev-keeper/internal/timescale"
	"flexlev-keeper/internal/venue"

	sdkmath "cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const lastIntentKey = "keeper:last_intent"

type telegramClient interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	store      state.Store
	feed       *oracle.Feed
	static     *oracle.Static
	stream     *oracle.Stream
	paper      *sim.Paper
	gateway    *position.Gateway
	policy     *access.Policy
	signer     *keys.Signer
	controller *strategy.Controller
	metrics    *metrics.Metrics
	alerts     telegramClient
	notifier   *alerts.Notifier
	timescale  *timescale.Writer
	now        func() time.Time

	// caller signs and sends keeper calls; operator runs admin commands.
	caller   common.Address
	operator common.Address

	customBounds bool
	customMin    sdkmath.LegacyDec
	customMax    sdkmath.LegacyDec

	opsMu          sync.RWMutex
	paused         bool
	operatorWarned bool
}

// New opens the sqlite store and the optional timescale sink, then wires the
// controller around the simulated collaborators.
func New(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*App, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.State.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	writer, err := timescale.New(cfg.Timescale, log.Named("timescale"))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("timescale: %w", err)
	}
	app, err := newApp(cfg, log, m, store, writer, alerts.NewTelegram(cfg.Telegram, log.Named("telegram")))
	if err != nil {
		_ = store.Close()
		_ = writer.Close()
		return nil, err
	}
	return app, nil
}

func newApp(cfg *config.Config, log *zap.Logger, m *metrics.Metrics, store state.Store, writer *timescale.Writer, tg telegramClient) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	contractAddr := common.HexToAddress(cfg.Strategy.Contract)
	signer, err := keys.NewSigner(cfg.Keeper.PrivateKey, cfg.Keeper.ChainID, contractAddr)
	if err != nil {
		return nil, err
	}
	policy, err := buildPolicy(cfg.Access)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		log:       log,
		store:     store,
		policy:    policy,
		signer:    signer,
		metrics:   m,
		alerts:    tg,
		timescale: writer,
		now:       time.Now,
		caller:    signer.Address(),
		operator:  policy.Operator(),
	}

	var prices position.Oracle
	if url := strings.TrimSpace(cfg.Oracle.RESTURL); url != "" {
		a.feed = oracle.NewFeed(oracle.NewRESTClient(url, cfg.Oracle.Timeout, log.Named("oracle")), cfg.Oracle.MaxAge, log.Named("oracle"))
		if ws := strings.TrimSpace(cfg.Oracle.WSURL); ws != "" {
			assets := []string{cfg.Strategy.CollateralAsset, cfg.Strategy.BorrowAsset}
			a.stream = oracle.NewStream(ws, assets, cfg.Oracle.ReconnectDelay, cfg.Oracle.PingInterval, a.feed, log.Named("oracle_ws"))
		}
		prices = a.feed
	} else {
		static, err := staticPrices(cfg.Oracle.Prices)
		if err != nil {
			return nil, err
		}
		a.static = static
		prices = static
	}

	paperCfg, err := paperConfig(cfg, contractAddr)
	if err != nil {
		return nil, err
	}
	a.paper = sim.NewPaper(paperCfg, prices, store, log.Named("paper"))
	a.gateway, err = position.NewGateway(position.Contract{
		Account:            contractAddr,
		CollateralAsset:    cfg.Strategy.CollateralAsset,
		BorrowAsset:        cfg.Strategy.BorrowAsset,
		CollateralDecimals: cfg.Strategy.CollateralDecimals,
		BorrowDecimals:     cfg.Strategy.BorrowDecimals,
	}, a.paper.Deps(), log.Named("gateway"))
	if err != nil {
		return nil, err
	}

	settings, err := StrategySettings(cfg)
	if err != nil {
		return nil, err
	}
	emitters := []events.Emitter{events.NewLogEmitter(log.Named("events"))}
	if writer != nil {
		emitters = append(emitters, writer)
	}
	if cfg.Telegram.Enabled && tg != nil {
		a.notifier = alerts.NewNotifier(tg, 0, log.Named("alerts"))
		emitters = append(emitters, a.notifier)
	}
	a.controller, err = strategy.New(settings, strategy.Deps{
		Gateway: a.gateway,
		Access:  policy,
		Vault:   a.paper.Vault,
		Events:  events.Multi(emitters...),
		Metrics: m,
		Log:     log.Named("controller"),
	})
	if err != nil {
		return nil, err
	}

	if cfg.Keeper.CustomMinLeverageRatio != "" {
		if a.customMin, err = precise.ParseDec(cfg.Keeper.CustomMinLeverageRatio); err != nil {
			return nil, fmt.Errorf("custom_min_leverage_ratio: %w", err)
		}
		if a.customMax, err = precise.ParseDec(cfg.Keeper.CustomMaxLeverageRatio); err != nil {
			return nil, fmt.Errorf("custom_max_leverage_ratio: %w", err)
		}
		a.customBounds = true
	}
	if a.caller != a.operator {
		log.Warn("keeper address is not the operator; rebalance calls will be rejected",
			zap.String("keeper", a.caller.Hex()),
			zap.String("operator", a.operator.Hex()),
		)
	}
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	defer a.close()
	if err := a.restore(ctx); err != nil {
		return err
	}
	a.timescale.Start(ctx)
	if a.notifier != nil {
		go a.notifier.Run(ctx)
	}
	if a.stream != nil {
		go func() {
			if err := a.stream.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Warn("oracle stream stopped", zap.Error(err))
			}
		}()
	}
	a.startOperator(ctx)

	a.log.Info("keeper started",
		zap.String("keeper", a.caller.Hex()),
		zap.Strings("exchanges", a.controller.EnabledExchanges()),
		zap.Duration("poll_interval", a.cfg.Keeper.PollInterval),
		zap.Bool("paper", a.cfg.Paper.EnabledValue()),
	)
	if err := a.tick(ctx); err != nil {
		a.log.Warn("keeper tick failed", zap.Error(err))
	}
	ticker := time.NewTicker(a.cfg.Keeper.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.tick(ctx); err != nil {
				a.log.Warn("keeper tick failed", zap.Error(err))
			}
		}
	}
}

func (a *App) close() {
	if err := a.timescale.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", zap.Error(err))
		}
	}
}

// restore loads the persisted controller state and brings the exchange list
// in line with the config.
func (a *App) restore(ctx context.Context) error {
	snap, ok, err := state.LoadControllerSnapshot(ctx, a.store)
	if err != nil {
		return fmt.Errorf("load controller snapshot: %w", err)
	}
	if ok {
		if err := a.controller.Restore(snap); err != nil {
			return fmt.Errorf("restore controller: %w", err)
		}
	}
	return a.syncExchanges(ctx)
}

func (a *App) syncExchanges(ctx context.Context) error {
	configured := make(map[string]struct{}, len(a.cfg.Exchanges))
	for _, ex := range a.cfg.Exchanges {
		configured[ex.Name] = struct{}{}
		settings, err := venueSettings(ex, a.cfg.Strategy)
		if err != nil {
			return fmt.Errorf("exchange %s: %w", ex.Name, err)
		}
		current, enabled := a.controller.Exchange(ex.Name)
		switch {
		case !enabled:
			if err := a.controller.AddEnabledExchange(ctx, a.operator, ex.Name, settings); err != nil {
				return fmt.Errorf("add exchange %s: %w", ex.Name, err)
			}
		case !sameVenue(current, settings):
			if err := a.controller.UpdateEnabledExchange(ctx, a.operator, ex.Name, settings); err != nil {
				return fmt.Errorf("update exchange %s: %w", ex.Name, err)
			}
		}
	}
	for _, name := range a.controller.EnabledExchanges() {
		if _, ok := configured[name]; ok {
			continue
		}
		if err := a.controller.RemoveEnabledExchange(ctx, a.operator, name); err != nil {
			return fmt.Errorf("remove exchange %s: %w", name, err)
		}
	}
	a.saveSnapshot(ctx)
	return nil
}

func (a *App) tick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Keeper.CallTimeout)
	defer cancel()
	if a.feed != nil {
		if err := a.feed.Refresh(ctx); err != nil {
			a.log.Warn("oracle refresh failed", zap.Error(err))
		}
	}
	a.observe(ctx)
	if a.isPaused() {
		return nil
	}
	names, actions, err := a.shouldRebalance(ctx)
	if err != nil {
		return err
	}
	acted, err := a.dispatch(ctx, names, actions)
	if acted {
		a.saveSnapshot(ctx)
		a.observe(ctx)
	}
	return err
}

func (a *App) shouldRebalance(ctx context.Context) ([]string, []strategy.Action, error) {
	if a.customBounds {
		return a.controller.ShouldRebalanceWithBounds(ctx, nil, a.customMin, a.customMax)
	}
	return a.controller.ShouldRebalance(ctx, nil)
}

// dispatch makes at most one keeper call per tick. Ripcord outranks iterate,
// which outranks a fresh rebalance; within one action the first venue that
// succeeds wins.
func (a *App) dispatch(ctx context.Context, names []string, actions []strategy.Action) (bool, error) {
	for _, want := range []strategy.Action{strategy.ActionRipcord, strategy.ActionIterateRebalance, strategy.ActionRebalance} {
		var lastErr error
		for i, name := range names {
			if actions[i] != want {
				continue
			}
			res, err := a.call(ctx, want, name)
			if errors.Is(err, strategy.ErrRewardTransfer) {
				// The ripcord trade stands even though the reward did not move.
				a.log.Error("keeper call traded without reward", append(resultFields(res), zap.Error(err))...)
				return true, err
			}
			if err != nil {
				lastErr = err
				a.log.Warn("keeper call failed", zap.String("action", want.String()), zap.String("venue", name), zap.Error(err))
				continue
			}
			a.log.Info("keeper call succeeded", resultFields(res)...)
			return true, nil
		}
		if lastErr != nil {
			return false, lastErr
		}
	}
	return false, nil
}

func (a *App) call(ctx context.Context, action strategy.Action, name string) (strategy.Result, error) {
	if err := a.recordIntent(ctx, action, name); err != nil {
		return strategy.Result{}, err
	}
	switch action {
	case strategy.ActionRipcord:
		return a.controller.Ripcord(ctx, a.caller, name)
	case strategy.ActionIterateRebalance:
		return a.controller.IterateRebalance(ctx, a.caller, name)
	case strategy.ActionRebalance:
		return a.controller.Rebalance(ctx, a.caller, name)
	case strategy.ActionEngage:
		return a.controller.Engage(ctx, a.operator, name)
	case strategy.ActionDisengage:
		return a.controller.Disengage(ctx, a.operator, name)
	}
	return strategy.Result{}, fmt.Errorf("unsupported action %s", action)
}

type signedIntent struct {
	Intent    keys.Intent    `json:"intent"`
	Signature keys.Signature `json:"signature"`
	Signer    string         `json:"signer"`
}

// recordIntent signs the call about to be made and keeps the latest one so a
// reviewer can check which key requested it.
func (a *App) recordIntent(ctx context.Context, action strategy.Action, name string) error {
	now := a.now()
	intent := keys.Intent{
		Action:   action.String(),
		Venue:    name,
		Nonce:    uint64(now.UnixMilli()),
		Deadline: uint64(now.Add(a.cfg.Keeper.CallTimeout).Unix()),
	}
	sig, err := a.signer.SignIntent(intent)
	if err != nil {
		return fmt.Errorf("sign intent: %w", err)
	}
	if a.store == nil {
		return nil
	}
	payload, err := json.Marshal(signedIntent{Intent: intent, Signature: sig, Signer: a.signer.Address().Hex()})
	if err != nil {
		return err
	}
	if err := a.store.Set(ctx, lastIntentKey, string(payload)); err != nil {
		a.log.Warn("intent persist failed", zap.Error(err))
	}
	return nil
}

func (a *App) saveSnapshot(ctx context.Context) {
	if err := state.SaveControllerSnapshot(ctx, a.store, a.controller.Export()); err != nil {
		a.log.Warn("controller snapshot save failed", zap.Error(err))
	}
}

// observe publishes the current leverage to metrics and timescale.
func (a *App) observe(ctx context.Context) {
	snap, err := a.gateway.Snapshot(ctx)
	if err != nil {
		a.log.Warn("position snapshot failed", zap.Error(err))
		return
	}
	ratio, err := snap.Ratio()
	if err != nil {
		a.log.Debug("leverage ratio unavailable", zap.Error(err))
		return
	}
	a.metrics.LeverageRatio.Set(decFloat(ratio))
	a.recordSample(snap, ratio)
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

// setPaused reports whether the state changed.
func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	if a.paused == paused {
		return false
	}
	a.paused = paused
	if paused {
		a.metrics.KeeperPaused.Inc()
	} else {
		a.metrics.KeeperResumed.Inc()
	}
	return true
}

func buildPolicy(cfg config.AccessConfig) (*access.Policy, error) {
	operator := common.HexToAddress(cfg.Operator)
	policy := access.NewPolicy(operator)
	if len(cfg.AllowedCallers) > 0 {
		targets := make([]common.Address, 0, len(cfg.AllowedCallers))
		statuses := make([]bool, 0, len(cfg.AllowedCallers))
		for _, raw := range cfg.AllowedCallers {
			targets = append(targets, common.HexToAddress(raw))
			statuses = append(statuses, true)
		}
		if err := policy.UpdateCallerStatus(operator, targets, statuses); err != nil {
			return nil, err
		}
	}
	if cfg.AnyoneCallable {
		if err := policy.UpdateAnyoneCallable(operator, true); err != nil {
			return nil, err
		}
	}
	for _, raw := range cfg.Contracts {
		policy.MarkContract(common.HexToAddress(raw))
	}
	return policy, nil
}

// StrategySettings parses the methodology, execution and incentive sections.
func StrategySettings(cfg *config.Config) (strategy.Settings, error) {
	var s strategy.Settings
	decs := []struct {
		name string
		raw  string
		dst  *sdkmath.LegacyDec
	}{
		{"target_leverage_ratio", cfg.Methodology.TargetLeverageRatio, &s.Methodology.TargetLeverageRatio},
		{"min_leverage_ratio", cfg.Methodology.MinLeverageRatio, &s.Methodology.MinLeverageRatio},
		{"max_leverage_ratio", cfg.Methodology.MaxLeverageRatio, &s.Methodology.MaxLeverageRatio},
		{"recentering_speed", cfg.Methodology.RecenteringSpeed, &s.Methodology.RecenteringSpeed},
		{"unutilized_leverage_percentage", cfg.Execution.UnutilizedLeveragePercentage, &s.Execution.UnutilizedLeveragePercentage},
		{"slippage_tolerance", cfg.Execution.SlippageTolerance, &s.Execution.SlippageTolerance},
		{"incentivized_slippage_tolerance", cfg.Incentive.IncentivizedSlippageTolerance, &s.Incentive.IncentivizedSlippageTolerance},
		{"incentivized_leverage_ratio", cfg.Incentive.IncentivizedLeverageRatio, &s.Incentive.IncentivizedLeverageRatio},
	}
	for _, d := range decs {
		v, err := precise.ParseDec(d.raw)
		if err != nil {
			return strategy.Settings{}, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}
	reward, err := precise.ParseInt(cfg.Incentive.EtherReward)
	if err != nil {
		return strategy.Settings{}, fmt.Errorf("ether_reward: %w", err)
	}
	s.Incentive.EtherReward = reward
	s.Methodology.RebalanceInterval = cfg.Methodology.RebalanceInterval
	s.Execution.TwapCooldownPeriod = cfg.Execution.TwapCooldownPeriod
	s.Incentive.IncentivizedTwapCooldownPeriod = cfg.Incentive.IncentivizedTwapCooldownPeriod
	return s, s.Validate()
}

func venueSettings(ex config.ExchangeConfig, sc config.StrategyConfig) (venue.Settings, error) {
	maxTrade, err := precise.ParseInt(ex.TwapMaxTradeSize)
	if err != nil {
		return venue.Settings{}, fmt.Errorf("twap_max_trade_size: %w", err)
	}
	incentivized, err := precise.ParseInt(ex.IncentivizedTwapMaxTradeSize)
	if err != nil {
		return venue.Settings{}, fmt.Errorf("incentivized_twap_max_trade_size: %w", err)
	}
	out := venue.Settings{TwapMaxTradeSize: maxTrade, IncentivizedTwapMaxTradeSize: incentivized}
	if ex.Route == nil {
		return out, nil
	}
	path := ex.Route.Path
	if !strings.EqualFold(path[0], sc.CollateralAsset) || !strings.EqualFold(path[len(path)-1], sc.BorrowAsset) {
		return venue.Settings{}, fmt.Errorf("route must run from %s to %s", sc.CollateralAsset, sc.BorrowAsset)
	}
	if out.DeleverPayload, err = venue.EncodeRoute(venue.Route{Venue: ex.Name, Path: path, FeeBps: ex.Route.FeeBps}); err != nil {
		return venue.Settings{}, err
	}
	if out.LeverPayload, err = venue.EncodeRoute(venue.Route{Venue: ex.Name, Path: reversed(path), FeeBps: reversed(ex.Route.FeeBps)}); err != nil {
		return venue.Settings{}, err
	}
	return out, nil
}

func reversed[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

func sameVenue(a, b venue.Settings) bool {
	return a.TwapMaxTradeSize.Equal(b.TwapMaxTradeSize) &&
		a.IncentivizedTwapMaxTradeSize.Equal(b.IncentivizedTwapMaxTradeSize) &&
		string(a.LeverPayload) == string(b.LeverPayload) &&
		string(a.DeleverPayload) == string(b.DeleverPayload)
}

func staticPrices(raw map[string]string) (*oracle.Static, error) {
	prices := make(map[string]sdkmath.LegacyDec, len(raw))
	for asset, v := range raw {
		p, err := precise.ParseDec(v)
		if err != nil {
			return nil, fmt.Errorf("oracle.prices.%s: %w", asset, err)
		}
		prices[asset] = p
	}
	return oracle.NewStatic(prices), nil
}

func paperConfig(cfg *config.Config, account common.Address) (sim.PaperConfig, error) {
	maxLTV, err := precise.ParseDec(cfg.Paper.MaxLTV)
	if err != nil {
		return sim.PaperConfig{}, fmt.Errorf("paper.max_ltv: %w", err)
	}
	liq, err := precise.ParseDec(cfg.Paper.LiquidationThreshold)
	if err != nil {
		return sim.PaperConfig{}, fmt.Errorf("paper.liquidation_threshold: %w", err)
	}
	amounts := make([]sdkmath.Int, 4)
	for i, raw := range []string{cfg.Paper.InitialCollateral, cfg.Paper.InitialDebt, cfg.Paper.Supply, cfg.Paper.VaultBalance} {
		if strings.TrimSpace(raw) == "" {
			amounts[i] = sdkmath.ZeroInt()
			continue
		}
		if amounts[i], err = precise.ParseInt(raw); err != nil {
			return sim.PaperConfig{}, fmt.Errorf("paper amount %q: %w", raw, err)
		}
	}
	sc := cfg.Strategy
	decimals := map[string]int{sc.CollateralAsset: sc.CollateralDecimals, sc.BorrowAsset: sc.BorrowDecimals}
	venues := make([]sim.AMMConfig, 0, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		venues = append(venues, sim.AMMConfig{Name: ex.Name, FeeBps: ex.FeeBps, Decimals: decimals})
	}
	return sim.PaperConfig{
		Account: account,
		Market: sim.MarketConfig{
			CollateralAsset:      sc.CollateralAsset,
			BorrowAsset:          sc.BorrowAsset,
			CollateralDecimals:   sc.CollateralDecimals,
			BorrowDecimals:       sc.BorrowDecimals,
			MaxLTV:               maxLTV,
			LiquidationThreshold: liq,
		},
		Venues:            venues,
		InitialCollateral: amounts[0],
		InitialDebt:       amounts[1],
		Supply:            amounts[2],
		VaultBalance:      amounts[3],
	}, nil
}

func resultFields(res strategy.Result) []zap.Field {
	fields := []zap.Field{
		zap.String("action", res.Action.String()),
		zap.String("venue", res.Venue),
	}
	if !res.CurrentLeverageRatio.IsNil() {
		fields = append(fields, zap.String("current_leverage_ratio", res.CurrentLeverageRatio.String()))
	}
	if !res.NewLeverageRatio.IsNil() {
		fields = append(fields, zap.String("new_leverage_ratio", res.NewLeverageRatio.String()))
	}
	if !res.Chunk.Notional.IsNil() {
		fields = append(fields, zap.String("chunk_notional", res.Chunk.Notional.String()), zap.Bool("is_lever", res.Chunk.IsLever))
	}
	if !res.Reward.IsNil() && res.Reward.IsPositive() {
		fields = append(fields, zap.String("reward", res.Reward.String()))
	}
	return fields
}

func decString(d sdkmath.LegacyDec) string {
	if d.IsNil() {
		return "n/a"
	}
	return d.String()
}

func decFloat(d sdkmath.LegacyDec) float64 {
	if d.IsNil() {
		return 0
	}
	f, err := d.Float64()
	if err != nil {
		return 0
	}
	return f
}

var errNoExchange = errors.New("exchange name is required")
