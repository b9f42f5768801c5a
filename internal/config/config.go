package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flexlev-keeper/internal/precise"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const envPrefix = "FLEX_"

type Config struct {
	Log         LoggingConfig     `yaml:"log"`
	State       StateConfig       `yaml:"state"`
	Keeper      KeeperConfig      `yaml:"keeper"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Methodology MethodologyConfig `yaml:"methodology"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Incentive   IncentiveConfig   `yaml:"incentive"`
	Exchanges   []ExchangeConfig  `yaml:"exchanges"`
	Access      AccessConfig      `yaml:"access"`
	Oracle      OracleConfig      `yaml:"oracle"`
	Paper       PaperConfig       `yaml:"paper"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Timescale   TimescaleConfig   `yaml:"timescale"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// KeeperConfig drives the polling loop and the identity it calls as.
type KeeperConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
	PrivateKey   string        `yaml:"private_key"`
	ChainID      int64         `yaml:"chain_id"`
	// Optional wider trigger band handed to ShouldRebalanceWithBounds.
	CustomMinLeverageRatio string `yaml:"custom_min_leverage_ratio"`
	CustomMaxLeverageRatio string `yaml:"custom_max_leverage_ratio"`
}

type StrategyConfig struct {
	Contract           string `yaml:"contract"`
	CollateralAsset    string `yaml:"collateral_asset"`
	BorrowAsset        string `yaml:"borrow_asset"`
	CollateralDecimals int    `yaml:"collateral_decimals"`
	BorrowDecimals     int    `yaml:"borrow_decimals"`
}

type MethodologyConfig struct {
	TargetLeverageRatio string        `yaml:"target_leverage_ratio"`
	MinLeverageRatio    string        `yaml:"min_leverage_ratio"`
	MaxLeverageRatio    string        `yaml:"max_leverage_ratio"`
	RecenteringSpeed    string        `yaml:"recentering_speed"`
	RebalanceInterval   time.Duration `yaml:"rebalance_interval"`
}

type ExecutionConfig struct {
	UnutilizedLeveragePercentage string        `yaml:"unutilized_leverage_percentage"`
	TwapCooldownPeriod           time.Duration `yaml:"twap_cooldown_period"`
	SlippageTolerance            string        `yaml:"slippage_tolerance"`
}

type IncentiveConfig struct {
	IncentivizedTwapCooldownPeriod time.Duration `yaml:"incentivized_twap_cooldown_period"`
	IncentivizedSlippageTolerance  string        `yaml:"incentivized_slippage_tolerance"`
	EtherReward                    string        `yaml:"ether_reward"`
	IncentivizedLeverageRatio      string        `yaml:"incentivized_leverage_ratio"`
}

// ExchangeConfig enables one venue. Trade sizes are collateral base units.
type ExchangeConfig struct {
	Name                         string       `yaml:"name"`
	TwapMaxTradeSize             string       `yaml:"twap_max_trade_size"`
	IncentivizedTwapMaxTradeSize string       `yaml:"incentivized_twap_max_trade_size"`
	FeeBps                       uint32       `yaml:"fee_bps"`
	Route                        *RouteConfig `yaml:"route"`
}

// RouteConfig describes the hops between collateral and borrow asset. The
// lever payload walks the path backwards.
type RouteConfig struct {
	Path   []string `yaml:"path"`
	FeeBps []uint32 `yaml:"fee_bps"`
}

type AccessConfig struct {
	Operator       string   `yaml:"operator"`
	AllowedCallers []string `yaml:"allowed_callers"`
	AnyoneCallable bool     `yaml:"anyone_callable"`
	Contracts      []string `yaml:"contracts"`
}

type OracleConfig struct {
	RESTURL        string            `yaml:"rest_url"`
	WSURL          string            `yaml:"ws_url"`
	Timeout        time.Duration     `yaml:"timeout"`
	MaxAge         time.Duration     `yaml:"max_age"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay"`
	PingInterval   time.Duration     `yaml:"ping_interval"`
	Prices         map[string]string `yaml:"prices"`
}

// PaperConfig seeds the simulated market, ledger and reward vault. With
// Enabled false the simulated book runs in shadow mode, priced by the live
// oracle feed instead of oracle.prices.
type PaperConfig struct {
	Enabled              *bool  `yaml:"enabled"`
	InitialCollateral    string `yaml:"initial_collateral"`
	InitialDebt          string `yaml:"initial_debt"`
	Supply               string `yaml:"supply"`
	VaultBalance         string `yaml:"vault_balance"`
	MaxLTV               string `yaml:"max_ltv"`
	LiquidationThreshold string `yaml:"liquidation_threshold"`
}

func (p PaperConfig) EnabledValue() bool {
	return p.Enabled == nil || *p.Enabled
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TelegramConfig sends alerts and, when OperatorEnabled, polls the chat for
// operator commands from AllowedUserIDs (any member when empty).
type TelegramConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Token           string        `yaml:"token"`
	ChatID          string        `yaml:"chat_id"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	OperatorEnabled bool          `yaml:"operator_enabled"`
	AllowedUserIDs  []int64       `yaml:"allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Encoding == "" {
		cfg.Log.Encoding = "json"
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/flexlev-keeper.db"
	}
	if cfg.Keeper.PollInterval == 0 {
		cfg.Keeper.PollInterval = 15 * time.Second
	}
	if cfg.Keeper.CallTimeout == 0 {
		cfg.Keeper.CallTimeout = 30 * time.Second
	}
	if cfg.Keeper.ChainID == 0 {
		cfg.Keeper.ChainID = 1
	}
	if cfg.Strategy.CollateralAsset == "" {
		cfg.Strategy.CollateralAsset = "ETH"
	}
	if cfg.Strategy.BorrowAsset == "" {
		cfg.Strategy.BorrowAsset = "USDC"
	}
	if cfg.Strategy.CollateralDecimals == 0 {
		cfg.Strategy.CollateralDecimals = 18
	}
	if cfg.Strategy.BorrowDecimals == 0 {
		cfg.Strategy.BorrowDecimals = 6
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = 10 * time.Second
	}
	if cfg.Oracle.MaxAge == 0 {
		cfg.Oracle.MaxAge = 2 * time.Minute
	}
	if cfg.Oracle.ReconnectDelay == 0 {
		cfg.Oracle.ReconnectDelay = 3 * time.Second
	}
	if cfg.Oracle.PingInterval == 0 {
		cfg.Oracle.PingInterval = 50 * time.Second
	}
	if cfg.Paper.Enabled == nil {
		enabled := true
		cfg.Paper.Enabled = &enabled
	}
	if cfg.Paper.MaxLTV == "" {
		cfg.Paper.MaxLTV = "0.8"
	}
	if cfg.Paper.LiquidationThreshold == "" {
		cfg.Paper.LiquidationThreshold = "0.85"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.PollInterval == 0 {
		cfg.Telegram.PollInterval = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Keeper.PollInterval < 0 || cfg.Keeper.CallTimeout < 0 {
		return errors.New("keeper intervals must be >= 0")
	}
	if strings.TrimSpace(cfg.Keeper.PrivateKey) == "" {
		return errors.New("keeper.private_key is required")
	}
	if (cfg.Keeper.CustomMinLeverageRatio == "") != (cfg.Keeper.CustomMaxLeverageRatio == "") {
		return errors.New("keeper custom leverage bounds must be set together")
	}
	if err := checkDecimals(map[string]string{
		"keeper.custom_min_leverage_ratio": cfg.Keeper.CustomMinLeverageRatio,
		"keeper.custom_max_leverage_ratio": cfg.Keeper.CustomMaxLeverageRatio,
	}, false); err != nil {
		return err
	}
	if !common.IsHexAddress(cfg.Strategy.Contract) {
		return fmt.Errorf("strategy.contract %q is not an address", cfg.Strategy.Contract)
	}
	if strings.EqualFold(cfg.Strategy.CollateralAsset, cfg.Strategy.BorrowAsset) {
		return errors.New("strategy collateral and borrow assets must differ")
	}
	if cfg.Strategy.CollateralDecimals < 0 || cfg.Strategy.BorrowDecimals < 0 {
		return errors.New("strategy decimals must be >= 0")
	}
	if cfg.Methodology.RebalanceInterval <= 0 {
		return errors.New("methodology.rebalance_interval must be > 0")
	}
	if cfg.Execution.TwapCooldownPeriod <= 0 || cfg.Incentive.IncentivizedTwapCooldownPeriod <= 0 {
		return errors.New("twap cooldown periods must be > 0")
	}
	if err := checkDecimals(map[string]string{
		"methodology.target_leverage_ratio":         cfg.Methodology.TargetLeverageRatio,
		"methodology.min_leverage_ratio":            cfg.Methodology.MinLeverageRatio,
		"methodology.max_leverage_ratio":            cfg.Methodology.MaxLeverageRatio,
		"methodology.recentering_speed":             cfg.Methodology.RecenteringSpeed,
		"execution.unutilized_leverage_percentage":  cfg.Execution.UnutilizedLeveragePercentage,
		"execution.slippage_tolerance":              cfg.Execution.SlippageTolerance,
		"incentive.incentivized_slippage_tolerance": cfg.Incentive.IncentivizedSlippageTolerance,
		"incentive.incentivized_leverage_ratio":     cfg.Incentive.IncentivizedLeverageRatio,
	}, true); err != nil {
		return err
	}
	if _, err := precise.ParseInt(cfg.Incentive.EtherReward); err != nil {
		return fmt.Errorf("incentive.ether_reward: %w", err)
	}
	if len(cfg.Exchanges) == 0 {
		return errors.New("at least one exchange is required")
	}
	seen := make(map[string]bool, len(cfg.Exchanges))
	for i, ex := range cfg.Exchanges {
		name := strings.TrimSpace(ex.Name)
		if name == "" {
			return fmt.Errorf("exchanges[%d].name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("exchange %s is listed twice", name)
		}
		seen[name] = true
		if _, err := precise.ParseInt(ex.TwapMaxTradeSize); err != nil {
			return fmt.Errorf("exchange %s twap_max_trade_size: %w", name, err)
		}
		if _, err := precise.ParseInt(ex.IncentivizedTwapMaxTradeSize); err != nil {
			return fmt.Errorf("exchange %s incentivized_twap_max_trade_size: %w", name, err)
		}
		if ex.FeeBps >= 10_000 {
			return fmt.Errorf("exchange %s fee_bps must be < 10000", name)
		}
		if ex.Route != nil && len(ex.Route.Path) < 2 {
			return fmt.Errorf("exchange %s route needs at least two assets", name)
		}
	}
	if err := validateAccess(cfg.Access); err != nil {
		return err
	}
	if cfg.Oracle.MaxAge < 0 || cfg.Oracle.Timeout < 0 {
		return errors.New("oracle durations must be >= 0")
	}
	if !cfg.Paper.EnabledValue() && strings.TrimSpace(cfg.Oracle.RESTURL) == "" {
		return errors.New("oracle.rest_url is required when paper mode is off")
	}
	if err := validatePaper(cfg); err != nil {
		return err
	}
	if cfg.Metrics.Path != "" && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		return errors.New("timescale.dsn is required when timescale is enabled")
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		return errors.New("telegram token and chat_id are required when telegram is enabled")
	}
	if cfg.Telegram.OperatorEnabled {
		if !cfg.Telegram.Enabled {
			return errors.New("telegram.operator_enabled requires telegram.enabled")
		}
		if _, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.ChatID), 10, 64); err != nil {
			return fmt.Errorf("telegram.chat_id must be numeric for operator commands: %w", err)
		}
	}
	return nil
}

func validateAccess(a AccessConfig) error {
	if !common.IsHexAddress(a.Operator) {
		return fmt.Errorf("access.operator %q is not an address", a.Operator)
	}
	for _, list := range [][]string{a.AllowedCallers, a.Contracts} {
		for _, addr := range list {
			if !common.IsHexAddress(addr) {
				return fmt.Errorf("access address %q is invalid", addr)
			}
		}
	}
	return nil
}

func validatePaper(cfg *Config) error {
	if err := checkDecimals(map[string]string{
		"paper.max_ltv":               cfg.Paper.MaxLTV,
		"paper.liquidation_threshold": cfg.Paper.LiquidationThreshold,
	}, true); err != nil {
		return err
	}
	for name, raw := range map[string]string{
		"paper.initial_collateral": cfg.Paper.InitialCollateral,
		"paper.initial_debt":       cfg.Paper.InitialDebt,
		"paper.supply":             cfg.Paper.Supply,
		"paper.vault_balance":      cfg.Paper.VaultBalance,
	} {
		if raw == "" {
			continue
		}
		if _, err := precise.ParseInt(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, asset := range []string{cfg.Strategy.CollateralAsset, cfg.Strategy.BorrowAsset} {
		if !hasPrice(cfg.Oracle.Prices, asset) && strings.TrimSpace(cfg.Oracle.RESTURL) == "" {
			return fmt.Errorf("oracle.prices needs %s without rest_url", asset)
		}
	}
	return checkDecimals(cfg.Oracle.Prices, true)
}

func hasPrice(prices map[string]string, asset string) bool {
	for k := range prices {
		if strings.EqualFold(k, asset) {
			return true
		}
	}
	return false
}

func checkDecimals(values map[string]string, required bool) error {
	for name, raw := range values {
		if raw == "" && !required {
			continue
		}
		if _, err := precise.ParseDec(raw); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
