package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testKey = "4f3edf983ac636a65a842ce7c78d9aa706d3b113bce036f81af8f9b72d3d80b2"

func validConfig() *Config {
	return &Config{
		Keeper:   KeeperConfig{PrivateKey: testKey},
		Strategy: StrategyConfig{Contract: "0x00000000000000000000000000000000000000b1"},
		Methodology: MethodologyConfig{
			TargetLeverageRatio: "2",
			MinLeverageRatio:    "1.7",
			MaxLeverageRatio:    "2.3",
			RecenteringSpeed:    "0.05",
			RebalanceInterval:   24 * time.Hour,
		},
		Execution: ExecutionConfig{
			UnutilizedLeveragePercentage: "0.01",
			TwapCooldownPeriod:           30 * time.Second,
			SlippageTolerance:            "0.01",
		},
		Incentive: IncentiveConfig{
			IncentivizedTwapCooldownPeriod: time.Second,
			IncentivizedSlippageTolerance:  "0.05",
			EtherReward:                    "1_000_000_000_000_000_000",
			IncentivizedLeverageRatio:      "2.6",
		},
		Exchanges: []ExchangeConfig{{
			Name:                         "amm",
			TwapMaxTradeSize:             "1000000000000000000",
			IncentivizedTwapMaxTradeSize: "1200000000000000000",
		}},
		Access: AccessConfig{Operator: "0x00000000000000000000000000000000000000a1"},
		Oracle: OracleConfig{Prices: map[string]string{"eth": "1000", "USDC": "1"}},
	}
}

func TestDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Log.Level != "info" || cfg.Log.Encoding != "json" {
		t.Fatalf("unexpected log defaults %+v", cfg.Log)
	}
	if cfg.Keeper.PollInterval <= 0 || cfg.Keeper.CallTimeout <= 0 {
		t.Fatalf("expected keeper interval defaults, got %+v", cfg.Keeper)
	}
	if cfg.Strategy.CollateralAsset != "ETH" || cfg.Strategy.BorrowAsset != "USDC" {
		t.Fatalf("unexpected asset defaults %+v", cfg.Strategy)
	}
	if cfg.Strategy.CollateralDecimals != 18 || cfg.Strategy.BorrowDecimals != 6 {
		t.Fatalf("unexpected decimals defaults %+v", cfg.Strategy)
	}
	if cfg.Oracle.MaxAge <= 0 {
		t.Fatalf("expected oracle max age default")
	}
	if !cfg.Paper.EnabledValue() {
		t.Fatalf("expected paper mode by default")
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestMetricsDefaults(t *testing.T) {
	cfg := validConfig()
	applyDefaults(cfg)
	if cfg.Metrics.Enabled == nil || !cfg.Metrics.EnabledValue() {
		t.Fatalf("expected metrics enabled default")
	}
	if cfg.Metrics.Address != "127.0.0.1:9001" {
		t.Fatalf("expected metrics address default, got %q", cfg.Metrics.Address)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Fatalf("expected metrics path default, got %q", cfg.Metrics.Path)
	}
}

func TestPaperEnabledFalseRespected(t *testing.T) {
	enabled := false
	cfg := validConfig()
	cfg.Paper.Enabled = &enabled
	cfg.Oracle.RESTURL = "https://prices.example"
	applyDefaults(cfg)
	if cfg.Paper.EnabledValue() {
		t.Fatalf("expected paper enabled=false to be preserved")
	}
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing key", func(c *Config) { c.Keeper.PrivateKey = "" }, "private_key"},
		{"bad contract", func(c *Config) { c.Strategy.Contract = "nope" }, "strategy.contract"},
		{"same assets", func(c *Config) { c.Strategy.BorrowAsset = "eth" }, "must differ"},
		{"bad target", func(c *Config) { c.Methodology.TargetLeverageRatio = "two" }, "target_leverage_ratio"},
		{"missing speed", func(c *Config) { c.Methodology.RecenteringSpeed = "" }, "recentering_speed"},
		{"zero interval", func(c *Config) { c.Methodology.RebalanceInterval = 0 }, "rebalance_interval"},
		{"zero cooldown", func(c *Config) { c.Execution.TwapCooldownPeriod = 0 }, "cooldown"},
		{"bad reward", func(c *Config) { c.Incentive.EtherReward = "1.5" }, "ether_reward"},
		{"no exchanges", func(c *Config) { c.Exchanges = nil }, "exchange"},
		{"unnamed exchange", func(c *Config) { c.Exchanges[0].Name = " " }, "name is required"},
		{"duplicate exchange", func(c *Config) { c.Exchanges = append(c.Exchanges, c.Exchanges[0]) }, "listed twice"},
		{"bad trade size", func(c *Config) { c.Exchanges[0].TwapMaxTradeSize = "lots" }, "twap_max_trade_size"},
		{"fee too high", func(c *Config) { c.Exchanges[0].FeeBps = 10_000 }, "fee_bps"},
		{"short route", func(c *Config) { c.Exchanges[0].Route = &RouteConfig{Path: []string{"ETH"}} }, "route"},
		{"bad operator", func(c *Config) { c.Access.Operator = "" }, "access.operator"},
		{"bad allowed caller", func(c *Config) { c.Access.AllowedCallers = []string{"0x12"} }, "access address"},
		{"one custom bound", func(c *Config) { c.Keeper.CustomMinLeverageRatio = "1.5" }, "together"},
		{"missing paper price", func(c *Config) { c.Oracle.Prices = map[string]string{"ETH": "1000"} }, "USDC"},
		{"bad paper price", func(c *Config) { c.Oracle.Prices["USDC"] = "x" }, "USDC"},
		{"bad paper supply", func(c *Config) { c.Paper.Supply = "-" }, "paper.supply"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"timescale without dsn", func(c *Config) { c.Timescale.Enabled = true }, "timescale.dsn"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			applyDefaults(cfg)
			err := validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLiveModeRequiresOracleURL(t *testing.T) {
	enabled := false
	cfg := validConfig()
	cfg.Paper.Enabled = &enabled
	applyDefaults(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing oracle rest_url")
	}
}

func TestValidateRejectsTelegramEnabledWithoutConfig(t *testing.T) {
	t.Setenv("FLEX_TELEGRAM_TOKEN", "")
	t.Setenv("FLEX_TELEGRAM_CHAT_ID", "")
	cfg := validConfig()
	cfg.Telegram = TelegramConfig{Enabled: true}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil {
		t.Fatalf("expected error for missing telegram token/chat_id")
	}
}

func TestTelegramOperatorNeedsNumericChat(t *testing.T) {
	t.Setenv("FLEX_TELEGRAM_TOKEN", "")
	t.Setenv("FLEX_TELEGRAM_CHAT_ID", "")
	cfg := validConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "t", ChatID: "@ops", OperatorEnabled: true}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "numeric") {
		t.Fatalf("expected numeric chat_id error, got %v", err)
	}
	cfg.Telegram.ChatID = "-100123"
	if err := validate(cfg); err != nil {
		t.Fatalf("expected valid operator config, got %v", err)
	}
	cfg.Telegram.Enabled = false
	if err := validate(cfg); err == nil {
		t.Fatalf("expected operator without telegram to fail")
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	t.Setenv("FLEX_TELEGRAM_TOKEN", "env-token")
	t.Setenv("FLEX_TELEGRAM_CHAT_ID", "123")
	t.Setenv("FLEX_KEEPER_PRIVATE_KEY", "0xabc")
	cfg := validConfig()
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "config-token", ChatID: "999"}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	if cfg.Telegram.Token != "env-token" || cfg.Telegram.ChatID != "123" {
		t.Fatalf("expected env telegram override, got %+v", cfg.Telegram)
	}
	if cfg.Keeper.PrivateKey != "0xabc" {
		t.Fatalf("expected env private key override, got %q", cfg.Keeper.PrivateKey)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("FLEX_KEEPER_PRIVATE_KEY", "")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
keeper:
  private_key: ` + testKey + `
  poll_interval: 5s
strategy:
  contract: "0x00000000000000000000000000000000000000b1"
methodology:
  target_leverage_ratio: "2"
  min_leverage_ratio: "1.7"
  max_leverage_ratio: "2.3"
  recentering_speed: "0.05"
  rebalance_interval: 24h
execution:
  unutilized_leverage_percentage: "0.01"
  twap_cooldown_period: 30s
  slippage_tolerance: "0.01"
incentive:
  incentivized_twap_cooldown_period: 1s
  incentivized_slippage_tolerance: "0.05"
  ether_reward: "1000000000000000000"
  incentivized_leverage_ratio: "2.6"
exchanges:
  - name: amm
    twap_max_trade_size: "1000000000000000000"
    incentivized_twap_max_trade_size: "1200000000000000000"
    fee_bps: 30
    route:
      path: [ETH, USDC]
      fee_bps: [30]
access:
  operator: "0x00000000000000000000000000000000000000a1"
oracle:
  prices:
    ETH: "1000"
    USDC: "1"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Keeper.PollInterval != 5*time.Second {
		t.Fatalf("expected poll interval 5s, got %v", cfg.Keeper.PollInterval)
	}
	if len(cfg.Exchanges) != 1 || cfg.Exchanges[0].Route == nil || cfg.Exchanges[0].Route.FeeBps[0] != 30 {
		t.Fatalf("unexpected exchanges %+v", cfg.Exchanges)
	}
	if cfg.Methodology.RebalanceInterval != 24*time.Hour {
		t.Fatalf("unexpected rebalance interval %v", cfg.Methodology.RebalanceInterval)
	}
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
