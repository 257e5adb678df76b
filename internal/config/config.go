// Package config loads the application configuration: YAML file plus
// XARB_-prefixed environment overrides, with defaults for every enumerated
// key. The typed Config is pure data; wiring maps it onto component configs.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// VenueCredentials is one venue's API credential triple as it appears under
// venues.credentials. Values are handed to the secrets provider and never
// logged.
type VenueCredentials struct {
	Key        string `mapstructure:"key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
}

// Config is the full application configuration tree.
type Config struct {
	LogLevel    string `mapstructure:"log_level"`
	MonitorAddr string `mapstructure:"monitor_addr"`

	Watchlist []string `mapstructure:"watchlist"`

	Bus struct {
		NATSURL      string `mapstructure:"nats_url"`
		StreamMaxLen int    `mapstructure:"stream_max_len"`
	} `mapstructure:"bus"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Vault struct {
		Addr  string `mapstructure:"addr"`
		Token string `mapstructure:"token"`
		Mount string `mapstructure:"mount"`
	} `mapstructure:"vault"`

	Venues struct {
		Enabled     []string                    `mapstructure:"enabled"`
		Credentials map[string]VenueCredentials `mapstructure:"credentials"`
	} `mapstructure:"venues"`

	Sources struct {
		Enabled []string `mapstructure:"enabled"`
	} `mapstructure:"sources"`

	Arbitrage struct {
		ScanIntervalSeconds     int     `mapstructure:"scan_interval_seconds"`
		MinSpreadPct            float64 `mapstructure:"min_spread_pct"`
		MinProfit               float64 `mapstructure:"min_profit"`
		MaxConcurrentExecutions int     `mapstructure:"max_concurrent_executions"`
		SlippageBps             int     `mapstructure:"slippage_bps"`
		MaxNotional             float64 `mapstructure:"max_notional"`
	} `mapstructure:"arbitrage"`

	Orders struct {
		OrderTimeoutSeconds int `mapstructure:"order_timeout_seconds"`
	} `mapstructure:"orders"`

	Retry struct {
		Attempts    int     `mapstructure:"attempts"`
		BaseDelayMs int     `mapstructure:"base_delay_ms"`
		Backoff     float64 `mapstructure:"backoff"`
	} `mapstructure:"retry"`

	Aggregator struct {
		CacheTTLSeconds    int `mapstructure:"cache_ttl_seconds"`
		TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
	} `mapstructure:"aggregator"`

	Risk struct {
		MaxPositionSize  float64 `mapstructure:"max_position_size"`
		MaxDailyLoss     float64 `mapstructure:"max_daily_loss"`
		MaxDailyTrades   int     `mapstructure:"max_daily_trades"`
		MaxPositionRisk  float64 `mapstructure:"max_position_risk"`
		MaxOpenPositions int     `mapstructure:"max_open_positions"`
	} `mapstructure:"risk"`

	Position struct {
		Equity       float64 `mapstructure:"equity"`
		RiskFraction float64 `mapstructure:"risk_fraction"`
		StopPct      float64 `mapstructure:"stop_pct"`
		TakePct      float64 `mapstructure:"take_pct"`
		MinStrength  float64 `mapstructure:"min_strength"`
	} `mapstructure:"position"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("monitor_addr", ":9100")

	v.SetDefault("watchlist", []string{"BTC/USDT", "ETH/USDT"})

	v.SetDefault("bus.stream_max_len", 10_000)

	v.SetDefault("venues.enabled", []string{"binance", "kraken"})
	v.SetDefault("sources.enabled", []string{"coingecko", "coinpaprika"})

	v.SetDefault("arbitrage.scan_interval_seconds", 1)
	v.SetDefault("arbitrage.min_spread_pct", 0.001)
	v.SetDefault("arbitrage.min_profit", 1.0)
	v.SetDefault("arbitrage.max_concurrent_executions", 8)
	v.SetDefault("arbitrage.slippage_bps", 5)
	v.SetDefault("arbitrage.max_notional", 10_000.0)

	v.SetDefault("orders.order_timeout_seconds", 30)

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.base_delay_ms", 200)
	v.SetDefault("retry.backoff", 2.0)

	v.SetDefault("aggregator.cache_ttl_seconds", 30)
	v.SetDefault("aggregator.task_timeout_seconds", 2)

	v.SetDefault("risk.max_position_size", 10_000.0)
	v.SetDefault("risk.max_daily_loss", 1_000.0)
	v.SetDefault("risk.max_daily_trades", 100)
	v.SetDefault("risk.max_position_risk", 0.02)
	v.SetDefault("risk.max_open_positions", 10)

	v.SetDefault("position.equity", 10_000.0)
	v.SetDefault("position.risk_fraction", 0.01)
	v.SetDefault("position.stop_pct", 0.02)
	v.SetDefault("position.take_pct", 0.04)
	v.SetDefault("position.min_strength", 0.6)
}

// Load reads the config file at path (optional; defaults apply without one)
// and overlays XARB_-prefixed environment variables, e.g.
// XARB_ARBITRAGE_MIN_SPREAD_PCT=0.2.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("XARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Watchlist) == 0 {
		return fmt.Errorf("watchlist must not be empty")
	}
	if c.Arbitrage.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("arbitrage.scan_interval_seconds must be positive")
	}
	if c.Arbitrage.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("arbitrage.max_concurrent_executions must be positive")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Risk.MaxPositionRisk < 0 || c.Risk.MaxPositionRisk > 1 {
		return fmt.Errorf("risk.max_position_risk must be in [0,1]")
	}
	return nil
}
