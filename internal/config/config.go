// Package config defines the top-level configuration for guardbot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by GUARDBOT_* environment variables.
type Config struct {
	Bybit    BybitConfig    `toml:"bybit"`
	Advisor  AdvisorConfig  `toml:"advisor"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Risk     RiskConfig     `toml:"risk"`
	Orders   OrdersConfig   `toml:"orders"`
	Analysis AnalysisConfig `toml:"analysis"`
	Archive  ArchiveConfig  `toml:"archive"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BybitConfig holds exchange API endpoints and credentials.
type BybitConfig struct {
	BaseURL           string  `toml:"base_url"`
	WsURL             string  `toml:"ws_url"`
	ApiKey            string  `toml:"api_key"`
	ApiSecret         string  `toml:"api_secret"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AdvisorConfig holds the external advisory evaluator endpoint. The timeout is
// long on purpose: the evaluator may take minutes to respond.
type AdvisorConfig struct {
	Endpoint  string   `toml:"endpoint"`
	AuthToken string   `toml:"auth_token"`
	Timeout   duration `toml:"timeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// MonitorConfig holds the proximity control loop parameters.
type MonitorConfig struct {
	TickInterval          duration `toml:"tick_interval"`
	ProximityThresholdPct float64  `toml:"proximity_threshold_pct"`
	PriceTimeout          duration `toml:"price_timeout"`
	PriceMaxAge           duration `toml:"price_max_age"`
	CooldownWindow        duration `toml:"cooldown_window"`
	// CooldownScope is "per_symbol" (default) or "global".
	CooldownScope string `toml:"cooldown_scope"`
	// Symbols subscribed on the websocket price feed. Empty means the feed
	// follows whatever symbols have open positions at startup.
	Symbols []string `toml:"symbols"`
}

// RiskConfig holds the rule-engine offsets. Percentages are whole numbers
// (10 = 10%).
type RiskConfig struct {
	TakeProfitPct      float64 `toml:"take_profit_pct"`
	StopLossPct        float64 `toml:"stop_loss_pct"`
	DCAPct             float64 `toml:"dca_pct"`
	DCASafetyMarginPct float64 `toml:"dca_safety_margin_pct"`
	MinOrderUSD        float64 `toml:"min_order_usd"`
	SizeTolerancePct   float64 `toml:"size_tolerance_pct"`
}

// OrdersConfig holds order reconciliation retry parameters.
type OrdersConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
}

// AnalysisConfig holds the indicator snapshot parameters for evaluation
// context enrichment.
type AnalysisConfig struct {
	Enabled     bool   `toml:"enabled"`
	Interval    string `toml:"interval"`
	CandleLimit int    `toml:"candle_limit"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	RetentionDays int `toml:"retention_days"`
	BatchSize     int `toml:"batch_size"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bybit: BybitConfig{
			BaseURL:           "https://api.bybit.com",
			WsURL:             "wss://stream.bybit.com/v5/public/linear",
			RequestsPerSecond: 5,
		},
		Advisor: AdvisorConfig{
			Timeout: duration{2 * time.Minute},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "guardbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "guardbot-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Monitor: MonitorConfig{
			TickInterval:          duration{30 * time.Second},
			ProximityThresholdPct: 1.0,
			PriceTimeout:          duration{5 * time.Second},
			PriceMaxAge:           duration{10 * time.Second},
			CooldownWindow:        duration{3 * time.Hour},
			CooldownScope:         "per_symbol",
		},
		Risk: RiskConfig{
			TakeProfitPct:      10,
			StopLossPct:        20,
			DCAPct:             15,
			DCASafetyMarginPct: 1,
			MinOrderUSD:        10,
			SizeTolerancePct:   30,
		},
		Orders: OrdersConfig{
			MaxRetries:   3,
			RetryBackoff: duration{time.Second},
		},
		Analysis: AnalysisConfig{
			Enabled:     true,
			Interval:    "1h",
			CandleLimit: 100,
		},
		Archive: ArchiveConfig{
			RetentionDays: 90,
			BatchSize:     1000,
		},
		Notify: NotifyConfig{
			Events: []string{"adjustment_applied", "reconcile_failed", "position_closed"},
		},
		Mode:     "monitor",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"monitor": true,
	"dryrun":  true,
	"archive": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: monitor, dryrun, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Bybit — private endpoints are only reached in monitor mode; dryrun keeps
	// orders on the paper exchange and archive never talks to the exchange.
	if c.Bybit.BaseURL == "" {
		errs = append(errs, "bybit: base_url must not be empty")
	}
	if mode == "monitor" {
		if c.Bybit.ApiKey == "" || c.Bybit.ApiSecret == "" {
			errs = append(errs, "bybit: api_key and api_secret are required for mode monitor")
		}
	}
	if c.Bybit.RequestsPerSecond <= 0 {
		errs = append(errs, "bybit: requests_per_second must be > 0")
	}

	// Advisor — required whenever evaluations can run.
	if mode == "monitor" || mode == "dryrun" {
		if c.Advisor.Endpoint == "" {
			errs = append(errs, "advisor: endpoint is required for mode "+mode)
		}
	}
	if c.Advisor.Timeout.Duration < 0 {
		errs = append(errs, "advisor: timeout must not be negative")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 — only the archive mode touches object storage.
	if mode == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty for mode archive")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty for mode archive")
		}
	}

	// Monitor
	if c.Monitor.TickInterval.Duration <= 0 {
		errs = append(errs, "monitor: tick_interval must be > 0")
	}
	if c.Monitor.ProximityThresholdPct <= 0 {
		errs = append(errs, "monitor: proximity_threshold_pct must be > 0")
	}
	if c.Monitor.CooldownWindow.Duration <= 0 {
		errs = append(errs, "monitor: cooldown_window must be > 0")
	}
	switch c.Monitor.CooldownScope {
	case "", "per_symbol", "global":
	default:
		errs = append(errs, fmt.Sprintf("monitor: cooldown_scope must be per_symbol or global, got %q", c.Monitor.CooldownScope))
	}

	// Risk — the DCA level has to fit between the stop and the entry.
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 100 {
		errs = append(errs, "risk: stop_loss_pct must be in (0, 100)")
	}
	if c.Risk.TakeProfitPct <= 0 {
		errs = append(errs, "risk: take_profit_pct must be > 0")
	}
	if c.Risk.DCAPct <= 0 || c.Risk.DCAPct >= c.Risk.StopLossPct {
		errs = append(errs, "risk: dca_pct must be > 0 and below stop_loss_pct")
	}
	if c.Risk.DCASafetyMarginPct < 0 {
		errs = append(errs, "risk: dca_safety_margin_pct must be >= 0")
	}

	// Orders
	if c.Orders.MaxRetries < 1 {
		errs = append(errs, "orders: max_retries must be >= 1")
	}

	// Analysis
	if c.Analysis.Enabled {
		if c.Analysis.Interval == "" {
			errs = append(errs, "analysis: interval must not be empty when enabled")
		}
		if c.Analysis.CandleLimit < 50 {
			errs = append(errs, "analysis: candle_limit must be >= 50 (indicator warmup)")
		}
	}

	// Archive
	if c.Archive.RetentionDays < 1 {
		errs = append(errs, "archive: retention_days must be >= 1")
	}
	if c.Archive.BatchSize < 1 {
		errs = append(errs, "archive: batch_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
