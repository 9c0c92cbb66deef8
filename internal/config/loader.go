package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GUARDBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GUARDBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bybit ──
	setStr(&cfg.Bybit.BaseURL, "GUARDBOT_BYBIT_BASE_URL")
	setStr(&cfg.Bybit.WsURL, "GUARDBOT_BYBIT_WS_URL")
	setStr(&cfg.Bybit.ApiKey, "GUARDBOT_BYBIT_API_KEY")
	setStr(&cfg.Bybit.ApiSecret, "GUARDBOT_BYBIT_API_SECRET")
	setFloat64(&cfg.Bybit.RequestsPerSecond, "GUARDBOT_BYBIT_REQUESTS_PER_SECOND")

	// ── Advisor ──
	setStr(&cfg.Advisor.Endpoint, "GUARDBOT_ADVISOR_ENDPOINT")
	setStr(&cfg.Advisor.AuthToken, "GUARDBOT_ADVISOR_AUTH_TOKEN")
	setDuration(&cfg.Advisor.Timeout, "GUARDBOT_ADVISOR_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "GUARDBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "GUARDBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GUARDBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GUARDBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GUARDBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GUARDBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GUARDBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GUARDBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GUARDBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GUARDBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "GUARDBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GUARDBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GUARDBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GUARDBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GUARDBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GUARDBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "GUARDBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GUARDBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "GUARDBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GUARDBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GUARDBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GUARDBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GUARDBOT_S3_FORCE_PATH_STYLE")

	// ── Monitor ──
	setDuration(&cfg.Monitor.TickInterval, "GUARDBOT_MONITOR_TICK_INTERVAL")
	setFloat64(&cfg.Monitor.ProximityThresholdPct, "GUARDBOT_MONITOR_PROXIMITY_THRESHOLD_PCT")
	setDuration(&cfg.Monitor.PriceTimeout, "GUARDBOT_MONITOR_PRICE_TIMEOUT")
	setDuration(&cfg.Monitor.PriceMaxAge, "GUARDBOT_MONITOR_PRICE_MAX_AGE")
	setDuration(&cfg.Monitor.CooldownWindow, "GUARDBOT_MONITOR_COOLDOWN_WINDOW")
	setStr(&cfg.Monitor.CooldownScope, "GUARDBOT_MONITOR_COOLDOWN_SCOPE")
	setStringSlice(&cfg.Monitor.Symbols, "GUARDBOT_MONITOR_SYMBOLS")

	// ── Risk ──
	setFloat64(&cfg.Risk.TakeProfitPct, "GUARDBOT_RISK_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Risk.StopLossPct, "GUARDBOT_RISK_STOP_LOSS_PCT")
	setFloat64(&cfg.Risk.DCAPct, "GUARDBOT_RISK_DCA_PCT")
	setFloat64(&cfg.Risk.DCASafetyMarginPct, "GUARDBOT_RISK_DCA_SAFETY_MARGIN_PCT")
	setFloat64(&cfg.Risk.MinOrderUSD, "GUARDBOT_RISK_MIN_ORDER_USD")
	setFloat64(&cfg.Risk.SizeTolerancePct, "GUARDBOT_RISK_SIZE_TOLERANCE_PCT")

	// ── Orders ──
	setInt(&cfg.Orders.MaxRetries, "GUARDBOT_ORDERS_MAX_RETRIES")
	setDuration(&cfg.Orders.RetryBackoff, "GUARDBOT_ORDERS_RETRY_BACKOFF")

	// ── Analysis ──
	setBool(&cfg.Analysis.Enabled, "GUARDBOT_ANALYSIS_ENABLED")
	setStr(&cfg.Analysis.Interval, "GUARDBOT_ANALYSIS_INTERVAL")
	setInt(&cfg.Analysis.CandleLimit, "GUARDBOT_ANALYSIS_CANDLE_LIMIT")

	// ── Archive ──
	setInt(&cfg.Archive.RetentionDays, "GUARDBOT_ARCHIVE_RETENTION_DAYS")
	setInt(&cfg.Archive.BatchSize, "GUARDBOT_ARCHIVE_BATCH_SIZE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "GUARDBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "GUARDBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "GUARDBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "GUARDBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "GUARDBOT_MODE")
	setStr(&cfg.LogLevel, "GUARDBOT_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
