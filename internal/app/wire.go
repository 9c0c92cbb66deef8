package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/quantpulse/guardbot/internal/blob/s3"
	"github.com/quantpulse/guardbot/internal/cache/redis"
	"github.com/quantpulse/guardbot/internal/config"
	"github.com/quantpulse/guardbot/internal/domain"
	"github.com/quantpulse/guardbot/internal/notify"
	"github.com/quantpulse/guardbot/internal/platform/advisor"
	"github.com/quantpulse/guardbot/internal/platform/bybit"
	"github.com/quantpulse/guardbot/internal/platform/paper"
	"github.com/quantpulse/guardbot/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AuditStore    domain.AuditStore

	// Caches and events
	PriceCache domain.PriceCache
	EventBus   domain.EventBus

	// Exchange and market data. In dryrun mode Exchange is the paper
	// implementation while prices and candles still come from the real venue.
	Exchange domain.ExchangeClient
	Prices   domain.PriceSource
	Candles  domain.CandleSource

	// Advisory evaluator
	Evaluator domain.Evaluator

	// Cold storage
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsRedis returns true for modes that run the control loop and therefore
// want the shared price cache and event stream.
func needsRedis(mode string) bool {
	return mode == "monitor" || mode == "dryrun"
}

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	mode := strings.ToLower(cfg.Mode)

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL (every mode needs the position and audit stores) ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis (price cache and event stream for the control loop) ---
	if needsRedis(mode) {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient)
		deps.EventBus = redis.NewEventBus(redisClient)
	}

	// --- Exchange and market data ---
	if mode != "archive" {
		bybitClient := bybit.NewClient(
			cfg.Bybit.BaseURL,
			cfg.Bybit.ApiKey,
			cfg.Bybit.ApiSecret,
			cfg.Bybit.RequestsPerSecond,
		)
		deps.Prices = bybitClient
		deps.Candles = bybitClient

		if mode == "dryrun" {
			deps.Exchange = paper.NewExchange(logger)
		} else {
			deps.Exchange = bybitClient
		}

		deps.Evaluator = advisor.NewClient(
			cfg.Advisor.Endpoint,
			cfg.Advisor.AuthToken,
			cfg.Advisor.Timeout.Duration,
		)
	}

	// --- S3 blob storage and the archiver ---
	if needsS3(mode) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			deps.PositionStore,
			deps.AuditStore,
			cfg.Archive.BatchSize,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
