package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/ldamasio/robson-sub000/internal/blob/s3"
	"github.com/ldamasio/robson-sub000/internal/cache/redis"
	"github.com/ldamasio/robson-sub000/internal/config"
	"github.com/ldamasio/robson-sub000/internal/crypto"
	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/executor"
	"github.com/ldamasio/robson-sub000/internal/notify"
	"github.com/ldamasio/robson-sub000/internal/platform/binance"
	"github.com/ldamasio/robson-sub000/internal/server/handler"
	"github.com/ldamasio/robson-sub000/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	Events     domain.EventStore
	Projection domain.PositionProjection
	Snapshots  domain.SnapshotStore
	Intents    domain.IntentJournal
	Leases     domain.LeaseStore
	Audit      domain.AuditStore

	// Caches
	Prices      domain.PriceCache
	RateLimiter domain.RateLimiter
	Locks       domain.LockManager
	Bus         domain.SignalBus
	Exclusions  domain.ExclusionSet

	// Blob storage; nil unless archiving is enabled.
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Exchange
	Connector domain.ExchangeConnector

	// Execution
	KillSwitch *executor.KillSwitch
	Executor   *executor.Executor

	// Notifications
	Notifier *notify.Notifier

	// HealthChecks feeds the health endpoint's dependency checks.
	HealthChecks map[string]handler.HealthCheckFunc
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		HealthChecks: make(map[string]handler.HealthCheckFunc),
	}

	// --- PostgreSQL ---
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
	eventStore := postgres.NewEventStore(pool, cfg.Trading.SnapshotEvery)
	deps.Events = eventStore
	deps.Projection = postgres.NewPositionStore(pool)
	deps.Snapshots = postgres.NewSnapshotStore(pool)
	deps.Intents = postgres.NewIntentStore(pool)
	deps.Leases = postgres.NewLeaseStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)
	deps.HealthChecks["postgres"] = pool.Ping

	// --- Redis ---
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

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)
	deps.Exclusions = redis.NewExclusionSet(redisClient)
	deps.HealthChecks["redis"] = redisClient.Ping

	// --- S3 blob storage (only when archiving is on) ---
	if cfg.Archive.Enabled {
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

		writer := s3blob.NewWriter(s3Client)
		reader := s3blob.NewReader(s3Client)
		deps.BlobWriter = writer
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(writer, reader, eventStore, deps.Audit, logger)
	}

	// --- Exchange adapter ---
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           cfg.Binance.APISecret,
		EncryptedSecretPath: cfg.Binance.EncryptedSecretPath,
		SecretPassword:      cfg.Binance.SecretPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: binance secret: %w", err)
	}
	deps.Connector = binance.NewClient(binance.Config{
		BaseURL:   cfg.Binance.BaseURL,
		StreamURL: cfg.Binance.StreamURL,
		Key:       cfg.Binance.APIKey,
		Secret:    secret,
	}, deps.RateLimiter, logger)

	// --- Executor with guardrails ---
	deps.KillSwitch = executor.NewKillSwitch()
	guardrails := []executor.Guardrail{
		deps.KillSwitch,
		executor.NewCircuitBreaker(cfg.Executor.CircuitMaxFailures, cfg.Executor.CircuitCooldown.Duration),
		executor.NewPriceStaleness(deps.Prices, cfg.Executor.MaxPriceAge.Duration),
		executor.NewMarginPolicy(cfg.Trading.MaxLeverage),
	}
	deps.Executor = executor.New(deps.Intents, deps.Connector, guardrails, deps.Audit, executor.Config{
		MaxAttempts: cfg.Executor.MaxAttempts,
		CallTimeout: cfg.Executor.CallTimeout.Duration,
		BackoffBase: cfg.Executor.BackoffBase.Duration,
	}, logger)

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
