package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/fxtriarb/internal/blob/s3"
	"github.com/alanyoungcy/fxtriarb/internal/cache/redis"
	"github.com/alanyoungcy/fxtriarb/internal/config"
	"github.com/alanyoungcy/fxtriarb/internal/crypto"
	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/notify"
	"github.com/alanyoungcy/fxtriarb/internal/paper"
	"github.com/alanyoungcy/fxtriarb/internal/platform/broker"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
	"github.com/alanyoungcy/fxtriarb/internal/store/postgres"
	"github.com/alanyoungcy/fxtriarb/internal/store/sqlite"
)

// Dependencies bundles the concrete implementations the modes run on. Optional
// sinks are nil when their section is disabled.
type Dependencies struct {
	// Venue
	Venue  *broker.Client // nil without a REST endpoint
	Stream domain.QuoteStream
	Broker domain.Broker
	Paper  *paper.Broker // set when orders are simulated

	// Quotes
	Cache *quotes.Cache
	Queue *quotes.Queue

	// Journal
	Triangles domain.TriangleStore
	Audit     domain.AuditStore

	// Redis
	Mirror *redis.QuoteMirror
	Bus    *redis.EventBus
	Locks  *redis.LockManager

	// Blob storage
	Blob domain.BlobWriter

	// Notifications
	Notifier *notify.Notifier
}

// needsJournal reports whether a mode records executions.
func needsJournal(mode string) bool {
	return mode == config.ModeTrade
}

// simulated reports whether orders go to the paper broker. Only live trade
// mode reaches the venue.
func simulated(cfg *config.Config) bool {
	return cfg.Mode != config.ModeTrade || cfg.Trading.PaperTradingMode
}

// Wire constructs every dependency from cfg and returns a cleanup function
// that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Cache: quotes.NewCache(quotes.WithMaxAge(cfg.Execution.MaxQuoteAge.Duration)),
		Queue: quotes.NewQueue(cfg.Execution.QueueCapacity),
	}

	// --- Venue ---
	var auth *crypto.HMACAuth
	if cfg.Broker.APIKey != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:     cfg.Broker.APISecret,
			EncryptedPath: cfg.Broker.EncryptedSecretPath,
			Password:      cfg.Broker.SecretPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: broker secret: %w", err))
		}
		auth = &crypto.HMACAuth{Key: cfg.Broker.APIKey, Secret: secret, TOTPSecret: cfg.Broker.TOTPSecret}
	}
	if cfg.Broker.RestURL != "" {
		deps.Venue = broker.NewClient(cfg.Broker.RestURL, auth, cfg.Broker.RequestTimeout.Duration, logger)
	}
	if cfg.Broker.WsURL != "" {
		var tokens broker.TokenSource
		if deps.Venue != nil && auth != nil {
			tokens = deps.Venue
		}
		deps.Stream = broker.NewStream(cfg.Broker.WsURL, tokens, cfg.Broker.ReconnectMaxDelay.Duration, logger)
	}

	if simulated(cfg) {
		deps.Paper = paper.NewBroker(deps.Cache, logger)
		deps.Broker = deps.Paper
	} else {
		if deps.Venue == nil {
			return fail(fmt.Errorf("wire: %w: live trading needs broker.rest_url", domain.ErrConfigInvalid))
		}
		deps.Broker = deps.Venue
	}

	// --- Journal ---
	if needsJournal(cfg.Mode) {
		switch {
		case cfg.Postgres.Enabled:
			pg, err := postgres.New(ctx, postgres.ClientConfig{
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
				return fail(fmt.Errorf("wire: postgres: %w", err))
			}
			closers = append(closers, pg.Close)
			if cfg.Postgres.RunMigrations {
				if err := pg.RunMigrations(ctx, logger); err != nil {
					return fail(fmt.Errorf("wire: postgres migrations: %w", err))
				}
			}
			deps.Triangles = postgres.NewTriangleStore(pg.Pool())
			deps.Audit = postgres.NewAuditStore(pg.Pool())
			logger.Info("journal: postgres")

		case cfg.SQLite.Enabled:
			store, err := sqlite.Open(cfg.SQLite.Path)
			if err != nil {
				return fail(fmt.Errorf("wire: sqlite: %w", err))
			}
			closers = append(closers, func() { _ = store.Close() })
			deps.Triangles = store
			deps.Audit = store
			logger.Info("journal: sqlite", slog.String("path", cfg.SQLite.Path))
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Mirror = redis.NewQuoteMirror(rc, quoteMirrorTTL, logger)
		deps.Bus = redis.NewEventBus(rc, cfg.Redis.StreamLen)
		deps.Locks = redis.NewLockManager(rc)
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Blob = s3blob.NewWriter(sc)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
