package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies TRIARB_* environment variable overrides, and
// returns the final Config. An empty path skips the file and yields defaults
// plus environment. The returned Config has NOT been validated; the caller
// should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	normalize(&cfg)

	return &cfg, nil
}

// Parse decodes TOML from a string on top of the defaults. Environment
// overrides are not applied.
func Parse(data string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	normalize(&cfg)
	return &cfg, nil
}

// normalize lower-cases the enumerated string settings.
func normalize(cfg *Config) {
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
}

// applyEnvOverrides reads well-known TRIARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Trading ──
	setFloat64(&cfg.Trading.LotSize, "TRIARB_LOT_SIZE")
	setFloat64(&cfg.Trading.MaxSpreadPoints, "TRIARB_MAX_SPREAD_POINTS")
	setFloat64(&cfg.Trading.MinDeviationPoints, "TRIARB_MIN_DEVIATION_POINTS")
	setInt(&cfg.Trading.MaxConcurrentTriangles, "TRIARB_MAX_CONCURRENT_TRIANGLES")
	setFloat64(&cfg.Trading.TakeProfitThreshold, "TRIARB_TAKE_PROFIT_THRESHOLD")
	setFloat64(&cfg.Trading.StopLossThreshold, "TRIARB_STOP_LOSS_THRESHOLD")
	setDuration(&cfg.Trading.MaxHoldDuration, "TRIARB_MAX_HOLD_DURATION")
	setInt(&cfg.Trading.ScanIntervalSeconds, "TRIARB_SCAN_INTERVAL_SECONDS")
	setBool(&cfg.Trading.PaperTradingMode, "TRIARB_PAPER_TRADING_MODE")
	setBool(&cfg.Trading.CompensationEnabled, "TRIARB_COMPENSATION_ENABLED")
	setFloat64(&cfg.Trading.CompensationLotMultiplier, "TRIARB_COMPENSATION_LOT_MULTIPLIER")
	setBool(&cfg.Trading.AllowOverlap, "TRIARB_ALLOW_OVERLAP")
	setFloat64(&cfg.Trading.UnitMultiplier, "TRIARB_UNIT_MULTIPLIER")
	setFloat64(&cfg.Trading.MinLotStep, "TRIARB_MIN_LOT_STEP")

	// ── Execution ──
	setDuration(&cfg.Execution.LegDelay, "TRIARB_LEG_DELAY")
	setDuration(&cfg.Execution.CloseDelay, "TRIARB_CLOSE_DELAY")
	setDuration(&cfg.Execution.OrderTimeout, "TRIARB_ORDER_TIMEOUT")
	setInt(&cfg.Execution.CancelRetries, "TRIARB_CANCEL_RETRIES")
	setDuration(&cfg.Execution.CancelRetryDelay, "TRIARB_CANCEL_RETRY_DELAY")
	setDuration(&cfg.Execution.FailureCooldown, "TRIARB_FAILURE_COOLDOWN")
	setInt(&cfg.Execution.QueueCapacity, "TRIARB_QUEUE_CAPACITY")
	setDuration(&cfg.Execution.MaxQuoteAge, "TRIARB_MAX_QUOTE_AGE")
	setInt(&cfg.Execution.ReconcileEvery, "TRIARB_RECONCILE_EVERY")
	setDuration(&cfg.Execution.ShutdownTimeout, "TRIARB_SHUTDOWN_TIMEOUT")

	// ── Broker ──
	setStr(&cfg.Broker.RestURL, "TRIARB_BROKER_REST_URL")
	setStr(&cfg.Broker.WsURL, "TRIARB_BROKER_WS_URL")
	setStr(&cfg.Broker.AccountID, "TRIARB_BROKER_ACCOUNT_ID")
	setStr(&cfg.Broker.APIKey, "TRIARB_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "TRIARB_BROKER_API_SECRET")
	setStr(&cfg.Broker.EncryptedSecretPath, "TRIARB_BROKER_ENCRYPTED_SECRET_PATH")
	setStr(&cfg.Broker.SecretPassword, "TRIARB_BROKER_SECRET_PASSWORD")
	setStr(&cfg.Broker.TOTPSecret, "TRIARB_BROKER_TOTP_SECRET")
	setDuration(&cfg.Broker.RequestTimeout, "TRIARB_BROKER_REQUEST_TIMEOUT")
	setDuration(&cfg.Broker.ReconnectMaxDelay, "TRIARB_BROKER_RECONNECT_MAX_DELAY")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "TRIARB_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "TRIARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "TRIARB_DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "TRIARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "TRIARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "TRIARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "TRIARB_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "TRIARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "TRIARB_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "TRIARB_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "TRIARB_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "TRIARB_POSTGRES_RUN_MIGRATIONS")

	// ── SQLite ──
	setBool(&cfg.SQLite.Enabled, "TRIARB_SQLITE_ENABLED")
	setStr(&cfg.SQLite.Path, "TRIARB_SQLITE_PATH")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "TRIARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "TRIARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "TRIARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "TRIARB_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "TRIARB_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "TRIARB_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "TRIARB_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "TRIARB_REDIS_LOCK_TTL")
	setInt64(&cfg.Redis.StreamLen, "TRIARB_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "TRIARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "TRIARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "TRIARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "TRIARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "TRIARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "TRIARB_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "TRIARB_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "TRIARB_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "TRIARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "TRIARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "TRIARB_SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "TRIARB_SERVER_CORS_ORIGINS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "TRIARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "TRIARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "TRIARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "TRIARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "TRIARB_MODE")
	setStr(&cfg.LogLevel, "TRIARB_LOG_LEVEL")
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
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
