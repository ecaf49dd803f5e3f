// Package config defines the top-level configuration for the triangular
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by TRIARB_* environment variables.
type Config struct {
	Trading     TradingConfig      `toml:"trading"`
	Execution   ExecutionConfig    `toml:"execution"`
	Instruments []InstrumentConfig `toml:"instruments"`
	Broker      BrokerConfig       `toml:"broker"`
	Postgres    PostgresConfig     `toml:"postgres"`
	SQLite      SQLiteConfig       `toml:"sqlite"`
	Redis       RedisConfig        `toml:"redis"`
	S3          S3Config           `toml:"s3"`
	Server      ServerConfig       `toml:"server"`
	Notify      NotifyConfig       `toml:"notify"`
	Mode        string             `toml:"mode"`
	LogLevel    string             `toml:"log_level"`
}

// TradingConfig is the flat strategy parameter set.
type TradingConfig struct {
	LotSize                   float64  `toml:"lot_size"`
	MaxSpreadPoints           float64  `toml:"max_spread_points"`
	MinDeviationPoints        float64  `toml:"min_deviation_points"`
	MaxConcurrentTriangles    int      `toml:"max_concurrent_triangles"`
	TakeProfitThreshold       float64  `toml:"take_profit_threshold"`
	StopLossThreshold         float64  `toml:"stop_loss_threshold"`
	MaxHoldDuration           duration `toml:"max_hold_duration"`
	ScanIntervalSeconds       int      `toml:"scan_interval_seconds"`
	PaperTradingMode          bool     `toml:"paper_trading_mode"`
	CompensationEnabled       bool     `toml:"compensation_enabled"`
	CompensationLotMultiplier float64  `toml:"compensation_lot_multiplier"`
	// AllowOverlap lets a template hold more than one live instance.
	AllowOverlap bool `toml:"allow_overlap"`
	// UnitMultiplier converts price*lot into account currency for P&L.
	UnitMultiplier float64 `toml:"unit_multiplier"`
	// MinLotStep is the lot increment for instruments without their own.
	MinLotStep float64 `toml:"min_lot_step"`
}

// ScanInterval returns the control loop period.
func (t TradingConfig) ScanInterval() time.Duration {
	return time.Duration(t.ScanIntervalSeconds) * time.Second
}

// ExecutionConfig holds order timing and retry bounds.
type ExecutionConfig struct {
	LegDelay         duration `toml:"leg_delay"`
	CloseDelay       duration `toml:"close_delay"`
	OrderTimeout     duration `toml:"order_timeout"`
	CancelRetries    int      `toml:"cancel_retries"`
	CancelRetryDelay duration `toml:"cancel_retry_delay"`
	FailureCooldown  duration `toml:"failure_cooldown"`
	QueueCapacity    int      `toml:"queue_capacity"`
	MaxQuoteAge      duration `toml:"max_quote_age"`
	ReconcileEvery   int      `toml:"reconcile_every"`
	ShutdownTimeout  duration `toml:"shutdown_timeout"`
}

// InstrumentConfig declares one tradable pair.
type InstrumentConfig struct {
	Symbol    string  `toml:"symbol"`
	Base      string  `toml:"base"`
	Quote     string  `toml:"quote"`
	PointSize float64 `toml:"point_size"`
	LotStep   float64 `toml:"lot_step"`
}

// Instrument converts the declaration into a domain value.
func (i InstrumentConfig) Instrument() domain.Instrument {
	return domain.Instrument{
		Symbol:    i.Symbol,
		Base:      strings.ToUpper(i.Base),
		Quote:     strings.ToUpper(i.Quote),
		PointSize: i.PointSize,
		LotStep:   i.LotStep,
	}
}

// DomainInstruments returns the configured universe.
func (c *Config) DomainInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(c.Instruments))
	for _, i := range c.Instruments {
		out = append(out, i.Instrument())
	}
	return out
}

// BrokerConfig holds venue endpoints and credentials.
type BrokerConfig struct {
	RestURL             string   `toml:"rest_url"`
	WsURL               string   `toml:"ws_url"`
	AccountID           string   `toml:"account_id"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretPath string   `toml:"encrypted_secret_path"`
	SecretPassword      string   `toml:"secret_password"`
	TOTPSecret          string   `toml:"totp_secret"`
	RequestTimeout      duration `toml:"request_timeout"`
	ReconnectMaxDelay   duration `toml:"reconnect_max_delay"`
}

// PostgresConfig holds PostgreSQL connection parameters for the journal.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
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

// SQLiteConfig holds the local journal parameters, used when postgres is
// disabled.
type SQLiteConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
	StreamLen  int64    `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
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

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Trading: TradingConfig{
			LotSize:                   0.1,
			MaxSpreadPoints:           2,
			MinDeviationPoints:        2,
			MaxConcurrentTriangles:    3,
			TakeProfitThreshold:       10,
			StopLossThreshold:         20,
			MaxHoldDuration:           duration{4 * time.Hour},
			ScanIntervalSeconds:       3,
			PaperTradingMode:          true,
			CompensationEnabled:       false,
			CompensationLotMultiplier: 0.6,
			UnitMultiplier:            1000,
			MinLotStep:                0.01,
		},
		Execution: ExecutionConfig{
			LegDelay:         duration{500 * time.Millisecond},
			CloseDelay:       duration{300 * time.Millisecond},
			OrderTimeout:     duration{10 * time.Second},
			CancelRetries:    3,
			CancelRetryDelay: duration{200 * time.Millisecond},
			FailureCooldown:  duration{30 * time.Second},
			QueueCapacity:    4096,
			ReconcileEvery:   10,
			ShutdownTimeout:  duration{30 * time.Second},
		},
		Broker: BrokerConfig{
			RequestTimeout:    duration{10 * time.Second},
			ReconnectMaxDelay: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "triarb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		SQLite: SQLiteConfig{
			Enabled: true,
			Path:    "triarb.db",
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			LockTTL:    duration{30 * time.Second},
			StreamLen:  10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "triarb-sessions",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Notify: NotifyConfig{
			Events: []string{
				domain.EventTriangleOpened,
				domain.EventTriangleClosed,
				domain.EventReconciliationAnomaly,
			},
		},
		Mode:     ModeTrade,
		LogLevel: "info",
	}
}

// Operating modes.
const (
	ModeTrade    = "trade"
	ModeScan     = "scan"
	ModeDiagnose = "diagnose"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeTrade:    true,
	ModeScan:     true,
	ModeDiagnose: true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The error wraps
// domain.ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, scan, diagnose)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Trading
	t := c.Trading
	if t.LotSize <= 0 {
		errs = append(errs, "trading: lot_size must be > 0")
	}
	if t.MaxSpreadPoints < 0 {
		errs = append(errs, "trading: max_spread_points must be >= 0")
	}
	if t.MinDeviationPoints <= 0 {
		errs = append(errs, "trading: min_deviation_points must be > 0")
	}
	if t.MaxConcurrentTriangles < 1 {
		errs = append(errs, "trading: max_concurrent_triangles must be >= 1")
	}
	if t.TakeProfitThreshold <= 0 {
		errs = append(errs, "trading: take_profit_threshold must be > 0")
	}
	if t.StopLossThreshold <= 0 {
		errs = append(errs, "trading: stop_loss_threshold must be > 0")
	}
	if t.MaxHoldDuration.Duration <= 0 {
		errs = append(errs, "trading: max_hold_duration must be > 0")
	}
	if t.ScanIntervalSeconds < 1 {
		errs = append(errs, "trading: scan_interval_seconds must be >= 1")
	}
	if t.CompensationEnabled && t.CompensationLotMultiplier <= 0 {
		errs = append(errs, "trading: compensation_lot_multiplier must be > 0 when compensation is enabled")
	}
	if t.UnitMultiplier <= 0 {
		errs = append(errs, "trading: unit_multiplier must be > 0")
	}
	if t.MinLotStep < 0 {
		errs = append(errs, "trading: min_lot_step must be >= 0")
	}

	// Execution
	e := c.Execution
	if e.OrderTimeout.Duration <= 0 {
		errs = append(errs, "execution: order_timeout must be > 0")
	}
	if e.CancelRetries < 1 || e.CancelRetries > 10 {
		errs = append(errs, fmt.Sprintf("execution: cancel_retries must be 1-10, got %d", e.CancelRetries))
	}
	if e.LegDelay.Duration < 0 || e.CloseDelay.Duration < 0 || e.CancelRetryDelay.Duration < 0 {
		errs = append(errs, "execution: delays must be >= 0")
	}
	if e.QueueCapacity < 1 {
		errs = append(errs, "execution: queue_capacity must be >= 1")
	}
	if e.ReconcileEvery < 0 {
		errs = append(errs, "execution: reconcile_every must be >= 0")
	}

	// Instruments
	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		switch {
		case inst.Symbol == "":
			errs = append(errs, fmt.Sprintf("instruments[%d]: symbol must not be empty", i))
		case seen[inst.Symbol]:
			errs = append(errs, fmt.Sprintf("instruments[%d]: duplicate symbol %s", i, inst.Symbol))
		}
		seen[inst.Symbol] = true
		if inst.Base == "" || inst.Quote == "" || strings.EqualFold(inst.Base, inst.Quote) {
			errs = append(errs, fmt.Sprintf("instruments[%d]: base and quote must be distinct currencies", i))
		}
		if inst.PointSize <= 0 {
			errs = append(errs, fmt.Sprintf("instruments[%d]: point_size must be > 0", i))
		}
		if inst.LotStep < 0 {
			errs = append(errs, fmt.Sprintf("instruments[%d]: lot_step must be >= 0", i))
		}
	}

	// Broker: live order routing needs credentials; paper mode and scan mode
	// only need the quote stream.
	live := strings.EqualFold(c.Mode, ModeTrade) && !t.PaperTradingMode
	if live {
		if c.Broker.RestURL == "" {
			errs = append(errs, "broker: rest_url is required for live trading")
		}
		if c.Broker.AccountID == "" {
			errs = append(errs, "broker: account_id is required for live trading")
		}
		if c.Broker.APISecret == "" && c.Broker.EncryptedSecretPath == "" {
			errs = append(errs, "broker: either api_secret or encrypted_secret_path must be set for live trading")
		}
	}
	if c.Broker.EncryptedSecretPath != "" && c.Broker.SecretPassword == "" {
		errs = append(errs, "broker: secret_password is required when encrypted_secret_path is set")
	}
	if c.Broker.WsURL == "" && !strings.EqualFold(c.Mode, ModeDiagnose) {
		errs = append(errs, "broker: ws_url must not be empty")
	}
	if len(c.Instruments) == 0 && c.Broker.RestURL == "" {
		errs = append(errs, "instruments: none configured and broker.rest_url is empty")
	}

	// Postgres
	if c.Postgres.Enabled {
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
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.SQLite.Enabled && c.SQLite.Path == "" {
		errs = append(errs, "sqlite: path must not be empty when enabled")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 1s")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: config validation failed:\n  - %s", domain.ErrConfigInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}
