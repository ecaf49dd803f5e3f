// Package app wires the engine's dependencies and runs the configured
// operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/config"
)

const (
	// quoteMirrorTTL expires mirrored quotes of a stopped engine.
	quoteMirrorTTL = 5 * time.Minute
	// statusPushEvery is the WebSocket status snapshot period.
	statusPushEvery = 5 * time.Second
	// archiveTimeout bounds the session upload at shutdown.
	archiveTimeout = time.Minute
)

// App is the root application object. It owns the configuration, logger and
// the cleanup functions run in reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires the dependencies and blocks in the configured mode until ctx is
// cancelled or the mode fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Bool("paper", a.cfg.Trading.PaperTradingMode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case config.ModeTrade:
		return a.TradeMode(ctx, deps)
	case config.ModeScan:
		return a.ScanMode(ctx, deps)
	case config.ModeDiagnose:
		return a.DiagnoseMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close tears down all resources. Later calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
