package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/fxtriarb/internal/blob/s3"
	"github.com/alanyoungcy/fxtriarb/internal/cache/redis"
	"github.com/alanyoungcy/fxtriarb/internal/catalog"
	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/feed"
	"github.com/alanyoungcy/fxtriarb/internal/metrics"
	"github.com/alanyoungcy/fxtriarb/internal/monitor"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
	"github.com/alanyoungcy/fxtriarb/internal/scanner"
	"github.com/alanyoungcy/fxtriarb/internal/scheduler"
	"github.com/alanyoungcy/fxtriarb/internal/server"
	"github.com/alanyoungcy/fxtriarb/internal/server/handler"
	"github.com/alanyoungcy/fxtriarb/internal/server/ws"
	"github.com/alanyoungcy/fxtriarb/internal/service"
	"github.com/alanyoungcy/fxtriarb/internal/slots"
)

// engine is the assembled pipeline of one run.
type engine struct {
	sessionID string
	startedAt time.Time
	paper     bool
	mode      string

	cache    *quotes.Cache
	catalog  *catalog.Catalog
	registry *slots.Registry
	exec     *executor.Engine
	monitor  *monitor.Monitor
	loop     *scheduler.Loop
	feed     *feed.QuoteFeed
	trades   *service.TradeService
	hub      *ws.Hub
}

// Status implements handler.StatusSource.
func (e *engine) Status() domain.BotStatus {
	st := e.cache.Stats()
	return domain.BotStatus{
		Mode:          e.mode,
		Paper:         e.paper,
		UptimeSeconds: int64(time.Since(e.startedAt).Seconds()),
		Symbols:       st.Symbols,
		QuoteUpdates:  st.Updates,
		Triangles:     e.catalog.Len(),
		SlotsUsed:     e.registry.Count(),
		SlotsCapacity: e.registry.Capacity(),
	}
}

// TradeMode runs detection and execution.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, true)
}

// ScanMode runs detection only. No order is ever placed.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	return a.runEngine(ctx, deps, false)
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, execute bool) error {
	if deps.Stream == nil {
		return fmt.Errorf("app: %w: no quote stream configured", domain.ErrConfigInvalid)
	}

	eng, err := a.buildEngine(ctx, deps, execute)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if execute && deps.Locks != nil {
		key := redis.InstanceLockKey(a.lockAccount())
		ttl := a.cfg.Redis.LockTTL.Duration
		unlock, err := deps.Locks.Acquire(ctx, key, ttl)
		if err != nil {
			return fmt.Errorf("app: instance lock: %w", err)
		}
		defer unlock()
		a.logger.InfoContext(ctx, "instance lock acquired", slog.String("key", key))
		g.Go(func() error {
			return redis.KeepAlive(gctx, deps.Locks, key, ttl, a.logger)
		})
	}

	g.Go(func() error { return eng.feed.Run(gctx) })
	g.Go(func() error { return eng.loop.Run(gctx) })

	if a.cfg.Server.Enabled {
		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
			APIKey:      a.cfg.Server.APIKey,
		}, server.Handlers{
			Health: handler.NewHealthHandler(),
			Status: handler.NewStatusHandler(eng),
			Engine: handler.NewEngineHandler(eng.registry, eng.monitor, eng.loop, eng.catalog, eng.trades, a.logger),
		}, eng.hub, a.logger)
		g.Go(func() error { return eng.hub.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx, a.cfg.Execution.ShutdownTimeout.Duration) })
	}

	err = g.Wait()
	a.archive(ctx, deps, eng)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.logger.Info("engine stopped",
			slog.String("session_id", eng.sessionID),
			slog.Float64("session_pnl", eng.trades.SessionPnL()),
		)
		return nil
	}
	return err
}

func (a *App) buildEngine(ctx context.Context, deps *Dependencies, execute bool) (*engine, error) {
	cfg := a.cfg

	instruments, err := a.instruments(ctx, deps)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Build(instruments)
	if err != nil {
		return nil, fmt.Errorf("app: build catalog: %w", err)
	}
	if cat.Len() == 0 {
		return nil, fmt.Errorf("app: %w: instruments form no triangle", domain.ErrConfigInvalid)
	}
	metrics.CatalogSize.Set(float64(cat.Len()))

	eng := &engine{
		sessionID: uuid.NewString(),
		startedAt: time.Now(),
		paper:     deps.Paper != nil,
		mode:      cfg.Mode,
		cache:     deps.Cache,
		catalog:   cat,
		registry:  slots.NewRegistry(cfg.Trading.MaxConcurrentTriangles),
	}
	if cfg.Server.Enabled {
		eng.hub = ws.NewHub(eng.Status, statusPushEvery, a.logger)
	}

	sinks := service.Sinks{Triangles: deps.Triangles, Audit: deps.Audit}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		sinks.Notifier = deps.Notifier
	}
	if deps.Bus != nil {
		sinks.Publishers = append(sinks.Publishers, deps.Bus)
	}
	if eng.hub != nil {
		sinks.Publishers = append(sinks.Publishers, eng.hub)
	}
	eng.trades = service.NewTradeService(sinks, eng.sessionID, a.logger)

	eng.exec = executor.NewEngine(executor.Config{
		AccountID:        cfg.Broker.AccountID,
		LotSize:          cfg.Trading.LotSize,
		MinLotStep:       cfg.Trading.MinLotStep,
		LegDelay:         cfg.Execution.LegDelay.Duration,
		CloseDelay:       cfg.Execution.CloseDelay.Duration,
		OrderTimeout:     cfg.Execution.OrderTimeout.Duration,
		CancelRetries:    cfg.Execution.CancelRetries,
		CancelRetryDelay: cfg.Execution.CancelRetryDelay.Duration,
		AllowOverlap:     cfg.Trading.AllowOverlap,
	}, deps.Broker, eng.registry, eng.trades, executor.NewCooldown(cfg.Execution.FailureCooldown.Duration), a.logger)

	eng.monitor = monitor.New(monitor.Config{
		AccountID:                 cfg.Broker.AccountID,
		TakeProfit:                cfg.Trading.TakeProfitThreshold,
		StopLoss:                  cfg.Trading.StopLossThreshold,
		MaxHold:                   cfg.Trading.MaxHoldDuration.Duration,
		UnitMultiplier:            cfg.Trading.UnitMultiplier,
		CompensationEnabled:       cfg.Trading.CompensationEnabled,
		CompensationLotMultiplier: cfg.Trading.CompensationLotMultiplier,
		ReconcileEvery:            cfg.Execution.ReconcileEvery,
	}, eng.registry, eng.exec, deps.Cache, deps.Broker, a.logger)

	observers := []quotes.Observer{metrics.QuoteObserver{}}
	if deps.Mirror != nil {
		observers = append(observers, deps.Mirror)
	}

	eng.loop = scheduler.New(scheduler.Config{
		Interval: cfg.Trading.ScanInterval(),
		Execute:  execute,
		Scan: scanner.Config{
			MaxSpreadPoints:    cfg.Trading.MaxSpreadPoints,
			MinDeviationPoints: cfg.Trading.MinDeviationPoints,
			AllowOverlap:       cfg.Trading.AllowOverlap,
		},
		ShutdownTimeout: cfg.Execution.ShutdownTimeout.Duration,
	}, cat.Triangles(), deps.Cache, eng.registry, eng.exec, eng.monitor, deps.Queue, observers, a.logger)

	eng.feed = feed.NewQuoteFeed(deps.Stream, cat.Symbols(), deps.Cache, deps.Queue, cfg.Broker.ReconnectMaxDelay.Duration, a.logger)

	a.logger.InfoContext(ctx, "engine assembled",
		slog.String("session_id", eng.sessionID),
		slog.Int("instruments", len(instruments)),
		slog.Int("triangles", cat.Len()),
		slog.Int("symbols", len(cat.Symbols())),
		slog.Int("slots", eng.registry.Capacity()),
		slog.Bool("execute", execute),
		slog.Bool("paper", eng.paper),
	)
	return eng, nil
}

// instruments returns the configured universe, or asks the venue when none
// is configured.
func (a *App) instruments(ctx context.Context, deps *Dependencies) ([]domain.Instrument, error) {
	if len(a.cfg.Instruments) > 0 {
		return a.cfg.DomainInstruments(), nil
	}
	if deps.Venue == nil {
		return nil, fmt.Errorf("app: %w: no instruments configured and no broker to list them", domain.ErrConfigInvalid)
	}
	list, err := deps.Venue.Instruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: list instruments: %w", err)
	}
	for i := range list {
		if list[i].LotStep == 0 {
			list[i].LotStep = a.cfg.Trading.MinLotStep
		}
	}
	return list, nil
}

func (a *App) lockAccount() string {
	if a.cfg.Broker.AccountID != "" {
		return a.cfg.Broker.AccountID
	}
	return "paper"
}

// archive uploads the session journal when object storage is configured.
func (a *App) archive(ctx context.Context, deps *Dependencies, eng *engine) {
	if deps.Blob == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	archiver := s3blob.NewSessionArchiver(deps.Blob, eng.sessionID, a.logger)
	if _, err := archiver.Archive(actx, eng.trades.Records()); err != nil {
		a.logger.Error("session archive failed",
			slog.String("session_id", eng.sessionID),
			slog.String("error", err.Error()),
		)
	}
}
