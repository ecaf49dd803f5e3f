// Package scheduler runs the single control loop that ticks the scanner,
// the execution engine and the lifecycle monitor.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/metrics"
	"github.com/alanyoungcy/fxtriarb/internal/quotes"
	"github.com/alanyoungcy/fxtriarb/internal/scanner"
	"github.com/alanyoungcy/fxtriarb/internal/slots"
)

// Executor is the subset of the execution engine used by the loop.
type Executor interface {
	Open(ctx context.Context, opp domain.Opportunity, opts executor.OpenOptions) (domain.ActiveTriangle, error)
	CloseAll(ctx context.Context, reason domain.CloseReason, marks map[int]float64) int
	Blocked(t domain.Triangle) bool
}

// Supervisor is the subset of the lifecycle monitor used by the loop.
type Supervisor interface {
	Tick(ctx context.Context, now time.Time) int
	PnLBySlot() map[int]float64
}

// Config holds loop parameters.
type Config struct {
	Interval        time.Duration
	Execute         bool // false runs detection only
	Scan            scanner.Config
	ShutdownTimeout time.Duration
}

// Loop is the control loop. Only the goroutine running Run mutates trading
// state; readers use LastScan.
type Loop struct {
	cfg       Config
	triangles []domain.Triangle
	prices    scanner.PriceSource
	registry  *slots.Registry
	engine    Executor
	monitor   Supervisor
	queue     *quotes.Queue
	observers []quotes.Observer
	logger    *slog.Logger
	now       func() time.Time

	running     atomic.Bool
	lastDropped int64

	mu     sync.RWMutex
	last   scanner.Result
	lastAt time.Time
}

// New creates a Loop. queue may be nil when quotes are not fanned out.
func New(
	cfg Config,
	triangles []domain.Triangle,
	prices scanner.PriceSource,
	registry *slots.Registry,
	engine Executor,
	monitor Supervisor,
	queue *quotes.Queue,
	observers []quotes.Observer,
	logger *slog.Logger,
) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Loop{
		cfg:       cfg,
		triangles: triangles,
		prices:    prices,
		registry:  registry,
		engine:    engine,
		monitor:   monitor,
		queue:     queue,
		observers: observers,
		logger:    logger.With(slog.String("component", "scheduler")),
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled or Stop is called, then closes every
// ACTIVE slot before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	l.logger.InfoContext(ctx, "control loop started",
		slog.Duration("interval", l.cfg.Interval),
		slog.Int("triangles", len(l.triangles)),
		slog.Bool("execute", l.cfg.Execute),
	)
	defer l.shutdown(ctx)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if !l.running.Load() {
			return nil
		}
		if err := l.Tick(ctx); err != nil && !domain.IsTransient(err) {
			l.logger.ErrorContext(ctx, "tick failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop clears the run flag; the loop exits at its next tick.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Running reports whether the loop is active.
func (l *Loop) Running() bool {
	return l.running.Load()
}

// Tick performs one Scanner -> Execution -> Monitor pass. A connection
// failure during execution ends the tick early and is returned.
func (l *Loop) Tick(ctx context.Context) error {
	now := l.now()

	if l.queue != nil {
		l.queue.Dispatch(ctx, l.observers...)
		if d := l.queue.Dropped(); d > l.lastDropped {
			metrics.QuotesDropped.Add(float64(d - l.lastDropped))
			l.lastDropped = d
		}
	}

	start := time.Now()
	res := scanner.Scan(l.triangles, l.prices, occupancy{l.registry, l.engine}, l.cfg.Scan, now)
	metrics.ScanDuration.Observe(time.Since(start).Seconds())
	for reason, n := range res.Rejected {
		metrics.ScanRejections.WithLabelValues(reason).Add(float64(n))
	}

	l.mu.Lock()
	l.last, l.lastAt = res, now
	l.mu.Unlock()

	if best, ok := res.Best(); ok {
		metrics.BestDeviation.Set(math.Abs(best.DeviationPoints))
		l.logger.InfoContext(ctx, "opportunity",
			slog.Int("template", best.Template.ID),
			slog.String("combinator", best.Template.Combinator.String()),
			slog.Int("direction", best.Direction),
			slog.Float64("deviation_points", best.DeviationPoints),
			slog.Float64("deviation_pct", best.DeviationPercent),
			slog.Int("candidates", len(res.Opportunities)),
		)
		if l.cfg.Execute && !l.registry.Full() {
			if _, err := l.engine.Open(ctx, best, executor.OpenOptions{}); err != nil {
				if domain.IsTransient(err) {
					l.logger.WarnContext(ctx, "connection failure, skipping tick", slog.String("error", err.Error()))
					return err
				}
				if !errors.Is(err, domain.ErrNoFreeSlot) && !errors.Is(err, domain.ErrTemplateBusy) {
					l.logger.WarnContext(ctx, "open failed", slog.String("error", err.Error()))
				}
			}
		}
	} else {
		metrics.BestDeviation.Set(0)
		l.logger.DebugContext(ctx, "no opportunity",
			slog.Int("evaluated", res.Evaluated),
			slog.Any("rejected", res.Rejected),
			slog.Bool("registry_full", res.RegistryFull),
		)
	}

	l.monitor.Tick(ctx, l.now())
	metrics.ActiveSlots.Set(float64(l.registry.Count()))
	return nil
}

// LastScan returns the result of the most recent scan and when it ran.
func (l *Loop) LastScan() (scanner.Result, time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last, l.lastAt
}

func (l *Loop) shutdown(ctx context.Context) {
	l.running.Store(false)
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ShutdownTimeout)
	defer cancel()

	active := len(l.registry.Active())
	if active == 0 {
		l.logger.InfoContext(sctx, "control loop stopped")
		return
	}
	l.logger.InfoContext(sctx, "closing active triangles", slog.Int("active", active))
	closed := l.engine.CloseAll(sctx, domain.CloseReasonShutdown, l.monitor.PnLBySlot())
	l.logger.InfoContext(sctx, "control loop stopped", slog.Int("closed", closed))
}

// occupancy combines registry state with the failure cooldown.
type occupancy struct {
	registry *slots.Registry
	engine   Executor
}

func (o occupancy) Full() bool { return o.registry.Full() }

func (o occupancy) Busy(t domain.Triangle) bool {
	return o.registry.Busy(t) || o.engine.Blocked(t)
}
