// Package executor opens triangle opportunities as three sequential market
// orders and unwinds them, rolling back partially opened triangles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/metrics"
	"github.com/alanyoungcy/fxtriarb/internal/slots"
)

// Recorder receives triangle lifecycle events. It is typically implemented
// by the service layer, which fans them out to the journal, event bus and
// notifier. Implementations must not block for long.
type Recorder interface {
	Opened(ctx context.Context, inst domain.ActiveTriangle)
	Failed(ctx context.Context, inst domain.ActiveTriangle, cause error)
	Closed(ctx context.Context, inst domain.ActiveTriangle)
	Anomaly(ctx context.Context, inst domain.ActiveTriangle, leg int, err error)
}

// Config holds execution parameters.
type Config struct {
	AccountID        string
	LotSize          float64
	MinLotStep       float64
	LegDelay         time.Duration
	CloseDelay       time.Duration
	OrderTimeout     time.Duration
	CancelRetries    int
	CancelRetryDelay time.Duration
	AllowOverlap     bool
}

// OpenOptions adjusts a single open.
type OpenOptions struct {
	LotMultiplier float64 // 0 means 1
	Compensation  bool
	ParentSlot    int
}

// legMultipliers scale the base lot per leg index. The third leg is sized
// down for MUL and up for DIV.
var legMultipliers = map[domain.Combinator][3]float64{
	domain.CombinatorMul: {1, 1, 0.98},
	domain.CombinatorDiv: {1, 1, 1.02},
}

// Engine drives the triangle state machine against a broker.
type Engine struct {
	cfg      Config
	broker   domain.Broker
	registry *slots.Registry
	recorder Recorder
	cooldown *Cooldown
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an execution engine. recorder and cooldown may be nil.
func NewEngine(
	cfg Config,
	broker domain.Broker,
	registry *slots.Registry,
	recorder Recorder,
	cooldown *Cooldown,
	logger *slog.Logger,
) *Engine {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cooldown == nil {
		cooldown = NewCooldown(0)
	}
	if cfg.CancelRetries < 1 {
		cfg.CancelRetries = 1
	}
	return &Engine{
		cfg:      cfg,
		broker:   broker,
		registry: registry,
		recorder: recorder,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "executor")),
		now:      time.Now,
	}
}

// Lots returns the per-leg quantities for t, rounded to each leg's lot step.
func (e *Engine) Lots(t domain.Triangle, multiplier float64) [3]float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	mults := legMultipliers[t.Combinator]
	var lots [3]float64
	for i, leg := range t.Legs {
		step := leg.LotStep
		if step <= 0 {
			step = e.cfg.MinLotStep
		}
		lots[i] = RoundLot(e.cfg.LotSize*multiplier*mults[i], step)
	}
	return lots
}

// RoundLot rounds lot to the nearest multiple of step, never below one step.
// A non-positive step leaves lot unchanged.
func RoundLot(lot, step float64) float64 {
	if step <= 0 {
		return lot
	}
	s := decimal.NewFromFloat(step)
	n := decimal.NewFromFloat(lot).Div(s).Round(0)
	if n.LessThan(decimal.NewFromInt(1)) {
		n = decimal.NewFromInt(1)
	}
	f, _ := n.Mul(s).Float64()
	return f
}

// Open executes opp as three sequential market orders in a new slot. When a
// leg fails, every placed leg is cancelled, the slot is released and the
// cause is returned wrapped.
func (e *Engine) Open(ctx context.Context, opp domain.Opportunity, opts OpenOptions) (domain.ActiveTriangle, error) {
	t := opp.Template
	inst := domain.ActiveTriangle{
		Template:         t,
		Direction:        opp.Direction,
		Sides:            opp.Sides(),
		Lots:             e.Lots(t, opts.LotMultiplier),
		DeviationAtEntry: opp.DeviationPoints,
		IsCompensation:   opts.Compensation,
		ParentSlot:       domain.NoParent,
	}
	if opts.Compensation {
		inst.ParentSlot = opts.ParentSlot
	}

	slot, err := e.registry.Reserve(inst, e.cfg.AllowOverlap)
	if err != nil {
		return inst, fmt.Errorf("executor: reserve template %d: %w", t.ID, err)
	}
	if err := e.registry.Transition(slot, domain.TriangleStateOpening); err != nil {
		_, _ = e.registry.Release(slot)
		return inst, fmt.Errorf("executor: open slot %d: %w", slot, err)
	}

	log := e.logger.With(
		slog.Int("slot", slot),
		slog.Int("template", t.ID),
		slog.String("combinator", t.Combinator.String()),
		slog.Int("direction", opp.Direction),
	)
	log.InfoContext(ctx, "opening triangle",
		slog.Float64("deviation_points", opp.DeviationPoints),
		slog.Float64("deviation_pct", opp.DeviationPercent),
		slog.Bool("compensation", opts.Compensation),
	)

	stamp := strconv.FormatInt(e.now().UnixMilli(), 10)
	for i, leg := range t.Legs {
		if i > 0 && e.cfg.LegDelay > 0 {
			if err := sleepCtx(ctx, e.cfg.LegDelay); err != nil {
				return e.rollback(ctx, slot, i, err, log)
			}
		}

		req := domain.OrderRequest{
			AccountID:     e.cfg.AccountID,
			Symbol:        leg.Symbol,
			Side:          leg.OrderSide(inst.Sides[i]),
			Quantity:      inst.Lots[i],
			Type:          domain.OrderTypeMarket,
			ClientOrderID: fmt.Sprintf("%s_%d_%d", stamp, slot, i),
			Comment:       comment(t, opp.Direction, i, opts.Compensation),
		}
		ack, err := e.place(ctx, req)
		if err == nil && ack.OrderID == "" {
			err = fmt.Errorf("executor: leg %d %s: empty order id: %w", i, leg.Symbol, domain.ErrOrderRejected)
		}
		if err != nil {
			return e.rollback(ctx, slot, i, err, log)
		}

		price := entryPrice(leg, ack, opp.Prices[i])
		idx := i
		_ = e.registry.Update(slot, func(a *domain.ActiveTriangle) {
			a.OrderIDs[idx] = ack.OrderID
			a.EntryPrices[idx] = price
		})
		log.DebugContext(ctx, "leg placed",
			slog.Int("leg", i),
			slog.String("symbol", leg.Symbol),
			slog.String("side", string(req.Side)),
			slog.Float64("qty", req.Quantity),
			slog.String("order_id", ack.OrderID),
			slog.Float64("price", price),
		)
	}

	openedAt := e.now()
	_ = e.registry.Update(slot, func(a *domain.ActiveTriangle) { a.OpenedAt = openedAt })
	if err := e.registry.Transition(slot, domain.TriangleStateActive); err != nil {
		return e.rollback(ctx, slot, 3, err, log)
	}

	final, _ := e.registry.Get(slot)
	metrics.TrianglesOpened.WithLabelValues(t.Combinator.String(), strconv.FormatBool(opts.Compensation)).Inc()
	metrics.ActiveSlots.Set(float64(e.registry.Count()))
	log.InfoContext(ctx, "triangle active",
		slog.Any("order_ids", final.OrderIDs),
		slog.Any("lots", final.Lots),
	)
	e.recorder.Opened(ctx, final)
	return final, nil
}

// rollback cancels every placed leg of the triangle in slot, marks it failed
// and frees the slot.
func (e *Engine) rollback(ctx context.Context, slot, failedLeg int, cause error, log *slog.Logger) (domain.ActiveTriangle, error) {
	// Cancels must go out even if the caller is shutting down.
	cctx := context.WithoutCancel(ctx)

	inst, _ := e.registry.Get(slot)
	log.WarnContext(cctx, "leg failed, rolling back",
		slog.Int("leg", failedLeg),
		slog.Int("placed", len(inst.PlacedLegs())),
		slog.String("error", cause.Error()),
	)
	for _, i := range inst.PlacedLegs() {
		e.cancelWithRetry(cctx, inst, i, log)
	}

	_ = e.registry.Update(slot, func(a *domain.ActiveTriangle) {
		a.FailureReason = cause.Error()
		a.ClosedAt = e.now()
	})
	if err := e.registry.Transition(slot, domain.TriangleStateFailed); err != nil {
		log.ErrorContext(cctx, "mark failed", slog.String("error", err.Error()))
	}
	final, err := e.registry.Release(slot)
	if err != nil {
		log.ErrorContext(cctx, "release slot", slog.String("error", err.Error()))
		final = inst
	}

	e.cooldown.Cleanup()
	e.cooldown.Mark(inst.Template.Cycle())
	metrics.TrianglesFailed.WithLabelValues(strconv.Itoa(failedLeg)).Inc()
	metrics.ActiveSlots.Set(float64(e.registry.Count()))
	e.recorder.Failed(cctx, final, cause)
	return final, fmt.Errorf("executor: open template %d leg %d: %w", inst.Template.ID, failedLeg, cause)
}

// Close unwinds the ACTIVE triangle in slot. It is a no-op for any other
// state. Every leg is cancelled independently; failures are logged and do
// not stop the close.
func (e *Engine) Close(ctx context.Context, slot int, reason domain.CloseReason, pnl float64) error {
	inst, ok := e.registry.Get(slot)
	if !ok || inst.State != domain.TriangleStateActive {
		return nil
	}
	if err := e.registry.Transition(slot, domain.TriangleStateClosing); err != nil {
		return fmt.Errorf("executor: close slot %d: %w", slot, err)
	}

	cctx := context.WithoutCancel(ctx)
	log := e.logger.With(
		slog.Int("slot", slot),
		slog.Int("template", inst.Template.ID),
		slog.String("reason", string(reason)),
	)
	log.InfoContext(cctx, "closing triangle", slog.Float64("pnl", pnl))

	for n, i := range inst.PlacedLegs() {
		if n > 0 && e.cfg.CloseDelay > 0 {
			_ = sleepCtx(cctx, e.cfg.CloseDelay)
		}
		e.cancelWithRetry(cctx, inst, i, log)
	}

	closedAt := e.now()
	_ = e.registry.Update(slot, func(a *domain.ActiveTriangle) {
		a.ClosedAt = closedAt
		a.CloseReason = reason
		a.RealizedPnL = pnl
	})
	if err := e.registry.Transition(slot, domain.TriangleStateClosed); err != nil {
		log.ErrorContext(cctx, "mark closed", slog.String("error", err.Error()))
	}
	final, err := e.registry.Release(slot)
	if err != nil {
		return fmt.Errorf("executor: release slot %d: %w", slot, err)
	}

	metrics.TrianglesClosed.WithLabelValues(string(reason)).Inc()
	metrics.ObservePnL(pnl)
	metrics.ActiveSlots.Set(float64(e.registry.Count()))
	log.InfoContext(cctx, "triangle closed",
		slog.Duration("held", closedAt.Sub(final.OpenedAt)),
	)
	e.recorder.Closed(cctx, final)
	return nil
}

// CloseAll closes every ACTIVE slot with reason. marks supplies the last
// known P&L per slot and may be nil. It returns the number of slots closed.
func (e *Engine) CloseAll(ctx context.Context, reason domain.CloseReason, marks map[int]float64) int {
	closed := 0
	for _, inst := range e.registry.Active() {
		if err := e.Close(ctx, inst.Slot, reason, marks[inst.Slot]); err != nil {
			e.logger.ErrorContext(ctx, "close on shutdown failed",
				slog.Int("slot", inst.Slot),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed++
	}
	return closed
}

// Blocked reports whether the instrument cycle of t is cooling down after a
// failed open.
func (e *Engine) Blocked(t domain.Triangle) bool {
	return e.cooldown.Blocked(t.Cycle())
}

// Registry returns the slot registry the engine operates on.
func (e *Engine) Registry() *slots.Registry {
	return e.registry
}

func (e *Engine) place(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if e.cfg.OrderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.OrderTimeout)
		defer cancel()
	}
	start := time.Now()
	defer metrics.ObserveLatency("place", start)

	ack, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ack, fmt.Errorf("executor: place %s timed out: %w", req.Symbol, err)
		}
		return ack, err
	}
	return ack, nil
}

// cancelWithRetry cancels one leg with bounded retries. Exhaustion is
// reported as a reconciliation anomaly and never retried further.
func (e *Engine) cancelWithRetry(ctx context.Context, inst domain.ActiveTriangle, leg int, log *slog.Logger) bool {
	orderID := inst.OrderIDs[leg]
	var err error
	for attempt := 1; attempt <= e.cfg.CancelRetries; attempt++ {
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if e.cfg.OrderTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, e.cfg.OrderTimeout)
		}
		start := time.Now()
		err = e.broker.CancelOrder(cctx, e.cfg.AccountID, orderID)
		metrics.ObserveLatency("cancel", start)
		cancel()
		if err == nil {
			return true
		}
		log.WarnContext(ctx, "cancel failed",
			slog.Int("leg", leg),
			slog.String("order_id", orderID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < e.cfg.CancelRetries && e.cfg.CancelRetryDelay > 0 {
			_ = sleepCtx(ctx, e.cfg.CancelRetryDelay)
		}
	}

	anomaly := fmt.Errorf("executor: cancel leg %d order %s after %d attempts: %w: %v",
		leg, orderID, e.cfg.CancelRetries, domain.ErrReconciliationAnomaly, err)
	log.ErrorContext(ctx, "reconciliation anomaly",
		slog.Int("leg", leg),
		slog.String("symbol", inst.Template.Legs[leg].Symbol),
		slog.String("order_id", orderID),
		slog.String("error", anomaly.Error()),
	)
	metrics.ReconciliationAnomalies.Inc()
	e.recorder.Anomaly(ctx, inst, leg, anomaly)
	return false
}

// entryPrice prefers the venue fill price, converted to the leg's effective
// pair, and falls back to the reference price the opportunity was scored at.
func entryPrice(leg domain.Leg, ack domain.OrderAck, reference float64) float64 {
	if ack.FilledPrice <= 0 {
		return reference
	}
	if leg.Derived() {
		return 1 / ack.FilledPrice
	}
	return ack.FilledPrice
}

func comment(t domain.Triangle, direction, leg int, compensation bool) string {
	prefix := "ARB"
	if compensation {
		prefix = "COMP"
	}
	return fmt.Sprintf("%s_%s_D%d_%d", prefix, t.Combinator, direction, leg)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) Opened(context.Context, domain.ActiveTriangle)              {}
func (nopRecorder) Failed(context.Context, domain.ActiveTriangle, error)       {}
func (nopRecorder) Closed(context.Context, domain.ActiveTriangle)              {}
func (nopRecorder) Anomaly(context.Context, domain.ActiveTriangle, int, error) {}
