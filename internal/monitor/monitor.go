// Package monitor supervises active triangles and closes them on take-profit,
// stop-loss or maximum holding time.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/scanner"
)

// Engine is the subset of the execution engine the monitor drives.
type Engine interface {
	Open(ctx context.Context, opp domain.Opportunity, opts executor.OpenOptions) (domain.ActiveTriangle, error)
	Close(ctx context.Context, slot int, reason domain.CloseReason, pnl float64) error
}

// Slots lists the active instances.
type Slots interface {
	Active() []domain.ActiveTriangle
}

// Config holds the close and compensation policy.
type Config struct {
	AccountID                 string
	TakeProfit                float64
	StopLoss                  float64
	MaxHold                   time.Duration
	UnitMultiplier            float64
	CompensationEnabled       bool
	CompensationLotMultiplier float64
	ReconcileEvery            int // ticks between order-state checks, 0 disables
}

// Mark is the last valuation of an active slot.
type Mark struct {
	Slot     int           `json:"slot"`
	PnL      float64       `json:"pnl"`
	Priced   bool          `json:"priced"`
	Elapsed  time.Duration `json:"elapsed"`
	MarkedAt time.Time     `json:"marked_at"`
}

// Monitor evaluates every active slot once per tick.
type Monitor struct {
	cfg    Config
	slots  Slots
	engine Engine
	prices scanner.PriceSource
	broker domain.Broker
	logger *slog.Logger

	mu    sync.RWMutex
	marks map[int]Mark
	ticks int
}

// New creates a Monitor. broker is only used for reconciliation and may be
// nil.
func New(cfg Config, slots Slots, engine Engine, prices scanner.PriceSource, broker domain.Broker, logger *slog.Logger) *Monitor {
	if cfg.UnitMultiplier <= 0 {
		cfg.UnitMultiplier = 1
	}
	return &Monitor{
		cfg:    cfg,
		slots:  slots,
		engine: engine,
		prices: prices,
		broker: broker,
		logger: logger.With(slog.String("component", "monitor")),
		marks:  make(map[int]Mark),
	}
}

// PnL values inst at current exit prices: bought legs at the effective bid,
// sold legs at the effective ask. It reports false when any leg is
// unpriced.
func (m *Monitor) PnL(inst domain.ActiveTriangle) (float64, bool) {
	var total float64
	for i, leg := range inst.Template.Legs {
		b, ok := m.prices.Book(leg)
		if !ok {
			return 0, false
		}
		side := inst.Sides[i]
		current := b.Price(side.Opposite())
		if current <= 0 {
			return 0, false
		}
		total += side.Sign() * (current - inst.EntryPrices[i]) * inst.Lots[i] * m.cfg.UnitMultiplier
	}
	return total, true
}

// Decide returns the close reason for an instance, or "" to keep it. Max
// hold is checked first and does not need a price.
func (m *Monitor) Decide(inst domain.ActiveTriangle, pnl float64, priced bool, now time.Time) domain.CloseReason {
	if m.cfg.MaxHold > 0 && now.Sub(inst.OpenedAt) >= m.cfg.MaxHold {
		return domain.CloseReasonMaxHold
	}
	if !priced {
		return ""
	}
	if pnl >= m.cfg.TakeProfit {
		return domain.CloseReasonTakeProfit
	}
	if pnl <= -m.cfg.StopLoss {
		return domain.CloseReasonStopLoss
	}
	return ""
}

// Tick evaluates every ACTIVE slot and closes the ones that hit a
// condition. It returns the number of slots closed.
func (m *Monitor) Tick(ctx context.Context, now time.Time) int {
	m.ticks++
	reconcile := m.broker != nil && m.cfg.ReconcileEvery > 0 && m.ticks%m.cfg.ReconcileEvery == 0

	active := m.slots.Active()
	marks := make(map[int]Mark, len(active))
	closed := 0

	for _, inst := range active {
		pnl, priced := m.PnL(inst)
		mark := Mark{
			Slot:     inst.Slot,
			PnL:      pnl,
			Priced:   priced,
			Elapsed:  now.Sub(inst.OpenedAt),
			MarkedAt: now,
		}
		if prev, ok := m.Mark(inst.Slot); ok && !priced {
			mark.PnL = prev.PnL
		}

		reason := m.Decide(inst, pnl, priced, now)
		if reason == "" && reconcile && m.closedExternally(ctx, inst) {
			reason = domain.CloseReasonExternal
		}
		if reason == "" {
			marks[inst.Slot] = mark
			continue
		}

		m.logger.InfoContext(ctx, "close condition hit",
			slog.Int("slot", inst.Slot),
			slog.Int("template", inst.Template.ID),
			slog.String("reason", string(reason)),
			slog.Float64("pnl", mark.PnL),
			slog.Duration("elapsed", mark.Elapsed),
		)
		if err := m.engine.Close(ctx, inst.Slot, reason, mark.PnL); err != nil {
			m.logger.ErrorContext(ctx, "close failed",
				slog.Int("slot", inst.Slot),
				slog.String("error", err.Error()),
			)
			marks[inst.Slot] = mark
			continue
		}
		closed++

		if reason == domain.CloseReasonStopLoss {
			m.compensate(ctx, inst, now)
		}
	}

	m.mu.Lock()
	m.marks = marks
	m.mu.Unlock()
	return closed
}

// compensate opens a scaled triangle on the same template after a stop-loss
// close. Compensation triangles are never themselves compensated.
func (m *Monitor) compensate(ctx context.Context, parent domain.ActiveTriangle, now time.Time) {
	if !m.cfg.CompensationEnabled || parent.IsCompensation {
		return
	}
	ev, reason := scanner.Evaluate(parent.Template, m.prices, 1e18, now)
	if reason != "" {
		m.logger.WarnContext(ctx, "compensation skipped",
			slog.Int("parent_slot", parent.Slot),
			slog.String("reason", reason),
		)
		return
	}
	opp := ev.Opportunity
	opp.Direction = parent.Direction
	opp.Prices = scanner.ExecutionPrices(ev.Books, opp.Sides())

	inst, err := m.engine.Open(ctx, opp, executor.OpenOptions{
		LotMultiplier: m.cfg.CompensationLotMultiplier,
		Compensation:  true,
		ParentSlot:    parent.Slot,
	})
	if err != nil {
		m.logger.WarnContext(ctx, "compensation open failed",
			slog.Int("parent_slot", parent.Slot),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.InfoContext(ctx, "compensation opened",
		slog.Int("slot", inst.Slot),
		slog.Int("parent_slot", parent.Slot),
	)
}

// closedExternally reports whether every leg order of inst is gone on the
// venue side.
func (m *Monitor) closedExternally(ctx context.Context, inst domain.ActiveTriangle) bool {
	legs := inst.PlacedLegs()
	if len(legs) == 0 {
		return false
	}
	for _, i := range legs {
		state, err := m.broker.GetOrderState(ctx, m.cfg.AccountID, inst.OrderIDs[i])
		if err != nil {
			m.logger.WarnContext(ctx, "order state lookup failed",
				slog.Int("slot", inst.Slot),
				slog.String("order_id", inst.OrderIDs[i]),
				slog.String("error", fmt.Errorf("monitor: reconcile: %w", err).Error()),
			)
			return false
		}
		if !state.Gone() {
			return false
		}
	}
	return true
}

// Mark returns the last valuation of slot.
func (m *Monitor) Mark(slot int) (Mark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mk, ok := m.marks[slot]
	return mk, ok
}

// Marks returns the last valuation of every slot still open.
func (m *Monitor) Marks() []Mark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mark, 0, len(m.marks))
	for _, mk := range m.marks {
		out = append(out, mk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// PnLBySlot returns the last P&L per slot, for closing on shutdown.
func (m *Monitor) PnLBySlot() map[int]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]float64, len(m.marks))
	for slot, mk := range m.marks {
		out[slot] = mk.PnL
	}
	return out
}
