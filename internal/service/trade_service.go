// Package service fans triangle lifecycle events out to the journal, the
// audit log, the event bus and the notifier.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/executor"
	"github.com/alanyoungcy/fxtriarb/internal/notify"
)

// EventPublisher broadcasts lifecycle events to other processes.
type EventPublisher interface {
	PublishTriangle(ctx context.Context, ev domain.TriangleEvent) error
}

// Sinks are the optional outputs of a TradeService. Nil fields are skipped.
type Sinks struct {
	Triangles  domain.TriangleStore
	Audit      domain.AuditStore
	Publishers []EventPublisher
	Notifier   domain.Notifier
}

// TradeService implements executor.Recorder. Sink failures are logged and
// never reach the trading path.
type TradeService struct {
	sinks     Sinks
	sessionID string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	bySlot  map[int]string
	records map[string]domain.TriangleRecord
	order   []string
}

// NewTradeService creates a TradeService for one engine session.
func NewTradeService(sinks Sinks, sessionID string, logger *slog.Logger) *TradeService {
	return &TradeService{
		sinks:     sinks,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "trade_service")),
		now:       time.Now,
		bySlot:    make(map[int]string),
		records:   make(map[string]domain.TriangleRecord),
	}
}

// SessionID returns the identifier stamped on every record.
func (s *TradeService) SessionID() string {
	return s.sessionID
}

// Opened journals a newly active triangle.
func (s *TradeService) Opened(ctx context.Context, inst domain.ActiveTriangle) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	id := uuid.NewString()
	s.bySlot[inst.Slot] = id
	rec := s.remember(id, inst)
	s.mu.Unlock()

	if s.sinks.Triangles != nil {
		if err := s.sinks.Triangles.RecordOpen(ctx, rec); err != nil {
			s.warn(ctx, "record open", err, rec)
		}
	}
	s.audit(ctx, domain.EventTriangleOpened, rec, nil)
	s.emit(ctx, domain.EventTriangleOpened, inst, "")
}

// Failed journals a triangle whose open was rolled back.
func (s *TradeService) Failed(ctx context.Context, inst domain.ActiveTriangle, cause error) {
	ctx = context.WithoutCancel(ctx)
	if inst.FailureReason == "" && cause != nil {
		inst.FailureReason = cause.Error()
	}
	inst.State = domain.TriangleStateFailed

	s.mu.Lock()
	id, ok := s.bySlot[inst.Slot]
	if ok {
		delete(s.bySlot, inst.Slot)
	} else {
		id = uuid.NewString()
	}
	rec := s.remember(id, inst)
	s.mu.Unlock()

	if s.sinks.Triangles != nil {
		if err := s.sinks.Triangles.RecordFailure(ctx, rec); err != nil {
			s.warn(ctx, "record failure", err, rec)
		}
	}
	s.audit(ctx, domain.EventTriangleFailed, rec, nil)
	s.emit(ctx, domain.EventTriangleFailed, inst, inst.FailureReason)
}

// Closed journals the unwind of an active triangle.
func (s *TradeService) Closed(ctx context.Context, inst domain.ActiveTriangle) {
	ctx = context.WithoutCancel(ctx)
	if inst.ClosedAt.IsZero() {
		inst.ClosedAt = s.now()
	}
	inst.State = domain.TriangleStateClosed

	s.mu.Lock()
	id, known := s.bySlot[inst.Slot]
	if known {
		delete(s.bySlot, inst.Slot)
	} else {
		id = uuid.NewString()
	}
	rec := s.remember(id, inst)
	s.mu.Unlock()

	if s.sinks.Triangles != nil {
		var err error
		if known {
			err = s.sinks.Triangles.RecordClose(ctx, id, inst.ClosedAt, inst.CloseReason, inst.RealizedPnL)
		}
		if !known || errors.Is(err, domain.ErrNotFound) {
			// The open was never journaled; write the full row.
			err = s.sinks.Triangles.RecordOpen(ctx, rec)
		}
		if err != nil {
			s.warn(ctx, "record close", err, rec)
		}
	}
	s.audit(ctx, domain.EventTriangleClosed, rec, nil)
	s.emit(ctx, domain.EventTriangleClosed, inst, string(inst.CloseReason))
}

// Anomaly records a reconciliation mismatch on one leg.
func (s *TradeService) Anomaly(ctx context.Context, inst domain.ActiveTriangle, leg int, err error) {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	id := s.bySlot[inst.Slot]
	s.mu.Unlock()

	rec := domain.NewTriangleRecord(id, s.sessionID, inst)
	reason := fmt.Sprintf("leg %d: %v", leg, err)
	s.audit(ctx, domain.EventReconciliationAnomaly, rec, map[string]any{"leg": leg, "error": fmt.Sprint(err)})
	s.emit(ctx, domain.EventReconciliationAnomaly, inst, reason)
}

// Records returns the session's journal in first-seen order.
func (s *TradeService) Records() []domain.TriangleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.TriangleRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// History returns the newest journal entries, from the store when one is
// configured and from the session memory otherwise.
func (s *TradeService) History(ctx context.Context, limit int) ([]domain.TriangleRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.sinks.Triangles != nil {
		recs, err := s.sinks.Triangles.ListRecent(ctx, domain.ListOpts{Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("trade_service: history: %w", err)
		}
		return recs, nil
	}

	recs := s.Records()
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].OpenedAt.After(recs[j].OpenedAt) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// SessionPnL sums realised P&L over closed triangles of this session.
func (s *TradeService) SessionPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, rec := range s.records {
		if rec.State == domain.TriangleStateClosed {
			total += rec.RealizedPnL
		}
	}
	return total
}

// remember stores the latest form of a record. Callers hold s.mu.
func (s *TradeService) remember(id string, inst domain.ActiveTriangle) domain.TriangleRecord {
	rec := domain.NewTriangleRecord(id, s.sessionID, inst)
	if _, seen := s.records[id]; !seen {
		s.order = append(s.order, id)
	}
	s.records[id] = rec
	return rec
}

func (s *TradeService) audit(ctx context.Context, event string, rec domain.TriangleRecord, extra map[string]any) {
	if s.sinks.Audit == nil {
		return
	}
	detail := map[string]any{
		"id":          rec.ID,
		"session_id":  rec.SessionID,
		"slot":        rec.Slot,
		"template_id": rec.TemplateID,
		"direction":   rec.Direction,
		"state":       string(rec.State),
		"deviation":   rec.DeviationAtEntry,
	}
	if rec.CloseReason != "" {
		detail["close_reason"] = string(rec.CloseReason)
		detail["pnl"] = rec.RealizedPnL
	}
	if rec.FailureReason != "" {
		detail["failure_reason"] = rec.FailureReason
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := s.sinks.Audit.Log(ctx, event, detail); err != nil {
		s.warn(ctx, "audit log", err, rec)
	}
}

func (s *TradeService) emit(ctx context.Context, event string, inst domain.ActiveTriangle, reason string) {
	ev := domain.TriangleEvent{
		Event:        event,
		SessionID:    s.sessionID,
		Slot:         inst.Slot,
		TemplateID:   inst.Template.ID,
		Combinator:   inst.Template.Combinator.String(),
		Direction:    inst.Direction,
		Symbols:      inst.Template.Symbols(),
		Deviation:    inst.DeviationAtEntry,
		PnL:          inst.RealizedPnL,
		Reason:       reason,
		State:        inst.State,
		Compensation: inst.IsCompensation,
		At:           s.now(),
	}
	if inst.IsCompensation {
		ev.ParentSlot = inst.ParentSlot
	}

	for _, pub := range s.sinks.Publishers {
		if err := pub.PublishTriangle(ctx, ev); err != nil {
			s.logger.WarnContext(ctx, "publish event failed",
				slog.String("event", event),
				slog.Int("slot", inst.Slot),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.sinks.Notifier != nil {
		title, msg := notify.FormatTriangleEvent(ev)
		if err := s.sinks.Notifier.Notify(ctx, event, title, msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *TradeService) warn(ctx context.Context, action string, err error, rec domain.TriangleRecord) {
	s.logger.WarnContext(ctx, action+" failed",
		slog.String("id", rec.ID),
		slog.Int("slot", rec.Slot),
		slog.Int("template_id", rec.TemplateID),
		slog.String("error", err.Error()),
	)
}

var _ executor.Recorder = (*TradeService)(nil)
