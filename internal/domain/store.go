package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// TriangleRecord is the journaled form of a triangle instance.
type TriangleRecord struct {
	ID               string
	SessionID        string
	TemplateID       int
	Combinator       string
	Direction        int
	Slot             int
	IsCompensation   bool
	ParentSlot       int
	State            TriangleState
	DeviationAtEntry float64
	Legs             []TriangleLegRecord
	OpenedAt         time.Time
	ClosedAt         *time.Time
	CloseReason      CloseReason
	RealizedPnL      float64
	FailureReason    string
}

// TriangleLegRecord is one journaled leg.
type TriangleLegRecord struct {
	Index      int
	Symbol     string
	Derived    bool
	Side       OrderSide
	OrderID    string
	EntryPrice float64
	Lot        float64
}

// TriangleStore journals triangle executions. It is history only; nothing is
// restored from it on start-up.
type TriangleStore interface {
	RecordOpen(ctx context.Context, rec TriangleRecord) error
	RecordClose(ctx context.Context, id string, closedAt time.Time, reason CloseReason, pnl float64) error
	RecordFailure(ctx context.Context, rec TriangleRecord) error
	GetByID(ctx context.Context, id string) (TriangleRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]TriangleRecord, error)
	RealizedPnL(ctx context.Context, since time.Time) (float64, error)
}

// AuditStore provides an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// NewTriangleRecord builds the journal form of a triangle instance.
func NewTriangleRecord(id, sessionID string, a ActiveTriangle) TriangleRecord {
	rec := TriangleRecord{
		ID:               id,
		SessionID:        sessionID,
		TemplateID:       a.Template.ID,
		Combinator:       a.Template.Combinator.String(),
		Direction:        a.Direction,
		Slot:             a.Slot,
		IsCompensation:   a.IsCompensation,
		ParentSlot:       a.ParentSlot,
		State:            a.State,
		DeviationAtEntry: a.DeviationAtEntry,
		OpenedAt:         a.OpenedAt,
		CloseReason:      a.CloseReason,
		RealizedPnL:      a.RealizedPnL,
		FailureReason:    a.FailureReason,
	}
	if !a.ClosedAt.IsZero() {
		closed := a.ClosedAt
		rec.ClosedAt = &closed
	}
	for i, leg := range a.Template.Legs {
		rec.Legs = append(rec.Legs, TriangleLegRecord{
			Index:      i,
			Symbol:     leg.Symbol,
			Derived:    leg.Derived(),
			Side:       a.Sides[i],
			OrderID:    a.OrderIDs[i],
			EntryPrice: a.EntryPrices[i],
			Lot:        a.Lots[i],
		})
	}
	return rec
}
