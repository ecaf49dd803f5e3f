package domain

import (
	"context"
	"time"
)

// Lifecycle event names shared by the notifier, the event bus and the audit
// log.
const (
	EventTriangleOpened        = "triangle_opened"
	EventTriangleClosed        = "triangle_closed"
	EventTriangleFailed        = "triangle_failed"
	EventReconciliationAnomaly = "reconciliation_anomaly"
)

// TriangleEvent is the payload published for every lifecycle change.
type TriangleEvent struct {
	Event        string        `json:"event"`
	SessionID    string        `json:"session_id"`
	Slot         int           `json:"slot"`
	TemplateID   int           `json:"template_id"`
	Combinator   string        `json:"combinator"`
	Direction    int           `json:"direction"`
	Symbols      [3]string     `json:"symbols"`
	Deviation    float64       `json:"deviation_points"`
	PnL          float64       `json:"pnl,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	State        TriangleState `json:"state"`
	Compensation bool          `json:"compensation,omitempty"`
	ParentSlot   int           `json:"parent_slot,omitempty"`
	At           time.Time     `json:"at"`
}

// Notifier sends human-readable alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BotStatus is a summary of the engine's current operational state.
type BotStatus struct {
	Mode          string `json:"mode"`
	Paper         bool   `json:"paper"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Symbols       int    `json:"symbols"`
	QuoteUpdates  int64  `json:"quote_updates"`
	Triangles     int    `json:"triangles"`
	SlotsUsed     int    `json:"slots_used"`
	SlotsCapacity int    `json:"slots_capacity"`
}
