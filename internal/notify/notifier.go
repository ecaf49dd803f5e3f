// Package notify fans trade alerts out to chat channels (Telegram, Discord),
// filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to every Sender whose event type is allowed.
// An empty allow list passes every event.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and allowed events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Allows reports whether event passes the filter.
func (n *Notifier) Allows(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// Notify sends to all senders if the event type is allowed.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Allows(event) {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// dispatch sends to every sender. One failing sender does not stop the
// others; failures are joined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}

// FormatTriangleEvent renders a lifecycle event as an alert title and body.
func FormatTriangleEvent(ev domain.TriangleEvent) (title, message string) {
	dir := "forward"
	if ev.Direction < 0 {
		dir = "reverse"
	}
	route := strings.Join(ev.Symbols[:], " / ")

	switch ev.Event {
	case domain.EventTriangleOpened:
		title = "Triangle opened"
		if ev.Compensation {
			title = "Compensation opened"
		}
	case domain.EventTriangleClosed:
		title = "Triangle closed"
	case domain.EventTriangleFailed:
		title = "Triangle failed"
	case domain.EventReconciliationAnomaly:
		title = "Reconciliation anomaly"
	default:
		title = ev.Event
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s (slot %d)\n", ev.TemplateID, ev.Combinator, dir, ev.Slot)
	fmt.Fprintf(&b, "%s\n", route)
	fmt.Fprintf(&b, "deviation %.1f pts", ev.Deviation)
	if ev.Event == domain.EventTriangleClosed {
		fmt.Fprintf(&b, "\npnl %.2f (%s)", ev.PnL, ev.Reason)
	} else if ev.Reason != "" {
		fmt.Fprintf(&b, "\n%s", ev.Reason)
	}
	return title, b.String()
}

var _ domain.Notifier = (*Notifier)(nil)
