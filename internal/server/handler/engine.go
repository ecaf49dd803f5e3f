package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
	"github.com/alanyoungcy/fxtriarb/internal/monitor"
	"github.com/alanyoungcy/fxtriarb/internal/scanner"
)

// SlotSource lists the occupied slots.
type SlotSource interface {
	Snapshot() []domain.ActiveTriangle
}

// MarkSource returns the latest valuation of a slot.
type MarkSource interface {
	Mark(slot int) (monitor.Mark, bool)
}

// ScanSource returns the most recent scan.
type ScanSource interface {
	LastScan() (scanner.Result, time.Time)
}

// CatalogSource lists the triangle templates.
type CatalogSource interface {
	Triangles() []domain.Triangle
}

// HistorySource returns journaled triangles, newest first.
type HistorySource interface {
	History(ctx context.Context, limit int) ([]domain.TriangleRecord, error)
}

// EngineHandler serves the engine state endpoints. Any source may be nil, in
// which case its endpoint returns an empty list.
type EngineHandler struct {
	slots   SlotSource
	marks   MarkSource
	scans   ScanSource
	catalog CatalogSource
	history HistorySource
	logger  *slog.Logger
}

// NewEngineHandler creates an EngineHandler.
func NewEngineHandler(slots SlotSource, marks MarkSource, scans ScanSource, catalog CatalogSource, history HistorySource, logger *slog.Logger) *EngineHandler {
	return &EngineHandler{
		slots:   slots,
		marks:   marks,
		scans:   scans,
		catalog: catalog,
		history: history,
		logger:  logger.With(slog.String("handler", "engine")),
	}
}

// ListSlots returns the occupied slots with their last mark.
// GET /api/slots
func (h *EngineHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	out := []slotView{}
	if h.slots != nil {
		for _, inst := range h.slots.Snapshot() {
			v := newSlotView(inst)
			if h.marks != nil {
				if m, ok := h.marks.Mark(inst.Slot); ok && m.Priced {
					pnl, at := m.PnL, m.MarkedAt
					v.PnL, v.MarkedAt = &pnl, &at
				}
			}
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": out})
}

// ListOpportunities returns the ranked result of the last scan.
// GET /api/opportunities
func (h *EngineHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"opportunities": []opportunityView{}}
	if h.scans != nil {
		res, at := h.scans.LastScan()
		opps := make([]opportunityView, 0, len(res.Opportunities))
		for _, o := range res.Opportunities {
			opps = append(opps, newOpportunityView(o))
		}
		resp["opportunities"] = opps
		resp["evaluated"] = res.Evaluated
		resp["rejected"] = res.Rejected
		resp["registry_full"] = res.RegistryFull
		if !at.IsZero() {
			resp["scanned_at"] = at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListTriangles returns the template catalog.
// GET /api/triangles
func (h *EngineHandler) ListTriangles(w http.ResponseWriter, r *http.Request) {
	out := []triangleView{}
	if h.catalog != nil {
		for _, t := range h.catalog.Triangles() {
			out = append(out, newTriangleView(t))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(out), "triangles": out})
}

// ListHistory returns journaled triangles. ?limit= defaults to 50, max 500.
// GET /api/history
func (h *EngineHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	out := []recordView{}
	if h.history != nil {
		recs, err := h.history.History(r.Context(), parseLimit(r, 50, 500))
		if err != nil {
			h.logger.ErrorContext(r.Context(), "list history failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		for _, rec := range recs {
			out = append(out, newRecordView(rec))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"triangles": out})
}
