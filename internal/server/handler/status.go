package handler

import (
	"net/http"

	"github.com/alanyoungcy/fxtriarb/internal/domain"
)

// StatusSource reports the engine summary.
type StatusSource interface {
	Status() domain.BotStatus
}

// StatusHandler serves the engine summary.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus responds with mode, uptime, quote and slot counters.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}
