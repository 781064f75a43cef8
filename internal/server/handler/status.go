package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/breaker"
	"github.com/alanyoungcy/routegate/internal/governance"
)

// StatusHandler serves a one-shot summary of the gate: run mode, circuit
// state, timelock delay, and pending governance work.
type StatusHandler struct {
	mode     string
	dryRun   bool
	breaker  *breaker.Breaker
	timelock *governance.Timelock
	started  time.Time
}

// NewStatusHandler creates a StatusHandler. started is the process start time
// used for the uptime figure.
func NewStatusHandler(mode string, dryRun bool, b *breaker.Breaker, tl *governance.Timelock, started time.Time) *StatusHandler {
	return &StatusHandler{mode: mode, dryRun: dryRun, breaker: b, timelock: tl, started: started}
}

// GetStatus responds with the current gate status.
// GET /api/v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending := 0
	for _, p := range h.timelock.List() {
		if !p.Terminal() {
			pending++
		}
	}

	state := h.breaker.Circuit().State()
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":              h.mode,
		"dry_run":           h.dryRun,
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
		"circuit_tripped":   state.Tripped,
		"timelock_delay":    h.timelock.Delay().String(),
		"pending_proposals": pending,
	})
}
