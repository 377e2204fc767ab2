package handlers

import (
	"net/http"

	"github.com/janhq/cortex/internal/hardware"
)

// Healthz serves GET /healthz.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		respondMessage(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.Version})
}

// System serves GET /v1/system: the host descriptor plus active
// downloads, for the CLI's ps view.
func (h *Handlers) System(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"version":   h.Version,
		"host":      hardware.Probe(r.Context()),
		"engines":   h.Loader.LoadedFamilies(),
		"downloads": h.Downloads.ActiveTasks(),
	})
}
