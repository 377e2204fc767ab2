package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Events serves GET /events: bridges the in-process bus onto an SSE
// stream. The subscription is dropped when the client disconnects.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.Bus.Subscribe()
	defer h.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			if n := sub.Dropped(); n > 0 {
				log.Debug().Int64("dropped", n).Msg("Event subscriber disconnected with dropped events")
			}
			return
		case evt, open := <-sub.C:
			if !open {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
