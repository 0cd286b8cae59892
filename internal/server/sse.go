package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/logging"
)

// sseHeartbeatInterval is the interval for SSE heartbeats.
const sseHeartbeatInterval = 30 * time.Second

// events streams bus events over SSE for observability dashboards.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "event bus disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Small buffer for low-latency streaming; a stalled consumer drops
	// events rather than blocking publishers.
	events := make(chan event.Event, 10)
	unsub := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case events <- e:
		default:
			logging.Warn().Str("eventType", string(e.Type)).Msg("SSE event dropped: channel full")
		}
	})
	defer unsub()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
