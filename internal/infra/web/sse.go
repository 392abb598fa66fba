// File: internal/infra/web/sse.go
package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chat-context-service/internal/domain/model"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams the context's change signals as server-sent events.
// Signals carry identity only; the client pulls content through the chunk
// endpoint using the sequence number, so a dropped event is recoverable.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := contextID(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		http.Error(w, "Event stream not available", http.StatusNotImplemented)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Fail fast instead of holding a stream open for a context that does
	// not exist.
	if _, err := s.actions.GetState(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}

	sub := s.hub.Subscribe(id)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case sig, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Kind, data)
			flusher.Flush()
			if sig.Kind == model.SignalContextDeleted {
				return
			}
		}
	}
}
