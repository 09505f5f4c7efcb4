package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Fantasim/chainsync/internal/provider"
)

// EventsSSE streams the manager's event bus to a dashboard client as
// server-sent events until the client disconnects.
func EventsSSE(bus *provider.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondError(w, http.StatusInternalServerError, "ERROR_SSE_UNSUPPORTED", "streaming unsupported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		ch := bus.Subscribe()
		defer bus.Unsubscribe(ch)

		slog.Info("event stream client connected", "remoteAddr", r.RemoteAddr)

		for {
			select {
			case <-r.Context().Done():
				slog.Info("event stream client disconnected")
				return
			case event, open := <-ch:
				if !open {
					return
				}
				payload, err := json.Marshal(event)
				if err != nil {
					slog.Warn("failed to encode event", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
				flusher.Flush()
			}
		}
	}
}
