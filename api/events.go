package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"dfirpipe/events"
	"dfirpipe/status"
)

// SSEHandler streams progress snapshots as Server-Sent Events. The current
// snapshot is sent first so a new client never waits for the next change.
func SSEHandler(broker *events.EventBroker, current func() status.Record) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}

		// Buffer to prevent blocking
		client := make(chan string, 16)
		broker.Register(client)
		defer broker.Unregister(client)

		fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"Connected to dfirpipe events\"}\n\n")
		if current != nil {
			if data, err := json.Marshal(current()); err == nil {
				fmt.Fprint(w, events.Format(events.StatusEvent, data))
			}
		}
		flush()

		for {
			select {
			case message, ok := <-client:
				if !ok {
					return
				}
				fmt.Fprint(w, message)
				flush()
			case <-r.Context().Done():
				// Client disconnected
				return
			}
		}
	}
}
