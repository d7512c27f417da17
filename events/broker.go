// Package events fans progress snapshots out to SSE subscribers.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"dfirpipe/status"
)

// StatusEvent is the SSE event name for progress snapshots
const StatusEvent = "status"

// EventBroker manages SSE connections and broadcasts events
type EventBroker struct {
	clients map[chan string]bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewBroker creates a broker with no clients
func NewBroker(logger *slog.Logger) *EventBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroker{
		clients: make(map[chan string]bool),
		logger:  logger,
	}
}

// Register adds a new SSE client
func (b *EventBroker) Register(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = true
	b.logger.Debug("sse client connected", "total", len(b.clients))
}

// Unregister removes an SSE client
func (b *EventBroker) Unregister(client chan string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; !ok {
		return
	}
	delete(b.clients, client)
	close(client)
	b.logger.Debug("sse client disconnected", "total", len(b.clients))
}

// Clients returns the number of connected clients
func (b *EventBroker) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast sends an event to all connected clients. Slow clients miss
// events rather than blocking the sender.
func (b *EventBroker) Broadcast(eventType string, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	jsonData, err := json.Marshal(data)
	if err != nil {
		b.logger.Warn("failed to marshal event data", "event", eventType, "error", err)
		return
	}

	message := Format(eventType, jsonData)
	for client := range b.clients {
		select {
		case client <- message:
		default:
		}
	}
}

// Publish implements status.Publisher
func (b *EventBroker) Publish(rec status.Record) {
	b.Broadcast(StatusEvent, rec)
}

// Format renders one SSE frame
func Format(eventType string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
