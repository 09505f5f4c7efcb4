package provider

import (
	"log/slog"
	"sync"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// EventType tags an observability event emitted by the execution core.
type EventType string

const (
	EventSelection      EventType = "provider.selection"
	EventResume         EventType = "provider.resume"
	EventFailover       EventType = "provider.failover"
	EventCursorAdjusted EventType = "provider.cursor.adjusted"
	EventCallSuccess    EventType = "provider.call.success"
	EventCallFailure    EventType = "provider.call.failure"
	EventStreamBatch    EventType = "provider.stream.batch"
	EventStreamComplete EventType = "provider.stream.complete"
	// Emitted when a consumer drops a stream before completion.
	EventStreamCancelled EventType = "provider.stream.cancelled"
)

// Event is one fire-and-forget observability record.
type Event struct {
	Type  EventType    `json:"type"`
	Chain models.Chain `json:"chain"`
	Data  interface{}  `json:"data"`
}

// SelectionData is the payload for provider.selection events.
type SelectionData struct {
	Operation  string   `json:"operation"`
	Address    string   `json:"address,omitempty"`
	Candidates []string `json:"candidates"`
	Selected   string   `json:"selected"`
}

// ResumeData is the payload for provider.resume events.
type ResumeData struct {
	Provider   string `json:"provider"`
	CursorType string `json:"cursorType"`
	Exact      bool   `json:"exact"`
}

// FailoverData is the payload for provider.failover events.
type FailoverData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// CursorAdjustedData is the payload for provider.cursor.adjusted events.
type CursorAdjustedData struct {
	Provider   string `json:"provider"`
	CursorType string `json:"cursorType"`
	From       int64  `json:"from"`
	To         int64  `json:"to"`
}

// CallData is the payload for provider.call.success / failure events.
type CallData struct {
	Provider  string `json:"provider"`
	Operation string `json:"operation"`
	LatencyMs int64  `json:"latencyMs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StreamBatchData is the payload for provider.stream.batch events.
type StreamBatchData struct {
	Provider   string `json:"provider"`
	Items      int    `json:"items"`
	Duplicates int    `json:"duplicates"`
	IsComplete bool   `json:"isComplete"`
}

// StreamCompleteData is the payload for provider.stream.complete events.
type StreamCompleteData struct {
	Provider   string `json:"provider"`
	TotalItems int    `json:"totalItems"`
	Batches    int    `json:"batches"`
}

// Bus fans events out to subscribers. Emission never fails or blocks the
// caller: a subscriber with a full channel misses the event.
type Bus struct {
	clients map[chan Event]struct{}
	mu      sync.RWMutex
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{clients: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, config.EventBusChannelBuffer)

	b.mu.Lock()
	b.clients[ch] = struct{}{}
	count := len(b.clients)
	b.mu.Unlock()

	slog.Debug("event bus subscriber added", "totalSubscribers", count)
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish sends an event to all subscribers without blocking.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			slog.Warn("event dropped for slow subscriber",
				"eventType", event.Type,
			)
		}
	}
}

// Close disconnects every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.clients {
		close(ch)
		delete(b.clients, ch)
	}
}
