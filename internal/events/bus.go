// Package events provides a publish/subscribe bus for dispatch
// lifecycle observability. Events flow from the orchestrator, executor,
// and session manager to subscribers (console front end, tests, future
// exporters). The bus is nil-safe: Publish on a nil *Bus is a no-op, so
// components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from request handling.
	SourceOrchestrator = "orchestrator"
	// SourceExecutor identifies events from capability execution.
	SourceExecutor = "executor"
	// SourceSession identifies events from session lifecycle.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of a request.
	// Data: request_id, payload_len.
	KindRequestStart = "request_start"
	// KindRouteDecision signals a routing decision was made.
	// Data: request_id, matched, evaluated.
	KindRouteDecision = "route_decision"
	// KindCapabilityStart signals one capability execution began.
	// Data: request_id, capability.
	KindCapabilityStart = "capability_start"
	// KindCapabilityRetry signals a retry after a transient failure.
	// Data: request_id, capability, attempt, delay_ms, error.
	KindCapabilityRetry = "capability_retry"
	// KindCapabilityDone signals one capability execution finished.
	// Data: request_id, capability, status, attempts, duration_ms.
	KindCapabilityDone = "capability_done"
	// KindHistoryPruned signals turns were evicted from a history buffer.
	// Data: request_id, evicted.
	KindHistoryPruned = "history_pruned"
	// KindRequestComplete signals the end of a request.
	// Data: request_id, outcomes, all_failed, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindSessionCreated signals a new session was opened.
	// Data: session_id.
	KindSessionCreated = "session_created"
	// KindSessionEnded signals a session was closed and its metrics reset.
	// Data: session_id, requests.
	KindSessionEnded = "session_ended"
)

// Event is a single lifecycle event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the publishing component.
	Source string `json:"source"`
	// Kind describes the event type within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full the event is dropped for that subscriber. Safe to call on a
// nil receiver (no-op). A zero Timestamp is stamped with the current
// time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. Callers
// must eventually Unsubscribe to release the channel. bufSize controls
// the channel buffer; 64 suits interactive consumers.
func (b *Bus) Subscribe(bufSize int) chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// with a channel that was already unsubscribed is a no-op.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; !ok {
		return
	}
	delete(b.subs, ch)
	close(ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
