// Package events is an in-process publish/subscribe bus for operational
// events: turn lifecycle, model calls, tool executions, and backend
// health changes. The websocket endpoint and the MQTT bridge subscribe
// to it. Publishing on a nil *Bus is a no-op so components can hold an
// optional bus without guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources identify the component that published an event.
const (
	SourceAgent   = "agent"
	SourceBackend = "backend"
	SourceAPI     = "api"
)

// Kinds describe what happened. The Data keys each kind carries are
// listed alongside it.
const (
	// KindTurnStart: request_id, session_id.
	KindTurnStart = "turn_start"
	// KindLLMCall: request_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: request_id, iter, model, tokens_in, tokens_out,
	// tool_calls, parse_mode.
	KindLLMResponse = "llm_response"
	// KindToolCall: request_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: request_id, session_id, iterations, tokens_in,
	// tokens_out, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: request_id, session_id, error, error_kind.
	KindTurnFailed = "turn_failed"

	// KindBackendUp: service.
	KindBackendUp = "backend_up"
	// KindBackendDown: service, error.
	KindBackendDown = "backend_down"
	// KindClientConnected: remote, client_id.
	KindClientConnected = "client_connected"
	// KindClientDisconnected: remote, client_id.
	KindClientDisconnected = "client_disconnected"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a subscriber whose buffer is full misses the event
// rather than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to the caller
	// back to the channel stored in subs, so Unsubscribe can accept
	// the caller's view of it.
	recvToSend map[<-chan Event]chan Event
	dropped    atomic.Int64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber without blocking.
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
			b.dropped.Add(1)
		}
	}
}

// Emit is shorthand for Publish with the timestamp filled in.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling it
// twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
