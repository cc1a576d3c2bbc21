// Package events carries registry state-transition notifications between
// the ingestion/write path and in-process consumers (IPC event streaming,
// metrics). Every successful state transition publishes exactly one event.
package events

import (
	"sync"
	"time"

	"trustregd/internal/registry"
)

// Type identifies the kind of registry event.
type Type string

const (
	TypeAgentRegistered     Type = "AgentRegistered"
	TypeAgentUpdated        Type = "AgentUpdated"
	TypeNewFeedback         Type = "NewFeedback"
	TypeFeedbackRevoked     Type = "FeedbackRevoked"
	TypeFeedbackResponded   Type = "FeedbackResponded"
	TypeValidationRequested Type = "ValidationRequested"
	TypeValidationResponded Type = "ValidationResponded"
)

// Event is one registry state transition.
type Event struct {
	Type Type `json:"type"`

	AgentID uint64 `json:"agentId"`

	// Feedback coordinates, set for the feedback event types.
	Client registry.Address `json:"client,omitempty"`
	Index  uint64           `json:"index,omitempty"`

	// RequestHash is set for the validation event types.
	RequestHash registry.Hash `json:"requestHash,omitempty"`

	// Block is the chain block the transition came from, zero for
	// local dev-mode writes.
	Block uint64 `json:"block,omitempty"`

	At time.Time `json:"at"`
}

// Bus is a fan-out event bus. Publishing never blocks: a subscriber whose
// buffer is full misses the event, and the drop is reported through the
// optional drop hook.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	onDrop func(Event)
	closed bool
}

// NewBus creates a Bus. onDrop may be nil.
func NewBus(onDrop func(Event)) *Bus {
	return &Bus{
		subs:   make(map[uint64]chan Event),
		onDrop: onDrop,
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// the event channel plus a cancel function. The channel is closed on
// cancel or bus close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to all subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.onDrop != nil {
				b.onDrop(ev)
			}
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
