// Package bus provides publish/subscribe distribution of control-plane
// events: connection lifecycle, presence transitions, tenant suspension,
// and quota threshold crossings. A LocalBus covers single-pod
// deployments; RedisBus spans pods via Redis Pub/Sub.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies control-plane events.
type EventType string

const (
	EventConnectionOpened    EventType = "connection.opened"
	EventConnectionClosed    EventType = "connection.closed"
	EventPresenceJoined      EventType = "presence.joined"
	EventPresenceLeft        EventType = "presence.left"
	EventPresenceUpdated     EventType = "presence.updated"
	EventPresenceCleaned     EventType = "presence.cleaned"
	EventTenantSuspended     EventType = "tenant.suspended"
	EventTenantStatusChanged EventType = "tenant.status.changed"
	EventQuotaThreshold      EventType = "quota.threshold"
)

// Event is a control-plane event. Payload holds type-specific fields.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	TenantID  string         `json:"tenant_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Handler processes events of a subscribed type.
type Handler func(ctx context.Context, event *Event) error

// Bus is the pub/sub contract shared by local and Redis-backed
// implementations. Delivery is asynchronous and at-most-once.
type Bus interface {
	// Publish sends an event to all subscribers of its type.
	Publish(ctx context.Context, event *Event) error

	// Subscribe registers a handler for an event type and returns an
	// unsubscribe function.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// Close shuts the bus down.
	Close() error
}

// stamp fills in the event identity fields left empty by the caller.
func stamp(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
}

type subscriberEntry struct {
	id      int
	handler Handler
}

// LocalBus is the in-memory Bus for single-process deployments.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]subscriberEntry
	nextID      int
	closed      bool
}

// NewLocalBus creates an empty in-memory bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subscribers: make(map[EventType][]subscriberEntry)}
}

// Publish fans the event out to matching handlers, each on its own
// goroutine.
func (b *LocalBus) Publish(ctx context.Context, event *Event) error {
	stamp(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, entry := range b.subscribers[event.Type] {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				slog.Warn("event handler failed", "type", event.Type, "error", err)
			}
		}()
	}
	return nil
}

// Subscribe registers a handler for an event type.
func (b *LocalBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriberEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, entry := range subs {
			if entry.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Close drops all subscribers and rejects further fan-out.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
	return nil
}
