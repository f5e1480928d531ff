package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// PubSubClient is the minimal Redis Pub/Sub surface the bus needs. The
// concrete go-redis adapter lives in internal/infra.
type PubSubClient interface {
	// Publish sends a message to a Redis channel.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe registers a callback for messages on a channel and
	// returns an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// RedisBus distributes events across pods via Redis Pub/Sub. Events
// published on one pod reach subscribers on every pod; when the Redis
// publish fails the bus degrades to local-only delivery instead of
// failing the caller.
type RedisBus struct {
	mu        sync.RWMutex
	pubsub    PubSubClient
	prefix    string // Redis channel prefix, e.g. "rt:events:"
	localSubs map[EventType][]subscriberEntry
	channels  map[EventType]*channelSub
	nextID    int
	closed    bool
	logger    *slog.Logger
}

// channelSub is the single Redis subscription shared by every local
// handler of one event type. Without the sharing, k local handlers
// would mean k Redis deliveries and each handler firing k times.
type channelSub struct {
	refs  int
	unsub func() // nil when the Redis subscribe failed (local-only)
}

// NewRedisBus creates a Redis-backed bus. prefix defaults to
// "rt:events:".
func NewRedisBus(client PubSubClient, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "rt:events:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		pubsub:    client,
		prefix:    prefix,
		localSubs: make(map[EventType][]subscriberEntry),
		channels:  make(map[EventType]*channelSub),
		logger:    logger.With("component", "event-bus"),
	}
}

// Publish sends the event through Redis so every pod receives it.
func (b *RedisBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	stamp(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	channel := b.prefix + string(event.Type)
	if err := b.pubsub.Publish(ctx, channel, data); err != nil {
		b.logger.Warn("redis publish failed, delivering locally", "type", event.Type, "error", err)
		b.deliverLocal(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for an event type. The handler receives
// events from all pods. The first subscriber of a type opens the Redis
// subscription; later ones share it, so an incoming message invokes
// each handler exactly once.
func (b *RedisBus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.localSubs[eventType] = append(b.localSubs[eventType], subscriberEntry{id: id, handler: handler})

	cs, ok := b.channels[eventType]
	if !ok {
		cs = &channelSub{}
		b.channels[eventType] = cs
		channel := b.prefix + string(eventType)
		unsub, err := b.pubsub.Subscribe(context.Background(), channel, func(data []byte) {
			var event Event
			if err := json.Unmarshal(data, &event); err != nil {
				b.logger.Warn("dropping undecodable event", "channel", channel, "error", err)
				return
			}
			b.deliverLocal(context.Background(), &event)
		})
		if err != nil {
			b.logger.Warn("redis subscribe failed, local-only mode", "type", eventType, "error", err)
		} else {
			cs.unsub = unsub
		}
	}
	cs.refs++

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.localSubs[eventType]
		removed := false
		for i, entry := range subs {
			if entry.id == id {
				b.localSubs[eventType] = append(subs[:i], subs[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			return
		}
		if cs, ok := b.channels[eventType]; ok {
			cs.refs--
			if cs.refs == 0 {
				if cs.unsub != nil {
					cs.unsub()
				}
				delete(b.channels, eventType)
			}
		}
	}
}

// Close tears down all Redis subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, cs := range b.channels {
		if cs.unsub != nil {
			cs.unsub()
		}
	}
	b.channels = nil
	b.localSubs = nil
	return nil
}

func (b *RedisBus) deliverLocal(ctx context.Context, event *Event) {
	b.mu.RLock()
	handlers := b.localSubs[event.Type]
	b.mu.RUnlock()

	for _, entry := range handlers {
		h := entry.handler
		go func() {
			if err := h(ctx, event); err != nil {
				b.logger.Warn("event handler failed", "type", event.Type, "error", err)
			}
		}()
	}
}
