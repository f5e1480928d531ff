package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/behavex/realtime/internal/protocol"
)

// BackpressurePolicy selects what happens when a subscriber's outbound
// queue is full at publish time.
type BackpressurePolicy string

const (
	// PolicyDropOldest drops the subscriber's oldest queued packet and
	// surfaces a lagged marker on the next event it drains. Default.
	PolicyDropOldest BackpressurePolicy = "drop_oldest"
	// PolicyEvictSlow blocks the publisher up to SlowConsumerTimeout,
	// then evicts the subscriber with reason "slow_consumer".
	PolicyEvictSlow BackpressurePolicy = "evict_slow_consumer"
)

// EvictReasonSlowConsumer is passed to the evict hook by PolicyEvictSlow.
const EvictReasonSlowConsumer = "slow_consumer"

// ChannelConfig is fixed at channel creation.
type ChannelConfig struct {
	HistorySize         int
	Policy              BackpressurePolicy
	SlowConsumerTimeout time.Duration
}

// DefaultChannelConfig matches the documented defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		HistorySize:         1000,
		Policy:              PolicyDropOldest,
		SlowConsumerTimeout: 5 * time.Second,
	}
}

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// FromHistory replays the last N retained events before the
	// subscriber goes live. The subscriber sees a prefix of past events
	// followed by all future events, no gaps, no duplicates.
	FromHistory int
}

// PublishOptions tunes one publish.
type PublishOptions struct {
	Exclude []string // connection ids that must not receive this event
}

type subscriber struct {
	conn *Connection

	// mu serializes delivery to this subscriber and guards lastSeq, so
	// replay and live publishes interleave without gaps or duplicates.
	mu      sync.Mutex
	lastSeq uint64
}

// channel folds the subscriber set and the history ring behind one lock,
// so a subscribe observes a consistent snapshot of both.
type channel struct {
	id      string
	cfg     ChannelConfig
	mu      sync.Mutex
	subs    map[string]*subscriber
	history *HistoryRing
}

// Router is the fan-out bus. Channels are created lazily on first
// subscribe and garbage-collected when the last subscriber leaves and no
// presence remains.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channel
	defaults ChannelConfig
	logger   *slog.Logger

	// evict is invoked (off all locks) when PolicyEvictSlow gives up on
	// a subscriber. The gateway closes the connection.
	evict func(connectionID, reason string)
	// presenceEmpty gates channel GC; nil means "always empty".
	presenceEmpty func(channelID string) bool
}

// RouterOption tweaks router construction.
type RouterOption func(*Router)

// WithEvictHook installs the slow-consumer eviction callback.
func WithEvictHook(fn func(connectionID, reason string)) RouterOption {
	return func(r *Router) { r.evict = fn }
}

// WithPresenceCheck installs the channel-GC presence gate.
func WithPresenceCheck(fn func(channelID string) bool) RouterOption {
	return func(r *Router) { r.presenceEmpty = fn }
}

// WithChannelDefaults overrides the per-channel defaults.
func WithChannelDefaults(cfg ChannelConfig) RouterOption {
	return func(r *Router) {
		if cfg.HistorySize <= 0 {
			cfg.HistorySize = 1000
		}
		if cfg.Policy == "" {
			cfg.Policy = PolicyDropOldest
		}
		if cfg.SlowConsumerTimeout <= 0 {
			cfg.SlowConsumerTimeout = 5 * time.Second
		}
		r.defaults = cfg
	}
}

// NewRouter builds an empty router.
func NewRouter(logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		channels: make(map[string]*channel),
		defaults: DefaultChannelConfig(),
		logger:   logger.With("component", "router"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ConfigureChannel pre-creates a channel with a non-default config.
// No-op when the channel already exists.
func (r *Router) ConfigureChannel(channelID string, cfg ChannelConfig) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = r.defaults.HistorySize
	}
	if cfg.Policy == "" {
		cfg.Policy = r.defaults.Policy
	}
	if cfg.SlowConsumerTimeout <= 0 {
		cfg.SlowConsumerTimeout = r.defaults.SlowConsumerTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channelID]; !ok {
		r.channels[channelID] = &channel{
			id:      channelID,
			cfg:     cfg,
			subs:    make(map[string]*subscriber),
			history: NewHistoryRing(cfg.HistorySize),
		}
	}
}

func (r *Router) getOrCreate(channelID string) *channel {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	r.mu.RUnlock()
	if ok {
		return ch
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok = r.channels[channelID]; ok {
		return ch
	}
	ch = &channel{
		id:      channelID,
		cfg:     r.defaults,
		subs:    make(map[string]*subscriber),
		history: NewHistoryRing(r.defaults.HistorySize),
	}
	r.channels[channelID] = ch
	return ch
}

func (r *Router) lookup(channelID string) (*channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	return ch, ok
}

// Subscribe adds a connection to a channel, creating the channel lazily.
// With FromHistory set, the retained suffix is queued to the subscriber
// before any concurrent publish can reach it.
func (r *Router) Subscribe(conn *Connection, channelID string, opts SubscribeOptions) error {
	if conn.State() == StateClosed {
		return protocol.E(protocol.CodeSubscriptionFailed, "connection closed")
	}
	ch := r.getOrCreate(channelID)

	ch.mu.Lock()
	sub, exists := ch.subs[conn.ID]
	if exists {
		ch.mu.Unlock()
		return nil
	}
	sub = &subscriber{conn: conn}
	var replay []HistoryEntry
	if opts.FromHistory > 0 {
		replay = ch.history.Last(opts.FromHistory)
	}
	if len(replay) > 0 {
		sub.lastSeq = replay[0].Seq - 1
	} else {
		sub.lastSeq = ch.history.LastSeq()
	}
	// Take the delivery lock before the subscriber becomes visible, so
	// live publishes queue behind the replay.
	sub.mu.Lock()
	ch.subs[conn.ID] = sub
	ch.mu.Unlock()

	for _, e := range replay {
		conn.Outbound().Push(eventPacket(channelID, e))
		sub.lastSeq = e.Seq
	}
	sub.mu.Unlock()

	r.logger.Debug("subscribed", "connection_id", conn.ID, "channel", channelID, "replayed", len(replay))
	return nil
}

// Unsubscribe removes a connection from a channel.
func (r *Router) Unsubscribe(connectionID, channelID, reason string) {
	ch, ok := r.lookup(channelID)
	if !ok {
		return
	}
	ch.mu.Lock()
	_, had := ch.subs[connectionID]
	delete(ch.subs, connectionID)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if had {
		r.logger.Debug("unsubscribed", "connection_id", connectionID, "channel", channelID, "reason", reason)
	}
	if empty {
		r.maybeCollect(channelID)
	}
}

// PublishResult reports the outcome of one publish.
type PublishResult struct {
	Seq       uint64
	Delivered int
	Dropped   int
	Evicted   []string
}

// Publish appends the event to the channel's history ring and fans it out
// to every current subscriber except the exclusions. Delivery order to any
// one subscriber is publish order; no ordering is promised across
// subscribers. The channel lock is never held while a subscriber's send
// is awaited.
func (r *Router) Publish(ctx context.Context, publisherConnID, channelID, event string, data json.RawMessage, opts PublishOptions) (PublishResult, error) {
	ch, ok := r.lookup(channelID)
	if !ok {
		return PublishResult{}, protocol.E(protocol.CodeChannelNotFound, "channel %q does not exist", channelID)
	}

	excluded := make(map[string]struct{}, len(opts.Exclude))
	for _, id := range opts.Exclude {
		excluded[id] = struct{}{}
	}

	ch.mu.Lock()
	entry := HistoryEntry{
		Event:     event,
		Data:      data,
		Publisher: publisherConnID,
		Timestamp: time.Now(),
	}
	seq := ch.history.Append(entry)
	entry.Seq = seq
	targets := make([]*subscriber, 0, len(ch.subs))
	for id, sub := range ch.subs {
		if _, skip := excluded[id]; skip {
			continue
		}
		targets = append(targets, sub)
	}
	policy := ch.cfg.Policy
	slowTimeout := ch.cfg.SlowConsumerTimeout
	ch.mu.Unlock()

	pkt := eventPacket(channelID, entry)
	res := PublishResult{Seq: seq}
	for _, sub := range targets {
		if !sub.conn.Accepting() {
			continue // DRAINING or later: refuse new work
		}
		sub.mu.Lock()
		if seq <= sub.lastSeq {
			sub.mu.Unlock()
			continue
		}
		switch policy {
		case PolicyEvictSlow:
			if sub.conn.Outbound().TryPush(pkt) {
				sub.lastSeq = seq
				sub.mu.Unlock()
				res.Delivered++
				continue
			}
			waitCtx, cancel := context.WithTimeout(ctx, slowTimeout)
			err := sub.conn.Outbound().PushWait(waitCtx, pkt)
			cancel()
			if err != nil {
				sub.mu.Unlock()
				r.evictSlow(sub.conn, channelID)
				res.Evicted = append(res.Evicted, sub.conn.ID)
				continue
			}
			sub.lastSeq = seq
			sub.mu.Unlock()
			res.Delivered++
		default: // PolicyDropOldest
			res.Dropped += sub.conn.Outbound().Push(pkt)
			sub.lastSeq = seq
			sub.mu.Unlock()
			res.Delivered++
		}
	}
	return res, nil
}

func (r *Router) evictSlow(conn *Connection, channelID string) {
	r.Unsubscribe(conn.ID, channelID, EvictReasonSlowConsumer)
	r.logger.Warn("evicting slow consumer", "connection_id", conn.ID, "channel", channelID)
	if r.evict != nil {
		r.evict(conn.ID, EvictReasonSlowConsumer)
	}
}

// RemoveConnection drops a connection from every channel. Called on close.
func (r *Router) RemoveConnection(connectionID string) {
	r.mu.RLock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	for _, ch := range chans {
		ch.mu.Lock()
		_, had := ch.subs[connectionID]
		delete(ch.subs, connectionID)
		empty := len(ch.subs) == 0
		ch.mu.Unlock()
		if had && empty {
			r.maybeCollect(ch.id)
		}
	}
}

// Subscribers returns a snapshot of the connections subscribed to a
// channel.
func (r *Router) Subscribers(channelID string) []*Connection {
	ch, ok := r.lookup(channelID)
	if !ok {
		return nil
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Connection, 0, len(ch.subs))
	for _, sub := range ch.subs {
		out = append(out, sub.conn)
	}
	return out
}

// Channels returns the ids of all live channels.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for id := range r.channels {
		out = append(out, id)
	}
	return out
}

// ChannelsOf returns the channels a connection is currently subscribed to.
func (r *Router) ChannelsOf(connectionID string) []string {
	r.mu.RLock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.RUnlock()

	var out []string
	for _, ch := range chans {
		ch.mu.Lock()
		if _, ok := ch.subs[connectionID]; ok {
			out = append(out, ch.id)
		}
		ch.mu.Unlock()
	}
	return out
}

// History returns the retained entries newer than seq, plus a gap flag
// when older entries were already overwritten.
func (r *Router) History(channelID string, sinceSeq uint64) ([]HistoryEntry, bool, error) {
	ch, ok := r.lookup(channelID)
	if !ok {
		return nil, false, protocol.E(protocol.CodeChannelNotFound, "channel %q does not exist", channelID)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	entries, gap := ch.history.Since(sinceSeq)
	return entries, gap, nil
}

// maybeCollect removes a channel once it has no subscribers and no
// presence. Re-checks under the channel lock to avoid racing a fresh
// subscribe.
func (r *Router) maybeCollect(channelID string) {
	if r.presenceEmpty != nil && !r.presenceEmpty(channelID) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return
	}
	ch.mu.Lock()
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		delete(r.channels, channelID)
		r.logger.Debug("collected idle channel", "channel", channelID)
	}
}

func eventPacket(channelID string, e HistoryEntry) *protocol.Packet {
	return &protocol.Packet{
		Header: protocol.Header{
			ID:        uuid.New().String(),
			Type:      protocol.TypeEvent,
			Timestamp: e.Timestamp.UnixMilli(),
			Version:   protocol.CurrentVersion,
		},
		Payload: protocol.Payload{Event: &protocol.EventBody{
			Channel: channelID,
			Event:   e.Event,
			Data:    e.Data,
			Seq:     e.Seq,
		}},
	}
}
