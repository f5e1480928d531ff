package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal names the tracker notifications delivered to listeners.
type Signal string

const (
	SignalJoined  Signal = "joined"
	SignalLeft    Signal = "left"
	SignalUpdated Signal = "updated"
	SignalCleaned Signal = "cleaned"
)

// Listener receives tracker signals. Each internal transition produces at
// most one invocation per listener.
type Listener func(sig Signal, ev *Event)

// Store is the optional persistence facet. Implementations mirror the
// in-memory API; failures are logged and do not fail the request path.
type Store interface {
	Add(ctx context.Context, p *Presence) error
	Update(ctx context.Context, p *Presence) error
	Remove(ctx context.Context, channelID, userID, connectionID string) error
	Query(ctx context.Context, channelID string) ([]*Presence, error)
	RemoveExpired(ctx context.Context, olderThan time.Time) error
}

// TrackerConfig tunes the tracker.
type TrackerConfig struct {
	// TimeoutThreshold bounds a presence lifetime past its last
	// heartbeat. Default 90s.
	TimeoutThreshold time.Duration
	// CleanupInterval is the cadence of the background cleanup loop.
	// Default 30s. Zero disables the loop (tests drive Cleanup directly).
	CleanupInterval time.Duration
}

// Tracker is the request-side presence API: joins, leaves, updates,
// heartbeats, queries, and stats, layered on the StateManager.
type Tracker struct {
	state  *StateManager
	store  Store // nil when persistence is disabled
	cfg    TrackerConfig
	logger *slog.Logger

	mu        sync.RWMutex
	listeners map[int]Listener
	nextID    int

	stopOnce sync.Once
	stop     chan struct{}
}

// NewTracker builds a tracker over the given state manager. store may be
// nil. The cleanup loop starts only when cfg.CleanupInterval > 0.
func NewTracker(state *StateManager, store Store, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		state:     state,
		store:     store,
		cfg:       cfg,
		logger:    logger.With("component", "presence-tracker"),
		listeners: make(map[int]Listener),
		stop:      make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go t.cleanupLoop()
	}
	return t
}

// Subscribe registers a listener. Returns an unsubscribe function.
func (t *Tracker) Subscribe(l Listener) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.listeners[id] = l
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) emit(sig Signal, ev *Event) {
	t.mu.RLock()
	ls := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		ls = append(ls, l)
	}
	t.mu.RUnlock()
	for _, l := range ls {
		l(sig, ev)
	}
}

// Join adds a presence and signals joined.
func (t *Tracker) Join(ctx context.Context, p *Presence) (*Event, error) {
	ev, err := t.state.AddPresence(p)
	if err != nil {
		return nil, err
	}
	t.mirror(ctx, func(s Store) error { return s.Add(ctx, ev.Snapshot) })
	t.emit(SignalJoined, ev)
	return ev, nil
}

// Leave removes a presence tuple and signals left.
func (t *Tracker) Leave(ctx context.Context, channelID, userID, connectionID string) *Event {
	ev := t.state.RemovePresence(channelID, userID, connectionID)
	if ev == nil {
		return nil
	}
	t.mirror(ctx, func(s Store) error { return s.Remove(ctx, channelID, userID, connectionID) })
	t.emit(SignalLeft, ev)
	return ev
}

// Update merges status/custom state and signals updated.
func (t *Tracker) Update(ctx context.Context, channelID, userID, connectionID string, status Status, customState map[string]any) (*Event, error) {
	ev, err := t.state.UpdatePresence(channelID, userID, connectionID, status, customState)
	if err != nil {
		return nil, err
	}
	t.mirror(ctx, func(s Store) error { return s.Update(ctx, ev.Snapshot) })
	t.emit(SignalUpdated, ev)
	return ev, nil
}

// Heartbeat refreshes a tuple's liveness.
func (t *Tracker) Heartbeat(channelID, userID, connectionID string) bool {
	return t.state.Heartbeat(channelID, userID, connectionID)
}

// Query returns the current snapshot for a channel.
func (t *Tracker) Query(channelID string) []*Presence {
	return t.state.GetState(channelID)
}

// Diff returns the collapsed change set since a watermark.
func (t *Tracker) Diff(channelID string, since time.Time) *Diff {
	return t.state.GetDiff(channelID, since)
}

// DropConnection removes every presence held by a connection, signaling
// left per tuple. Called by the gateway on connection close.
func (t *Tracker) DropConnection(ctx context.Context, connectionID string) []*Event {
	events := t.state.RemoveConnection(connectionID)
	for _, ev := range events {
		ev := ev
		t.mirror(ctx, func(s Store) error {
			return s.Remove(ctx, ev.ChannelID, ev.UserID, ev.ConnectionID)
		})
		t.emit(SignalLeft, ev)
	}
	return events
}

// Cleanup evicts tuples stale past the timeout threshold on every
// channel, signaling cleaned per eviction.
func (t *Tracker) Cleanup(ctx context.Context) int {
	cutoff := time.Now().Add(-t.cfg.TimeoutThreshold)
	total := 0
	for _, channelID := range t.channels() {
		for _, ev := range t.state.Cleanup(channelID, cutoff) {
			ev := ev
			t.mirror(ctx, func(s Store) error {
				return s.Remove(ctx, ev.ChannelID, ev.UserID, ev.ConnectionID)
			})
			t.emit(SignalCleaned, ev)
			total++
		}
	}
	if t.store != nil {
		t.mirror(ctx, func(s Store) error { return s.RemoveExpired(ctx, cutoff) })
	}
	return total
}

// Stats summarizes tracker state.
type Stats struct {
	Channels       int `json:"channels"`
	TotalPresences int `json:"totalPresences"`
}

// Stats returns channel and presence counts.
func (t *Tracker) Stats() Stats {
	s := Stats{}
	for _, id := range t.channels() {
		n := len(t.state.GetState(id))
		if n > 0 {
			s.Channels++
			s.TotalPresences += n
		}
	}
	return s
}

// Close stops the cleanup loop.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tracker) channels() []string {
	t.state.mu.RLock()
	defer t.state.mu.RUnlock()
	ids := make([]string, 0, len(t.state.channels))
	for id := range t.state.channels {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.Cleanup(context.Background())
		}
	}
}

func (t *Tracker) mirror(ctx context.Context, fn func(Store) error) {
	if t.store == nil {
		return
	}
	if err := fn(t.store); err != nil {
		t.logger.Warn("presence store mirror failed", "error", err)
	}
}
