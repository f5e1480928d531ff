// Package presence tracks who is participating in each channel: the
// StateManager is the in-memory authority for presence state and its
// per-channel event history; the Tracker is the request-side API layered
// on top, with listener signals and optional persistence.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/behavex/realtime/internal/protocol"
)

// Status is a participant's visible state within a channel.
type Status string

const (
	StatusOnline    Status = "ONLINE"
	StatusAway      Status = "AWAY"
	StatusBusy      Status = "BUSY"
	StatusInvisible Status = "INVISIBLE"
	StatusOffline   Status = "OFFLINE"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

// DeviceInfo optionally describes the joining device.
type DeviceInfo struct {
	Type      string `json:"type,omitempty"`
	OS        string `json:"os,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// Presence is one (channel, user, connection) participation record.
type Presence struct {
	ChannelID    string         `json:"channelId"`
	UserID       string         `json:"userId"`
	ConnectionID string         `json:"connectionId"`
	Status       Status         `json:"status"`
	CustomState  map[string]any `json:"customState,omitempty"`
	JoinedAt     time.Time      `json:"joinedAt"`
	LastSeenAt   time.Time      `json:"lastSeenAt"`
	DeviceInfo   *DeviceInfo    `json:"deviceInfo,omitempty"`
}

func (p *Presence) clone() *Presence {
	cp := *p
	if p.CustomState != nil {
		cp.CustomState = make(map[string]any, len(p.CustomState))
		for k, v := range p.CustomState {
			cp.CustomState[k] = v
		}
	}
	if p.DeviceInfo != nil {
		di := *p.DeviceInfo
		cp.DeviceInfo = &di
	}
	return &cp
}

// EventType classifies presence transitions.
type EventType string

const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventUpdate  EventType = "update"
	EventTimeout EventType = "timeout"
)

// Event is one recorded presence transition on a channel.
type Event struct {
	Type         EventType `json:"type"`
	ChannelID    string    `json:"channelId"`
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Snapshot     *Presence `json:"snapshot,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Diff is the collapsed change set between a watermark and now. Applying
// joined, then updated, then left to the snapshot at the watermark yields
// the current state.
type Diff struct {
	Joined    []*Presence `json:"joined"`
	Left      []*Presence `json:"left"`
	Updated   []*Presence `json:"updated"`
	Timestamp time.Time   `json:"timestamp"`
}

type tupleKey struct {
	userID       string
	connectionID string
}

// channelState folds presences and the bounded event ring behind one
// lock, so readers observe a consistent pair.
type channelState struct {
	mu        sync.RWMutex
	presences map[tupleKey]*Presence
	events    []Event // append-bounded; oldest trimmed past maxHistory
}

func (cs *channelState) appendEventLocked(e Event, maxHistory int) {
	cs.events = append(cs.events, e)
	if len(cs.events) > maxHistory {
		cs.events = cs.events[len(cs.events)-maxHistory:]
	}
}

// StateManager is the in-memory authority for presence.
type StateManager struct {
	mu         sync.RWMutex
	channels   map[string]*channelState
	maxHistory int
	logger     *slog.Logger
	now        func() time.Time
}

// StateOption tweaks StateManager construction.
type StateOption func(*StateManager)

// WithMaxHistory bounds the per-channel event ring (default 1000).
func WithMaxHistory(n int) StateOption {
	return func(m *StateManager) {
		if n > 0 {
			m.maxHistory = n
		}
	}
}

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) StateOption {
	return func(m *StateManager) { m.now = now }
}

// NewStateManager builds an empty state manager.
func NewStateManager(logger *slog.Logger, opts ...StateOption) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &StateManager{
		channels:   make(map[string]*channelState),
		maxHistory: 1000,
		logger:     logger.With("component", "presence"),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *StateManager) channel(id string, create bool) *channelState {
	m.mu.RLock()
	cs, ok := m.channels[id]
	m.mu.RUnlock()
	if ok || !create {
		return cs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok = m.channels[id]; ok {
		return cs
	}
	cs = &channelState{presences: make(map[tupleKey]*Presence)}
	m.channels[id] = cs
	return cs
}

// AddPresence records a join. Re-joining an existing tuple replaces the
// record and still emits a join event.
func (m *StateManager) AddPresence(p *Presence) (*Event, error) {
	if p.ChannelID == "" || p.UserID == "" || p.ConnectionID == "" {
		return nil, protocol.E(protocol.CodeInvalidMessage, "presence requires channel, user, and connection ids")
	}
	if p.Status == "" {
		p.Status = StatusOnline
	}
	if !p.Status.Valid() {
		return nil, protocol.E(protocol.CodeInvalidMessage, "unknown presence status %q", p.Status)
	}
	now := m.now()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = now
	}
	p.LastSeenAt = now

	cs := m.channel(p.ChannelID, true)
	stored := p.clone()
	ev := Event{
		Type:         EventJoin,
		ChannelID:    p.ChannelID,
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
		Snapshot:     stored.clone(),
		Timestamp:    now,
	}
	cs.mu.Lock()
	cs.presences[tupleKey{p.UserID, p.ConnectionID}] = stored
	cs.appendEventLocked(ev, m.maxHistory)
	cs.mu.Unlock()
	return &ev, nil
}

// RemovePresence records a leave for a tuple. Returns the event, or nil
// when the tuple was not present.
func (m *StateManager) RemovePresence(channelID, userID, connectionID string) *Event {
	return m.remove(channelID, userID, connectionID, EventLeave)
}

func (m *StateManager) remove(channelID, userID, connectionID string, typ EventType) *Event {
	cs := m.channel(channelID, false)
	if cs == nil {
		return nil
	}
	key := tupleKey{userID, connectionID}
	now := m.now()

	cs.mu.Lock()
	p, ok := cs.presences[key]
	if !ok {
		cs.mu.Unlock()
		return nil
	}
	delete(cs.presences, key)
	snap := p.clone()
	snap.Status = StatusOffline
	ev := Event{
		Type:         typ,
		ChannelID:    channelID,
		UserID:       userID,
		ConnectionID: connectionID,
		Snapshot:     snap,
		Timestamp:    now,
	}
	cs.appendEventLocked(ev, m.maxHistory)
	cs.mu.Unlock()
	return &ev
}

// UpdatePresence merges status and custom state into an existing tuple.
// OFFLINE is terminal within a tuple; transitioning to it goes through
// RemovePresence instead.
func (m *StateManager) UpdatePresence(channelID, userID, connectionID string, status Status, customState map[string]any) (*Event, error) {
	if status != "" && !status.Valid() {
		return nil, protocol.E(protocol.CodeInvalidMessage, "unknown presence status %q", status)
	}
	if status == StatusOffline {
		return nil, protocol.E(protocol.CodeInvalidMessage, "OFFLINE is terminal; leave instead")
	}
	cs := m.channel(channelID, false)
	if cs == nil {
		return nil, protocol.E(protocol.CodeChannelNotFound, "no presence on channel %q", channelID)
	}
	key := tupleKey{userID, connectionID}
	now := m.now()

	cs.mu.Lock()
	p, ok := cs.presences[key]
	if !ok {
		cs.mu.Unlock()
		return nil, protocol.E(protocol.CodeChannelNotFound, "tuple not present on channel %q", channelID)
	}
	if status != "" {
		p.Status = status
	}
	if customState != nil {
		if p.CustomState == nil {
			p.CustomState = make(map[string]any, len(customState))
		}
		for k, v := range customState {
			p.CustomState[k] = v
		}
	}
	p.LastSeenAt = now
	ev := Event{
		Type:         EventUpdate,
		ChannelID:    channelID,
		UserID:       userID,
		ConnectionID: connectionID,
		Snapshot:     p.clone(),
		Timestamp:    now,
	}
	cs.appendEventLocked(ev, m.maxHistory)
	cs.mu.Unlock()
	return &ev, nil
}

// Heartbeat refreshes a tuple's LastSeenAt without recording an event.
func (m *StateManager) Heartbeat(channelID, userID, connectionID string) bool {
	cs := m.channel(channelID, false)
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	p, ok := cs.presences[tupleKey{userID, connectionID}]
	if !ok {
		return false
	}
	p.LastSeenAt = m.now()
	return true
}

// GetState returns a deep-copied snapshot of a channel's presences.
func (m *StateManager) GetState(channelID string) []*Presence {
	cs := m.channel(channelID, false)
	if cs == nil {
		return nil
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Presence, 0, len(cs.presences))
	for _, p := range cs.presences {
		out = append(out, p.clone())
	}
	return out
}

// Empty reports whether a channel holds no presence state.
func (m *StateManager) Empty(channelID string) bool {
	cs := m.channel(channelID, false)
	if cs == nil {
		return true
	}
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.presences) == 0
}

// GetDiff replays the channel's events with timestamp >= since and
// collapses them: a join and leave of the same tuple inside the window
// cancel out; updates merge into an in-window join when one exists.
// A subscriber applying joined, updated, then left reaches the same state
// as one that observed every intermediate event.
func (m *StateManager) GetDiff(channelID string, since time.Time) *Diff {
	d := &Diff{Timestamp: m.now()}
	cs := m.channel(channelID, false)
	if cs == nil {
		return d
	}

	cs.mu.RLock()
	relevant := make([]Event, 0, len(cs.events))
	for _, e := range cs.events {
		if !e.Timestamp.Before(since) {
			relevant = append(relevant, e)
		}
	}
	cs.mu.RUnlock()

	type pos struct{ idx int }
	joinedAt := make(map[tupleKey]pos)

	for _, e := range relevant {
		key := tupleKey{e.UserID, e.ConnectionID}
		switch e.Type {
		case EventJoin:
			d.Joined = append(d.Joined, e.Snapshot.clone())
			joinedAt[key] = pos{idx: len(d.Joined) - 1}
		case EventLeave, EventTimeout:
			if p, ok := joinedAt[key]; ok {
				// Joined and left within the window: cancel.
				d.Joined[p.idx] = nil
				delete(joinedAt, key)
				continue
			}
			snap := e.Snapshot
			if snap == nil {
				snap = &Presence{
					ChannelID:    e.ChannelID,
					UserID:       e.UserID,
					ConnectionID: e.ConnectionID,
					Status:       StatusOffline,
				}
			}
			d.Left = append(d.Left, snap.clone())
		case EventUpdate:
			if p, ok := joinedAt[key]; ok {
				d.Joined[p.idx] = e.Snapshot.clone()
				continue
			}
			d.Updated = append(d.Updated, e.Snapshot.clone())
		}
	}

	// Compact cancelled joins while preserving order.
	joined := d.Joined[:0]
	for _, p := range d.Joined {
		if p != nil {
			joined = append(joined, p)
		}
	}
	d.Joined = joined
	return d
}

// CreateSnapshot deep-copies the full state of every channel.
func (m *StateManager) CreateSnapshot() map[string][]*Presence {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	snap := make(map[string][]*Presence, len(ids))
	for _, id := range ids {
		if s := m.GetState(id); len(s) > 0 {
			snap[id] = s
		}
	}
	return snap
}

// RestoreSnapshot replaces all presence state with a deep copy of the
// given snapshot. Event history is not restored; diffs start fresh.
func (m *StateManager) RestoreSnapshot(snap map[string][]*Presence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = make(map[string]*channelState, len(snap))
	for id, presences := range snap {
		cs := &channelState{presences: make(map[tupleKey]*Presence, len(presences))}
		for _, p := range presences {
			cs.presences[tupleKey{p.UserID, p.ConnectionID}] = p.clone()
		}
		m.channels[id] = cs
	}
}

// Cleanup evicts tuples whose LastSeenAt is older than the cutoff,
// recording a timeout event for each, and trims event history older than
// the cutoff. Returns the timeout events.
func (m *StateManager) Cleanup(channelID string, olderThan time.Time) []*Event {
	cs := m.channel(channelID, false)
	if cs == nil {
		return nil
	}

	cs.mu.Lock()
	var stale []tupleKey
	for key, p := range cs.presences {
		if p.LastSeenAt.Before(olderThan) {
			stale = append(stale, key)
		}
	}
	cs.mu.Unlock()

	var events []*Event
	for _, key := range stale {
		if ev := m.remove(channelID, key.userID, key.connectionID, EventTimeout); ev != nil {
			events = append(events, ev)
		}
	}

	cs.mu.Lock()
	trimmed := cs.events[:0]
	for _, e := range cs.events {
		if !e.Timestamp.Before(olderThan) || e.Type == EventTimeout {
			trimmed = append(trimmed, e)
		}
	}
	cs.events = trimmed
	cs.mu.Unlock()

	if len(events) > 0 {
		m.logger.Debug("presence cleanup", "channel", channelID, "evicted", len(events))
	}
	return events
}

// RemoveConnection drops every tuple belonging to a connection across all
// channels, recording leave events. Returns them grouped for signaling.
func (m *StateManager) RemoveConnection(connectionID string) []*Event {
	m.mu.RLock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var events []*Event
	for _, id := range ids {
		cs := m.channel(id, false)
		if cs == nil {
			continue
		}
		cs.mu.RLock()
		var keys []tupleKey
		for key := range cs.presences {
			if key.connectionID == connectionID {
				keys = append(keys, key)
			}
		}
		cs.mu.RUnlock()
		for _, key := range keys {
			if ev := m.remove(id, key.userID, key.connectionID, EventLeave); ev != nil {
				events = append(events, ev)
			}
		}
	}
	return events
}
