// Package session tracks connections and routes channel traffic: the
// ConnectionRegistry (by-id and by-tenant views), the ChannelRouter
// (fan-out with bounded history and per-subscriber backpressure), and the
// bounded outbound queue each connection drains from its writer task.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behavex/realtime/internal/protocol"
)

// State is the connection lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Connection is an admitted, tenant-bound session. The registry owns the
// lifecycle; the outbound queue has exactly one producer side (router and
// dispatcher) and one consumer (the writer task).
type Connection struct {
	ID            string
	TenantID      string
	RemoteAddress string
	EstablishedAt time.Time

	state    atomic.Int32
	lastSeen atomic.Int64 // unix millis
	latency  atomic.Int64 // nanoseconds

	outbound *Outbound
}

// NewConnection builds a connection in HANDSHAKING state with a bounded
// outbound queue of the given capacity.
func NewConnection(id, tenantID, remoteAddr string, queueCapacity int) *Connection {
	c := &Connection{
		ID:            id,
		TenantID:      tenantID,
		RemoteAddress: remoteAddr,
		EstablishedAt: time.Now(),
		outbound:      NewOutbound(queueCapacity),
	}
	c.state.Store(int32(StateHandshaking))
	c.lastSeen.Store(time.Now().UnixMilli())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Outbound returns the connection's send queue.
func (c *Connection) Outbound() *Outbound { return c.outbound }

// Touch records inbound activity.
func (c *Connection) Touch() { c.lastSeen.Store(time.Now().UnixMilli()) }

// LastSeen returns the time of the most recent inbound activity.
func (c *Connection) LastSeen() time.Time { return time.UnixMilli(c.lastSeen.Load()) }

// SetLatency records the last measured round-trip.
func (c *Connection) SetLatency(d time.Duration) { c.latency.Store(int64(d)) }

// Latency returns the last measured round-trip.
func (c *Connection) Latency() time.Duration { return time.Duration(c.latency.Load()) }

// Accepting reports whether new outbound events may be queued: true in
// OPEN only. DRAINING completes in-flight frames but refuses new ones.
func (c *Connection) Accepting() bool { return c.State() == StateOpen }

// validTransition encodes the allowed lifecycle edges.
func validTransition(from, to State) bool {
	switch from {
	case StateHandshaking:
		return to == StateOpen || to == StateClosed
	case StateOpen:
		return to == StateDraining || to == StateClosed
	case StateDraining:
		return to == StateClosed
	}
	return false
}

// tenantShard holds one tenant's connections behind its own lock so that
// per-tenant iteration does not contend with unrelated tenants.
type tenantShard struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// Registry tracks connections by id and by tenant. Both views observe the
// same set: mutations update the id map and the tenant shard under the
// registry lock before any reader can see either.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Connection
	tenants map[string]*tenantShard
	logger  *slog.Logger

	// onClose runs after a connection reaches CLOSED, outside all
	// registry locks. The gateway uses it to tear down heartbeat state
	// and channel subscriptions.
	onClose func(*Connection)
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:    make(map[string]*Connection),
		tenants: make(map[string]*tenantShard),
		logger:  logger.With("component", "registry"),
	}
}

// SetOnClose installs the close hook. Call before serving traffic.
func (r *Registry) SetOnClose(fn func(*Connection)) { r.onClose = fn }

// Insert registers a connection under both views.
func (r *Registry) Insert(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; ok {
		return protocol.E(protocol.CodeInternalError, "duplicate connection id")
	}
	r.byID[c.ID] = c
	shard, ok := r.tenants[c.TenantID]
	if !ok {
		shard = &tenantShard{conns: make(map[string]*Connection)}
		r.tenants[c.TenantID] = shard
	}
	shard.mu.Lock()
	shard.conns[c.ID] = c
	shard.mu.Unlock()
	return nil
}

// Remove transitions a connection to CLOSED (if not already) and drops it
// from both views. The close hook runs after the maps are consistent.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)
	if shard, ok := r.tenants[c.TenantID]; ok {
		shard.mu.Lock()
		delete(shard.conns, id)
		empty := len(shard.conns) == 0
		shard.mu.Unlock()
		if empty {
			delete(r.tenants, c.TenantID)
		}
	}
	r.mu.Unlock()

	c.state.Store(int32(StateClosed))
	c.outbound.Close()
	if r.onClose != nil {
		r.onClose(c)
	}
}

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ForTenant returns a snapshot of one tenant's connections.
func (r *Registry) ForTenant(tenantID string) []*Connection {
	r.mu.RLock()
	shard, ok := r.tenants[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	out := make([]*Connection, 0, len(shard.conns))
	for _, c := range shard.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Transition moves a connection along the lifecycle state machine.
// Invalid edges fail; CLOSED additionally closes the outbound queue and
// runs the close hook, then removes the connection from both views.
func (r *Registry) Transition(id string, to State) error {
	r.mu.RLock()
	c, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return protocol.E(protocol.CodeInternalError, "unknown connection")
	}
	for {
		from := c.State()
		if from == to {
			return nil
		}
		if !validTransition(from, to) {
			return protocol.E(protocol.CodeInternalError, "invalid transition %s -> %s", from, to)
		}
		if c.state.CompareAndSwap(int32(from), int32(to)) {
			break
		}
	}
	r.logger.Debug("connection state change", "connection_id", id, "state", to.String())
	if to == StateClosed {
		r.Remove(id)
	}
	return nil
}

// Close tears the registry down: every connection transitions to CLOSED
// and its close hook runs. Used on process shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Connection)
	r.tenants = make(map[string]*tenantShard)
	r.mu.Unlock()

	for _, c := range conns {
		c.state.Store(int32(StateClosed))
		c.outbound.Close()
		if r.onClose != nil {
			r.onClose(c)
		}
	}
}
