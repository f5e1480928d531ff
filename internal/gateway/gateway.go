// Package gateway is the WebSocket front door: it admits tenants,
// registers connections, pumps frames through per-connection codecs, and
// dispatches decoded packets to the session core.
package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/behavex/realtime/internal/bus"
	"github.com/behavex/realtime/internal/config"
	"github.com/behavex/realtime/internal/heartbeat"
	"github.com/behavex/realtime/internal/metrics"
	"github.com/behavex/realtime/internal/presence"
	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/quota"
	"github.com/behavex/realtime/internal/session"
	"github.com/behavex/realtime/internal/tenant"
)

// Deps are the collaborators the gateway composes. All fields except
// Metrics and KeyManager are required.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Resolver   *tenant.Resolver
	KeyManager *tenant.KeyManager // optional: enables auth via api key
	Usage      *quota.UsageTracker
	Limits     *quota.LimitEnforcer
	Rate       *quota.RateLimiter
	Presence   *presence.Tracker
	Events     bus.Bus
	Metrics    *metrics.Metrics
}

// Gateway owns the realtime session core for one process.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	registry   *session.Registry
	router     *session.Router
	heartbeats *heartbeat.Manager
	presence   *presence.Tracker

	resolver *tenant.Resolver
	keys     *tenant.KeyManager
	usage    *quota.UsageTracker
	limits   *quota.LimitEnforcer
	rate     *quota.RateLimiter
	events   bus.Bus
	metrics  *metrics.Metrics

	codecOpts protocol.Options

	mu      sync.RWMutex
	clients map[string]*client // connection id -> transport

	unsubscribe []func()
	closeOnce   sync.Once
}

// New wires the session core out of its collaborators.
func New(d Deps) (*Gateway, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	codecOpts, err := codecOptions(d.Config.Protocol)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       d.Config,
		logger:    d.Logger.With("component", "gateway"),
		presence:  d.Presence,
		resolver:  d.Resolver,
		keys:      d.KeyManager,
		usage:     d.Usage,
		limits:    d.Limits,
		rate:      d.Rate,
		events:    d.Events,
		metrics:   d.Metrics,
		codecOpts: codecOpts,
		clients:   make(map[string]*client),
	}

	g.registry = session.NewRegistry(d.Logger)
	g.router = session.NewRouter(d.Logger,
		session.WithChannelDefaults(session.ChannelConfig{
			HistorySize:         d.Config.Channels.HistorySize,
			Policy:              session.BackpressurePolicy(d.Config.Channels.BackpressurePolicy),
			SlowConsumerTimeout: d.Config.Channels.SlowConsumerTimeout,
		}),
		session.WithEvictHook(g.evictConnection),
		session.WithPresenceCheck(g.channelPresenceEmpty),
	)
	g.heartbeats = heartbeat.NewManager(
		heartbeat.Config{
			Interval:  d.Config.Heartbeat.Interval,
			Timeout:   d.Config.Heartbeat.Timeout,
			MaxMissed: d.Config.Heartbeat.MaxMissed,
			Jitter:    d.Config.Heartbeat.Jitter,
		},
		heartbeat.Callbacks{
			OnPing:    g.sendPing,
			OnPong:    g.recordPong,
			OnTimeout: g.heartbeatTimeout,
		},
		d.Logger,
	)
	g.registry.SetOnClose(g.onConnectionClosed)

	// Suspension must reach live connections within the grace window.
	unsub := d.Events.Subscribe(bus.EventTenantSuspended, func(ctx context.Context, ev *bus.Event) error {
		g.DrainTenant(ev.TenantID)
		return nil
	})
	g.unsubscribe = append(g.unsubscribe, unsub)

	return g, nil
}

func codecOptions(pc config.ProtocolConfig) (protocol.Options, error) {
	opts := protocol.Options{
		Compression:    protocol.Compression(pc.Compression),
		Checksum:       pc.Checksum,
		MaxPayloadSize: pc.MaxPayloadBytes,
	}
	if pc.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(pc.EncryptionKeyHex)
		if err != nil {
			return opts, fmt.Errorf("decode encryption key: %w", err)
		}
		switch len(key) {
		case 16:
			opts.Encryption = protocol.EncryptionAES128
		case 32:
			opts.Encryption = protocol.EncryptionAES256
		default:
			return opts, fmt.Errorf("encryption key must be 16 or 32 bytes, got %d", len(key))
		}
		opts.EncryptionKey = key
	}
	// Fail fast on bad options instead of at the first connection.
	if _, err := protocol.NewCodec(opts); err != nil {
		return opts, err
	}
	return opts, nil
}

// Registry exposes the connection registry (admin surface and tests).
func (g *Gateway) Registry() *session.Registry { return g.registry }

// Router exposes the channel router (admin surface and tests).
func (g *Gateway) Router() *session.Router { return g.router }

// Heartbeats exposes the heartbeat manager.
func (g *Gateway) Heartbeats() *heartbeat.Manager { return g.heartbeats }

// register inserts a fresh connection and its transport.
func (g *Gateway) register(conn *session.Connection, cl *client) error {
	if err := g.registry.Insert(conn); err != nil {
		return err
	}
	g.mu.Lock()
	g.clients[conn.ID] = cl
	g.mu.Unlock()

	g.heartbeats.AddConnection(conn.ID, nil)
	if g.metrics != nil {
		g.metrics.ConnectionOpened(conn.TenantID)
	}
	_ = g.events.Publish(context.Background(), &bus.Event{
		Type:     bus.EventConnectionOpened,
		Source:   "gateway",
		TenantID: conn.TenantID,
		Payload:  map[string]any{"connectionId": conn.ID, "remoteAddress": conn.RemoteAddress},
	})
	return nil
}

func (g *Gateway) lookupClient(id string) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[id]
}

// onConnectionClosed runs after the registry drops a connection. It tears
// down every per-connection facet in the other components.
func (g *Gateway) onConnectionClosed(conn *session.Connection) {
	g.mu.Lock()
	cl := g.clients[conn.ID]
	delete(g.clients, conn.ID)
	g.mu.Unlock()

	g.heartbeats.RemoveConnection(conn.ID)
	g.router.RemoveConnection(conn.ID)
	g.presence.DropConnection(context.Background(), conn.ID)
	if cl != nil {
		cl.shutdown()
	}
	if g.metrics != nil {
		g.metrics.ConnectionClosed(conn.TenantID)
	}
	_ = g.events.Publish(context.Background(), &bus.Event{
		Type:     bus.EventConnectionClosed,
		Source:   "gateway",
		TenantID: conn.TenantID,
		Payload:  map[string]any{"connectionId": conn.ID},
	})
	g.logger.Info("connection closed", "connection_id", conn.ID, "tenant", conn.TenantID)
}

// sendPing queues a heartbeat PING toward the connection.
func (g *Gateway) sendPing(id string, seq uint64) error {
	conn, ok := g.registry.Get(id)
	if !ok {
		return protocol.E(protocol.CodeInternalError, "unknown connection")
	}
	pkt := protocol.NewPacket(protocol.TypePing)
	pkt.Payload.Ping = &protocol.PingBody{Timestamp: pkt.Header.Timestamp}
	conn.Outbound().Push(pkt)
	return nil
}

func (g *Gateway) recordPong(id string, latency time.Duration) {
	conn, ok := g.registry.Get(id)
	if !ok {
		return
	}
	conn.SetLatency(latency)
	conn.Touch()
	if g.metrics != nil {
		g.metrics.ObserveLatency(conn.TenantID, latency.Seconds())
	}
}

// heartbeatTimeout evicts a connection that crossed MaxMissed.
func (g *Gateway) heartbeatTimeout(id string) {
	conn, ok := g.registry.Get(id)
	if !ok {
		return
	}
	g.logger.Warn("evicting silent connection", "connection_id", id, "tenant", conn.TenantID)
	if g.metrics != nil {
		g.metrics.HeartbeatTimeouts.WithLabelValues(conn.TenantID).Inc()
		g.metrics.EvictedTotal.WithLabelValues("heartbeat_timeout").Inc()
	}
	g.closeConnection(id)
}

// evictConnection is the router's slow-consumer hook.
func (g *Gateway) evictConnection(id, reason string) {
	if g.metrics != nil {
		g.metrics.EvictedTotal.WithLabelValues(reason).Inc()
	}
	g.closeConnection(id)
}

// closeConnection drives a connection to CLOSED regardless of its
// current state.
func (g *Gateway) closeConnection(id string) {
	conn, ok := g.registry.Get(id)
	if !ok {
		return
	}
	switch conn.State() {
	case session.StateClosed:
		return
	default:
		_ = g.registry.Transition(id, session.StateClosed)
	}
}

// channelPresenceEmpty gates router channel GC on presence state.
func (g *Gateway) channelPresenceEmpty(channelID string) bool {
	return len(g.presence.Query(channelID)) == 0
}

// DrainTenant pushes every connection of a tenant through
// OPEN -> DRAINING -> CLOSED within the configured grace period. New
// publishes stop immediately; queued frames may still flush.
func (g *Gateway) DrainTenant(tenantID string) {
	conns := g.registry.ForTenant(tenantID)
	if len(conns) == 0 {
		return
	}
	g.logger.Info("draining tenant connections", "tenant", tenantID, "connections", len(conns))

	for _, conn := range conns {
		conn := conn
		notice := protocol.NewPacket(protocol.TypeControl)
		notice.Payload.Control = &protocol.ControlBody{Action: protocol.ActionAuth}
		notice.Payload.Error = &protocol.WireError{
			Code:    protocol.CodeTenantSuspended,
			Message: "tenant suspended; connection closing",
		}
		conn.Outbound().Push(notice)

		if err := g.registry.Transition(conn.ID, session.StateDraining); err != nil {
			continue
		}
		time.AfterFunc(g.cfg.Server.GracePeriod, func() {
			g.closeConnection(conn.ID)
		})
	}
}

// Close tears down every connection and background loop.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		for _, unsub := range g.unsubscribe {
			unsub()
		}
		g.registry.Close()
		g.heartbeats.Cleanup()
		g.presence.Close()
	})
}

func newConnectionID() string { return uuid.New().String() }
