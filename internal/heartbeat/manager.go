// Package heartbeat maintains per-connection liveness: scheduled pings,
// pong latency tracking, missed-beat eviction, and a coarse sweeper that
// removes zombie connections regardless of active state.
package heartbeat

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/behavex/realtime/internal/protocol"
)

// Config holds per-connection heartbeat tuning.
type Config struct {
	Interval  time.Duration // gap between pings
	Timeout   time.Duration // wait for pong before counting a miss
	MaxMissed int           // misses before eviction
	Jitter    time.Duration // uniform ± applied to each interval
}

// DefaultConfig mirrors the deployed gateway defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		Timeout:   5 * time.Second,
		MaxMissed: 3,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxMissed <= 0 {
		c.MaxMissed = d.MaxMissed
	}
}

// Callbacks are the sinks the manager drives. OnPing must enqueue a PING
// frame toward the connection; it runs off the manager lock and may fail.
// OnTimeout fires once when a connection crosses MaxMissed.
type Callbacks struct {
	OnPing    func(id string, seq uint64) error
	OnPong    func(id string, latency time.Duration)
	OnTimeout func(id string)
}

// PongData carries optional client-echoed data into HandlePong.
type PongData struct {
	OriginalTimestamp int64 // unix millis of the originating ping, if echoed
}

type connState struct {
	cfg     Config
	active  bool
	evicted bool // inactive because of missed pings, not an explicit Stop

	missed       int
	lastPing     time.Time
	lastPong     time.Time
	latency      time.Duration
	pingInFlight bool
	pingSeq      uint64

	// waiters are manual Ping() callers blocked on the next pong.
	waiters []chan pingResult

	intervalTimer *time.Timer
	timeoutTimer  *time.Timer
}

type pingResult struct {
	latency time.Duration
	err     error
}

// Manager owns every heartbeat timer in the process. Construct exactly one
// and share it; Cleanup cancels all outstanding timers.
type Manager struct {
	mu       sync.Mutex
	conns    map[string]*connState
	cb       Callbacks
	defaults Config
	logger   *slog.Logger

	sweepEvery time.Duration
	staleAfter time.Duration
	sweepStop  chan struct{}
	sweepOnce  sync.Once
	now        func() time.Time
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithSweep overrides the zombie sweeper cadence and stale threshold.
func WithSweep(every, staleAfter time.Duration) Option {
	return func(m *Manager) {
		m.sweepEvery = every
		m.staleAfter = staleAfter
	}
}

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a heartbeat manager and starts its sweeper.
func NewManager(defaults Config, cb Callbacks, logger *slog.Logger, opts ...Option) *Manager {
	defaults.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conns:      make(map[string]*connState),
		cb:         cb,
		defaults:   defaults,
		logger:     logger.With("component", "heartbeat"),
		sweepEvery: time.Minute,
		staleAfter: 5 * time.Minute,
		sweepStop:  make(chan struct{}),
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweep()
	return m
}

// AddConnection registers heartbeat state for a connection. The connection
// starts inactive; call Start to begin pinging. Zero-valued cfg fields fall
// back to the manager defaults.
func (m *Manager) AddConnection(id string, cfg *Config) {
	c := m.defaults
	if cfg != nil {
		merged := *cfg
		if merged.Interval <= 0 {
			merged.Interval = m.defaults.Interval
		}
		if merged.Timeout <= 0 {
			merged.Timeout = m.defaults.Timeout
		}
		if merged.MaxMissed <= 0 {
			merged.MaxMissed = m.defaults.MaxMissed
		}
		c = merged
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.conns[id]; ok {
		stopTimersLocked(old)
	}
	m.conns[id] = &connState{cfg: c, lastPong: m.now()}
}

// RemoveConnection drops heartbeat state and cancels its timers.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[id]; ok {
		failWaitersLocked(c, protocol.E(protocol.CodeTimeout, "connection removed"))
		stopTimersLocked(c)
		delete(m.conns, id)
	}
}

// Start activates pinging for one connection, or for all when id is empty.
// Idempotent.
func (m *Manager) Start(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		for cid, c := range m.conns {
			m.startLocked(cid, c)
		}
		return
	}
	if c, ok := m.conns[id]; ok {
		m.startLocked(id, c)
	}
}

func (m *Manager) startLocked(id string, c *connState) {
	c.evicted = false
	if c.active {
		return
	}
	c.active = true
	m.scheduleLocked(id, c)
}

// Stop deactivates pinging for one connection, or for all when id is empty.
// Idempotent; state is retained so Start can resume.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		for _, c := range m.conns {
			c.active = false
			c.evicted = false
			stopTimersLocked(c)
		}
		return
	}
	if c, ok := m.conns[id]; ok {
		c.active = false
		c.evicted = false
		stopTimersLocked(c)
	}
}

// Ping sends one ping and blocks until the matching pong arrives or the
// per-connection timeout elapses. Returns the measured latency. A manual
// ping never evicts on its own; only accumulated misses do.
func (m *Manager) Ping(id string) (time.Duration, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return 0, protocol.E(protocol.CodeTimeout, "unknown connection")
	}
	ch := make(chan pingResult, 1)
	c.waiters = append(c.waiters, ch)
	needSend := !c.pingInFlight
	var seq uint64
	if needSend {
		seq = m.markPingSentLocked(id, c)
	}
	timeout := c.cfg.Timeout
	m.mu.Unlock()

	if needSend {
		m.emitPing(id, seq)
	}

	select {
	case res := <-ch:
		return res.latency, res.err
	case <-time.After(timeout):
		m.mu.Lock()
		if cur, ok := m.conns[id]; ok {
			removeWaiterLocked(cur, ch)
		}
		m.mu.Unlock()
		return 0, protocol.E(protocol.CodeTimeout, "ping timed out")
	}
}

// HandlePong records a pong for a connection: updates lastPong, computes
// latency (preferring the client-echoed ping timestamp), resets the missed
// counter, wakes manual Ping waiters, and resumes pinging for a connection
// the manager evicted. Explicitly stopped connections are not resumed.
func (m *Manager) HandlePong(id string, data *PongData) {
	now := m.now()

	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if data != nil && data.OriginalTimestamp > 0 {
		c.latency = now.Sub(time.UnixMilli(data.OriginalTimestamp))
	} else if !c.lastPing.IsZero() {
		c.latency = now.Sub(c.lastPing)
	}
	if c.latency < 0 {
		c.latency = 0
	}
	c.lastPong = now
	c.missed = 0
	c.pingInFlight = false
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	latency := c.latency
	waiters := c.waiters
	c.waiters = nil
	// A late pong resumes pinging only after an eviction; a connection
	// paused by an explicit Stop stays stopped until Start.
	reactivated := false
	if !c.active && c.evicted {
		c.active = true
		c.evicted = false
		reactivated = true
	}
	m.scheduleLocked(id, c)
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- pingResult{latency: latency}
	}
	if reactivated {
		m.logger.Debug("connection re-activated by pong", "connection_id", id)
	}
	if m.cb.OnPong != nil {
		m.cb.OnPong(id, latency)
	}
}

// IsAlive reports whether the last pong is within the connection timeout.
func (m *Manager) IsAlive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return false
	}
	return m.now().Sub(c.lastPong) <= c.cfg.Timeout
}

// Latency returns the last measured round-trip for a connection.
func (m *Manager) Latency(id string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return 0, false
	}
	return c.latency, true
}

// Cleanup cancels every timer and removes all state. The manager is dead
// afterwards.
func (m *Manager) Cleanup() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		failWaitersLocked(c, protocol.E(protocol.CodeTimeout, "manager shut down"))
		stopTimersLocked(c)
		delete(m.conns, id)
	}
}

// scheduleLocked arms the next interval timer with jitter applied.
func (m *Manager) scheduleLocked(id string, c *connState) {
	if !c.active {
		return
	}
	if c.intervalTimer != nil {
		c.intervalTimer.Stop()
	}
	d := c.cfg.Interval
	if c.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*c.cfg.Jitter))) - c.cfg.Jitter
		if d < 0 {
			d = 0
		}
	}
	c.intervalTimer = time.AfterFunc(d, func() { m.firePing(id) })
}

// firePing moves SCHEDULED → SENT unless a ping is already outstanding.
func (m *Manager) firePing(id string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || !c.active || c.pingInFlight {
		m.mu.Unlock()
		return
	}
	seq := m.markPingSentLocked(id, c)
	m.mu.Unlock()

	m.emitPing(id, seq)
}

func (m *Manager) markPingSentLocked(id string, c *connState) uint64 {
	c.pingSeq++
	c.pingInFlight = true
	c.lastPing = m.now()
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
	}
	seq := c.pingSeq
	c.timeoutTimer = time.AfterFunc(c.cfg.Timeout, func() { m.fireTimeout(id, seq) })
	return seq
}

func (m *Manager) emitPing(id string, seq uint64) {
	if m.cb.OnPing == nil {
		return
	}
	if err := m.cb.OnPing(id, seq); err != nil {
		m.logger.Warn("ping emit failed", "connection_id", id, "error", err)
	}
}

// fireTimeout moves SENT → MISSED, and MISSED → EVICTED once the miss
// count reaches MaxMissed.
func (m *Manager) fireTimeout(id string, seq uint64) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if !ok || !c.pingInFlight || c.pingSeq != seq {
		m.mu.Unlock()
		return
	}
	c.pingInFlight = false
	c.missed++
	missed := c.missed
	evict := missed >= c.cfg.MaxMissed

	var nextSeq uint64
	if evict {
		c.active = false
		c.evicted = true
		stopTimersLocked(c)
		failWaitersLocked(c, protocol.E(protocol.CodeTimeout, "connection evicted"))
	} else if c.active {
		// Retry immediately rather than waiting a full interval.
		nextSeq = m.markPingSentLocked(id, c)
	}
	m.mu.Unlock()

	if evict {
		m.logger.Info("connection evicted after missed pings", "connection_id", id, "missed", missed)
		if m.cb.OnTimeout != nil {
			m.cb.OnTimeout(id)
		}
		return
	}
	if nextSeq != 0 {
		m.emitPing(id, nextSeq)
	}
}

// sweep removes connections whose last pong is older than the stale
// threshold, active or not. Belt-and-braces for zombies whose timers were
// lost to an eviction/recovery race.
func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
		}
		cutoff := m.now().Add(-m.staleAfter)

		m.mu.Lock()
		var stale []string
		for id, c := range m.conns {
			if c.lastPong.Before(cutoff) {
				stale = append(stale, id)
				failWaitersLocked(c, protocol.E(protocol.CodeTimeout, "connection stale"))
				stopTimersLocked(c)
				delete(m.conns, id)
			}
		}
		m.mu.Unlock()

		for _, id := range stale {
			m.logger.Info("swept stale connection", "connection_id", id)
			if m.cb.OnTimeout != nil {
				m.cb.OnTimeout(id)
			}
		}
	}
}

func stopTimersLocked(c *connState) {
	if c.intervalTimer != nil {
		c.intervalTimer.Stop()
		c.intervalTimer = nil
	}
	if c.timeoutTimer != nil {
		c.timeoutTimer.Stop()
		c.timeoutTimer = nil
	}
	c.pingInFlight = false
}

func failWaitersLocked(c *connState, err error) {
	for _, ch := range c.waiters {
		ch <- pingResult{err: err}
	}
	c.waiters = nil
}

func removeWaiterLocked(c *connState, ch chan pingResult) {
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
