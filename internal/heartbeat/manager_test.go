package heartbeat

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPongKeepsConnectionAlive(t *testing.T) {
	var mu sync.Mutex
	pings := 0

	var m *Manager
	m = NewManager(
		Config{Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond, MaxMissed: 2},
		Callbacks{
			OnPing: func(id string, seq uint64) error {
				mu.Lock()
				pings++
				mu.Unlock()
				go m.HandlePong(id, nil)
				return nil
			},
			OnTimeout: func(id string) {
				t.Errorf("unexpected eviction of %s", id)
			},
		},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	m.Start("c1")

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	got := pings
	mu.Unlock()
	assert.GreaterOrEqual(t, got, 3, "pings should keep flowing while pongs arrive")
	assert.True(t, m.IsAlive("c1"))
}

func TestEvictionAfterMaxMissed(t *testing.T) {
	evicted := make(chan string, 1)

	m := NewManager(
		Config{Interval: 10 * time.Millisecond, Timeout: 10 * time.Millisecond, MaxMissed: 3},
		Callbacks{
			// Never answered: every ping becomes a miss.
			OnPing:    func(id string, seq uint64) error { return nil },
			OnTimeout: func(id string) { evicted <- id },
		},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	m.Start("c1")

	select {
	case id := <-evicted:
		assert.Equal(t, "c1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was never evicted")
	}
	assert.False(t, m.IsAlive("c1"), "evicted connection must not report alive")
}

func TestManualPingRoundTrip(t *testing.T) {
	var m *Manager
	m = NewManager(
		Config{Interval: time.Hour, Timeout: time.Second, MaxMissed: 3},
		Callbacks{
			OnPing: func(id string, seq uint64) error {
				go func() {
					time.Sleep(5 * time.Millisecond)
					m.HandlePong(id, nil)
				}()
				return nil
			},
		},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)

	latency, err := m.Ping("c1")
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))

	got, ok := m.Latency("c1")
	require.True(t, ok)
	assert.Equal(t, latency, got)
}

func TestManualPingTimeout(t *testing.T) {
	m := NewManager(
		Config{Interval: time.Hour, Timeout: 20 * time.Millisecond, MaxMissed: 3},
		Callbacks{OnPing: func(id string, seq uint64) error { return nil }},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)

	_, err := m.Ping("c1")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeTimeout, protocol.CodeOf(err))
}

func TestPingUnknownConnection(t *testing.T) {
	m := NewManager(DefaultConfig(), Callbacks{}, quietLogger())
	defer m.Cleanup()

	_, err := m.Ping("nope")
	require.Error(t, err)
	assert.Equal(t, protocol.CodeTimeout, protocol.CodeOf(err))
}

func TestRemoveConnectionFailsWaiters(t *testing.T) {
	m := NewManager(
		Config{Interval: time.Hour, Timeout: time.Hour, MaxMissed: 3},
		Callbacks{OnPing: func(id string, seq uint64) error { return nil }},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)

	done := make(chan error, 1)
	go func() {
		_, err := m.Ping("c1")
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.RemoveConnection("c1")

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, protocol.CodeTimeout, protocol.CodeOf(err))
	case <-time.After(time.Second):
		t.Fatal("waiter was never released")
	}
	assert.False(t, m.IsAlive("c1"))
}

func TestPongEchoedTimestampLatency(t *testing.T) {
	m := NewManager(
		Config{Interval: time.Hour, Timeout: time.Hour, MaxMissed: 3},
		Callbacks{},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	m.HandlePong("c1", &PongData{OriginalTimestamp: time.Now().Add(-80 * time.Millisecond).UnixMilli()})

	latency, ok := m.Latency("c1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, latency, 70*time.Millisecond)
	assert.Less(t, latency, time.Second)
}

func TestIsAliveExpires(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	m := NewManager(
		Config{Interval: time.Hour, Timeout: 30 * time.Millisecond, MaxMissed: 3},
		Callbacks{},
		quietLogger(),
		WithClock(func() time.Time { return clock() }))
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	assert.True(t, m.IsAlive("c1"))

	clock = func() time.Time { return now.Add(time.Minute) }
	assert.False(t, m.IsAlive("c1"))
}

func TestPongDoesNotResumeStoppedConnection(t *testing.T) {
	pinged := make(chan struct{}, 8)

	m := NewManager(
		Config{Interval: 10 * time.Millisecond, Timeout: time.Hour, MaxMissed: 3},
		Callbacks{OnPing: func(id string, seq uint64) error { pinged <- struct{}{}; return nil }},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	m.Start("c1")

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("never pinged")
	}

	m.Stop("c1")
	time.Sleep(20 * time.Millisecond) // let an in-flight ping drain
	for len(pinged) > 0 {
		<-pinged
	}

	// A pong must not restart the schedule of an explicitly stopped
	// connection; only eviction recovery does that.
	m.HandlePong("c1", nil)
	select {
	case <-pinged:
		t.Fatal("pong resumed a stopped connection")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, m.IsAlive("c1"), "pong still refreshes liveness while stopped")
}

func TestPongReactivatesEvictedConnection(t *testing.T) {
	evicted := make(chan struct{}, 1)
	pinged := make(chan struct{}, 8)

	m := NewManager(
		Config{Interval: 10 * time.Millisecond, Timeout: 10 * time.Millisecond, MaxMissed: 1},
		Callbacks{
			OnPing:    func(id string, seq uint64) error { pinged <- struct{}{}; return nil },
			OnTimeout: func(id string) { evicted <- struct{}{} },
		},
		quietLogger())
	defer m.Cleanup()

	m.AddConnection("c1", nil)
	m.Start("c1")

	select {
	case <-evicted:
	case <-time.After(2 * time.Second):
		t.Fatal("never evicted")
	}

	// A late pong restarts the schedule.
	for len(pinged) > 0 {
		<-pinged
	}
	m.HandlePong("c1", nil)
	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping after reactivation")
	}
}
