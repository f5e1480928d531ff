package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(id, tenantID string) *Connection {
	return NewConnection(id, tenantID, "127.0.0.1:1234", 8)
}

func TestRegistryInsertAndGet(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newTestConn("c1", "acme")
	require.NoError(t, r.Insert(c))

	got, ok := r.Get("c1")
	require.True(t, ok)
	assert.Same(t, c, got)
	assert.Equal(t, 1, r.Len())

	err := r.Insert(newTestConn("c1", "acme"))
	require.Error(t, err, "duplicate ids are refused")
}

func TestRegistryForTenant(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Insert(newTestConn("a1", "acme")))
	require.NoError(t, r.Insert(newTestConn("a2", "acme")))
	require.NoError(t, r.Insert(newTestConn("b1", "globex")))

	assert.Len(t, r.ForTenant("acme"), 2)
	assert.Len(t, r.ForTenant("globex"), 1)
	assert.Empty(t, r.ForTenant("nobody"))
}

func TestConnectionLifecycle(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newTestConn("c1", "acme")
	require.NoError(t, r.Insert(c))
	assert.Equal(t, StateHandshaking, c.State())
	assert.False(t, c.Accepting())

	require.NoError(t, r.Transition("c1", StateOpen))
	assert.Equal(t, StateOpen, c.State())
	assert.True(t, c.Accepting())

	require.NoError(t, r.Transition("c1", StateDraining))
	assert.False(t, c.Accepting(), "draining connections refuse new work")

	require.NoError(t, r.Transition("c1", StateClosed))
	assert.Equal(t, StateClosed, c.State())
	_, ok := r.Get("c1")
	assert.False(t, ok, "closed connections leave the registry")
}

func TestInvalidTransitions(t *testing.T) {
	r := NewRegistry(testLogger())
	c := newTestConn("c1", "acme")
	require.NoError(t, r.Insert(c))

	// HANDSHAKING cannot go straight to DRAINING.
	require.Error(t, r.Transition("c1", StateDraining))

	require.NoError(t, r.Transition("c1", StateOpen))
	require.NoError(t, r.Transition("c1", StateDraining))
	// DRAINING cannot reopen.
	require.Error(t, r.Transition("c1", StateOpen))

	require.Error(t, r.Transition("ghost", StateOpen))
}

func TestTransitionToSameStateIsNoop(t *testing.T) {
	r := NewRegistry(testLogger())
	require.NoError(t, r.Insert(newTestConn("c1", "acme")))
	require.NoError(t, r.Transition("c1", StateOpen))
	require.NoError(t, r.Transition("c1", StateOpen))
}

func TestOnCloseHook(t *testing.T) {
	r := NewRegistry(testLogger())
	var closed []string
	r.SetOnClose(func(c *Connection) { closed = append(closed, c.ID) })

	c := newTestConn("c1", "acme")
	require.NoError(t, r.Insert(c))
	require.NoError(t, r.Transition("c1", StateOpen))
	require.NoError(t, r.Transition("c1", StateClosed))

	assert.Equal(t, []string{"c1"}, closed)

	// The outbound queue is closed with the connection.
	assert.Equal(t, 0, c.Outbound().Push(queuedEvent("x")))
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(testLogger())
	var closed int
	r.SetOnClose(func(*Connection) { closed++ })

	require.NoError(t, r.Insert(newTestConn("c1", "acme")))
	require.NoError(t, r.Insert(newTestConn("c2", "globex")))
	r.Close()

	assert.Equal(t, 2, closed)
	assert.Equal(t, 0, r.Len())
}

func TestConnectionTouchAndLatency(t *testing.T) {
	c := newTestConn("c1", "acme")
	before := c.LastSeen()
	time.Sleep(5 * time.Millisecond)
	c.Touch()
	assert.True(t, c.LastSeen().After(before) || c.LastSeen().Equal(before))

	c.SetLatency(42 * time.Millisecond)
	assert.Equal(t, 42*time.Millisecond, c.Latency())
}
