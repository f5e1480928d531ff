package presence

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStateManager(clock *fakeClock) *StateManager {
	return NewStateManager(testLogger(), WithClock(clock.now))
}

func join(t *testing.T, m *StateManager, channel, user, conn string) *Event {
	t.Helper()
	ev, err := m.AddPresence(&Presence{ChannelID: channel, UserID: user, ConnectionID: conn})
	require.NoError(t, err)
	return ev
}

func TestAddPresenceDefaults(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m := newStateManager(clock)

	ev := join(t, m, "room", "alice", "c1")
	assert.Equal(t, EventJoin, ev.Type)
	assert.Equal(t, StatusOnline, ev.Snapshot.Status)
	assert.Equal(t, clock.t, ev.Snapshot.JoinedAt)

	state := m.GetState("room")
	require.Len(t, state, 1)
	assert.Equal(t, "alice", state[0].UserID)
	assert.False(t, m.Empty("room"))
}

func TestAddPresenceValidation(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})

	_, err := m.AddPresence(&Presence{ChannelID: "room", UserID: "alice"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.CodeOf(err))

	_, err = m.AddPresence(&Presence{ChannelID: "room", UserID: "alice", ConnectionID: "c1", Status: "LURKING"})
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.CodeOf(err))
}

func TestSameUserMultipleConnections(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	join(t, m, "room", "alice", "c1")
	join(t, m, "room", "alice", "c2")

	assert.Len(t, m.GetState("room"), 2, "presence is per (user, connection) tuple")

	m.RemovePresence("room", "alice", "c1")
	state := m.GetState("room")
	require.Len(t, state, 1)
	assert.Equal(t, "c2", state[0].ConnectionID)
}

func TestRemovePresence(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	join(t, m, "room", "alice", "c1")

	ev := m.RemovePresence("room", "alice", "c1")
	require.NotNil(t, ev)
	assert.Equal(t, EventLeave, ev.Type)
	assert.Equal(t, StatusOffline, ev.Snapshot.Status)
	assert.True(t, m.Empty("room"))

	assert.Nil(t, m.RemovePresence("room", "alice", "c1"), "double leave is a no-op")
	assert.Nil(t, m.RemovePresence("ghost", "alice", "c1"))
}

func TestUpdatePresenceMergesCustomState(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	_, err := m.AddPresence(&Presence{
		ChannelID: "room", UserID: "alice", ConnectionID: "c1",
		CustomState: map[string]any{"typing": false, "doc": "readme"},
	})
	require.NoError(t, err)

	ev, err := m.UpdatePresence("room", "alice", "c1", StatusAway, map[string]any{"typing": true})
	require.NoError(t, err)
	assert.Equal(t, EventUpdate, ev.Type)
	assert.Equal(t, StatusAway, ev.Snapshot.Status)
	assert.Equal(t, true, ev.Snapshot.CustomState["typing"])
	assert.Equal(t, "readme", ev.Snapshot.CustomState["doc"], "unmentioned keys survive the merge")

	// Empty status keeps the current one.
	ev, err = m.UpdatePresence("room", "alice", "c1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusAway, ev.Snapshot.Status)
}

func TestUpdatePresenceOfflineIsTerminal(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	join(t, m, "room", "alice", "c1")

	_, err := m.UpdatePresence("room", "alice", "c1", StatusOffline, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeInvalidMessage, protocol.CodeOf(err))
}

func TestUpdateUnknownTuple(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	_, err := m.UpdatePresence("room", "alice", "c1", StatusBusy, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.CodeChannelNotFound, protocol.CodeOf(err))
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)
	join(t, m, "room", "alice", "c1")

	clock.advance(time.Minute)
	assert.True(t, m.Heartbeat("room", "alice", "c1"))
	assert.False(t, m.Heartbeat("room", "bob", "c9"))

	state := m.GetState("room")
	require.Len(t, state, 1)
	assert.Equal(t, clock.t, state[0].LastSeenAt)
}

func TestDiffCollapsesJoinLeave(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)
	since := clock.t

	join(t, m, "room", "alice", "c1")
	clock.advance(time.Second)
	join(t, m, "room", "bob", "c2")
	clock.advance(time.Second)
	m.RemovePresence("room", "alice", "c1")

	d := m.GetDiff("room", since)
	require.Len(t, d.Joined, 1, "alice's join and leave inside the window cancel")
	assert.Equal(t, "bob", d.Joined[0].UserID)
	assert.Empty(t, d.Left)
	assert.Empty(t, d.Updated)
}

func TestDiffReconnectInsideWindow(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)
	since := clock.t

	// alice reconnects: the old connection joins and leaves entirely
	// inside the window, the replacement joins.
	join(t, m, "room", "alice", "c1")
	clock.advance(time.Second)
	join(t, m, "room", "alice", "c2")
	clock.advance(time.Second)
	m.RemovePresence("room", "alice", "c1")

	// The old tuple's join and leave cancel: the reader sees only the
	// surviving connection and no leave for c1, and still converges on
	// the same final state.
	d := m.GetDiff("room", since)
	require.Len(t, d.Joined, 1)
	assert.Equal(t, "c2", d.Joined[0].ConnectionID)
	assert.Empty(t, d.Left)
	assert.Empty(t, d.Updated)

	// A reader whose watermark postdates the old connection's join
	// already holds c1, so the diff reports its leave explicitly.
	d = m.GetDiff("room", since.Add(500*time.Millisecond))
	require.Len(t, d.Joined, 1)
	assert.Equal(t, "c2", d.Joined[0].ConnectionID)
	require.Len(t, d.Left, 1)
	assert.Equal(t, "c1", d.Left[0].ConnectionID)
}

func TestDiffUpdateMergesIntoJoin(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)
	since := clock.t

	join(t, m, "room", "alice", "c1")
	clock.advance(time.Second)
	_, err := m.UpdatePresence("room", "alice", "c1", StatusBusy, nil)
	require.NoError(t, err)

	d := m.GetDiff("room", since)
	require.Len(t, d.Joined, 1)
	assert.Equal(t, StatusBusy, d.Joined[0].Status, "update folds into the in-window join")
	assert.Empty(t, d.Updated)
}

func TestDiffWatermarkAfterJoin(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)

	join(t, m, "room", "alice", "c1")
	clock.advance(time.Second)
	since := clock.t

	clock.advance(time.Second)
	_, err := m.UpdatePresence("room", "alice", "c1", StatusAway, nil)
	require.NoError(t, err)
	clock.advance(time.Second)
	m.RemovePresence("room", "alice", "c1")

	// The join predates the watermark: the reader already has alice, so
	// the diff reports the update and the leave standalone.
	d := m.GetDiff("room", since)
	assert.Empty(t, d.Joined)
	require.Len(t, d.Updated, 1)
	require.Len(t, d.Left, 1)
	assert.Equal(t, StatusOffline, d.Left[0].Status)
}

func TestDiffEmptyChannel(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	d := m.GetDiff("ghost", time.Time{})
	assert.Empty(t, d.Joined)
	assert.Empty(t, d.Left)
	assert.Empty(t, d.Updated)
}

func TestCleanupEvictsStaleTuples(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := newStateManager(clock)

	join(t, m, "room", "alice", "c1")
	clock.advance(2 * time.Minute)
	join(t, m, "room", "bob", "c2")

	events := m.Cleanup("room", clock.t.Add(-time.Minute))
	require.Len(t, events, 1)
	assert.Equal(t, EventTimeout, events[0].Type)
	assert.Equal(t, "alice", events[0].UserID)

	state := m.GetState("room")
	require.Len(t, state, 1)
	assert.Equal(t, "bob", state[0].UserID)
}

func TestRemoveConnectionAcrossChannels(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	join(t, m, "room-1", "alice", "c1")
	join(t, m, "room-2", "alice", "c1")
	join(t, m, "room-1", "bob", "c2")

	events := m.RemoveConnection("c1")
	assert.Len(t, events, 2)
	assert.True(t, m.Empty("room-2"))
	assert.Len(t, m.GetState("room-1"), 1)
}

func TestSnapshotRestore(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	join(t, m, "room-1", "alice", "c1")
	join(t, m, "room-2", "bob", "c2")

	snap := m.CreateSnapshot()
	require.Len(t, snap, 2)

	other := newStateManager(&fakeClock{t: time.Now()})
	other.RestoreSnapshot(snap)
	assert.Len(t, other.GetState("room-1"), 1)
	assert.Len(t, other.GetState("room-2"), 1)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := newStateManager(&fakeClock{t: time.Now()})
	_, err := m.AddPresence(&Presence{
		ChannelID: "room", UserID: "alice", ConnectionID: "c1",
		CustomState: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	state := m.GetState("room")
	state[0].CustomState["k"] = "mutated"

	fresh := m.GetState("room")
	assert.Equal(t, "v", fresh[0].CustomState["k"])
}

func TestEventHistoryBounded(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	m := NewStateManager(testLogger(), WithClock(clock.now), WithMaxHistory(3))
	since := clock.t

	for i := 0; i < 10; i++ {
		clock.advance(time.Second)
		join(t, m, "room", "alice", "c1")
	}

	d := m.GetDiff("room", since)
	assert.Len(t, d.Joined, 3, "only the bounded event history is replayed")
}
