package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/infra"
)

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("event never arrived")
		return nil
	}
}

func TestLocalBusPublishSubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan *Event, 1)
	b.Subscribe(EventConnectionOpened, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &Event{
		Type:     EventConnectionOpened,
		TenantID: "t1",
		Payload:  map[string]any{"connection_id": "c1"},
	}))

	ev := waitEvent(t, got)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "c1", ev.Payload["connection_id"])
	assert.NotEmpty(t, ev.ID, "publish stamps an id")
	assert.False(t, ev.Timestamp.IsZero(), "publish stamps a timestamp")
}

func TestLocalBusTypeIsolation(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan *Event, 1)
	b.Subscribe(EventPresenceJoined, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), &Event{Type: EventPresenceLeft}))
	select {
	case <-got:
		t.Fatal("handler received an event of a different type")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusUnsubscribe(t *testing.T) {
	b := NewLocalBus()
	defer b.Close()

	got := make(chan *Event, 1)
	unsub := b.Subscribe(EventQuotaThreshold, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	unsub()

	require.NoError(t, b.Publish(context.Background(), &Event{Type: EventQuotaThreshold}))
	select {
	case <-got:
		t.Fatal("unsubscribed handler still fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusPublishAfterClose(t *testing.T) {
	b := NewLocalBus()
	got := make(chan *Event, 1)
	b.Subscribe(EventConnectionClosed, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	require.NoError(t, b.Close())

	require.NoError(t, b.Publish(context.Background(), &Event{Type: EventConnectionClosed}))
	select {
	case <-got:
		t.Fatal("closed bus still delivered")
	case <-time.After(50 * time.Millisecond):
	}
}

func setupRedisBuses(t *testing.T) (*RedisBus, *RedisBus) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	newBus := func() *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		b := NewRedisBus(infra.NewGoRedisAdapterFromClient(client), "", nil)
		t.Cleanup(func() { b.Close() })
		return b
	}
	return newBus(), newBus()
}

func TestRedisBusCrossInstanceDelivery(t *testing.T) {
	publisher, subscriber := setupRedisBuses(t)

	got := make(chan *Event, 1)
	subscriber.Subscribe(EventTenantSuspended, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), &Event{
		Type:     EventTenantSuspended,
		TenantID: "t1",
		Payload:  map[string]any{"slug": "acme"},
	}))

	ev := waitEvent(t, got)
	assert.Equal(t, "t1", ev.TenantID)
	assert.Equal(t, "acme", ev.Payload["slug"])
	assert.NotEmpty(t, ev.ID)
}

func TestRedisBusSharedSubscriptionDeliversOnce(t *testing.T) {
	publisher, subscriber := setupRedisBuses(t)

	first := make(chan *Event, 4)
	second := make(chan *Event, 4)
	subscriber.Subscribe(EventTenantSuspended, func(ctx context.Context, ev *Event) error {
		first <- ev
		return nil
	})
	subscriber.Subscribe(EventTenantSuspended, func(ctx context.Context, ev *Event) error {
		second <- ev
		return nil
	})

	require.NoError(t, publisher.Publish(context.Background(), &Event{
		Type:     EventTenantSuspended,
		TenantID: "t1",
	}))

	waitEvent(t, first)
	waitEvent(t, second)

	// Both handlers share one Redis subscription, so neither sees the
	// event a second time.
	select {
	case <-first:
		t.Fatal("first handler fired more than once")
	case <-second:
		t.Fatal("second handler fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusRefcountedUnsubscribe(t *testing.T) {
	publisher, subscriber := setupRedisBuses(t)

	kept := make(chan *Event, 4)
	dropped := make(chan *Event, 4)
	subscriber.Subscribe(EventQuotaThreshold, func(ctx context.Context, ev *Event) error {
		kept <- ev
		return nil
	})
	unsub := subscriber.Subscribe(EventQuotaThreshold, func(ctx context.Context, ev *Event) error {
		dropped <- ev
		return nil
	})
	unsub()
	unsub() // second call is a no-op

	require.NoError(t, publisher.Publish(context.Background(), &Event{Type: EventQuotaThreshold}))

	waitEvent(t, kept)
	select {
	case <-dropped:
		t.Fatal("unsubscribed handler still fired")
	case <-kept:
		t.Fatal("remaining handler fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	publisher, subscriber := setupRedisBuses(t)

	got := make(chan *Event, 1)
	unsub := subscriber.Subscribe(EventQuotaThreshold, func(ctx context.Context, ev *Event) error {
		got <- ev
		return nil
	})
	unsub()

	require.NoError(t, publisher.Publish(context.Background(), &Event{Type: EventQuotaThreshold}))
	select {
	case <-got:
		t.Fatal("unsubscribed handler still fired")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisBusPublishAfterClose(t *testing.T) {
	publisher, _ := setupRedisBuses(t)
	require.NoError(t, publisher.Close())
	assert.Error(t, publisher.Publish(context.Background(), &Event{Type: EventConnectionOpened}))
}
