package quota

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/behavex/realtime/internal/infra"
)

func TestMemoryStorageClampsAtZero(t *testing.T) {
	s := NewMemoryUsageStorage()
	ctx := context.Background()

	v, err := s.Increment(ctx, "k", -5)
	require.NoError(t, err)
	assert.Zero(t, v)

	v, err = s.Increment(ctx, "k", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestMemoryStoragePrefixOps(t *testing.T) {
	s := NewMemoryUsageStorage()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:api_calls:2026-08", 10))
	require.NoError(t, s.Set(ctx, "t1:users:2026-08", 2))
	require.NoError(t, s.Set(ctx, "t2:api_calls:2026-08", 99))

	all, err := s.GetAll(ctx, "t1:")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, int64(10), all["t1:api_calls:2026-08"])

	require.NoError(t, s.Reset(ctx, "t1:"))
	all, err = s.GetAll(ctx, "t1:")
	require.NoError(t, err)
	assert.Empty(t, all)

	v, err := s.Get(ctx, "t2:api_calls:2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(99), v)
}

func setupRedisStorage(t *testing.T) (*miniredis.Miniredis, *RedisUsageStorage) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, NewRedisUsageStorage(infra.NewGoRedisAdapterFromClient(client), "")
}

func TestRedisStorageRoundTrip(t *testing.T) {
	mr, s := setupRedisStorage(t)
	ctx := context.Background()

	v, err := s.Increment(ctx, "t1:api_calls:2026-08", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	v, err = s.Get(ctx, "t1:api_calls:2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	// Missing keys read as zero.
	v, err = s.Get(ctx, "t1:users:2026-08")
	require.NoError(t, err)
	assert.Zero(t, v)

	// Counters live under the shared namespace.
	assert.True(t, mr.Exists("rt:usage:t1:api_calls:2026-08"))
}

func TestRedisStoragePrefixOps(t *testing.T) {
	_, s := setupRedisStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "t1:api_calls:2026-08", 10))
	require.NoError(t, s.Set(ctx, "t1:behaviors:2026-08-24", 3))
	require.NoError(t, s.Set(ctx, "t2:api_calls:2026-08", 7))

	all, err := s.GetAll(ctx, "t1:")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(10), all["t1:api_calls:2026-08"])
	assert.Equal(t, int64(3), all["t1:behaviors:2026-08-24"])

	require.NoError(t, s.Reset(ctx, "t1:"))
	all, err = s.GetAll(ctx, "t1:")
	require.NoError(t, err)
	assert.Empty(t, all)

	v, err := s.Get(ctx, "t2:api_calls:2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestRedisStorageResetWithNoKeys(t *testing.T) {
	_, s := setupRedisStorage(t)
	assert.NoError(t, s.Reset(context.Background(), "ghost:"))
}
