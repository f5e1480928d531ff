// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and satisfies the minimal consumer-side
// interfaces declared in internal/bus, internal/presence, and
// internal/quota. When Redis is unreachable the caller falls back to the
// in-memory implementations in main.go.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GoRedisAdapter wraps go-redis v9 behind the store and pub/sub
// interfaces the core packages consume.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter dials Redis and verifies connectivity. The caller
// decides whether a failure means fall back to in-memory.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// NewGoRedisAdapterFromClient wraps an existing client. Used by tests
// with miniredis.
func NewGoRedisAdapterFromClient(rdb *redis.Client) *GoRedisAdapter {
	return &GoRedisAdapter{rdb: rdb}
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// -----------------------------------------------------------------------------
// presence.RedisHashClient
// -----------------------------------------------------------------------------

func (a *GoRedisAdapter) HSet(ctx context.Context, key, field string, value []byte) error {
	return a.rdb.HSet(ctx, key, field, value).Err()
}

func (a *GoRedisAdapter) HDel(ctx context.Context, key string, fields ...string) error {
	return a.rdb.HDel(ctx, key, fields...).Err()
}

func (a *GoRedisAdapter) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := a.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for f, v := range raw {
		out[f] = []byte(v)
	}
	return out, nil
}

func (a *GoRedisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SAdd(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SRem(ctx context.Context, key string, members ...string) error {
	ifaces := make([]interface{}, len(members))
	for i, m := range members {
		ifaces[i] = m
	}
	return a.rdb.SRem(ctx, key, ifaces...).Err()
}

func (a *GoRedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.rdb.SMembers(ctx, key).Result()
}

// -----------------------------------------------------------------------------
// quota.RedisCounterClient
// -----------------------------------------------------------------------------

func (a *GoRedisAdapter) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return a.rdb.IncrBy(ctx, key, delta).Result()
}

func (a *GoRedisAdapter) GetInt(ctx context.Context, key string) (int64, bool, error) {
	val, err := a.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("counter %s holds non-integer value: %w", key, err)
	}
	return n, true, nil
}

func (a *GoRedisAdapter) SetInt(ctx context.Context, key string, value int64) error {
	return a.rdb.Set(ctx, key, value, 0).Err()
}

func (a *GoRedisAdapter) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (a *GoRedisAdapter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return a.rdb.Del(ctx, keys...).Err()
}

// -----------------------------------------------------------------------------
// bus.PubSubClient
// -----------------------------------------------------------------------------

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel
// and returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
