// Package quota meters tenant resource consumption: per-period usage
// counters, plan limit enforcement, and tumbling-window rate limiting.
package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// UsageStorage is the counter store contract. Keys are opaque strings
// built by the tracker. Increment must be linearizable under concurrent
// callers.
type UsageStorage interface {
	Get(ctx context.Context, key string) (int64, error)
	Set(ctx context.Context, key string, value int64) error
	Increment(ctx context.Context, key string, by int64) (int64, error)
	// GetAll returns every counter whose key starts with prefix.
	GetAll(ctx context.Context, prefix string) (map[string]int64, error)
	// Reset deletes every counter whose key starts with prefix.
	Reset(ctx context.Context, prefix string) error
}

// MemoryUsageStorage is the in-process reference store. A single mutex
// guards the map, making read-modify-write linearizable.
type MemoryUsageStorage struct {
	mu       sync.Mutex
	counters map[string]int64
}

func NewMemoryUsageStorage() *MemoryUsageStorage {
	return &MemoryUsageStorage{counters: make(map[string]int64)}
}

func (s *MemoryUsageStorage) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}

func (s *MemoryUsageStorage) Set(_ context.Context, key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = value
	return nil
}

func (s *MemoryUsageStorage) Increment(_ context.Context, key string, by int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] += by
	if s.counters[key] < 0 {
		s.counters[key] = 0
	}
	return s.counters[key], nil
}

func (s *MemoryUsageStorage) GetAll(_ context.Context, prefix string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64)
	for k, v := range s.counters {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (s *MemoryUsageStorage) Reset(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.counters {
		if strings.HasPrefix(k, prefix) {
			delete(s.counters, k)
		}
	}
	return nil
}

// RedisCounterClient is the minimal Redis surface the Redis-backed
// store needs. The concrete go-redis adapter lives in internal/infra.
type RedisCounterClient interface {
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetInt(ctx context.Context, key string, value int64) error
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

// RedisUsageStorage stores counters in Redis. INCRBY gives the
// linearizable increment the contract requires.
type RedisUsageStorage struct {
	client    RedisCounterClient
	keyPrefix string
}

// NewRedisUsageStorage builds a store. keyPrefix defaults to
// "rt:usage:".
func NewRedisUsageStorage(client RedisCounterClient, keyPrefix string) *RedisUsageStorage {
	if keyPrefix == "" {
		keyPrefix = "rt:usage:"
	}
	return &RedisUsageStorage{client: client, keyPrefix: keyPrefix}
}

func (s *RedisUsageStorage) Get(ctx context.Context, key string) (int64, error) {
	v, _, err := s.client.GetInt(ctx, s.keyPrefix+key)
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return v, nil
}

func (s *RedisUsageStorage) Set(ctx context.Context, key string, value int64) error {
	return s.client.SetInt(ctx, s.keyPrefix+key, value)
}

func (s *RedisUsageStorage) Increment(ctx context.Context, key string, by int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, s.keyPrefix+key, by)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return v, nil
}

func (s *RedisUsageStorage) GetAll(ctx context.Context, prefix string) (map[string]int64, error) {
	keys, err := s.client.KeysByPrefix(ctx, s.keyPrefix+prefix)
	if err != nil {
		return nil, fmt.Errorf("scan counters: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		v, ok, err := s.client.GetInt(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("get counter %s: %w", k, err)
		}
		if ok {
			out[strings.TrimPrefix(k, s.keyPrefix)] = v
		}
	}
	return out, nil
}

func (s *RedisUsageStorage) Reset(ctx context.Context, prefix string) error {
	keys, err := s.client.KeysByPrefix(ctx, s.keyPrefix+prefix)
	if err != nil {
		return fmt.Errorf("scan counters: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Delete(ctx, keys...)
}
