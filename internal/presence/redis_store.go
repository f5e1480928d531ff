package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RedisHashClient is the minimal Redis surface the store needs. The
// concrete go-redis adapter lives in internal/infra; keeping the
// interface here means this package never imports a driver.
type RedisHashClient interface {
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore persists presence in Redis: one hash per channel keyed by
// (user, connection), plus a set indexing the channels that have state.
// It implements Store so a deployment can rebuild presence after a
// restart; the in-memory StateManager stays authoritative at runtime.
type RedisStore struct {
	client    RedisHashClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedisStore builds a store. keyPrefix defaults to "rt:presence:".
func NewRedisStore(client RedisHashClient, keyPrefix string, logger *slog.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "rt:presence:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With("component", "presence-store"),
	}
}

func (s *RedisStore) channelKey(channelID string) string { return s.keyPrefix + "ch:" + channelID }
func (s *RedisStore) indexKey() string                   { return s.keyPrefix + "channels" }

func field(userID, connectionID string) string { return userID + "|" + connectionID }

// Add persists a presence record.
func (s *RedisStore) Add(ctx context.Context, p *Presence) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := s.client.HSet(ctx, s.channelKey(p.ChannelID), field(p.UserID, p.ConnectionID), data); err != nil {
		return fmt.Errorf("persist presence: %w", err)
	}
	return s.client.SAdd(ctx, s.indexKey(), p.ChannelID)
}

// Update overwrites a persisted record.
func (s *RedisStore) Update(ctx context.Context, p *Presence) error {
	return s.Add(ctx, p)
}

// Remove deletes one tuple.
func (s *RedisStore) Remove(ctx context.Context, channelID, userID, connectionID string) error {
	return s.client.HDel(ctx, s.channelKey(channelID), field(userID, connectionID))
}

// Query loads all persisted presences for a channel.
func (s *RedisStore) Query(ctx context.Context, channelID string) ([]*Presence, error) {
	raw, err := s.client.HGetAll(ctx, s.channelKey(channelID))
	if err != nil {
		return nil, fmt.Errorf("load presence: %w", err)
	}
	out := make([]*Presence, 0, len(raw))
	for f, data := range raw {
		var p Presence
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("dropping undecodable presence record", "channel", channelID, "field", f)
			continue
		}
		out = append(out, &p)
	}
	return out, nil
}

// RemoveExpired deletes tuples whose LastSeenAt is older than the cutoff,
// across every indexed channel.
func (s *RedisStore) RemoveExpired(ctx context.Context, olderThan time.Time) error {
	channels, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return fmt.Errorf("load channel index: %w", err)
	}
	for _, channelID := range channels {
		raw, err := s.client.HGetAll(ctx, s.channelKey(channelID))
		if err != nil {
			return fmt.Errorf("load presence for %s: %w", channelID, err)
		}
		var stale []string
		for f, data := range raw {
			var p Presence
			if err := json.Unmarshal(data, &p); err != nil || p.LastSeenAt.Before(olderThan) {
				stale = append(stale, f)
			}
		}
		if len(stale) > 0 {
			if err := s.client.HDel(ctx, s.channelKey(channelID), stale...); err != nil {
				return fmt.Errorf("expire presence for %s: %w", channelID, err)
			}
		}
		if len(stale) == len(raw) {
			if err := s.client.SRem(ctx, s.indexKey(), channelID); err != nil {
				return fmt.Errorf("trim channel index: %w", err)
			}
		}
	}
	return nil
}
