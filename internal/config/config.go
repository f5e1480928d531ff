// Package config loads gateway configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Presence  PresenceConfig  `yaml:"presence"`
	Tenancy   TenancyConfig   `yaml:"tenancy"`
	Quota     QuotaConfig     `yaml:"quota"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
	// GracePeriod bounds DRAINING before the hard close.
	GracePeriod time.Duration `yaml:"grace_period"`
}

type ProtocolConfig struct {
	MaxPayloadBytes int    `yaml:"max_payload_bytes"`
	Compression     string `yaml:"compression"` // none, gzip, deflate
	Checksum        bool   `yaml:"checksum"`
	// EncryptionKeyHex enables AES-GCM payload encryption when set
	// (16 or 32 bytes, hex encoded).
	EncryptionKeyHex string `yaml:"encryption_key_hex"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"max_missed"`
	Jitter    time.Duration `yaml:"jitter"`
}

type ChannelsConfig struct {
	HistorySize int `yaml:"history_size"`
	// BackpressurePolicy is drop_oldest or evict_slow.
	BackpressurePolicy  string        `yaml:"backpressure_policy"`
	OutboundQueueSize   int           `yaml:"outbound_queue_size"`
	SlowConsumerTimeout time.Duration `yaml:"slow_consumer_timeout"`
}

type PresenceConfig struct {
	TimeoutThreshold time.Duration `yaml:"timeout_threshold"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	MaxEventHistory  int           `yaml:"max_event_history"`
}

type TenancyConfig struct {
	HeaderName      string        `yaml:"header_name"`
	PathPattern     string        `yaml:"path_pattern"`
	QueryParam      string        `yaml:"query_param"`
	JWTClaim        string        `yaml:"jwt_claim"`
	JWTSecret       string        `yaml:"jwt_secret"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	AllowedStatuses []string      `yaml:"allowed_statuses"`
}

type QuotaConfig struct {
	RateWindow       time.Duration `yaml:"rate_window"`
	DefaultRateLimit int64         `yaml:"default_rate_limit"`
	MaxRateEntries   int           `yaml:"max_rate_entries"`
	AlertThresholds  []int         `yaml:"alert_thresholds"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// LoadConfig reads a YAML file, fills defaults, and applies environment
// overrides. A missing file yields a default config so the gateway can
// run with zero setup.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.GracePeriod <= 0 {
		c.Server.GracePeriod = 5 * time.Second
	}
	if c.Protocol.MaxPayloadBytes <= 0 {
		c.Protocol.MaxPayloadBytes = 512 * 1024
	}
	if c.Protocol.Compression == "" {
		c.Protocol.Compression = "none"
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = 30 * time.Second
	}
	if c.Heartbeat.Timeout <= 0 {
		c.Heartbeat.Timeout = 5 * time.Second
	}
	if c.Heartbeat.MaxMissed <= 0 {
		c.Heartbeat.MaxMissed = 3
	}
	if c.Channels.HistorySize <= 0 {
		c.Channels.HistorySize = 1000
	}
	if c.Channels.BackpressurePolicy == "" {
		c.Channels.BackpressurePolicy = "drop_oldest"
	}
	if c.Channels.OutboundQueueSize <= 0 {
		c.Channels.OutboundQueueSize = 256
	}
	if c.Channels.SlowConsumerTimeout <= 0 {
		c.Channels.SlowConsumerTimeout = 5 * time.Second
	}
	if c.Presence.TimeoutThreshold <= 0 {
		c.Presence.TimeoutThreshold = 90 * time.Second
	}
	if c.Presence.CleanupInterval <= 0 {
		c.Presence.CleanupInterval = 30 * time.Second
	}
	if c.Presence.MaxEventHistory <= 0 {
		c.Presence.MaxEventHistory = 1000
	}
	if c.Tenancy.CacheTTL <= 0 {
		c.Tenancy.CacheTTL = 60 * time.Second
	}
	if c.Quota.RateWindow <= 0 {
		c.Quota.RateWindow = time.Minute
	}
	if c.Quota.DefaultRateLimit <= 0 {
		c.Quota.DefaultRateLimit = 60
	}
	if c.Quota.MaxRateEntries <= 0 {
		c.Quota.MaxRateEntries = 10_000
	}
	if len(c.Quota.AlertThresholds) == 0 {
		c.Quota.AlertThresholds = []int{80, 90, 100}
	}
}

// applyEnv lets deployment values override the file without editing it.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Tenancy.JWTSecret = v
	}
	if v := os.Getenv("ENCRYPTION_KEY_HEX"); v != "" {
		c.Protocol.EncryptionKeyHex = v
	}
}
