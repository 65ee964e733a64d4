// Package config loads the hub's configuration: connection and queue
// limits, heartbeat timing, the Redis relay, and the privileged broadcast
// endpoint's auth and rate limit. Defaults apply first, then an optional
// environment or file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/presencehub/hub/src/bridge"
	"github.com/presencehub/hub/src/types"
	"gopkg.in/yaml.v3"
)

// BroadcastAuthConfig governs the privileged POST /api/broadcast endpoint.
type BroadcastAuthConfig struct {
	SharedSecret   string  `yaml:"shared_secret"`
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// HubConfig is the master configuration, covering every option in spec
// section 6's table plus the Redis relay and REST auth this implementation
// supplements.
type HubConfig struct {
	HeartbeatInterval      time.Duration       `yaml:"heartbeat_interval"`
	HeartbeatTimeout       time.Duration       `yaml:"heartbeat_timeout"`
	MaxConnectionsPerUser  int                 `yaml:"max_connections_per_user"`
	MaxTotalConnections    int                 `yaml:"max_total_connections"`
	BroadcastBatchSize     int                 `yaml:"broadcast_batch_size"`
	BroadcastFlushInterval time.Duration       `yaml:"broadcast_flush_interval"`
	DefaultHistoryLimit    int                 `yaml:"default_history_limit"`
	SupportedTypes         []types.MessageType `yaml:"supported_types"`
	MaxMessageSize         int                 `yaml:"max_message_size"`
	MaxQueueSize           int                 `yaml:"max_queue_size"`
	MaxReconnectAttempts   int                 `yaml:"max_reconnect_attempts"`

	Redis bridge.RedisConfig  `yaml:"redis"`
	Auth  BroadcastAuthConfig `yaml:"auth"`
	Addr  string              `yaml:"addr"`
}

// Default returns the spec section 6 defaults. These exist primarily so
// every field has a sane zero-value before an env or file overlay is
// applied, not as a substitute for configuring the deployment.
func Default() *HubConfig {
	return &HubConfig{
		HeartbeatInterval:      30 * time.Second,
		HeartbeatTimeout:       60 * time.Second,
		MaxConnectionsPerUser:  3,
		MaxTotalConnections:    10000,
		BroadcastBatchSize:     100,
		BroadcastFlushInterval: 50 * time.Millisecond,
		DefaultHistoryLimit:    50,
		SupportedTypes:         append([]types.MessageType{}, types.SubscribableMessageTypes...),
		MaxMessageSize:         64 * 1024,
		MaxQueueSize:           1000,
		MaxReconnectAttempts:   5,
		Redis:                  *bridge.DefaultRedisConfig(),
		Addr:                   ":8080",
	}
}

// FromEnv overlays environment variables onto the defaults. Missing
// variables leave the default untouched; malformed ones are ignored.
func FromEnv() *HubConfig {
	cfg := Default()

	if v := os.Getenv("HUB_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("HUB_HEARTBEAT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HUB_HEARTBEAT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HUB_MAX_CONNECTIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConnectionsPerUser = n
		}
	}
	if v := os.Getenv("HUB_MAX_TOTAL_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTotalConnections = n
		}
	}
	if v := os.Getenv("HUB_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueueSize = n
		}
	}
	if v := os.Getenv("HUB_BROADCAST_SECRET"); v != "" {
		cfg.Auth.SharedSecret = v
	}

	cfg.Redis = *bridge.RedisConfigFromEnv()
	return cfg
}

// LoadFile loads configuration from a YAML file, overlaying it onto
// Default().
func LoadFile(path string) (*HubConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
