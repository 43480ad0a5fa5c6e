// Package config loads the livesyncd configuration from YAML and the
// environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/illmade-knight/go-livesync/pkg/livesync"
	"github.com/illmade-knight/go-livesync/pkg/microservice"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/poller"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv. MQTT settings are additionally
// read from the MQTT_* variables of the transport package.
const (
	EnvLogLevel        = "LIVESYNC_LOG_LEVEL"
	EnvHTTPPort        = "LIVESYNC_HTTP_PORT"
	EnvTransport       = "LIVESYNC_TRANSPORT"
	EnvCacheTTL        = "LIVESYNC_CACHE_TTL"
	EnvCacheMaxEntries = "LIVESYNC_CACHE_MAX_ENTRIES"
	EnvPollInterval    = "LIVESYNC_POLL_INTERVAL"
	EnvRetryDelay      = "LIVESYNC_RETRY_DELAY"
	EnvSessionStore    = "LIVESYNC_SESSION_STORE"
	EnvRedisAddr       = "LIVESYNC_REDIS_ADDR"
	EnvWebSocketURL    = "LIVESYNC_WEBSOCKET_URL"
	EnvProjectID       = "LIVESYNC_PROJECT_ID"
)

// Session store kinds.
const (
	StoreNone      = "none"
	StoreMemory    = "memory"
	StoreRedis     = "redis"
	StoreFirestore = "firestore"
)

// SessionStoreConfig selects where cache entries are persisted.
type SessionStoreConfig struct {
	Kind      string                `yaml:"kind"`
	Redis     cache.RedisConfig     `yaml:"redis"`
	Firestore cache.FirestoreConfig `yaml:"firestore"`
}

// Config is the complete livesyncd configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Cache        cache.Config       `yaml:"cache"`
	Poller       poller.Config      `yaml:"poller"`
	Multiplexer  multiplexer.Config `yaml:"multiplexer"`
	Transport    transport.Config   `yaml:"transport"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "livesyncd",
		},
		Cache:       *cache.DefaultConfig(),
		Poller:      *poller.DefaultConfig(),
		Multiplexer: *multiplexer.DefaultConfig(),
		Transport: transport.Config{
			Kind:      transport.KindMemory,
			MQTT:      *transport.DefaultMQTTConfig(),
			WebSocket: *transport.DefaultWebSocketConfig(),
			Pubsub:    *transport.DefaultPubsubConfig(""),
		},
		SessionStore: SessionStoreConfig{
			Kind:  StoreMemory,
			Redis: cache.RedisConfig{KeyPrefix: "livesync:"},
			Firestore: cache.FirestoreConfig{
				CollectionName: "livesync-sessions",
			},
		},
	}
}

// Load reads path over the defaults and then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides cfg from LIVESYNC_* environment variables. Values that
// cannot be parsed are logged and ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		c.HTTPPort = v
	}
	if v := os.Getenv(EnvTransport); v != "" {
		c.Transport.Kind = v
	}
	if v := os.Getenv(EnvSessionStore); v != "" {
		c.SessionStore.Kind = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Transport.Redis.Addr = v
		c.SessionStore.Redis.Addr = v
	}
	if v := os.Getenv(EnvWebSocketURL); v != "" {
		c.Transport.WebSocket.URL = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		c.Transport.Pubsub.ProjectID = v
		c.SessionStore.Firestore.ProjectID = v
	}
	envDuration(EnvCacheTTL, &c.Cache.DefaultTTL)
	envDuration(EnvPollInterval, &c.Poller.BaseInterval)
	envDuration(EnvRetryDelay, &c.Multiplexer.RetryDelay)
	if v := os.Getenv(EnvCacheMaxEntries); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n >= 0 {
			c.Cache.MaxEntries = n
		} else {
			log.Warn().Str("env", EnvCacheMaxEntries).Str("value", v).Msg("config: error parsing max entries, using default")
		}
	}
	c.Transport.MQTT.ApplyEnv()
}

func envDuration(name string, target *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Err(err).Str("env", name).Msg("config: error parsing duration, using default")
		return
	}
	*target = d
}

// SyncConfig returns the livesync.Config carried by c.
func (c *Config) SyncConfig() *livesync.Config {
	return &livesync.Config{
		Cache:       c.Cache,
		Multiplexer: c.Multiplexer,
		Poller:      c.Poller,
	}
}

// OpenSessionStore builds the session store named by c. It returns nil for
// StoreNone.
func (c *SessionStoreConfig) OpenSessionStore(ctx context.Context, logger zerolog.Logger) (cache.SessionStore[string, cache.StoredEntry], error) {
	switch c.Kind {
	case StoreNone:
		return nil, nil
	case "", StoreMemory:
		return cache.NewInMemorySessionStore[string, cache.StoredEntry](), nil
	case StoreRedis:
		return cache.NewRedisSessionStore[string, cache.StoredEntry](ctx, &c.Redis, logger)
	case StoreFirestore:
		client, err := firestore.NewClient(ctx, c.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := cache.NewFirestoreSessionStore[string, cache.StoredEntry](client, c.Firestore.CollectionName)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &ownedFirestoreStore{FirestoreSessionStore: store, client: client}, nil
	default:
		return nil, fmt.Errorf("unknown session store kind %q", c.Kind)
	}
}

// ownedFirestoreStore closes the client it was opened with.
type ownedFirestoreStore struct {
	*cache.FirestoreSessionStore[string, cache.StoredEntry]
	client *firestore.Client
}

func (s *ownedFirestoreStore) Close() error {
	return s.client.Close()
}
