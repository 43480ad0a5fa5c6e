package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// KeyPrefix namespaces every key this store writes so Clear only
	// removes keys belonging to the session.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisSessionStore is a distributed implementation of SessionStore using Redis.
// Values are stored as JSON with the configured TTL.
type RedisSessionStore[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisSessionStore creates and connects a new RedisSessionStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisSessionStore[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisSessionStore[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis for session store: %w", err)
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis for SessionStore.")

	return newRedisSessionStore[K, V](rdb, cfg, logger), nil
}

// NewRedisSessionStoreWithClient creates a RedisSessionStore on an existing client.
// The store takes ownership of the client and closes it on Close.
func NewRedisSessionStoreWithClient[K comparable, V any](
	client *redis.Client,
	cfg *RedisConfig,
	logger zerolog.Logger,
) *RedisSessionStore[K, V] {
	return newRedisSessionStore[K, V](client, cfg, logger)
}

func newRedisSessionStore[K comparable, V any](client *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisSessionStore[K, V] {
	return &RedisSessionStore[K, V]{
		redisClient: client,
		logger:      logger.With().Str("component", "RedisSessionStore").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      cfg.KeyPrefix,
	}
}

func (s *RedisSessionStore[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", s.prefix, key)
}

// Set marshals the value to JSON and stores it in Redis with a TTL.
func (s *RedisSessionStore[K, V]) Set(ctx context.Context, key K, value V) error {
	stringKey := s.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal session data for key %s: %w", stringKey, err)
	}
	if err := s.redisClient.Set(ctx, stringKey, jsonData, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session data in redis for key %s: %w", stringKey, err)
	}
	s.logger.Debug().Str("key", stringKey).Msg("Stored session data in Redis.")
	return nil
}

// Fetch retrieves and unmarshals a value from Redis.
func (s *RedisSessionStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := s.key(key)
	cachedData, err := s.redisClient.Get(ctx, stringKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
		}
		return zero, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}
	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal session data for key %s: %w", stringKey, err)
	}
	return value, nil
}

// Delete removes a key from Redis.
func (s *RedisSessionStore[K, V]) Delete(ctx context.Context, key K) error {
	stringKey := s.key(key)
	if err := s.redisClient.Del(ctx, stringKey).Err(); err != nil {
		return fmt.Errorf("redis del failed for key %s: %w", stringKey, err)
	}
	return nil
}

// Clear removes every key under the store's prefix. An empty prefix is
// refused so a misconfigured store cannot wipe a shared database.
func (s *RedisSessionStore[K, V]) Clear(ctx context.Context) error {
	if s.prefix == "" {
		return errors.New("refusing to clear redis session store without a key prefix")
	}
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	removed := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del failed during clear: %w", err)
		}
		removed += len(batch)
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed during clear: %w", err)
	}
	if err := flush(); err != nil {
		return err
	}
	s.logger.Info().Int("removed", removed).Str("prefix", s.prefix).Msg("Cleared Redis session store.")
	return nil
}

// Close closes the Redis client connection.
func (s *RedisSessionStore[K, V]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
