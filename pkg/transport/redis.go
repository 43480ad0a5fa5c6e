package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for a RedisTransport.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// ChannelPrefix is prepended to every logical topic to form the channel name.
	ChannelPrefix string `yaml:"channel_prefix"`
	// HealthCheckInterval is how often the connection is pinged.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// RedisTransport carries topics over Redis pub/sub channels.
//
// go-redis re-issues its own SUBSCRIBE commands after a reconnect; the
// multiplexer's restoration on the next open state is harmless on top of
// that because Redis subscriptions are idempotent.
type RedisTransport struct {
	connState
	cfg    RedisConfig
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisTransport creates a RedisTransport with its own client. No
// connection is made until Connect is called.
func NewRedisTransport(cfg *RedisConfig, logger zerolog.Logger) (*RedisTransport, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisTransportWithClient(client, cfg, logger), nil
}

// NewRedisTransportWithClient creates a RedisTransport over an existing client.
func NewRedisTransportWithClient(client *redis.Client, cfg *RedisConfig, logger zerolog.Logger) *RedisTransport {
	c := *cfg
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	return &RedisTransport{
		cfg:    c,
		client: client,
		logger: logger.With().Str("component", "RedisTransport").Logger(),
	}
}

// Connect pings Redis and opens the pub/sub connection.
func (t *RedisTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return nil
	}

	t.setState(types.StateConnecting)
	if err := t.client.Ping(ctx).Err(); err != nil {
		t.setState(types.StateClosed)
		return fmt.Errorf("failed to connect to Redis at %s: %w", t.cfg.Addr, err)
	}
	t.pubsub = t.client.Subscribe(ctx)
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(2)
	go t.receive(loopCtx, t.pubsub.Channel())
	go t.monitor(loopCtx)

	t.logger.Info().Str("addr", t.cfg.Addr).Msg("Redis pub/sub connected.")
	t.setState(types.StateOpen)
	return nil
}

func (t *RedisTransport) receive(ctx context.Context, ch <-chan *redis.Message) {
	defer t.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.emit(types.Event{
				ID:         uuid.NewString(),
				Topic:      strings.TrimPrefix(msg.Channel, t.cfg.ChannelPrefix),
				Payload:    []byte(msg.Payload),
				ReceivedAt: time.Now().UTC(),
				Attributes: map[string]string{"redis_channel": msg.Channel},
			})
		}
	}
}

// monitor pings Redis and reports outages as state changes.
func (t *RedisTransport) monitor(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, t.cfg.HealthCheckInterval)
			err := t.client.Ping(pingCtx).Err()
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if t.State() == types.StateOpen {
					t.logger.Warn().Err(err).Msg("Redis health check failed.")
				}
				t.setState(types.StateReconnecting)
				continue
			}
			if t.State() == types.StateReconnecting {
				t.logger.Info().Msg("Redis connection recovered.")
			}
			t.setState(types.StateOpen)
		}
	}
}

func (t *RedisTransport) currentPubSub() (*redis.PubSub, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub == nil || !t.IsConnected() {
		return nil, ErrNotConnected
	}
	return t.pubsub, nil
}

// Subscribe subscribes to the channel for topic.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (multiplexer.Handle, error) {
	ps, err := t.currentPubSub()
	if err != nil {
		return multiplexer.Handle{}, err
	}
	channel := t.cfg.ChannelPrefix + topic
	if err := ps.Subscribe(ctx, channel); err != nil {
		return multiplexer.Handle{}, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}
	return multiplexer.Handle{Topic: topic, ID: channel}, nil
}

// Unsubscribe unsubscribes from the channel behind handle.
func (t *RedisTransport) Unsubscribe(ctx context.Context, handle multiplexer.Handle) error {
	ps, err := t.currentPubSub()
	if err != nil {
		return nil
	}
	if err := ps.Unsubscribe(ctx, handle.ID); err != nil {
		return fmt.Errorf("failed to unsubscribe from channel %s: %w", handle.ID, err)
	}
	return nil
}

// Send publishes payload on the channel for topic.
func (t *RedisTransport) Send(ctx context.Context, topic string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	channel := t.cfg.ChannelPrefix + topic
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	return nil
}

// Close closes the pub/sub connection. The client stays usable and Connect
// may be called again.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	ps, cancel := t.pubsub, t.cancel
	t.pubsub, t.cancel = nil, nil
	t.mu.Unlock()

	var err error
	if ps != nil {
		cancel()
		err = ps.Close()
		t.wg.Wait()
	}
	t.setState(types.StateClosed)
	if err != nil {
		return fmt.Errorf("failed to close Redis pub/sub: %w", err)
	}
	return nil
}
