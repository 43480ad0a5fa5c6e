// Package transport binds concrete real-time connections (MQTT, WebSocket,
// Redis pub/sub, Google Pub/Sub and an in-memory loopback) to the
// multiplexer.Transport contract.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by operations that need an open connection.
var ErrNotConnected = errors.New("transport: not connected")

// Kinds accepted by New.
const (
	KindMemory    = "memory"
	KindMQTT      = "mqtt"
	KindWebSocket = "websocket"
	KindRedis     = "redis"
	KindPubsub    = "pubsub"
)

// Config selects and configures one transport.
type Config struct {
	Kind      string          `yaml:"kind"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Redis     RedisConfig     `yaml:"redis"`
	Pubsub    PubsubConfig    `yaml:"pubsub"`
}

// New builds the transport named by cfg.Kind. The returned transport is not
// connected; the multiplexer connects it on first use.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (multiplexer.Transport, error) {
	switch cfg.Kind {
	case "", KindMemory:
		return NewLoopback(logger), nil
	case KindMQTT:
		return NewMQTTTransport(&cfg.MQTT, logger)
	case KindWebSocket:
		return NewWebSocketTransport(&cfg.WebSocket, logger)
	case KindRedis:
		return NewRedisTransport(&cfg.Redis, logger)
	case KindPubsub:
		return NewGooglePubsubTransportFromConfig(ctx, &cfg.Pubsub, logger)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// connState tracks the connection state of a transport and the callbacks
// registered by its owner. Callbacks are always invoked without the lock held.
type connState struct {
	mu      sync.Mutex
	state   types.ConnectionState
	onEvent func(types.Event)
	onState func(types.ConnectionState)
}

// OnEvent registers the event callback.
func (c *connState) OnEvent(handler func(types.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = handler
}

// OnStateChange registers the state callback.
func (c *connState) OnStateChange(handler func(types.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// State returns the current connection state.
func (c *connState) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the connection is open.
func (c *connState) IsConnected() bool {
	return c.State() == types.StateOpen
}

// setState records state and notifies the owner when it changed.
func (c *connState) setState(state types.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	cb := c.onState
	c.mu.Unlock()
	if cb != nil {
		cb(state)
	}
}

func (c *connState) emit(ev types.Event) {
	c.mu.Lock()
	cb := c.onEvent
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
