package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
)

// Frame types exchanged with a WebSocket server.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FrameEvent       = "event"
)

// Frame is the JSON envelope carried in every WebSocket text message.
type Frame struct {
	Type       string            `json:"type"`
	Topic      string            `json:"topic"`
	ID         string            `json:"id,omitempty"`
	Payload    []byte            `json:"payload,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// WebSocketConfig holds the configuration for a WebSocketTransport.
type WebSocketConfig struct {
	URL string `yaml:"url"`
	// AuthToken, when set, is sent as a bearer token on the handshake.
	AuthToken        string        `yaml:"auth_token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	SendBuffer       int           `yaml:"send_buffer"`
}

// DefaultWebSocketConfig returns a WebSocketConfig with sensible defaults.
func DefaultWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingInterval:     5 * time.Second,
		ReconnectDelay:   5 * time.Second,
		SendBuffer:       64,
	}
}

// wsConn is one live WebSocket connection.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// WebSocketTransport carries topics over a single WebSocket connection using
// JSON frames. After the connection drops it redials every ReconnectDelay
// until Close is called.
type WebSocketTransport struct {
	connState
	cfg    WebSocketConfig
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *wsConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketTransport creates a WebSocketTransport. It does not dial until Connect is called.
func NewWebSocketTransport(cfg *WebSocketConfig, logger zerolog.Logger) (*WebSocketTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket URL is required")
	}
	c := *cfg
	defaults := DefaultWebSocketConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaults.ReadTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaults.PingInterval
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaults.ReconnectDelay
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaults.SendBuffer
	}
	return &WebSocketTransport{
		cfg:    c,
		logger: logger.With().Str("component", "WebSocketTransport").Str("url", c.URL).Logger(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.HandshakeTimeout,
		},
	}, nil
}

// Connect dials the server and keeps the connection alive in the background.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.setState(types.StateConnecting)
	ws, err := t.dial(ctx)
	if err != nil {
		t.setState(types.StateClosed)
		return err
	}

	t.mu.Lock()
	if t.cancel != nil {
		// Lost a race with another Connect.
		t.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	// The connection is usable once Connect returns.
	c := t.attach(loopCtx, ws)
	go t.run(loopCtx, c, done)
	return nil
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if t.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}
	ws, _, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	return ws, nil
}

// run serves c and redials whenever the connection is lost.
func (t *WebSocketTransport) run(ctx context.Context, c *wsConn, done chan struct{}) {
	defer close(done)
	for {
		t.serve(c)
		if ctx.Err() != nil {
			return
		}
		t.setState(types.StateReconnecting)
		t.logger.Warn().Dur("reconnect_in", t.cfg.ReconnectDelay).Msg("WebSocket connection lost, reconnecting.")

		var ws *websocket.Conn
		for ws == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.ReconnectDelay):
			}
			var err error
			ws, err = t.dial(ctx)
			if err != nil {
				t.logger.Info().Err(err).Msg("Reconnect attempt failed.")
			}
		}
		c = t.attach(ctx, ws)
	}
}

// attach makes ws the current connection, starts its write loop and reports
// the transport open.
func (t *WebSocketTransport) attach(ctx context.Context, ws *websocket.Conn) *wsConn {
	connCtx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		ws:     ws,
		send:   make(chan []byte, t.cfg.SendBuffer),
		ctx:    connCtx,
		cancel: cancel,
	}
	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()
	go t.writeLoop(c)

	t.setState(types.StateOpen)
	t.logger.Info().Msg("WebSocket connected.")
	return c
}

// serve runs the read loop of c until the connection fails or is cancelled.
func (t *WebSocketTransport) serve(c *wsConn) {
	ws := c.ws
	defer func() {
		c.cancel()
		_ = ws.Close()
		t.mu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		t.mu.Unlock()
	}()

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	})
	for {
		if c.ctx.Err() != nil {
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				t.logger.Info().Err(err).Msg("WebSocket read failed.")
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.logger.Warn().Err(err).Msg("Discarding malformed frame.")
			continue
		}
		if frame.Type != FrameEvent {
			continue
		}
		id := frame.ID
		if id == "" {
			id = uuid.NewString()
		}
		t.emit(types.Event{
			ID:         id,
			Topic:      frame.Topic,
			Payload:    frame.Payload,
			ReceivedAt: time.Now().UTC(),
			Attributes: frame.Attributes,
		})
	}
}

func (t *WebSocketTransport) writeLoop(c *wsConn) {
	defer func() {
		c.cancel()
		// Unblocks the read loop.
		_ = c.ws.Close()
	}()
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				// A websocket write deadline cannot be recovered from.
				t.logger.Info().Err(err).Msg("WebSocket write failed.")
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) write(ctx context.Context, frame Frame) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil || !t.IsConnected() {
		return ErrNotConnected
	}
	message, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe asks the server for the events of topic.
func (t *WebSocketTransport) Subscribe(ctx context.Context, topic string) (multiplexer.Handle, error) {
	handle := multiplexer.Handle{Topic: topic, ID: uuid.NewString()}
	if err := t.write(ctx, Frame{Type: FrameSubscribe, Topic: topic, ID: handle.ID}); err != nil {
		return multiplexer.Handle{}, err
	}
	return handle, nil
}

// Unsubscribe cancels the subscription behind handle.
func (t *WebSocketTransport) Unsubscribe(ctx context.Context, handle multiplexer.Handle) error {
	err := t.write(ctx, Frame{Type: FrameUnsubscribe, Topic: handle.Topic, ID: handle.ID})
	if errors.Is(err, ErrNotConnected) {
		// The server dropped the subscription with the connection.
		return nil
	}
	return err
}

// Send publishes payload on topic.
func (t *WebSocketTransport) Send(ctx context.Context, topic string, payload []byte) error {
	return t.write(ctx, Frame{Type: FramePublish, Topic: topic, ID: uuid.NewString(), Payload: payload})
}

// Close stops reconnecting and closes the connection. Connect may be called again.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	cancel, done, c := t.cancel, t.done, t.conn
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		if c != nil {
			_ = c.ws.Close()
		}
		<-done
	}
	t.setState(types.StateClosed)
	t.logger.Info().Msg("WebSocket transport closed.")
	return nil
}
