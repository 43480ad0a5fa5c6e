package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsBroker is a minimal topic broker speaking the transport's frame protocol.
type wsBroker struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	conns    map[*websocket.Conn]map[string]bool
	tokens   []string
}

func newWSBroker(t *testing.T) (*wsBroker, string) {
	t.Helper()
	b := &wsBroker{conns: make(map[*websocket.Conn]map[string]bool)}
	srv := httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (b *wsBroker) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns[ws] = make(map[string]bool)
	b.tokens = append(b.tokens, r.Header.Get("Authorization"))
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, ws)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame transport.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case transport.FrameSubscribe:
			b.mu.Lock()
			b.conns[ws][frame.Topic] = true
			b.mu.Unlock()
		case transport.FrameUnsubscribe:
			b.mu.Lock()
			delete(b.conns[ws], frame.Topic)
			b.mu.Unlock()
		case transport.FramePublish:
			b.publish(frame.Topic, frame.Payload)
		}
	}
}

func (b *wsBroker) publish(topic string, payload []byte) {
	out, _ := json.Marshal(transport.Frame{Type: transport.FrameEvent, Topic: topic, ID: "srv-" + topic, Payload: payload})
	b.mu.Lock()
	defer b.mu.Unlock()
	for ws, topics := range b.conns {
		if topics[topic] {
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	}
}

func (b *wsBroker) subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, topics := range b.conns {
		if topics[topic] {
			n++
		}
	}
	return n
}

func (b *wsBroker) handshakes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tokens...)
}

// kickAll drops every client connection.
func (b *wsBroker) kickAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ws := range b.conns {
		_ = ws.Close()
	}
}

func newTestWebSocketTransport(t *testing.T, url string) *transport.WebSocketTransport {
	t.Helper()
	cfg := transport.DefaultWebSocketConfig()
	cfg.URL = url
	cfg.AuthToken = "secret"
	cfg.ReconnectDelay = 20 * time.Millisecond
	tr, err := transport.NewWebSocketTransport(cfg, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestWebSocketTransport_SubscribeAndReceive(t *testing.T) {
	// Arrange
	broker, url := newWSBroker(t)
	tr := newTestWebSocketTransport(t, url)
	events := make(chan types.Event, 1)
	tr.OnEvent(func(ev types.Event) { events <- ev })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	// Act
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	handle, err := tr.Subscribe(ctx, "match-5")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return broker.subscribers("match-5") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Send(ctx, "match-5", []byte("kickoff")))

	// Assert
	select {
	case ev := <-events:
		assert.Equal(t, "match-5", ev.Topic)
		assert.Equal(t, []byte("kickoff"), ev.Payload)
		assert.Equal(t, "srv-match-5", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	assert.Equal(t, []string{"Bearer secret"}, broker.handshakes())

	require.NoError(t, tr.Unsubscribe(ctx, handle))
	require.Eventually(t, func() bool { return broker.subscribers("match-5") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebSocketTransport_UsableWhenConnectReturns(t *testing.T) {
	broker, url := newWSBroker(t)
	tr := newTestWebSocketTransport(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Connect(ctx))
		assert.True(t, tr.IsConnected())
		assert.Equal(t, types.StateOpen, tr.State())
		_, err := tr.Subscribe(ctx, "match-5")
		require.NoError(t, err, "subscribe right after connect, round %d", i)
		require.Eventually(t, func() bool { return broker.subscribers("match-5") == 1 }, 2*time.Second, 5*time.Millisecond)
		require.NoError(t, tr.Close())
		require.Eventually(t, func() bool { return broker.subscribers("match-5") == 0 }, 2*time.Second, 5*time.Millisecond)
	}
}

func TestWebSocketTransport_ConnectFailure(t *testing.T) {
	tr := newTestWebSocketTransport(t, "ws://127.0.0.1:1/unreachable")
	err := tr.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, types.StateClosed, tr.State())
	_, err = tr.Subscribe(context.Background(), "x")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
}

func TestWebSocketTransport_ReconnectRestoresTopics(t *testing.T) {
	// Arrange
	broker, url := newWSBroker(t)
	tr := newTestWebSocketTransport(t, url)
	m := multiplexer.New(tr, nil, zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	received := make(chan types.Event, 4)
	m.Subscribe("match-5", func(ev types.Event) { received <- ev })
	require.Eventually(t, func() bool { return broker.subscribers("match-5") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Act
	broker.kickAll()

	// Assert
	require.Eventually(t, func() bool {
		return len(broker.handshakes()) == 2 && m.IsConnected() && broker.subscribers("match-5") == 1
	}, 5*time.Second, 10*time.Millisecond, "transport should redial and the topic be restored")

	broker.publish("match-5", []byte("after-reconnect"))
	select {
	case ev := <-received:
		assert.Equal(t, []byte("after-reconnect"), ev.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}
