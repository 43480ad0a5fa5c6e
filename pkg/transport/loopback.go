package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
)

// Loopback is an in-process transport: everything sent on a topic is
// delivered back to the subscribers of that topic. It backs single-process
// deployments and tests, and can simulate connection loss.
type Loopback struct {
	connState
	logger zerolog.Logger

	subMu          sync.Mutex
	subs           map[string]string // handle id -> topic
	failSubscribes int
}

// NewLoopback creates a disconnected Loopback.
func NewLoopback(logger zerolog.Logger) *Loopback {
	return &Loopback{
		logger: logger.With().Str("component", "LoopbackTransport").Logger(),
		subs:   make(map[string]string),
	}
}

// Connect opens the loopback.
func (l *Loopback) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.setState(types.StateConnecting)
	l.setState(types.StateOpen)
	l.logger.Info().Msg("Loopback transport connected.")
	return nil
}

// Subscribe registers interest in topic.
func (l *Loopback) Subscribe(ctx context.Context, topic string) (multiplexer.Handle, error) {
	if !l.IsConnected() {
		return multiplexer.Handle{}, ErrNotConnected
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.failSubscribes > 0 {
		l.failSubscribes--
		return multiplexer.Handle{}, fmt.Errorf("loopback: subscribe to %q refused", topic)
	}
	id := uuid.NewString()
	l.subs[id] = topic
	return multiplexer.Handle{Topic: topic, ID: id}, nil
}

// Unsubscribe removes the subscription behind handle.
func (l *Loopback) Unsubscribe(ctx context.Context, handle multiplexer.Handle) error {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	delete(l.subs, handle.ID)
	return nil
}

// Send delivers payload to the subscribers of topic.
func (l *Loopback) Send(ctx context.Context, topic string, payload []byte) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	l.Publish(topic, payload)
	return nil
}

// Publish injects an event as if a server had pushed it. It is dropped when
// nobody is subscribed to topic.
func (l *Loopback) Publish(topic string, payload []byte) {
	if l.Subscriptions(topic) == 0 {
		l.logger.Debug().Str("topic", topic).Msg("No subscription for published event, dropping.")
		return
	}
	l.emit(types.Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now().UTC(),
	})
}

// Subscriptions returns the number of upstream subscriptions on topic.
func (l *Loopback) Subscriptions(topic string) int {
	if !l.IsConnected() {
		return 0
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	n := 0
	for _, t := range l.subs {
		if t == topic {
			n++
		}
	}
	return n
}

// FailNextSubscribes makes the next n Subscribe calls fail.
func (l *Loopback) FailNextSubscribes(n int) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.failSubscribes = n
}

// Drop simulates losing the connection: every subscription is lost and the
// state moves to reconnecting until Restore.
func (l *Loopback) Drop() {
	l.resetSubs()
	l.setState(types.StateReconnecting)
	l.logger.Warn().Msg("Loopback connection dropped.")
}

// Restore ends a simulated outage.
func (l *Loopback) Restore() {
	l.setState(types.StateOpen)
	l.logger.Info().Msg("Loopback connection restored.")
}

// Close closes the loopback. It can be connected again.
func (l *Loopback) Close() error {
	l.resetSubs()
	l.setState(types.StateClosed)
	return nil
}

func (l *Loopback) resetSubs() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subs = make(map[string]string)
}
