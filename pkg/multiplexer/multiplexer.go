// Package multiplexer presents a per-topic subscribe/unsubscribe contract to
// many independent callers while holding a single shared Transport and at
// most one upstream subscription per topic.
//
// The local listener registry is the source of truth. It survives transport
// disconnects, and every topic that still has listeners is re-subscribed
// when the transport reports it is open again. Events published while the
// transport was down are not replayed.
package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

var (
	// ErrNotConnected is returned by Send when the transport is down.
	ErrNotConnected = errors.New("multiplexer: transport is not connected")
	// ErrClosed is returned once the multiplexer has been stopped.
	ErrClosed = errors.New("multiplexer: multiplexer is closed")
)

// Listener receives the events of one topic.
type Listener func(ev types.Event)

// Unsubscribe removes the listener it was returned for. It is idempotent.
type Unsubscribe func()

// Config holds the configuration for a Multiplexer.
type Config struct {
	// RetryDelay is the fixed delay before retrying a failed upstream subscribe.
	RetryDelay time.Duration `yaml:"retry_delay"`
	// ReconnectDelay is the delay before reconnecting after the transport closed
	// unexpectedly.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// OperationTimeout bounds each connect, subscribe and unsubscribe call.
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	// EventBuffer is the capacity of the queue between the transport and the
	// dispatch loop.
	EventBuffer int `yaml:"event_buffer"`

	Clock clock.WithDelayedExecution `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryDelay:       3 * time.Second,
		ReconnectDelay:   3 * time.Second,
		OperationTimeout: 10 * time.Second,
		EventBuffer:      256,
	}
}

// TopicStatus describes one topic in the registry.
type TopicStatus struct {
	Topic     string `json:"topic"`
	Listeners int    `json:"listeners"`
	Upstream  bool   `json:"upstream"`
}

type listener struct {
	id     uuid.UUID
	fn     Listener
	active atomic.Bool
}

// topicState is guarded by Multiplexer.mu. At most one of opening, closing
// and a pending retry is set at a time, and handle is nil while any of them is.
type topicState struct {
	name      string
	listeners []*listener
	handle    *Handle
	opening   bool
	closing   bool
	retry     clock.Timer
	// epoch changes whenever the upstream subscriptions are lost wholesale,
	// so an open that straddles a disconnect is recognised as stale.
	epoch uint64
}

// Multiplexer fans the events of a shared Transport out to topic listeners.
type Multiplexer struct {
	transport Transport
	cfg       Config
	clock     clock.WithDelayedExecution
	logger    zerolog.Logger
	handler   *StableHandler
	events    chan types.Event
	connects  singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	topics         map[string]*topicState
	started        bool
	closed         bool
	disconnected   bool
	reconnectTimer clock.Timer
	stopOnDone     func() bool
}

// New creates a Multiplexer over transport and registers its event and state
// callbacks. Events are queued until Start runs the dispatch loop.
func New(transport Transport, cfg *Config, logger zerolog.Logger) *Multiplexer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	defaults := DefaultConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = defaults.ReconnectDelay
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaults.OperationTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaults.EventBuffer
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Multiplexer{
		transport: transport,
		cfg:       c,
		clock:     clk,
		logger:    logger.With().Str("component", "Multiplexer").Logger(),
		events:    make(chan types.Event, c.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		topics:    make(map[string]*topicState),
	}
	m.handler = NewStableHandler(m.enqueue)
	transport.OnEvent(m.handler.Handle)
	transport.OnStateChange(m.onStateChange)
	return m
}

// Start runs the dispatch loop. Cancelling ctx stops the multiplexer as Stop
// does, bounded by Config.OperationTimeout. The transport is connected lazily
// by the first Subscribe.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	m.wg.Add(1)
	go m.dispatch()
	m.stopOnDone = context.AfterFunc(ctx, func() {
		m.logger.Info().Msg("Start context cancelled, stopping multiplexer.")
		stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.OperationTimeout)
		defer cancel()
		_ = m.Stop(stopCtx)
	})
	m.logger.Info().Msg("Multiplexer started.")
	return nil
}

// Stop closes the transport and waits for background work to finish or ctx
// to expire. The multiplexer cannot be restarted.
func (m *Multiplexer) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopTimersLocked()
	if m.stopOnDone != nil {
		m.stopOnDone()
	}
	m.mu.Unlock()

	m.logger.Info().Msg("Stopping multiplexer...")
	m.handler.Set(nil)
	m.cancel()
	if err := m.transport.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing transport, continuing shutdown.")
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info().Msg("Multiplexer stopped.")
		return nil
	case <-ctx.Done():
		m.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for multiplexer to stop.")
		return ctx.Err()
	}
}

// Subscribe registers fn for topic. The first listener of a topic opens the
// upstream subscription in the background, connecting the transport first
// if needed; failures are logged and retried after Config.RetryDelay for as
// long as the topic has listeners.
//
// fn is called from the dispatch goroutine, serially with every other
// listener, and never after the returned Unsubscribe has returned, except
// for a delivery that was already in progress.
func (m *Multiplexer) Subscribe(topic string, fn Listener) Unsubscribe {
	l := &listener{id: uuid.New(), fn: fn}
	l.active.Store(true)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn().Str("topic", topic).Msg("Subscribe called on a closed multiplexer.")
		return func() {}
	}
	ts, ok := m.topics[topic]
	if !ok {
		ts = &topicState{name: topic}
		m.topics[topic] = ts
	}
	ts.listeners = append(ts.listeners, l)
	count := len(ts.listeners)
	if m.needsUpstreamLocked(ts) {
		m.startOpenLocked(ts)
	}
	m.mu.Unlock()

	m.logger.Debug().Str("topic", topic).Str("listener_id", l.id.String()).Int("listeners", count).Msg("Listener registered.")

	var once sync.Once
	return func() {
		once.Do(func() { m.unsubscribe(topic, l) })
	}
}

func (m *Multiplexer) unsubscribe(topic string, l *listener) {
	l.active.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.topics[topic]
	if !ok {
		return
	}
	idx := slices.Index(ts.listeners, l)
	if idx < 0 {
		return
	}
	ts.listeners = slices.Delete(ts.listeners, idx, idx+1)
	m.logger.Debug().Str("topic", topic).Str("listener_id", l.id.String()).Int("listeners", len(ts.listeners)).Msg("Listener removed.")
	if len(ts.listeners) > 0 {
		return
	}

	if ts.retry != nil {
		ts.retry.Stop()
		ts.retry = nil
	}
	if ts.handle != nil && !m.closed {
		handle := *ts.handle
		ts.handle = nil
		ts.closing = true
		m.goTracked(func() { m.closeUpstream(ts, handle) })
		return
	}
	ts.handle = nil
	// An open in flight sees the empty listener list when it completes.
	m.dropLocked(ts)
}

// needsUpstreamLocked reports whether ts has listeners but nothing is
// providing or establishing its upstream subscription.
func (m *Multiplexer) needsUpstreamLocked(ts *topicState) bool {
	return !m.closed && !m.disconnected &&
		len(ts.listeners) > 0 &&
		ts.handle == nil && !ts.opening && !ts.closing && ts.retry == nil
}

func (m *Multiplexer) startOpenLocked(ts *topicState) {
	ts.opening = true
	epoch := ts.epoch
	m.goTracked(func() { m.openUpstream(ts, epoch) })
}

// goTracked runs f on a goroutine that Stop waits for. Callers hold m.mu and
// have checked m.closed.
func (m *Multiplexer) goTracked(f func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		f()
	}()
}

func (m *Multiplexer) openUpstream(ts *topicState, epoch uint64) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
	defer cancel()

	var handle Handle
	err := m.connect(ctx)
	if err == nil {
		handle, err = m.transport.Subscribe(ctx, ts.name)
	}

	m.mu.Lock()
	ts.opening = false
	if err != nil {
		if m.needsUpstreamLocked(ts) {
			retryEpoch := ts.epoch
			ts.retry = m.clock.AfterFunc(m.cfg.RetryDelay, func() { go m.retryOpen(ts, retryEpoch) })
		} else {
			m.dropLocked(ts)
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("topic", ts.name).Dur("retry_in", m.cfg.RetryDelay).Msg("Upstream subscribe failed.")
		return
	}

	if ts.epoch != epoch || len(ts.listeners) == 0 || m.closed || m.disconnected {
		// Nobody wants this subscription any more, or it belongs to a
		// connection that has since gone away.
		ts.closing = true
		m.mu.Unlock()
		m.closeUpstream(ts, handle)
		return
	}
	ts.handle = &handle
	m.mu.Unlock()
	m.logger.Info().Str("topic", ts.name).Str("handle_id", handle.ID).Msg("Upstream subscription opened.")
}

func (m *Multiplexer) retryOpen(ts *topicState, epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// A stale callback must not clear a timer armed after it.
	if m.topics[ts.name] != ts || ts.epoch != epoch {
		return
	}
	ts.retry = nil
	if m.needsUpstreamLocked(ts) {
		m.logger.Debug().Str("topic", ts.name).Msg("Retrying upstream subscribe.")
		m.startOpenLocked(ts)
		return
	}
	m.dropLocked(ts)
}

func (m *Multiplexer) closeUpstream(ts *topicState, handle Handle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.OperationTimeout)
	defer cancel()
	if err := m.transport.Unsubscribe(ctx, handle); err != nil {
		m.logger.Warn().Err(err).Str("topic", ts.name).Msg("Upstream unsubscribe failed.")
	} else {
		m.logger.Info().Str("topic", ts.name).Msg("Upstream subscription closed.")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ts.closing = false
	if m.needsUpstreamLocked(ts) {
		// Listeners arrived while the old subscription was being closed.
		m.startOpenLocked(ts)
		return
	}
	m.dropLocked(ts)
}

// dropLocked removes ts from the registry once it is idle and empty.
func (m *Multiplexer) dropLocked(ts *topicState) {
	if len(ts.listeners) > 0 || ts.opening || ts.closing || ts.handle != nil || ts.retry != nil {
		return
	}
	if m.topics[ts.name] == ts {
		delete(m.topics, ts.name)
	}
}

func (m *Multiplexer) connect(ctx context.Context) error {
	_, err, _ := m.connects.Do("connect", func() (any, error) {
		if m.transport.IsConnected() {
			return nil, nil
		}
		m.logger.Info().Msg("Connecting transport...")
		if err := m.transport.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect transport: %w", err)
		}
		return nil, nil
	})
	return err
}

func (m *Multiplexer) onStateChange(state types.ConnectionState) {
	m.logger.Info().Stringer("state", state).Msg("Transport state changed.")

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	switch state {
	case types.StateOpen:
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.cancelRetriesLocked()
		m.restoreLocked()
	case types.StateReconnecting, types.StateClosed:
		m.dropHandlesLocked()
		if state == types.StateClosed && !m.disconnected && m.hasListenersLocked() {
			m.scheduleReconnectLocked()
		}
	}
}

// restoreLocked opens an upstream subscription for every topic that has
// listeners but none in place.
func (m *Multiplexer) restoreLocked() {
	restored := 0
	for _, ts := range m.topics {
		if m.needsUpstreamLocked(ts) {
			m.startOpenLocked(ts)
			restored++
		}
	}
	if restored > 0 {
		m.logger.Info().Int("topics", restored).Msg("Restoring upstream subscriptions.")
	}
}

// cancelRetriesLocked stops every pending open retry so a fresh connection
// restores those topics at once. Topics waiting on a retry have no open in
// flight, so bumping their epoch only invalidates the cancelled callback.
func (m *Multiplexer) cancelRetriesLocked() {
	for _, ts := range m.topics {
		if ts.retry == nil {
			continue
		}
		ts.retry.Stop()
		ts.retry = nil
		ts.epoch++
	}
}

// dropHandlesLocked forgets every upstream subscription after the connection
// carrying them went away. Pending retries are cancelled; the next open
// state restores the topics.
func (m *Multiplexer) dropHandlesLocked() {
	for _, ts := range m.topics {
		ts.epoch++
		ts.handle = nil
		if ts.retry != nil {
			ts.retry.Stop()
			ts.retry = nil
		}
	}
}

func (m *Multiplexer) hasListenersLocked() bool {
	for _, ts := range m.topics {
		if len(ts.listeners) > 0 {
			return true
		}
	}
	return false
}

func (m *Multiplexer) scheduleReconnectLocked() {
	if m.reconnectTimer != nil {
		return
	}
	m.logger.Info().Dur("reconnect_in", m.cfg.ReconnectDelay).Msg("Connection lost, scheduling reconnect.")
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() { go m.reconnectAttempt() })
}

func (m *Multiplexer) reconnectAttempt() {
	m.mu.Lock()
	m.reconnectTimer = nil
	if m.closed || m.disconnected {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.OperationTimeout)
	defer cancel()
	err := m.connect(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.disconnected {
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("Reconnect failed.")
		if m.hasListenersLocked() {
			m.scheduleReconnectLocked()
		}
		return
	}
	m.restoreLocked()
}

func (m *Multiplexer) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	for _, ts := range m.topics {
		if ts.retry != nil {
			ts.retry.Stop()
			ts.retry = nil
		}
	}
}

// Disconnect tears down every upstream subscription and the transport
// connection. Listeners stay registered and are restored by Reconnect.
func (m *Multiplexer) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.disconnected = true
	m.stopTimersLocked()
	var handles []Handle
	for _, ts := range m.topics {
		ts.epoch++
		if ts.handle != nil {
			handles = append(handles, *ts.handle)
			ts.handle = nil
		}
	}
	m.mu.Unlock()

	for _, handle := range handles {
		if err := m.transport.Unsubscribe(ctx, handle); err != nil {
			m.logger.Warn().Err(err).Str("topic", handle.Topic).Msg("Upstream unsubscribe failed during disconnect.")
		}
	}
	if err := m.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	m.logger.Info().Int("upstream_closed", len(handles)).Msg("Disconnected.")
	return nil
}

// Reconnect connects the transport and restores the upstream subscription
// of every topic that has listeners.
func (m *Multiplexer) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.disconnected = false
	m.mu.Unlock()

	if err := m.connect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.restoreLocked()
	return nil
}

// Send publishes payload to topic over the shared transport.
func (m *Multiplexer) Send(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !m.transport.IsConnected() {
		return ErrNotConnected
	}
	if err := m.transport.Send(ctx, topic, payload); err != nil {
		return fmt.Errorf("failed to send to topic %q: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the transport is open.
func (m *Multiplexer) IsConnected() bool {
	return m.transport.IsConnected()
}

// ConnectionState returns the transport's connection state.
func (m *Multiplexer) ConnectionState() types.ConnectionState {
	return m.transport.State()
}

// ListenerCount returns the number of listeners registered for topic.
func (m *Multiplexer) ListenerCount(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.topics[topic]; ok {
		return len(ts.listeners)
	}
	return 0
}

// Topics returns the registry sorted by topic name.
func (m *Multiplexer) Topics() []TopicStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TopicStatus, 0, len(m.topics))
	for _, ts := range m.topics {
		if len(ts.listeners) == 0 {
			continue
		}
		out = append(out, TopicStatus{
			Topic:     ts.name,
			Listeners: len(ts.listeners),
			Upstream:  ts.handle != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Reset removes every listener and closes their upstream subscriptions, as
// at the end of a user session.
func (m *Multiplexer) Reset() {
	type registration struct {
		topic string
		l     *listener
	}
	m.mu.Lock()
	var all []registration
	for name, ts := range m.topics {
		for _, l := range ts.listeners {
			all = append(all, registration{topic: name, l: l})
		}
	}
	m.mu.Unlock()

	for _, r := range all {
		m.unsubscribe(r.topic, r.l)
	}
	m.logger.Info().Int("listeners", len(all)).Msg("Listener registry reset.")
}

func (m *Multiplexer) enqueue(ev types.Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Multiplexer) dispatch() {
	defer m.wg.Done()
	m.logger.Debug().Msg("Dispatch loop started.")
	for {
		select {
		case <-m.ctx.Done():
			m.logger.Debug().Msg("Dispatch loop shutting down.")
			return
		case ev := <-m.events:
			m.deliver(ev)
		}
	}
}

func (m *Multiplexer) deliver(ev types.Event) {
	m.mu.Lock()
	var targets []*listener
	if ts, ok := m.topics[ev.Topic]; ok {
		targets = slices.Clone(ts.listeners)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.logger.Debug().Str("topic", ev.Topic).Str("event_id", ev.ID).Msg("No listeners for event, dropping.")
		return
	}
	for _, l := range targets {
		if l.active.Load() {
			m.call(l, ev)
		}
	}
}

func (m *Multiplexer) call(l *listener, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Str("topic", ev.Topic).Str("listener_id", l.id.String()).Msg("Listener panicked.")
		}
	}()
	l.fn(ev)
}
