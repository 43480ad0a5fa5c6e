// Package poller drives periodic refresh callbacks, adapting the cadence to
// host visibility, consecutive failures and, optionally, how often the
// polled data actually changes.
package poller

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// Callback is invoked on every poll. A returned error is logged and counted
// towards backoff; it is the callback's job to surface it to users.
type Callback func(ctx context.Context) error

// pollFunc is the internal form of a callback. changed is only consulted by
// adaptive sessions.
type pollFunc func(ctx context.Context) (changed bool, err error)

// Scheduler owns the polling sessions of a process and the host visibility
// they react to.
type Scheduler struct {
	clock  clock.WithDelayedExecution
	logger zerolog.Logger

	mu       sync.Mutex
	visible  bool
	closed   bool
	sessions map[uuid.UUID]*Session
}

// NewScheduler creates a Scheduler. clk may be nil, in which case the real
// clock is used. The host starts out visible.
func NewScheduler(clk clock.WithDelayedExecution, logger zerolog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Scheduler{
		clock:    clk,
		logger:   logger.With().Str("component", "PollScheduler").Logger(),
		visible:  true,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Start begins polling with callback. The callback runs once immediately and
// then at the session's current interval until the session is stopped or ctx
// is cancelled.
func (s *Scheduler) Start(ctx context.Context, name string, cfg Config, callback Callback) (*Session, error) {
	return s.start(ctx, name, cfg, func(ctx context.Context) (bool, error) {
		return true, callback(ctx)
	}, false)
}

// StartAdaptive begins an adaptive polling session. fetch produces the
// polled data and equal reports whether two consecutive results are the
// same. After cfg.UnchangedThreshold unchanged polls in a row the interval is
// doubled, up to cfg.MaxIdleInterval; any change returns it to the base
// interval.
func StartAdaptive[T any](
	ctx context.Context,
	s *Scheduler,
	name string,
	cfg Config,
	fetch func(ctx context.Context) (T, error),
	equal func(a, b T) bool,
) (*Session, error) {
	var (
		prev T
		seen bool
	)
	// Polls of one session never overlap, so prev needs no lock.
	poll := func(ctx context.Context) (bool, error) {
		next, err := fetch(ctx)
		if err != nil {
			return false, err
		}
		changed := !seen || !equal(prev, next)
		prev, seen = next, true
		return changed, nil
	}
	return s.start(ctx, name, cfg, poll, true)
}

func (s *Scheduler) start(ctx context.Context, name string, cfg Config, poll pollFunc, adaptive bool) (*Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	session := newSession(ctx, s, name, cfg.withDefaults(), poll, adaptive, s.visible)
	s.sessions[session.id] = session
	s.mu.Unlock()

	session.logger.Info().
		Dur("base_interval", session.cfg.BaseInterval).
		Bool("adaptive", adaptive).
		Msg("Polling session started.")
	go session.run()
	return session, nil
}

// SetVisible records the host visibility and propagates it to every session.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	if s.visible == visible {
		s.mu.Unlock()
		return
	}
	s.visible = visible
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	s.logger.Debug().Bool("visible", visible).Int("sessions", len(sessions)).Msg("Host visibility changed.")
	for _, session := range sessions {
		session.setVisible(visible)
	}
}

// Visible reports the last visibility passed to SetVisible.
func (s *Scheduler) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Sessions returns the number of live sessions.
func (s *Scheduler) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Scheduler) remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Close stops every session and refuses new ones.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Stop()
	}
	s.logger.Info().Int("stopped", len(sessions)).Msg("Poll scheduler closed.")
}
