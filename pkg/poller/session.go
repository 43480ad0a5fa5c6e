package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"
)

// State is the lifecycle state of a polling session.
type State int

const (
	StateStopped State = iota
	StateRunning
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBackoff:
		return "backoff"
	default:
		return "stopped"
	}
}

// Session is a single polling loop created by Scheduler.Start.
//
// At most one timer is pending per session at any moment: every reschedule
// stops the tracked timer before arming a new one, and each armed timer
// carries a generation number so that a timer that already fired while being
// replaced does nothing.
type Session struct {
	id       uuid.UUID
	name     string
	cfg      Config
	adaptive bool
	poll     pollFunc
	sched    *Scheduler
	clock    clock.WithDelayedExecution
	logger   zerolog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	stopOnDone func() bool

	mu              sync.Mutex
	state           State
	visible         bool
	interval        time.Duration
	idleInterval    time.Duration
	errorStreak     int
	unchangedStreak int
	timer           clock.Timer
	gen             uint64
	inFlight        bool
	polls           int64
	failures        int64
}

func newSession(
	ctx context.Context,
	sched *Scheduler,
	name string,
	cfg Config,
	poll pollFunc,
	adaptive bool,
	visible bool,
) *Session {
	id := uuid.New()
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:           id,
		name:         name,
		cfg:          cfg,
		adaptive:     adaptive,
		poll:         poll,
		sched:        sched,
		clock:        sched.clock,
		logger:       sched.logger.With().Str("session", name).Str("session_id", id.String()).Logger(),
		ctx:          sessionCtx,
		cancel:       cancel,
		state:        StateRunning,
		visible:      visible,
		interval:     cfg.BaseInterval,
		idleInterval: cfg.BaseInterval,
		inFlight:     true, // the immediate first poll
	}
	s.stopOnDone = context.AfterFunc(ctx, s.Stop)
	return s
}

// Name returns the name the session was started with.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ErrorStreak returns the number of consecutive failed polls.
func (s *Session) ErrorStreak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorStreak
}

// Interval returns the delay the session would use for its next poll. It is
// zero while the session is stopped or paused.
func (s *Session) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return 0
	}
	return s.nextDelayLocked()
}

// Polls returns the total number of completed polls and how many of them failed.
func (s *Session) Polls() (total, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls, s.failures
}

// Stop cancels the pending timer and the context handed to the callback.
// It is idempotent and safe to call from within the callback.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.gen++
	s.stopTimerLocked()
	s.mu.Unlock()

	s.stopOnDone()
	s.cancel()
	s.sched.remove(s.id)
	s.logger.Info().Msg("Polling session stopped.")
}

// fire is the timer callback for generation gen.
func (s *Session) fire(gen uint64) {
	s.mu.Lock()
	if s.state == StateStopped || gen != s.gen || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.inFlight = true
	s.mu.Unlock()

	s.run()
}

// run performs one poll, which the caller has marked in flight, and
// schedules the next one.
func (s *Session) run() {
	if s.State() == StateStopped {
		return
	}
	changed, err := s.poll(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if s.state == StateStopped {
		return
	}
	s.recordLocked(changed, err)
	s.scheduleLocked()
}

func (s *Session) recordLocked(changed bool, err error) {
	s.polls++
	if err != nil {
		s.failures++
		s.errorStreak++
		s.state = StateBackoff
		s.interval = backoffInterval(s.cfg.BaseInterval, s.cfg.MaxBackoff, s.errorStreak)
		s.logger.Warn().Err(err).
			Int("error_streak", s.errorStreak).
			Dur("next_interval", s.interval).
			Msg("Poll failed, backing off.")
		return
	}

	if s.errorStreak > 0 {
		s.logger.Info().Int("error_streak", s.errorStreak).Msg("Poll recovered.")
		// Recovery restarts the idle ramp from the base interval.
		s.idleInterval = s.cfg.BaseInterval
		s.unchangedStreak = 0
	}
	s.errorStreak = 0
	s.state = StateRunning
	if !s.adaptive {
		s.interval = s.cfg.BaseInterval
		return
	}

	if changed {
		s.unchangedStreak = 0
		s.idleInterval = s.cfg.BaseInterval
	} else {
		s.unchangedStreak++
		if s.unchangedStreak >= s.cfg.UnchangedThreshold {
			s.unchangedStreak = 0
			s.idleInterval = min(2*s.idleInterval, s.cfg.MaxIdleInterval)
			s.logger.Debug().Dur("idle_interval", s.idleInterval).Msg("Data unchanged, slowing down.")
		}
	}
	s.interval = s.idleInterval
}

// nextDelayLocked returns the delay before the next poll. A hidden host takes
// precedence over backoff. Zero means no poll is scheduled.
func (s *Session) nextDelayLocked() time.Duration {
	if !s.visible && s.cfg.PauseWhenHidden {
		return s.cfg.HiddenInterval
	}
	return s.interval
}

// scheduleLocked replaces the pending timer, if any, with one for the
// current delay.
func (s *Session) scheduleLocked() {
	s.stopTimerLocked()
	s.gen++
	delay := s.nextDelayLocked()
	if delay <= 0 {
		s.logger.Debug().Msg("Polling paused while hidden.")
		return
	}
	gen := s.gen
	// fire runs on its own goroutine because it schedules the next timer, and
	// some clocks run AfterFunc callbacks while holding their own lock.
	s.timer = s.clock.AfterFunc(delay, func() { go s.fire(gen) })
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) setVisible(visible bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.visible == visible {
		return
	}
	s.visible = visible
	if s.state == StateStopped || !s.cfg.PauseWhenHidden {
		return
	}
	// A poll in progress schedules its successor with the new visibility.
	if s.inFlight {
		return
	}
	s.scheduleLocked()
}
