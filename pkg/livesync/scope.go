package livesync

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/poller"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
)

// Scope is the lifetime of one consumer of a Context, such as a screen or a
// request handler. Poll sessions and subscriptions started through a Scope
// end when it is closed, and results that arrive afterwards are not handed
// back to the consumer. Fetches already running still populate the cache.
type Scope struct {
	lc     *Context
	name   string
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	active atomic.Bool

	mu       sync.Mutex
	sessions []*poller.Session
	unsubs   []multiplexer.Unsubscribe
}

// NewScope opens a Scope on c.
func (c *Context) NewScope(name string) *Scope {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scope{
		lc:     c,
		name:   name,
		logger: c.logger.With().Str("scope", name).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
	s.active.Store(true)
	return s
}

// Name returns the scope's name.
func (s *Scope) Name() string { return s.name }

// Active reports whether the scope is still open.
func (s *Scope) Active() bool { return s.active.Load() }

// Context returns a context that is cancelled when the scope closes.
func (s *Scope) Context() context.Context { return s.ctx }

// Subscribe registers fn on topic until the scope closes. fn is not called
// once the scope is closed. The returned Unsubscribe may be used to leave
// earlier.
func (s *Scope) Subscribe(topic string, fn multiplexer.Listener) multiplexer.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Active() {
		return func() {}
	}
	unsub := s.lc.mux.Subscribe(topic, func(ev types.Event) {
		if s.Active() {
			fn(ev)
		}
	})
	s.unsubs = append(s.unsubs, unsub)
	return unsub
}

// Poll starts a poll session that runs until the scope closes. A zero cfg
// uses the Context's poller configuration.
func (s *Scope) Poll(name string, cfg poller.Config, callback poller.Callback) (*poller.Session, error) {
	cfg = s.pollConfig(cfg)
	session, err := s.lc.scheduler.Start(s.ctx, s.name+"/"+name, cfg, callback)
	if err != nil {
		return nil, err
	}
	s.track(session)
	return session, nil
}

// PollAdaptive starts an adaptive poll session that runs until s closes.
func PollAdaptive[T any](s *Scope, name string, cfg poller.Config, fetch func(ctx context.Context) (T, error), equal func(a, b T) bool) (*poller.Session, error) {
	cfg = s.pollConfig(cfg)
	session, err := poller.StartAdaptive(s.ctx, s.lc.scheduler, s.name+"/"+name, cfg, fetch, equal)
	if err != nil {
		return nil, err
	}
	s.track(session)
	return session, nil
}

func (s *Scope) pollConfig(cfg poller.Config) poller.Config {
	if cfg == (poller.Config{}) {
		return s.lc.pollCfg
	}
	return cfg
}

func (s *Scope) track(session *poller.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Active() {
		// The scope context is already cancelled so the session is stopping.
		session.Stop()
		return
	}
	s.sessions = append(s.sessions, session)
}

// Load reads key through the shared cache in the background and passes the
// result to done while the scope is still open. A result that arrives after
// Close is dropped but stays cached for other consumers.
func Load[V any](s *Scope, key string, fetch cache.Fetcher[V], done func(V, error), opts ...cache.Option) {
	go func() {
		// Detached so that closing the scope does not abandon a shared fetch.
		v, err := cache.Get(context.WithoutCancel(s.ctx), s.lc.cache, key, fetch, opts...)
		if !s.Active() {
			s.logger.Debug().Str("key", key).Msg("Scope closed, discarding load result.")
			return
		}
		done(v, err)
	}()
}

// Close ends the scope. It stops its poll sessions and drops its
// subscriptions. Close is idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if !s.active.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return
	}
	sessions, unsubs := s.sessions, s.unsubs
	s.sessions, s.unsubs = nil, nil
	s.mu.Unlock()

	s.cancel()
	for _, session := range sessions {
		session.Stop()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.logger.Debug().Int("sessions", len(sessions)).Int("subscriptions", len(unsubs)).Msg("Scope closed.")
}
