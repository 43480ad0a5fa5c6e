// Package livesync ties the keyed cache, the polling scheduler and the
// subscription multiplexer together into one synchronization context.
//
// A process normally has a single Context, available through Default, but
// tests and embedders can construct as many independent ones as they need.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/poller"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// Config holds the configuration of a Context.
type Config struct {
	Cache       cache.Config       `yaml:"cache"`
	Multiplexer multiplexer.Config `yaml:"multiplexer"`

	// Poller is used by Scope.Poll when it is given a zero poller.Config.
	Poller poller.Config `yaml:"poller"`

	// Clock drives TTLs, poll timers and subscription retries. Defaults to
	// the real clock.
	Clock clock.WithDelayedExecution `yaml:"-"`
}

// DefaultConfig returns a Config with the defaults of every component.
func DefaultConfig() *Config {
	return &Config{
		Cache:       *cache.DefaultConfig(),
		Multiplexer: *multiplexer.DefaultConfig(),
		Poller:      *poller.DefaultConfig(),
	}
}

// Context owns the cache, the pending-request registry, the poll scheduler
// and the topic registry shared by every consumer.
type Context struct {
	cache     *cache.KeyedCache
	scheduler *poller.Scheduler
	mux       *multiplexer.Multiplexer
	pollCfg   poller.Config
	logger    zerolog.Logger
}

// New creates a Context over tr. store is optional; when set, cache entries
// are written through to it and it is purged on Logout.
func New(cfg *Config, tr multiplexer.Transport, store cache.SessionStore[string, cache.StoredEntry], logger zerolog.Logger) *Context {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cacheCfg := cfg.Cache
	muxCfg := cfg.Multiplexer
	if cfg.Clock != nil {
		cacheCfg.Clock = cfg.Clock
		muxCfg.Clock = cfg.Clock
	}
	return &Context{
		cache:     cache.NewKeyedCache(&cacheCfg, store, logger),
		scheduler: poller.NewScheduler(cfg.Clock, logger),
		mux:       multiplexer.New(tr, &muxCfg, logger),
		pollCfg:   cfg.Poller,
		logger:    logger.With().Str("component", "LiveSync").Logger(),
	}
}

// Cache returns the shared keyed cache.
func (c *Context) Cache() *cache.KeyedCache { return c.cache }

// Scheduler returns the shared poll scheduler.
func (c *Context) Scheduler() *poller.Scheduler { return c.scheduler }

// Multiplexer returns the shared subscription multiplexer.
func (c *Context) Multiplexer() *multiplexer.Multiplexer { return c.mux }

// Start runs the multiplexer's dispatch loop.
func (c *Context) Start(ctx context.Context) error {
	if err := c.mux.Start(ctx); err != nil {
		return fmt.Errorf("failed to start multiplexer: %w", err)
	}
	c.logger.Info().Msg("Sync context started.")
	return nil
}

// Logout ends the user session: every subscription and cache entry is
// dropped and the session store is purged. Poll sessions belong to scopes
// and are left to them.
func (c *Context) Logout(ctx context.Context) error {
	c.mux.Reset()
	c.cache.Clear()
	if err := c.cache.PurgeStore(ctx); err != nil {
		return fmt.Errorf("failed to purge session store on logout: %w", err)
	}
	c.logger.Info().Msg("Session cleared on logout.")
	return nil
}

// Close stops polling, closes the transport and releases the session store.
func (c *Context) Close(ctx context.Context) error {
	c.scheduler.Close()
	var errs []error
	if err := c.mux.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop multiplexer: %w", err))
	}
	if err := c.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	c.logger.Info().Msg("Sync context closed.")
	return errors.Join(errs...)
}

// State is a point-in-time snapshot of a Context.
type State struct {
	Connection   types.ConnectionState     `json:"connection"`
	Visible      bool                      `json:"visible"`
	PollSessions int                       `json:"pollSessions"`
	Topics       []multiplexer.TopicStatus `json:"topics"`
	Cache        cache.Stats               `json:"cache"`
}

// Snapshot returns the current State.
func (c *Context) Snapshot() State {
	return State{
		Connection:   c.mux.ConnectionState(),
		Visible:      c.scheduler.Visible(),
		PollSessions: c.scheduler.Sessions(),
		Topics:       c.mux.Topics(),
		Cache:        c.cache.Stats(),
	}
}

var (
	defaultMu  sync.Mutex
	defaultCtx *Context
)

// Default returns the process-wide Context. Unless SetDefault was called
// first, it is created and started on first use over an in-memory loopback
// transport, and runs until it is closed.
func Default() *Context {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultCtx == nil {
		c := New(DefaultConfig(), transport.NewLoopback(log.Logger), nil, log.Logger)
		if err := c.Start(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to start default live sync context.")
		}
		defaultCtx = c
	}
	return defaultCtx
}

// SetDefault replaces the process-wide Context. A Context passed here is
// used as is, so the caller starts it.
func SetDefault(c *Context) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultCtx = c
}
