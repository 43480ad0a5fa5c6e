package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// KeyedCache is a thread-safe, in-memory cache mapping a key to the last
// known-good value for that key. Concurrent fetches for the same key are
// coalesced into a single in-flight fetch.
//
// Writes for a key are applied in the order their fetches complete, not the
// order they were issued: a later but faster fetch can be overwritten by an
// earlier, slower one. This mirrors real network races and is accepted.
type KeyedCache struct {
	cfg    Config
	clock  clock.PassiveClock
	store  SessionStore[string, StoredEntry]
	logger zerolog.Logger

	mu           sync.Mutex
	entries      map[string]Entry
	recency      *recencyIndex
	revalidating map[string]struct{}

	pending singleflight.Group

	hits        atomic.Int64
	misses      atomic.Int64
	staleServed atomic.Int64
	fetches     atomic.Int64
	coalesced   atomic.Int64
	fetchErrors atomic.Int64
	evictions   atomic.Int64
}

// NewKeyedCache creates a new KeyedCache.
// - store: An optional SessionStore that successful writes are persisted to
// and that Seed hydrates from. May be nil.
func NewKeyedCache(cfg *Config, store SessionStore[string, StoredEntry], logger zerolog.Logger) *KeyedCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.StoreWriteTimeout <= 0 {
		c.StoreWriteTimeout = 10 * time.Second
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &KeyedCache{
		cfg:          c,
		clock:        clk,
		store:        store,
		logger:       logger.With().Str("component", "KeyedCache").Logger(),
		entries:      make(map[string]Entry),
		recency:      newRecencyIndex(),
		revalidating: make(map[string]struct{}),
	}
}

func (c *KeyedCache) options(opts []Option) Options {
	o := Options{TTL: c.cfg.DefaultTTL, Dedupe: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// get resolves key following the fresh -> stale-while-revalidate -> pending
// -> fetch order. The returned Entry carries the value and, for seeded
// entries, whether it is still JSON encoded.
func (c *KeyedCache) get(ctx context.Context, key string, fetch func(context.Context) (any, error), opts []Option) (Entry, error) {
	o := c.options(opts)

	now := c.clock.Now()
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok {
		c.recency.touch(key)
	}
	c.mu.Unlock()

	if ok && entry.IsFresh(now) {
		c.hits.Add(1)
		c.logger.Debug().Str("key", key).Msg("Cache hit.")
		return entry, nil
	}

	if ok && o.StaleWhileRevalidate {
		c.staleServed.Add(1)
		c.logger.Debug().Str("key", key).Dur("age", entry.Age(now)).Msg("Serving stale entry, revalidating in background.")
		c.revalidate(key, fetch, o.TTL)
		return entry, nil
	}

	c.misses.Add(1)
	value, err := c.load(ctx, key, fetch, o)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Value: value}, nil
}

// load fetches key, attaching to an in-flight fetch when dedupe is enabled.
// Without dedupe the in-flight fetch is forgotten and a new one takes its
// place as the pending request, so later deduped callers attach to it.
// The shared fetch runs detached from the cancellation of whichever caller
// started it; each waiter still returns early on its own ctx.
func (c *KeyedCache) load(ctx context.Context, key string, fetch func(context.Context) (any, error), o Options) (any, error) {
	if !o.Dedupe {
		c.pending.Forget(key)
	}

	ch := c.pending.DoChan(key, func() (any, error) {
		return c.fetchAndStore(context.WithoutCancel(ctx), key, fetch, o.TTL)
	})
	select {
	case res := <-ch:
		if res.Shared {
			c.coalesced.Add(1)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// revalidate refreshes key in the background. Only one revalidation per key
// runs at a time and it shares the pending slot with foreground fetches.
func (c *KeyedCache) revalidate(key string, fetch func(context.Context) (any, error), ttl time.Duration) {
	c.mu.Lock()
	if _, busy := c.revalidating[key]; busy {
		c.mu.Unlock()
		return
	}
	c.revalidating[key] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.revalidating, key)
			c.mu.Unlock()
		}()
		_, err, _ := c.pending.Do(key, func() (any, error) {
			return c.fetchAndStore(context.Background(), key, fetch, ttl)
		})
		if err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("Background revalidation failed, stale entry kept.")
		}
	}()
}

func (c *KeyedCache) fetchAndStore(ctx context.Context, key string, fetch func(context.Context) (any, error), ttl time.Duration) (any, error) {
	c.fetches.Add(1)
	value, err := fetch(ctx)
	if err != nil {
		c.fetchErrors.Add(1)
		c.logger.Warn().Err(err).Str("key", key).Msg("Fetch failed, cache left unchanged.")
		return nil, err
	}
	c.write(key, value, ttl)
	return value, nil
}

func (c *KeyedCache) write(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	entry := c.writeLocked(key, value, ttl)
	c.mu.Unlock()
	c.persist(entry)
}

// writeLocked must be called with c.mu held.
func (c *KeyedCache) writeLocked(key string, value any, ttl time.Duration) Entry {
	entry := Entry{
		Key:             key,
		Value:           value,
		Timestamp:       c.clock.Now(),
		FreshnessWindow: ttl,
	}
	c.entries[key] = entry
	c.recency.touch(key)
	c.evictLocked()
	return entry
}

// evictLocked drops least recently used entries past MaxEntries.
// It must be called with c.mu held.
func (c *KeyedCache) evictLocked() {
	if c.cfg.MaxEntries <= 0 {
		return
	}
	for c.recency.len() > c.cfg.MaxEntries {
		key, ok := c.recency.oldest()
		if !ok {
			return
		}
		c.recency.remove(key)
		delete(c.entries, key)
		c.evictions.Add(1)
		c.logger.Debug().Str("key", key).Msg("Evicted least recently used entry.")
	}
}

// persist writes entry to the session store in the background.
func (c *KeyedCache) persist(entry Entry) {
	if c.store == nil {
		return
	}
	data, err := json.Marshal(entry.Value)
	if err != nil {
		c.logger.Error().Err(err).Str("key", entry.Key).Msg("Failed to marshal entry for session store.")
		return
	}
	stored := StoredEntry{
		Key:             entry.Key,
		Value:           data,
		Timestamp:       entry.Timestamp,
		FreshnessWindow: entry.FreshnessWindow,
	}
	go func() {
		writeCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreWriteTimeout)
		defer cancel()
		if err := c.store.Set(writeCtx, stored.Key, stored); err != nil {
			c.logger.Error().Err(err).Str("key", stored.Key).Msg("Failed to write entry to session store in background.")
		}
	}()
}

// forget removes keys from the session store in the background.
func (c *KeyedCache) forget(keys []string) {
	if c.store == nil || len(keys) == 0 {
		return
	}
	go func() {
		deleteCtx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreWriteTimeout)
		defer cancel()
		for _, key := range keys {
			if err := c.store.Delete(deleteCtx, key); err != nil {
				c.logger.Error().Err(err).Str("key", key).Msg("Failed to delete entry from session store.")
			}
		}
	}()
}

// Mutate synchronously overwrites the entry for key, bypassing the network.
// The entry is fresh as of the call.
func (c *KeyedCache) Mutate(key string, value any, opts ...Option) {
	o := c.options(opts)
	c.write(key, value, o.TTL)
}

// MutateWith applies update to the current value for key and stores the
// result as a fresh entry. ok is false when no entry exists.
func (c *KeyedCache) MutateWith(key string, update func(old any, ok bool) any, opts ...Option) {
	_ = c.tryMutate(key, func(old Entry, ok bool) (any, error) {
		return update(old.Value, ok), nil
	}, opts)
}

// tryMutate is MutateWith for updates that can fail. Nothing is written when
// update returns an error.
func (c *KeyedCache) tryMutate(key string, update func(old Entry, ok bool) (any, error), opts []Option) error {
	o := c.options(opts)
	c.mu.Lock()
	old, ok := c.entries[key]
	value, err := update(old, ok)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	entry := c.writeLocked(key, value, o.TTL)
	c.mu.Unlock()
	c.persist(entry)
	return nil
}

// Invalidate deletes the entry for key. A fetch already in flight for key is
// not cancelled and repopulates the entry when it completes.
func (c *KeyedCache) Invalidate(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.recency.remove(key)
	c.mu.Unlock()
	if ok {
		c.forget([]string{key})
	}
}

// Clear removes every in-memory entry. Persisted entries are kept; use
// PurgeStore to drop them.
func (c *KeyedCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	c.recency.reset()
	c.logger.Info().Msg("Cache cleared.")
}

// ClearByPattern removes every entry whose key matches and returns how many
// were removed.
func (c *KeyedCache) ClearByPattern(match func(key string) bool) int {
	c.mu.Lock()
	var removed []string
	for key := range c.entries {
		if match(key) {
			delete(c.entries, key)
			c.recency.remove(key)
			removed = append(removed, key)
		}
	}
	c.mu.Unlock()
	c.forget(removed)
	return len(removed)
}

// ClearByPrefix removes every entry whose key starts with prefix.
func (c *KeyedCache) ClearByPrefix(prefix string) int {
	return c.ClearByPattern(func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// PurgeStore clears the session store, if one is configured.
func (c *KeyedCache) PurgeStore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to purge session store: %w", err)
	}
	return nil
}

// Seed hydrates entries for keys from the session store. Keys already held
// in memory are left alone, and keys absent from the store are skipped.
// Seeded entries keep their original timestamp, so they may already be stale.
func (c *KeyedCache) Seed(ctx context.Context, keys ...string) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	seeded := 0
	for _, key := range keys {
		stored, err := c.store.Fetch(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return seeded, fmt.Errorf("failed to seed key %s: %w", key, err)
		}
		c.mu.Lock()
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = Entry{
				Key:             key,
				Value:           json.RawMessage(stored.Value),
				Timestamp:       stored.Timestamp,
				FreshnessWindow: stored.FreshnessWindow,
				encoded:         true,
			}
			c.recency.touch(key)
			c.evictLocked()
			seeded++
		}
		c.mu.Unlock()
	}
	c.logger.Info().Int("seeded", seeded).Int("requested", len(keys)).Msg("Seeded cache from session store.")
	return seeded, nil
}

// Peek returns the entry for key without fetching or affecting recency.
func (c *KeyedCache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return entry, ok
}

// Len returns the number of entries held in memory.
func (c *KeyedCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *KeyedCache) Stats() Stats {
	return Stats{
		Entries:     c.Len(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		StaleServed: c.staleServed.Load(),
		Fetches:     c.fetches.Load(),
		Coalesced:   c.coalesced.Load(),
		FetchErrors: c.fetchErrors.Load(),
		Evictions:   c.evictions.Load(),
	}
}

// replaceDecoded swaps a seeded JSON value for its decoded form, provided the
// entry has not been rewritten in the meantime.
func (c *KeyedCache) replaceDecoded(seen Entry, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.entries[seen.Key]
	if ok && cur.encoded && cur.Timestamp.Equal(seen.Timestamp) {
		cur.Value = value
		cur.encoded = false
		c.entries[seen.Key] = cur
	}
}

// Close closes the session store, if one is configured.
func (c *KeyedCache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}
