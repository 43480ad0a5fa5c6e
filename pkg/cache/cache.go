// Package cache provides a keyed read-through cache that coalesces concurrent
// fetches for the same key, serves stale values while revalidating, and can
// persist session state to an external SessionStore.
package cache

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"
)

var (
	// ErrNotFound is returned (wrapped) by session stores and sources when a key has no value.
	ErrNotFound = errors.New("cache: key not found")
	// ErrTypeMismatch is returned when a cached value cannot be read as the requested type.
	ErrTypeMismatch = errors.New("cache: cached value has a different type")
)

// Fetcher produces the value for a single cache key. It is supplied by the
// caller on every Get and may fail; failures are never cached.
type Fetcher[V any] func(ctx context.Context) (V, error)

// Config holds the configuration for a KeyedCache.
type Config struct {
	// DefaultTTL is the freshness window used when a Get does not supply one.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// MaxEntries bounds the number of entries; the least recently used entry
	// is evicted past the bound. Zero means unbounded.
	MaxEntries int `yaml:"max_entries"`
	// StoreWriteTimeout bounds background write-through calls to the SessionStore.
	StoreWriteTimeout time.Duration `yaml:"store_write_timeout"`

	// Clock is used for timestamps and freshness checks. Defaults to the real clock.
	Clock clock.PassiveClock `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:        30 * time.Second,
		StoreWriteTimeout: 10 * time.Second,
	}
}

// Options control a single Get.
type Options struct {
	// TTL is the freshness window applied to the value this Get stores.
	TTL time.Duration
	// StaleWhileRevalidate returns a stale entry immediately and refreshes it
	// in the background.
	StaleWhileRevalidate bool
	// Dedupe attaches to an in-flight fetch for the same key instead of
	// starting a new one.
	Dedupe bool
}

// Option mutates the Options of a single Get.
type Option func(*Options)

// WithTTL sets the freshness window for the stored value.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// WithStaleWhileRevalidate toggles serving stale entries while refreshing them.
func WithStaleWhileRevalidate(enabled bool) Option {
	return func(o *Options) { o.StaleWhileRevalidate = enabled }
}

// WithDedupe toggles coalescing with an in-flight fetch. Dedupe is on by default.
// A Get with dedupe off always fetches and becomes the pending fetch for key.
func WithDedupe(enabled bool) Option {
	return func(o *Options) { o.Dedupe = enabled }
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	StaleServed int64 `json:"staleServed"`
	Fetches     int64 `json:"fetches"`
	Coalesced   int64 `json:"coalesced"`
	FetchErrors int64 `json:"fetchErrors"`
	Evictions   int64 `json:"evictions"`
}
