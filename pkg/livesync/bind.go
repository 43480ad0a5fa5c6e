package livesync

import (
	"fmt"
	"time"

	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
)

// KeyExtractor maps an event to the cache key it affects.
type KeyExtractor func(ev types.Event) (key string, ok bool)

// Binding describes how the events of a topic update the cache.
//
// With Merge set, the event is folded into the current value. Otherwise,
// with Decode set, the decoded event replaces the value. With neither, the
// event only invalidates the entry so the next read fetches it again. A
// failed Merge or Decode also invalidates.
type Binding[V any] struct {
	Topic  string
	Key    KeyExtractor
	Decode func(ev types.Event) (V, error)
	Merge  func(ev types.Event, current V, found bool) (V, error)
	// TTL is the freshness window for values written by the binding. Zero
	// uses the cache default.
	TTL time.Duration
}

// StaticKey returns a KeyExtractor that maps every event to key.
func StaticKey(key string) KeyExtractor {
	return func(types.Event) (string, bool) { return key, true }
}

// AttributeKey returns a KeyExtractor that builds the key from prefix and
// the named event attribute. Events without the attribute are skipped.
func AttributeKey(prefix, attribute string) KeyExtractor {
	return func(ev types.Event) (string, bool) {
		v, ok := ev.Attributes[attribute]
		if !ok || v == "" {
			return "", false
		}
		return prefix + v, true
	}
}

// NewBindingListener returns a listener that applies b to c.
func NewBindingListener[V any](c *cache.KeyedCache, b Binding[V], logger zerolog.Logger) (multiplexer.Listener, error) {
	if c == nil || b.Key == nil {
		return nil, fmt.Errorf("cache and key extractor cannot be nil")
	}
	bindLogger := logger.With().Str("component", "Binding").Str("topic", b.Topic).Logger()
	var opts []cache.Option
	if b.TTL > 0 {
		opts = append(opts, cache.WithTTL(b.TTL))
	}

	return func(ev types.Event) {
		key, ok := b.Key(ev)
		if !ok {
			bindLogger.Debug().Str("event_id", ev.ID).Msg("Key not found in event, skipping.")
			return
		}

		var err error
		switch {
		case b.Merge != nil:
			err = cache.Update(c, key, func(current V, found bool) (V, error) {
				return b.Merge(ev, current, found)
			}, opts...)
		case b.Decode != nil:
			var v V
			v, err = b.Decode(ev)
			if err == nil {
				c.Mutate(key, v, opts...)
			}
		default:
			c.Invalidate(key)
			bindLogger.Debug().Str("event_id", ev.ID).Str("key", key).Msg("Entry invalidated by event.")
			return
		}

		if err != nil {
			// The cached value can no longer be trusted; let the next read refetch it.
			c.Invalidate(key)
			bindLogger.Warn().Err(err).Str("event_id", ev.ID).Str("key", key).Msg("Failed to apply event, entry invalidated.")
			return
		}
		bindLogger.Debug().Str("event_id", ev.ID).Str("key", key).Msg("Entry updated from event.")
	}, nil
}

// Bind subscribes b on lc's multiplexer for the lifetime of the process or
// until the returned Unsubscribe is called.
func Bind[V any](lc *Context, b Binding[V]) (multiplexer.Unsubscribe, error) {
	listener, err := NewBindingListener(lc.cache, b, lc.logger)
	if err != nil {
		return nil, err
	}
	return lc.mux.Subscribe(b.Topic, listener), nil
}
