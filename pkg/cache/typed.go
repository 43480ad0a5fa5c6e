package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get returns the value for key, fetching it with fetch when there is no
// usable entry. See KeyedCache for the resolution order.
func Get[V any](ctx context.Context, c *KeyedCache, key string, fetch Fetcher[V], opts ...Option) (V, error) {
	var zero V
	entry, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}, opts)
	if err != nil {
		return zero, err
	}
	return valueAs[V](c, entry)
}

// valueAs reads entry's value as V, decoding seeded JSON values on first use.
func valueAs[V any](c *KeyedCache, entry Entry) (V, error) {
	var zero V
	if entry.Value == nil {
		return zero, nil
	}
	if raw, ok := entry.Value.(json.RawMessage); ok && entry.encoded {
		var v V
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, fmt.Errorf("%w: key %q could not be decoded: %v", ErrTypeMismatch, entry.Key, err)
		}
		c.replaceDecoded(entry, v)
		return v, nil
	}
	if v, ok := entry.Value.(V); ok {
		return v, nil
	}
	return zero, fmt.Errorf("%w: key %q holds %T", ErrTypeMismatch, entry.Key, entry.Value)
}

// Update applies update to the current value for key as V and stores the
// result. ok is false when there is no entry or it cannot be read as V. When
// update fails the entry is left untouched and the error is returned.
func Update[V any](c *KeyedCache, key string, update func(old V, ok bool) (V, error), opts ...Option) error {
	return c.tryMutate(key, func(old Entry, ok bool) (any, error) {
		var zero V
		if !ok {
			return update(zero, false)
		}
		if raw, isRaw := old.Value.(json.RawMessage); isRaw && old.encoded {
			var decoded V
			if err := json.Unmarshal(raw, &decoded); err == nil {
				return update(decoded, true)
			}
			return update(zero, false)
		}
		switch v := old.Value.(type) {
		case V:
			return update(v, true)
		case json.RawMessage:
			var decoded V
			if err := json.Unmarshal(v, &decoded); err == nil {
				return update(decoded, true)
			}
		}
		return update(zero, false)
	}, opts)
}

// TypedCache is a typed view over a KeyedCache for one resource family.
// Every key is namespaced with the view's prefix.
type TypedCache[V any] struct {
	cache  *KeyedCache
	prefix string
}

// NewTypedCache creates a typed view over c. prefix namespaces the view's
// keys, e.g. "match/" or "profile/".
func NewTypedCache[V any](c *KeyedCache, prefix string) *TypedCache[V] {
	return &TypedCache[V]{cache: c, prefix: prefix}
}

// Key returns the full cache key for id.
func (t *TypedCache[V]) Key(id string) string {
	return t.prefix + id
}

// Get returns the value for id, fetching on a miss.
func (t *TypedCache[V]) Get(ctx context.Context, id string, fetch Fetcher[V], opts ...Option) (V, error) {
	return Get(ctx, t.cache, t.Key(id), fetch, opts...)
}

// Mutate optimistically overwrites the value for id.
func (t *TypedCache[V]) Mutate(id string, value V, opts ...Option) {
	t.cache.Mutate(t.Key(id), value, opts...)
}

// Update applies update to the current value for id and stores the result.
// ok is false when there is no entry or the entry holds a different type.
func (t *TypedCache[V]) Update(id string, update func(old V, ok bool) V, opts ...Option) {
	_ = Update(t.cache, t.Key(id), func(old V, ok bool) (V, error) {
		return update(old, ok), nil
	}, opts...)
}

// Peek returns the cached value for id without fetching.
func (t *TypedCache[V]) Peek(id string) (V, bool) {
	var zero V
	entry, ok := t.cache.Peek(t.Key(id))
	if !ok {
		return zero, false
	}
	v, err := valueAs[V](t.cache, entry)
	if err != nil {
		return zero, false
	}
	return v, true
}

// Invalidate deletes the entry for id.
func (t *TypedCache[V]) Invalidate(id string) {
	t.cache.Invalidate(t.Key(id))
}

// Clear removes every entry in this view's namespace.
func (t *TypedCache[V]) Clear() int {
	return t.cache.ClearByPrefix(t.prefix)
}
