package cache

import (
	"context"
	"io"
)

// SessionStore defines the contract for persisting session-scoped cache
// state outside the process, such as the entries a client should be able to
// show immediately after a restart. It requires explicit Set and Delete
// operations, and Clear is used at session boundaries (e.g. logout).
type SessionStore[K comparable, V any] interface {
	// Set explicitly stores a value for a key.
	Set(ctx context.Context, key K, value V) error
	// Fetch retrieves a value by its key. A missing key returns an error wrapping ErrNotFound.
	Fetch(ctx context.Context, key K) (V, error)
	// Delete explicitly removes a key.
	Delete(ctx context.Context, key K) error
	// Clear removes every key held by this store.
	Clear(ctx context.Context) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}
