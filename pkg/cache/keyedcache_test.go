package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// countingSource is a test double that simulates a network resource.
type countingSource[V any] struct {
	calls atomic.Int32
	fetch func(ctx context.Context) (V, error)
}

func (s *countingSource[V]) Fetcher() cache.Fetcher[V] {
	return func(ctx context.Context) (V, error) {
		s.calls.Add(1)
		return s.fetch(ctx)
	}
}

func newTestCache(t *testing.T, cfg *cache.Config) (*cache.KeyedCache, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	if cfg == nil {
		cfg = cache.DefaultConfig()
	}
	cfg.Clock = fc
	c := cache.NewKeyedCache(cfg, nil, zerolog.Nop())
	t.Cleanup(func() { _ = c.Close() })
	return c, fc
}

func TestKeyedCache_Dedupe(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		<-release
		return "match-42", nil
	}}

	const callers = 20
	results := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(ctx, c, "match/42", source.Fetcher())
		}(i)
	}

	// Let the callers pile up on the pending fetch before it resolves. Callers
	// that arrive after it resolves find a fresh entry, so the count holds either way.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load(), "Concurrent gets should share a single fetch")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "match-42", results[i])
	}
}

func TestKeyedCache_DedupeDisabled(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	var started atomic.Int32
	source := &countingSource[int]{fetch: func(ctx context.Context) (int, error) {
		started.Add(1)
		<-release
		return 7, nil
	}}

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer wg.Done()
			_, _ = cache.Get(ctx, c, "k", source.Fetcher(), cache.WithDedupe(false))
		}()
	}

	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestKeyedCache_DedupedGetJoinsUndedupedFetch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)

	release := make(chan struct{})
	var started atomic.Int32
	source := &countingSource[int]{fetch: func(ctx context.Context) (int, error) {
		started.Add(1)
		<-release
		return 9, nil
	}}

	var wg sync.WaitGroup
	wg.Add(2)
	var forced, joined int
	go func() {
		defer wg.Done()
		forced, _ = cache.Get(ctx, c, "k", source.Fetcher(), cache.WithDedupe(false))
	}()
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		defer wg.Done()
		joined, _ = cache.Get(ctx, c, "k", source.Fetcher())
	}()
	assert.Never(t, func() bool { return started.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond,
		"A deduped get should attach to the forced fetch already in flight")

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), source.calls.Load())
	assert.Equal(t, 9, forced)
	assert.Equal(t, 9, joined)
}

func TestKeyedCache_TTL(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t, nil)
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		return "profile", nil
	}}
	ttl := cache.WithTTL(1000 * time.Millisecond)

	// Act 1: first get misses and fetches.
	v, err := cache.Get(ctx, c, "user/1", source.Fetcher(), ttl)
	require.NoError(t, err)
	assert.Equal(t, "profile", v)
	assert.Equal(t, int32(1), source.calls.Load())

	// Act 2: an immediate get is served from the cache.
	_, err = cache.Get(ctx, c, "user/1", source.Fetcher(), ttl)
	require.NoError(t, err)
	assert.Equal(t, int32(1), source.calls.Load(), "Fresh entry should not trigger a fetch")

	// Act 3: once the window passes the entry is stale and is refetched.
	fc.Step(1001 * time.Millisecond)
	_, err = cache.Get(ctx, c, "user/1", source.Fetcher(), ttl)
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load(), "Stale entry should trigger exactly one new fetch")
}

func TestKeyedCache_StaleWhileRevalidate(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t, nil)

	var version atomic.Int32
	version.Store(1)
	release := make(chan struct{})
	source := &countingSource[int32]{fetch: func(ctx context.Context) (int32, error) {
		v := version.Load()
		if v > 1 {
			<-release
		}
		return v, nil
	}}
	opts := []cache.Option{cache.WithTTL(time.Second), cache.WithStaleWhileRevalidate(true)}

	v, err := cache.Get(ctx, c, "feed", source.Fetcher(), opts...)
	require.NoError(t, err)
	require.Equal(t, int32(1), v)

	fc.Step(2 * time.Second)
	version.Store(2)

	// Act: the stale value comes back without waiting on the network.
	v, err = cache.Get(ctx, c, "feed", source.Fetcher(), opts...)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v, "Stale value should be returned immediately")

	// A second stale read while the refresh is in flight does not start another.
	v, err = cache.Get(ctx, c, "feed", source.Fetcher(), opts...)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	close(release)
	require.Eventually(t, func() bool {
		entry, ok := c.Peek("feed")
		return ok && entry.Value == int32(2)
	}, time.Second, 5*time.Millisecond, "Background refresh should update the entry")
	assert.Equal(t, int32(2), source.calls.Load(), "Exactly one background fetch should run")

	// Assert: the refreshed value is now served fresh.
	v, err = cache.Get(ctx, c, "feed", source.Fetcher(), opts...)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v)
	assert.Equal(t, int32(2), source.calls.Load())
	assert.Equal(t, int64(2), c.Stats().StaleServed)
}

func TestKeyedCache_FetchFailure(t *testing.T) {
	ctx := context.Background()
	c, fc := newTestCache(t, nil)
	sourceErr := errors.New("network down")

	var fail atomic.Bool
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		if fail.Load() {
			return "", sourceErr
		}
		return "last-good", nil
	}}

	t.Run("Error is propagated and nothing is cached", func(t *testing.T) {
		fail.Store(true)
		_, err := cache.Get(ctx, c, "chat/9", source.Fetcher())
		require.ErrorIs(t, err, sourceErr)
		_, ok := c.Peek("chat/9")
		assert.False(t, ok, "Failures must not create entries")

		_, err = cache.Get(ctx, c, "chat/9", source.Fetcher())
		require.ErrorIs(t, err, sourceErr)
		assert.Equal(t, int32(2), source.calls.Load(), "Failures are not cached so the next get fetches again")
	})

	t.Run("Stale entry survives a failed refresh", func(t *testing.T) {
		fail.Store(false)
		_, err := cache.Get(ctx, c, "chat/9", source.Fetcher(), cache.WithTTL(time.Second))
		require.NoError(t, err)

		fc.Step(2 * time.Second)
		fail.Store(true)
		_, err = cache.Get(ctx, c, "chat/9", source.Fetcher(), cache.WithTTL(time.Second))
		require.ErrorIs(t, err, sourceErr)

		entry, ok := c.Peek("chat/9")
		require.True(t, ok)
		assert.Equal(t, "last-good", entry.Value)
	})
}

func TestKeyedCache_FailureReachesAllWaiters(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	sourceErr := errors.New("boom")
	release := make(chan struct{})
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		<-release
		return "", sourceErr
	}}

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := cache.Get(ctx, c, "k", source.Fetcher())
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, sourceErr)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for coalesced caller")
		}
	}
}

func TestKeyedCache_WaiterCancellation(t *testing.T) {
	c, _ := newTestCache(t, nil)
	release := make(chan struct{})
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		<-release
		return "done", ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := cache.Get(ctx, c, "slow", source.Fetcher())
		errCh <- err
	}()

	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller should return promptly")
	}

	// The shared fetch is not tied to the cancelled caller and still populates the cache.
	close(release)
	require.Eventually(t, func() bool {
		entry, ok := c.Peek("slow")
		return ok && entry.Value == "done"
	}, time.Second, 5*time.Millisecond)
}

func TestKeyedCache_MutateAndInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	source := &countingSource[int]{fetch: func(ctx context.Context) (int, error) {
		return 1, nil
	}}

	t.Run("Mutate overwrites without fetching", func(t *testing.T) {
		c.Mutate("score", 10)
		v, err := cache.Get(ctx, c, "score", source.Fetcher())
		require.NoError(t, err)
		assert.Equal(t, 10, v)
		assert.Equal(t, int32(0), source.calls.Load())
	})

	t.Run("MutateWith sees the previous value", func(t *testing.T) {
		c.MutateWith("score", func(old any, ok bool) any {
			require.True(t, ok)
			return old.(int) + 5
		})
		entry, ok := c.Peek("score")
		require.True(t, ok)
		assert.Equal(t, 15, entry.Value)
	})

	t.Run("Invalidate forces the next get to fetch", func(t *testing.T) {
		c.Invalidate("score")
		v, err := cache.Get(ctx, c, "score", source.Fetcher())
		require.NoError(t, err)
		assert.Equal(t, 1, v)
		assert.Equal(t, int32(1), source.calls.Load())
	})
}

func TestKeyedCache_InvalidateDuringFetch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	c.Mutate("k", "old", cache.WithTTL(0))

	release := make(chan struct{})
	source := &countingSource[string]{fetch: func(ctx context.Context) (string, error) {
		<-release
		return "new", nil
	}}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = cache.Get(ctx, c, "k", source.Fetcher(), cache.WithTTL(0))
	}()
	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	c.Invalidate("k")
	_, ok := c.Peek("k")
	assert.False(t, ok)

	close(release)
	<-done
	entry, ok := c.Peek("k")
	require.True(t, ok, "In-flight fetch repopulates the entry after invalidation")
	assert.Equal(t, "new", entry.Value)
}

func TestKeyedCache_ClearByPattern(t *testing.T) {
	c, _ := newTestCache(t, nil)
	c.Mutate("match/1", 1)
	c.Mutate("match/2", 2)
	c.Mutate("user/1", 3)

	removed := c.ClearByPrefix("match/")
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())

	removed = c.ClearByPattern(func(key string) bool { return key == "user/1" })
	assert.Equal(t, 1, removed)

	c.Mutate("a", 1)
	c.Mutate("b", 2)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestKeyedCache_TypeMismatch(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, nil)
	c.Mutate("k", "a string")

	_, err := cache.Get[int](ctx, c, "k", func(ctx context.Context) (int, error) { return 1, nil })
	require.ErrorIs(t, err, cache.ErrTypeMismatch)
}

func TestKeyedCache_MaxEntries(t *testing.T) {
	ctx := context.Background()
	cfg := cache.DefaultConfig()
	cfg.MaxEntries = 2
	c, _ := newTestCache(t, cfg)

	var calls atomic.Int32
	fetch := func(v int) cache.Fetcher[int] {
		return func(ctx context.Context) (int, error) {
			calls.Add(1)
			return v, nil
		}
	}

	// Fill the cache, then touch key1 so key2 becomes least recently used.
	_, _ = cache.Get(ctx, c, "key1", fetch(1))
	_, _ = cache.Get(ctx, c, "key2", fetch(2))
	_, _ = cache.Get(ctx, c, "key1", fetch(1))
	assert.Equal(t, int32(2), calls.Load())

	// key3 evicts key2.
	_, _ = cache.Get(ctx, c, "key3", fetch(3))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek("key2")
	assert.False(t, ok, "key2 should have been evicted")
	_, ok = c.Peek("key1")
	assert.True(t, ok, "key1 should still be cached")
	assert.Equal(t, int64(1), c.Stats().Evictions)
}
