package livesync_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-livesync/pkg/cache"
	"github.com/illmade-knight/go-livesync/pkg/livesync"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/poller"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

type match struct {
	ID    string `json:"id"`
	Score int    `json:"score"`
}

func newTestContext(t *testing.T) (*livesync.Context, *transport.Loopback, *testingclock.FakeClock) {
	t.Helper()
	return newTestContextWithStore(t, nil)
}

func newTestContextWithStore(t *testing.T, store cache.SessionStore[string, cache.StoredEntry]) (*livesync.Context, *transport.Loopback, *testingclock.FakeClock) {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Now())
	cfg := livesync.DefaultConfig()
	cfg.Clock = clk
	lb := transport.NewLoopback(zerolog.Nop())
	lc := livesync.New(cfg, lb, store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, lc.Start(ctx))
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = lc.Close(stopCtx)
	})
	return lc, lb, clk
}

func waitForUpstream(t *testing.T, lb *transport.Loopback, topic string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return lb.Subscriptions(topic) == n
	}, 2*time.Second, 5*time.Millisecond)
}

func publishJSON(t *testing.T, lb *transport.Loopback, topic string, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	lb.Publish(topic, payload)
}

func decodeMatch(ev types.Event) (match, error) {
	var m match
	err := json.Unmarshal(ev.Payload, &m)
	return m, err
}

func TestBind_DecodeReplacesEntry(t *testing.T) {
	lc, lb, _ := newTestContext(t)
	topic := multiplexer.MatchTopic("42")

	unsub, err := livesync.Bind(lc, livesync.Binding[match]{
		Topic:  topic,
		Key:    livesync.StaticKey("match/42"),
		Decode: decodeMatch,
	})
	require.NoError(t, err)
	defer unsub()
	waitForUpstream(t, lb, topic, 1)

	publishJSON(t, lb, topic, match{ID: "42", Score: 3})

	matches := cache.NewTypedCache[match](lc.Cache(), "match/")
	require.Eventually(t, func() bool {
		m, ok := matches.Peek("42")
		return ok && m.Score == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBind_MergeFoldsEvents(t *testing.T) {
	lc, lb, _ := newTestContext(t)
	topic := multiplexer.ChatTopic("7")

	_, err := livesync.Bind(lc, livesync.Binding[[]string]{
		Topic: topic,
		Key:   livesync.StaticKey("chat/7"),
		Merge: func(ev types.Event, current []string, found bool) ([]string, error) {
			return append(current, string(ev.Payload)), nil
		},
	})
	require.NoError(t, err)
	waitForUpstream(t, lb, topic, 1)

	lb.Publish(topic, []byte("hello"))
	lb.Publish(topic, []byte("there"))

	chat := cache.NewTypedCache[[]string](lc.Cache(), "chat/")
	require.Eventually(t, func() bool {
		lines, ok := chat.Peek("7")
		return ok && assert.ObjectsAreEqual([]string{"hello", "there"}, lines)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBind_InvalidatesWithoutDecoder(t *testing.T) {
	lc, lb, _ := newTestContext(t)
	topic := multiplexer.UserTopic("u1")
	lc.Cache().Mutate("profile/u1", "stale")

	_, err := livesync.Bind(lc, livesync.Binding[string]{
		Topic: topic,
		Key:   livesync.StaticKey("profile/u1"),
	})
	require.NoError(t, err)
	waitForUpstream(t, lb, topic, 1)

	lb.Publish(topic, []byte(`{}`))

	require.Eventually(t, func() bool {
		_, ok := lc.Cache().Peek("profile/u1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBind_FailedDecodeInvalidates(t *testing.T) {
	lc, lb, _ := newTestContext(t)
	topic := multiplexer.MatchTopic("9")
	lc.Cache().Mutate("match/9", match{ID: "9", Score: 1})

	_, err := livesync.Bind(lc, livesync.Binding[match]{
		Topic:  topic,
		Key:    livesync.StaticKey("match/9"),
		Decode: decodeMatch,
	})
	require.NoError(t, err)
	waitForUpstream(t, lb, topic, 1)

	lb.Publish(topic, []byte("not json"))

	require.Eventually(t, func() bool {
		_, ok := lc.Cache().Peek("match/9")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBind_RequiresKeyExtractor(t *testing.T) {
	lc, _, _ := newTestContext(t)
	_, err := livesync.Bind(lc, livesync.Binding[match]{Topic: multiplexer.GlobalTopic})
	require.Error(t, err)
}

func TestAttributeKey(t *testing.T) {
	extract := livesync.AttributeKey("match/", "match_id")

	key, ok := extract(types.Event{Attributes: map[string]string{"match_id": "12"}})
	assert.True(t, ok)
	assert.Equal(t, "match/12", key)

	_, ok = extract(types.Event{})
	assert.False(t, ok)
}

func TestScope_CloseEndsSubscriptionsAndPolling(t *testing.T) {
	lc, lb, clk := newTestContext(t)
	topic := multiplexer.GlobalTopic
	scope := lc.NewScope("lobby")

	var received atomic.Int32
	scope.Subscribe(topic, func(types.Event) { received.Add(1) })
	waitForUpstream(t, lb, topic, 1)

	var polls atomic.Int32
	session, err := scope.Poll("standings", poller.Config{BaseInterval: time.Second}, func(ctx context.Context) error {
		polls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return polls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	lb.Publish(topic, []byte("tick"))
	require.Eventually(t, func() bool { return received.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	scope.Close()
	assert.False(t, scope.Active())
	assert.Equal(t, poller.StateStopped, session.State())
	assert.Error(t, scope.Context().Err())
	waitForUpstream(t, lb, topic, 0)
	assert.Equal(t, 0, lc.Multiplexer().ListenerCount(topic))

	clk.Step(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), polls.Load())

	// Subscribing on a closed scope is a no-op.
	scope.Subscribe(topic, func(types.Event) { received.Add(1) })
	assert.Equal(t, 0, lc.Multiplexer().ListenerCount(topic))

	scope.Close()
}

func TestScope_PollUsesContextDefaults(t *testing.T) {
	lc, _, _ := newTestContext(t)
	scope := lc.NewScope("feed")
	defer scope.Close()

	var polls atomic.Int32
	session, err := scope.Poll("news", poller.Config{}, func(ctx context.Context) error {
		polls.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return polls.Load() == 1 && session.Interval() == poller.DefaultConfig().BaseInterval
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScope_PollAdaptive(t *testing.T) {
	lc, _, _ := newTestContext(t)
	scope := lc.NewScope("ladder")
	defer scope.Close()

	var fetches atomic.Int32
	session, err := livesync.PollAdaptive(scope, "ranks", poller.Config{BaseInterval: time.Second}, func(ctx context.Context) (int, error) {
		fetches.Add(1)
		return 1, nil
	}, func(a, b int) bool { return a == b })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, lc.Scheduler().Sessions())

	scope.Close()
	assert.Equal(t, poller.StateStopped, session.State())
	assert.Equal(t, 0, lc.Scheduler().Sessions())
}

func TestLoad_DiscardsResultAfterClose(t *testing.T) {
	lc, _, _ := newTestContext(t)
	scope := lc.NewScope("profile")

	release := make(chan struct{})
	delivered := make(chan string, 1)
	livesync.Load(scope, "profile/u2", func(ctx context.Context) (string, error) {
		<-release
		return "ada", nil
	}, func(v string, err error) {
		delivered <- v
	})

	scope.Close()
	close(release)

	require.Eventually(t, func() bool {
		_, ok := lc.Cache().Peek("profile/u2")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case v := <-delivered:
		t.Fatalf("result %q delivered after scope closed", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoad_DeliversWhileActive(t *testing.T) {
	lc, _, _ := newTestContext(t)
	scope := lc.NewScope("profile")
	defer scope.Close()

	errFetch := errors.New("backend down")
	results := make(chan error, 1)
	livesync.Load(scope, "profile/u3", func(ctx context.Context) (string, error) {
		return "", errFetch
	}, func(_ string, err error) {
		results <- err
	})

	select {
	case err := <-results:
		assert.ErrorIs(t, err, errFetch)
	case <-time.After(2 * time.Second):
		t.Fatal("load result not delivered")
	}
}

func TestContext_LogoutClearsSession(t *testing.T) {
	store := cache.NewInMemorySessionStore[string, cache.StoredEntry]()
	lc, lb, _ := newTestContextWithStore(t, store)
	topic := multiplexer.UserTopic("u1")
	lc.Multiplexer().Subscribe(topic, func(types.Event) {})
	waitForUpstream(t, lb, topic, 1)
	lc.Cache().Mutate("profile/u1", "ada")
	require.Eventually(t, func() bool {
		_, err := store.Fetch(context.Background(), "profile/u1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, lc.Logout(context.Background()))

	assert.Equal(t, 0, lc.Cache().Len())
	assert.Empty(t, lc.Multiplexer().Topics())
	waitForUpstream(t, lb, topic, 0)

	n, err := lc.Cache().Seed(context.Background(), "profile/u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestContext_Snapshot(t *testing.T) {
	lc, lb, _ := newTestContext(t)
	lc.Multiplexer().Subscribe(multiplexer.GlobalTopic, func(types.Event) {})
	waitForUpstream(t, lb, multiplexer.GlobalTopic, 1)
	lc.Cache().Mutate("a", 1)

	state := lc.Snapshot()
	assert.Equal(t, types.StateOpen, state.Connection)
	assert.True(t, state.Visible)
	assert.Equal(t, 1, state.Cache.Entries)
	require.Len(t, state.Topics, 1)
	assert.Equal(t, multiplexer.GlobalTopic, state.Topics[0].Topic)
	assert.Equal(t, 1, state.Topics[0].Listeners)
}

func TestDefault(t *testing.T) {
	custom := livesync.New(nil, transport.NewLoopback(zerolog.Nop()), nil, zerolog.Nop())
	livesync.SetDefault(custom)
	t.Cleanup(func() { livesync.SetDefault(nil) })

	assert.Same(t, custom, livesync.Default())

	livesync.SetDefault(nil)
	first := livesync.Default()
	require.NotNil(t, first)
	t.Cleanup(func() { _ = first.Close(context.Background()) })
	assert.Same(t, first, livesync.Default())
}

func TestDefault_DeliversEvents(t *testing.T) {
	livesync.SetDefault(nil)
	lc := livesync.Default()
	t.Cleanup(func() {
		livesync.SetDefault(nil)
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lc.Close(stopCtx)
	})

	var delivered atomic.Int32
	unsub := lc.Multiplexer().Subscribe(multiplexer.GlobalTopic, func(types.Event) { delivered.Add(1) })
	defer unsub()

	require.Eventually(t, func() bool {
		for _, ts := range lc.Multiplexer().Topics() {
			if ts.Topic == multiplexer.GlobalTopic && ts.Upstream {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "the default context opens the topic")

	require.NoError(t, lc.Multiplexer().Send(context.Background(), multiplexer.GlobalTopic, []byte(`{"ok":true}`)))
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 5*time.Millisecond,
		"the default context dispatches events without an explicit Start")
}
