package transport_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	pb "cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupPubsubTest creates an in-memory Pub/Sub server and a client for it.
func setupPubsubTest(t *testing.T, projectID string, topicIDs ...string) *pubsub.Client {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, projectID, option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for _, topicID := range topicIDs {
		_, err = srv.GServer.CreateTopic(ctx, &pb.Topic{Name: fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)})
		require.NoError(t, err)
	}
	return client
}

func countSubscriptions(t *testing.T, client *pubsub.Client) int {
	t.Helper()
	it := client.Subscriptions(context.Background())
	n := 0
	for {
		_, err := it.Next()
		if err == iterator.Done {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestGooglePubsubTransport_ReceiveThroughMultiplexer(t *testing.T) {
	// --- Arrange ---
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	client := setupPubsubTest(t, "test-project", "livesync-match-3")

	cfg := &transport.PubsubConfig{ProjectID: "test-project", TopicPrefix: "livesync-"}
	tr := transport.NewGooglePubsubTransport(client, cfg, zerolog.Nop())
	m := multiplexer.New(tr, nil, zerolog.Nop())
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	received := make(chan types.Event, 4)
	unsub := m.Subscribe(multiplexer.MatchTopic("3"), func(ev types.Event) { received <- ev })
	require.Eventually(t, func() bool { return countSubscriptions(t, client) == 1 }, 5*time.Second, 20*time.Millisecond)

	// --- Act ---
	require.NoError(t, m.Send(ctx, "match-3", []byte("half-time")))

	// --- Assert ---
	select {
	case ev := <-received:
		assert.Equal(t, "match-3", ev.Topic)
		assert.Equal(t, []byte("half-time"), ev.Payload)
		assert.NotEmpty(t, ev.ID)
		assert.NotEmpty(t, ev.Attributes["sender"])
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message from transport")
	}

	unsub()
	require.Eventually(t, func() bool { return countSubscriptions(t, client) == 0 }, 5*time.Second, 20*time.Millisecond,
		"the last unsubscribe deletes the subscription")
}

func TestGooglePubsubTransport_MissingTopic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	client := setupPubsubTest(t, "test-project-missing")

	tr := transport.NewGooglePubsubTransport(client, &transport.PubsubConfig{TopicPrefix: "livesync-"}, zerolog.Nop())
	_, err := tr.Subscribe(ctx, "global")
	require.ErrorIs(t, err, transport.ErrNotConnected)

	require.NoError(t, tr.Connect(ctx))
	_, err = tr.Subscribe(ctx, "global")
	require.Error(t, err, "topics are not created unless configured")

	creating := transport.NewGooglePubsubTransport(client, &transport.PubsubConfig{TopicPrefix: "livesync-", CreateTopics: true}, zerolog.Nop())
	require.NoError(t, creating.Connect(ctx))
	handle, err := creating.Subscribe(ctx, "global")
	require.NoError(t, err)
	assert.Equal(t, "global", handle.Topic)

	exists, err := client.Topic("livesync-global").Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, creating.Close())
	assert.Equal(t, 0, countSubscriptions(t, client))
	assert.Equal(t, types.StateClosed, creating.State())
}
