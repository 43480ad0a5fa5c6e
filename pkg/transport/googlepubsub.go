package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubsubConfig holds the configuration for a GooglePubsubTransport.
type PubsubConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"` // Optional
	// TopicPrefix is prepended to every logical topic to form the Pub/Sub topic ID.
	TopicPrefix string `yaml:"topic_prefix"`
	// CreateTopics creates missing Pub/Sub topics on subscribe.
	CreateTopics bool `yaml:"create_topics"`
	// SubscriptionExpiry lets the server delete subscriptions left behind by
	// a client that died. Zero keeps the server default.
	SubscriptionExpiry time.Duration `yaml:"subscription_expiry"`
	// ReconnectDelay is how long the transport reports reconnecting after a
	// receive stream failed.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

// DefaultPubsubConfig returns a PubsubConfig with sensible defaults.
func DefaultPubsubConfig(projectID string) *PubsubConfig {
	return &PubsubConfig{
		ProjectID:          projectID,
		TopicPrefix:        "livesync-",
		SubscriptionExpiry: 24 * time.Hour,
		ReconnectDelay:     3 * time.Second,
	}
}

type pubsubReceiver struct {
	sub    *pubsub.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// GooglePubsubTransport carries topics over Google Cloud Pub/Sub. Every
// upstream subscription is a subscription of its own on the topic, owned by
// this client and deleted on unsubscribe.
type GooglePubsubTransport struct {
	connState
	cfg    PubsubConfig
	client *pubsub.Client
	logger zerolog.Logger

	mu         sync.Mutex
	clientID   string
	topics     map[string]*pubsub.Topic
	receivers  map[string]*pubsubReceiver
	recovering bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewGooglePubsubTransportFromConfig creates the Pub/Sub client described by
// cfg and a transport over it.
func NewGooglePubsubTransportFromConfig(ctx context.Context, cfg *PubsubConfig, logger zerolog.Logger) (*GooglePubsubTransport, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("pubsub project ID is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewGooglePubsubTransport(client, cfg, logger), nil
}

// NewGooglePubsubTransport creates a transport over an existing client.
func NewGooglePubsubTransport(client *pubsub.Client, cfg *PubsubConfig, logger zerolog.Logger) *GooglePubsubTransport {
	c := *cfg
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	clientID := uuid.NewString()[:8]
	return &GooglePubsubTransport{
		cfg:       c,
		client:    client,
		logger:    logger.With().Str("component", "GooglePubsubTransport").Str("client_id", clientID).Logger(),
		clientID:  clientID,
		topics:    make(map[string]*pubsub.Topic),
		receivers: make(map[string]*pubsubReceiver),
	}
}

// Connect marks the transport open. The Pub/Sub client dials lazily.
func (t *GooglePubsubTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.cancel == nil {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}
	t.mu.Unlock()
	t.setState(types.StateOpen)
	return nil
}

func (t *GooglePubsubTransport) topic(ctx context.Context, name string, create bool) (*pubsub.Topic, error) {
	topicID := t.cfg.TopicPrefix + name

	t.mu.Lock()
	pt, ok := t.topics[topicID]
	t.mu.Unlock()
	if ok {
		return pt, nil
	}

	pt = t.client.Topic(topicID)
	exists, err := pt.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check topic %s: %w", topicID, err)
	}
	if !exists {
		if !create {
			return nil, fmt.Errorf("topic %s does not exist", topicID)
		}
		pt, err = t.client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("failed to create topic %s: %w", topicID, err)
		}
		t.logger.Info().Str("topic_id", topicID).Msg("Created Pub/Sub topic.")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.topics[topicID]; ok {
		pt.Stop()
		return existing, nil
	}
	t.topics[topicID] = pt
	return pt, nil
}

// Subscribe creates a subscription on the Pub/Sub topic for topic and starts
// receiving from it.
func (t *GooglePubsubTransport) Subscribe(ctx context.Context, topic string) (multiplexer.Handle, error) {
	t.mu.Lock()
	loopCtx := t.ctx
	t.mu.Unlock()
	if loopCtx == nil || !t.IsConnected() {
		return multiplexer.Handle{}, ErrNotConnected
	}

	pt, err := t.topic(ctx, topic, t.cfg.CreateTopics)
	if err != nil {
		return multiplexer.Handle{}, err
	}

	subID := fmt.Sprintf("%s-%s-%s", pt.ID(), t.clientID, uuid.NewString()[:8])
	subCfg := pubsub.SubscriptionConfig{Topic: pt, AckDeadline: 10 * time.Second}
	if t.cfg.SubscriptionExpiry > 0 {
		subCfg.ExpirationPolicy = t.cfg.SubscriptionExpiry
	}
	sub, err := t.client.CreateSubscription(ctx, subID, subCfg)
	if err != nil {
		return multiplexer.Handle{}, fmt.Errorf("failed to create subscription %s: %w", subID, err)
	}
	// One message at a time keeps delivery in receive order.
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1

	recvCtx, cancel := context.WithCancel(loopCtx)
	r := &pubsubReceiver{sub: sub, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.receivers[subID] = r
	t.mu.Unlock()

	go t.receive(recvCtx, topic, r)
	t.logger.Info().Str("subscription_id", subID).Msg("Listening for messages")
	return multiplexer.Handle{Topic: topic, ID: subID}, nil
}

func (t *GooglePubsubTransport) receive(ctx context.Context, topic string, r *pubsubReceiver) {
	defer close(r.done)
	err := r.sub.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		payloadCopy := make([]byte, len(msg.Data))
		copy(payloadCopy, msg.Data)
		// Live views never want redelivery, so ack before dispatch.
		msg.Ack()
		t.emit(types.Event{
			ID:         msg.ID,
			Topic:      topic,
			Payload:    payloadCopy,
			ReceivedAt: time.Now().UTC(),
			Attributes: msg.Attributes,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		t.logger.Error().Err(err).Str("subscription_id", r.sub.ID()).Msg("Pub/Sub Receive call exited with error")
		t.restartReceivers()
	}
}

// restartReceivers reports reconnecting, drops every receiver and reports open again
// after ReconnectDelay so the owner re-subscribes.
func (t *GooglePubsubTransport) restartReceivers() {
	t.mu.Lock()
	if t.recovering || t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.recovering = true
	t.mu.Unlock()

	t.setState(types.StateReconnecting)
	t.dropReceivers()

	go func() {
		time.Sleep(t.cfg.ReconnectDelay)
		t.mu.Lock()
		t.recovering = false
		open := t.cancel != nil
		t.mu.Unlock()
		if open {
			t.setState(types.StateOpen)
		}
	}()
}

func (t *GooglePubsubTransport) dropReceivers() {
	t.mu.Lock()
	receivers := t.receivers
	t.receivers = make(map[string]*pubsubReceiver)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for id, r := range receivers {
		r.cancel()
		<-r.done
		if err := r.sub.Delete(ctx); err != nil {
			t.logger.Warn().Err(err).Str("subscription_id", id).Msg("Failed to delete subscription.")
		}
	}
}

// Unsubscribe stops receiving and deletes the subscription behind handle.
func (t *GooglePubsubTransport) Unsubscribe(ctx context.Context, handle multiplexer.Handle) error {
	t.mu.Lock()
	r, ok := t.receivers[handle.ID]
	delete(t.receivers, handle.ID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancel()
	<-r.done
	if err := r.sub.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", handle.ID, err)
	}
	return nil
}

// Send publishes payload to the Pub/Sub topic for topic and waits for the
// server to accept it.
func (t *GooglePubsubTransport) Send(ctx context.Context, topic string, payload []byte) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	pt, err := t.topic(ctx, topic, t.cfg.CreateTopics)
	if err != nil {
		return err
	}
	result := pt.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: map[string]string{"sender": t.clientID},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", pt.ID(), err)
	}
	return nil
}

// Close stops every receiver, deletes their subscriptions and flushes the
// topic publishers. The Pub/Sub client itself is left open.
func (t *GooglePubsubTransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	t.ctx, t.cancel = nil, nil
	topics := t.topics
	t.topics = make(map[string]*pubsub.Topic)
	t.mu.Unlock()

	if cancel != nil {
		t.dropReceivers()
		cancel()
	}
	for _, pt := range topics {
		pt.Stop()
	}
	t.setState(types.StateClosed)
	t.logger.Info().Msg("Pub/Sub transport closed.")
	return nil
}
