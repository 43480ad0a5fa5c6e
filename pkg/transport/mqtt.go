package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MQTTConfig holds the configuration for the Paho MQTT client.
type MQTTConfig struct {
	// BrokerURL is the full URL of the MQTT broker, e.g. "tls://mqtt.example.com:8883".
	BrokerURL string `yaml:"broker_url"`
	// TopicPrefix is prepended to every logical topic to form the MQTT topic.
	TopicPrefix string `yaml:"topic_prefix"`
	// ClientIDPrefix is a prefix for the MQTT client ID; a unique suffix is added.
	ClientIDPrefix string `yaml:"client_id_prefix"`
	// QoS is used for subscriptions and publishes.
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// AllowPublicBroker permits connecting without credentials.
	AllowPublicBroker bool          `yaml:"allow_public_broker"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReconnectWaitMax  time.Duration `yaml:"reconnect_wait_max"`
	// CACertFile, ClientCertFile and ClientKeyFile configure TLS and mTLS.
	CACertFile     string `yaml:"ca_cert_file"`
	ClientCertFile string `yaml:"client_cert_file"`
	ClientKeyFile  string `yaml:"client_key_file"`
	// InsecureSkipVerify skips TLS certificate verification. Not for production.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Env constants for MQTT settings.
const (
	MqttBrokerURL             = "MQTT_BROKER_URL"
	MqttUsername              = "MQTT_USERNAME"
	MqttPassword              = "MQTT_PASSWORD"
	MqttSkipVerify            = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds      = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds = "MQTT_CONNECT_TIMEOUT_SECONDS"
)

// DefaultMQTTConfig returns an MQTTConfig with sensible defaults.
func DefaultMQTTConfig() *MQTTConfig {
	return &MQTTConfig{
		TopicPrefix:      "livesync/",
		ClientIDPrefix:   "livesync-",
		QoS:              1,
		KeepAlive:        60 * time.Second,
		ConnectTimeout:   10 * time.Second,
		ReconnectWaitMax: 120 * time.Second,
	}
}

// LoadMQTTConfigWithEnv returns the defaults overridden by MQTT_* environment
// variables. Unparseable durations are logged and ignored.
func LoadMQTTConfigWithEnv() *MQTTConfig {
	cfg := DefaultMQTTConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides cfg from MQTT_* environment variables.
func (cfg *MQTTConfig) ApplyEnv() {
	if url := os.Getenv(MqttBrokerURL); url != "" {
		cfg.BrokerURL = url
	}
	if user := os.Getenv(MqttUsername); user != "" {
		cfg.Username = user
	}
	if pass := os.Getenv(MqttPassword); pass != "" {
		cfg.Password = pass
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}
	if ka := os.Getenv(MqttKeepAliveSeconds); ka != "" {
		s, err := time.ParseDuration(ka + "s")
		if err == nil {
			cfg.KeepAlive = s
		} else {
			log.Warn().Err(err).Str("env", MqttKeepAliveSeconds).Msg("transport: error parsing keep alive seconds, using default")
		}
	}
	if ct := os.Getenv(MqttConnectTimeoutSeconds); ct != "" {
		s, err := time.ParseDuration(ct + "s")
		if err == nil {
			cfg.ConnectTimeout = s
		} else {
			log.Warn().Err(err).Str("env", MqttConnectTimeoutSeconds).Msg("transport: error parsing connect timeout seconds, using default")
		}
	}
}

// ClientFactory creates the Paho client from the assembled options.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// MQTTTransport carries topics over an MQTT broker. Paho reconnects on its
// own; subscriptions are not resumed by Paho but restored by the multiplexer
// once the connection reports open again.
type MQTTTransport struct {
	connState
	cfg       *MQTTConfig
	logger    zerolog.Logger
	newClient ClientFactory

	clientMu sync.Mutex
	client   mqtt.Client
	closing  bool
}

// NewMQTTTransport creates an MQTTTransport. It does not connect until Connect is called.
func NewMQTTTransport(cfg *MQTTConfig, logger zerolog.Logger) (*MQTTTransport, error) {
	return NewMQTTTransportWithClientFactory(cfg, mqtt.NewClient, logger)
}

// NewMQTTTransportWithClientFactory creates an MQTTTransport whose Paho
// client is built by factory.
func NewMQTTTransportWithClientFactory(cfg *MQTTConfig, factory ClientFactory, logger zerolog.Logger) (*MQTTTransport, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if !cfg.AllowPublicBroker && cfg.Username == "" {
		return nil, fmt.Errorf("MQTT credentials are required unless AllowPublicBroker is set")
	}
	return &MQTTTransport{
		cfg:       cfg,
		logger:    logger.With().Str("component", "MQTTTransport").Logger(),
		newClient: factory,
	}, nil
}

// Connect connects to the broker and waits for the first connection.
func (t *MQTTTransport) Connect(ctx context.Context) error {
	t.clientMu.Lock()
	t.closing = false
	if t.client == nil {
		t.client = t.newClient(t.createMqttOptions())
	}
	client := t.client
	t.clientMu.Unlock()

	if client.IsConnected() {
		t.setState(types.StateOpen)
		return nil
	}
	t.setState(types.StateConnecting)
	t.logger.Info().Str("broker", t.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	if err := waitToken(ctx, client.Connect()); err != nil {
		t.setState(types.StateClosed)
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	t.setState(types.StateOpen)
	return nil
}

// Subscribe subscribes to the MQTT topic for topic.
func (t *MQTTTransport) Subscribe(ctx context.Context, topic string) (multiplexer.Handle, error) {
	client, err := t.connectedClient()
	if err != nil {
		return multiplexer.Handle{}, err
	}
	mqttTopic := t.cfg.TopicPrefix + topic
	if err := waitToken(ctx, client.Subscribe(mqttTopic, t.cfg.QoS, t.handleIncomingMessage(topic))); err != nil {
		return multiplexer.Handle{}, fmt.Errorf("failed to subscribe to MQTT topic %s: %w", mqttTopic, err)
	}
	t.logger.Info().Str("topic", mqttTopic).Msg("Subscribed to MQTT topic.")
	return multiplexer.Handle{Topic: topic, ID: mqttTopic}, nil
}

// Unsubscribe removes the MQTT subscription behind handle.
func (t *MQTTTransport) Unsubscribe(ctx context.Context, handle multiplexer.Handle) error {
	client, err := t.connectedClient()
	if err != nil {
		// The broker dropped the subscription with the connection.
		return nil
	}
	if err := waitToken(ctx, client.Unsubscribe(handle.ID)); err != nil {
		return fmt.Errorf("failed to unsubscribe from MQTT topic %s: %w", handle.ID, err)
	}
	return nil
}

// Send publishes payload to the MQTT topic for topic.
func (t *MQTTTransport) Send(ctx context.Context, topic string, payload []byte) error {
	client, err := t.connectedClient()
	if err != nil {
		return err
	}
	mqttTopic := t.cfg.TopicPrefix + topic
	if err := waitToken(ctx, client.Publish(mqttTopic, t.cfg.QoS, false, payload)); err != nil {
		return fmt.Errorf("failed to publish to MQTT topic %s: %w", mqttTopic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.clientMu.Lock()
	t.closing = true
	client := t.client
	t.clientMu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(500)
		t.logger.Info().Msg("Paho MQTT client disconnected.")
	}
	t.setState(types.StateClosed)
	return nil
}

func (t *MQTTTransport) connectedClient() (mqtt.Client, error) {
	t.clientMu.Lock()
	client := t.client
	t.clientMu.Unlock()
	if client == nil || !client.IsConnected() {
		return nil, ErrNotConnected
	}
	return client, nil
}

// handleIncomingMessage converts MQTT messages on one subscription into events.
func (t *MQTTTransport) handleIncomingMessage(topic string) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		t.logger.Debug().Str("mqtt_topic", msg.Topic()).Msg("Received MQTT message")
		payloadCopy := make([]byte, len(msg.Payload()))
		copy(payloadCopy, msg.Payload())

		id := uuid.NewString()
		if msg.MessageID() != 0 {
			id = fmt.Sprintf("%d", msg.MessageID())
		}
		t.emit(types.Event{
			ID:         id,
			Topic:      topic,
			Payload:    payloadCopy,
			ReceivedAt: time.Now().UTC(),
			Attributes: map[string]string{"mqtt_topic": msg.Topic()},
		})
	}
}

// createMqttOptions assembles the Paho client options from the config.
func (t *MQTTTransport) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	opts.SetClientID(t.cfg.ClientIDPrefix + uuid.NewString()[:8])
	opts.SetUsername(t.cfg.Username)
	opts.SetPassword(t.cfg.Password)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(t.cfg.ReconnectWaitMax)
	opts.SetCleanSession(true)
	opts.SetResumeSubs(false)
	// Handlers run in arrival order so per-topic ordering is preserved.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		t.logger.Info().Str("broker", t.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		t.setState(types.StateOpen)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
		t.setState(types.StateReconnecting)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		t.clientMu.Lock()
		closing := t.closing
		t.clientMu.Unlock()
		if !closing {
			t.setState(types.StateReconnecting)
		}
	})

	if strings.HasPrefix(strings.ToLower(t.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(t.cfg)
		if err != nil {
			t.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			t.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// newTLSConfig builds a tls.Config from the certificate files in cfg.
func newTLSConfig(cfg *MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// waitToken waits for a Paho token to complete or ctx to end.
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
