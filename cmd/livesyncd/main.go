package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/illmade-knight/go-livesync/pkg/config"
	"github.com/illmade-knight/go-livesync/pkg/livesync"
	"github.com/illmade-knight/go-livesync/pkg/microservice"
	"github.com/illmade-knight/go-livesync/pkg/multiplexer"
	"github.com/illmade-knight/go-livesync/pkg/transport"
	"github.com/illmade-knight/go-livesync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const version = "0.1.0"

const usage = `Live data sync daemon.

Usage:
    livesyncd serve [--config=<path>]
    livesyncd config [--config=<path>]
    livesyncd publish [--config=<path>] --topic=<topic> <message>
    livesyncd -h | --help
    livesyncd --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<path>    YAML config file. Environment variables override it.
    --topic=<topic>    Topic to publish to, e.g. global or match-42.`

const shutdownTimeout = 10 * time.Second

var errInvalidPayload = errors.New("event payload is not valid JSON")

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse arguments")
	}

	path, _ := opts.String("--config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := newLogger(cfg)

	if printConfig, _ := opts.Bool("config"); printConfig {
		if err := yaml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			logger.Fatal().Err(err).Msg("Failed to print config")
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if publish, _ := opts.Bool("publish"); publish {
		topic, _ := opts.String("--topic")
		message, _ := opts.String("<message>")
		if err := publishOnce(ctx, cfg, topic, message, logger); err != nil {
			logger.Fatal().Err(err).Str("topic", topic).Msg("Failed to publish")
		}
		return
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Service failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Err(err).Str("log_level", cfg.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", cfg.ServiceName).Logger()
	log.Logger = logger
	return logger
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	tr, err := transport.New(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	store, err := cfg.SessionStore.OpenSessionStore(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	lc := livesync.New(cfg.SyncConfig(), tr, store, logger)
	livesync.SetDefault(lc)

	// The global feed keeps the transport connected for the life of the process.
	if _, err := livesync.Bind(lc, livesync.Binding[json.RawMessage]{
		Topic: multiplexer.GlobalTopic,
		Key:   livesync.StaticKey("global/latest"),
		Decode: func(ev types.Event) (json.RawMessage, error) {
			if !json.Valid(ev.Payload) {
				return nil, errInvalidPayload
			}
			return json.RawMessage(ev.Payload), nil
		},
	}); err != nil {
		return fmt.Errorf("failed to bind global topic: %w", err)
	}

	srv := microservice.NewSyncServer(cfg.BaseConfig, lc, logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info().Str("transport", cfg.Transport.Kind).Str("port", srv.GetHTTPPort()).Msg("livesyncd running.")

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// publishOnce connects the configured transport, sends message on topic
// and disconnects.
func publishOnce(ctx context.Context, cfg *config.Config, topic, message string, logger zerolog.Logger) error {
	tr, err := transport.New(ctx, cfg.Transport, logger)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer func() { _ = tr.Close() }()

	opCtx, cancel := context.WithTimeout(ctx, cfg.Multiplexer.OperationTimeout)
	defer cancel()
	if err := tr.Connect(opCtx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if err := tr.Send(opCtx, topic, []byte(message)); err != nil {
		return fmt.Errorf("failed to send: %w", err)
	}
	logger.Info().Str("topic", topic).Int("bytes", len(message)).Msg("Message published.")
	return nil
}
