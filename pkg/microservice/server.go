// Package microservice exposes the health, readiness and state of a
// livesync.Context over HTTP.
package microservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/illmade-knight/go-livesync/pkg/livesync"
	"github.com/rs/zerolog"
)

// BaseConfig holds common configuration fields for the service.
type BaseConfig struct {
	LogLevel    string `yaml:"log_level"`
	HTTPPort    string `yaml:"http_port"`
	ServiceName string `yaml:"service_name"`
}

// Service defines the lifecycle of an HTTP-served component.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Mux() *http.ServeMux
	GetHTTPPort() string
}

// BaseServer provides the HTTP server shared by services.
type BaseServer struct {
	Logger     zerolog.Logger
	HTTPPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex
}

// NewBaseServer creates a BaseServer with /healthz registered.
func NewBaseServer(logger zerolog.Logger, httpPort string) *BaseServer {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", HealthzHandler)

	return &BaseServer{
		Logger:   logger,
		HTTPPort: httpPort,
		mux:      mux,
		httpServer: &http.Server{
			Addr:    httpPort,
			Handler: mux,
		},
	}
}

// Start listens on the configured port and serves in a background goroutine.
func (s *BaseServer) Start() error {
	listener, err := net.Listen("tcp", s.HTTPPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.HTTPPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.Logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server within ctx's deadline.
func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.Logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.Logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.Logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the port the server is listening on, which differs
// from the configured one when ":0" was requested.
func (s *BaseServer) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.HTTPPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *BaseServer) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to liveness checks.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// SyncServer serves a livesync.Context:
//
//	GET  /healthz          liveness
//	GET  /readyz           200 once the transport is connected
//	GET  /state            JSON snapshot of the context
//	POST /visibility?visible=true|false
//	POST /logout           drops subscriptions, cache and session store
type SyncServer struct {
	*BaseServer
	lc     *livesync.Context
	logger zerolog.Logger
}

var _ Service = (*SyncServer)(nil)

// NewSyncServer creates a SyncServer for lc.
func NewSyncServer(cfg BaseConfig, lc *livesync.Context, logger zerolog.Logger) *SyncServer {
	s := &SyncServer{
		BaseServer: NewBaseServer(logger, cfg.HTTPPort),
		lc:         lc,
		logger:     logger.With().Str("component", "SyncServer").Str("service", cfg.ServiceName).Logger(),
	}
	s.mux.HandleFunc("GET /readyz", s.readyz)
	s.mux.HandleFunc("GET /state", s.state)
	s.mux.HandleFunc("POST /visibility", s.visibility)
	s.mux.HandleFunc("POST /logout", s.logout)
	return s
}

// Start starts the sync context and then the HTTP server.
func (s *SyncServer) Start(ctx context.Context) error {
	if err := s.lc.Start(ctx); err != nil {
		return err
	}
	return s.BaseServer.Start()
}

// Shutdown stops the HTTP server and closes the sync context.
func (s *SyncServer) Shutdown(ctx context.Context) error {
	httpErr := s.BaseServer.Shutdown(ctx)
	syncErr := s.lc.Close(ctx)
	return errors.Join(httpErr, syncErr)
}

func (s *SyncServer) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.lc.Multiplexer().IsConnected() {
		http.Error(w, "transport "+s.lc.Multiplexer().ConnectionState().String(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *SyncServer) state(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.lc.Snapshot()); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode state snapshot.")
	}
}

func (s *SyncServer) visibility(w http.ResponseWriter, r *http.Request) {
	visible, err := strconv.ParseBool(r.URL.Query().Get("visible"))
	if err != nil {
		http.Error(w, "visible must be true or false", http.StatusBadRequest)
		return
	}
	s.lc.Scheduler().SetVisible(visible)
	w.WriteHeader(http.StatusNoContent)
}

func (s *SyncServer) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.lc.Logout(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Logout failed.")
		http.Error(w, "logout failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
