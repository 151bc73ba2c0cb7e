// Package admin serves the JSON command surface and the websocket
// notification stream.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/khome/internal/admin/api"
	"github.com/goodtune/khome/internal/links"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
}

// Deps are the components the commands drive.
type Deps struct {
	Hub             api.Hub
	TestCredentials api.CredentialTester
	States          api.StateReader
	Catalog         api.Catalog
	Controller      api.DeviceController
	Links           api.LinkTable
	Enforcer        api.Enforcer
	Usage           api.UsageSource
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	deps     Deps
	router   *mux.Router
	server   *http.Server
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	stream   *Stream
	cancel   context.CancelFunc
	logger   zerolog.Logger

	devices *api.DeviceHandler
	links   *api.LinkHandler
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		config: cfg,
		deps:   deps,
		router: mux.NewRouter(),
		stream: NewStream(logger),
		logger: logger.With().Str("component", "api").Logger(),
	}

	s.stream.Snapshot = s.snapshot
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // connect waits for the hub handshake
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(RecoverMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/api/events", s.stream).Methods("GET")

	connection := api.NewConnectionHandler(s.deps.Hub, s.deps.TestCredentials, s.logger)
	s.router.HandleFunc("/api/connection/test", connection.Test).Methods("POST")
	s.router.HandleFunc("/api/connection", connection.Connect).Methods("POST")
	s.router.HandleFunc("/api/connection", connection.Disconnect).Methods("DELETE")
	s.router.HandleFunc("/api/connection", connection.Status).Methods("GET")

	s.devices = api.NewDeviceHandler(s.deps.Catalog, s.deps.States, s.deps.Controller, s.logger)
	s.router.HandleFunc("/api/devices/discover", s.devices.Discover).Methods("POST")
	s.router.HandleFunc("/api/devices", s.devices.List).Methods("GET")
	s.router.HandleFunc("/api/devices/{deviceId}/state", s.devices.State).Methods("GET")
	s.router.HandleFunc("/api/devices/{deviceId}/history", s.devices.History).Methods("GET")
	s.router.HandleFunc("/api/devices/{deviceId}/control", s.devices.Control).Methods("POST")

	s.links = api.NewLinkHandler(s.deps.Links, s.deps.Catalog, s.logger)
	s.router.HandleFunc("/api/links", s.links.List).Methods("GET")
	s.router.HandleFunc("/api/links", s.links.Create).Methods("POST")
	s.router.HandleFunc("/api/links/suggestions", s.links.Suggestions).Methods("POST")
	s.router.HandleFunc("/api/links/{deviceId}", s.links.Delete).Methods("DELETE")

	enforcements := api.NewEnforcementHandler(s.deps.Enforcer, s.logger)
	s.router.HandleFunc("/api/enforcements", enforcements.Enforce).Methods("POST")
	s.router.HandleFunc("/api/enforcements", enforcements.Pending).Methods("GET")
	s.router.HandleFunc("/api/enforcements/history", enforcements.History).Methods("GET")
	s.router.HandleFunc("/api/enforcements/{deviceId}", enforcements.Cancel).Methods("DELETE")

	usageHandler := api.NewUsageHandler(s.deps.Usage, s.logger)
	s.router.HandleFunc("/api/sessions", usageHandler.Sessions).Methods("GET")
	s.router.HandleFunc("/api/usage/{userId}/today", usageHandler.Today).Methods("GET")
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stream returns the notification stream.
func (s *Server) Stream() *Stream {
	return s.stream
}

// OnLinksChanged registers fn to receive the link table after every link command.
func (s *Server) OnLinksChanged(fn func([]links.Link)) func() {
	return s.links.Changed.Subscribe(fn)
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the notification stream and the HTTP server.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.stream.Run(ctx)

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated API listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server and disconnects stream clients.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// snapshot is what a new stream client receives before live notifications.
func (s *Server) snapshot() []Message {
	return []Message{
		{Type: TypeConnectionStatus, Payload: s.deps.Hub.Status()},
		{Type: TypeDevices, Payload: s.deps.Catalog.All()},
		{Type: TypeDeviceLinks, Payload: s.deps.Links.All()},
		{Type: TypeActiveSessions, Payload: s.deps.Usage.ActiveSessions()},
	}
}
