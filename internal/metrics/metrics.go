package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Hub metrics
	HubConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "khome_hub_connected",
			Help: "Whether the hub event channel is open and authenticated",
		},
	)

	HubReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "khome_hub_reconnects_total",
			Help: "Total hub reconnect attempts scheduled",
		},
	)

	HubStateEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "khome_hub_state_events_total",
			Help: "Total state_changed events received from the hub",
		},
	)

	HubRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khome_hub_requests_total",
			Help: "Total correlated commands sent on the hub event channel",
		},
		[]string{"type", "result"},
	)

	ServiceCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khome_service_calls_total",
			Help: "Total hub service calls",
		},
		[]string{"domain", "service", "result"},
	)

	// Usage metrics
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "khome_active_sessions",
			Help: "Number of open device sessions",
		},
	)

	UsageMinutesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khome_usage_minutes_consumed_total",
			Help: "Total usage minutes consumed",
		},
		[]string{"user", "activity"},
	)

	// Enforcement metrics
	EnforcementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "khome_enforcements_total",
			Help: "Total enforcements by action and final status",
		},
		[]string{"action", "status"},
	)

	EnforcementsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "khome_enforcements_pending",
			Help: "Number of enforcements waiting out their grace period",
		},
	)

	// Discovery metrics
	DevicesDiscovered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "khome_devices_discovered",
			Help: "Devices found by the last discovery scan",
		},
		[]string{"type"},
	)

	// Notification stream metrics
	StreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "khome_stream_clients",
			Help: "Number of connected notification stream clients",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		HubConnected,
		HubReconnects,
		HubStateEvents,
		HubRequests,
		ServiceCalls,
		ActiveSessions,
		UsageMinutesConsumed,
		EnforcementsTotal,
		EnforcementsPending,
		DevicesDiscovered,
		StreamClients,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			// Use systemd socket-activated listener
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			// Create and bind listener ourselves
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
