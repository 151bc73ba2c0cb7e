package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/goodtune/khome/internal/admin"
	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/config"
	"github.com/goodtune/khome/internal/discovery"
	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/hub"
	"github.com/goodtune/khome/internal/links"
	"github.com/goodtune/khome/internal/metrics"
	"github.com/goodtune/khome/internal/policy"
	"github.com/goodtune/khome/internal/policy/opa"
	"github.com/goodtune/khome/internal/storage"
	"github.com/goodtune/khome/internal/storage/redis"
	"github.com/goodtune/khome/internal/systemd"
	"github.com/goodtune/khome/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	startupConnectTimeout = 30 * time.Second
	storeTimeout          = 5 * time.Second
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start khome server",
	Long:  `Start the khome server: hub connection, usage tracking, enforcement, command API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting khome")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	// Device links: stored table first, configuration as seed
	registry := links.NewRegistry(clock.RealClock{}, logger)
	if err := loadLinks(registry, store, cfg.Links, logger); err != nil {
		return err
	}

	// Hub connection
	hubManager := hub.NewManager(hubConfig(cfg.Hub), logger)

	// Device discovery
	classifier, err := discovery.NewClassifier(discovery.DefaultCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize device classifier: %w", err)
	}
	discoveryService := discovery.NewService(hubManager, classifier, logger)

	// Action policy
	opaConfig := opa.Config{}
	if cfg.Policy.OPAPolicyDir != "" {
		opaConfig = opa.Config{Source: opa.SourceFilesystem, PolicyDir: cfg.Policy.OPAPolicyDir}
	}
	policyEngine, err := policy.NewEngine(opaConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	// Usage tracking
	usageTracker := usage.NewTracker(registry, store.Usage(), usage.Config{
		FlushInterval: cfg.Tracking.FlushInterval,
		HistoryLimit:  cfg.Tracking.HistoryLimit,
	}, logger)

	resetScheduler, err := usage.NewResetScheduler(
		usageTracker,
		store.Usage(),
		cfg.Tracking.DailyResetTime,
		cfg.Tracking.RetentionDays,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize Reset Scheduler: %w", err)
	}

	// Enforcement
	scheduler := enforce.NewScheduler(hubManager, registry, enforce.Config{
		DefaultGracePeriod:  cfg.Enforcement.DefaultGracePeriod,
		EnableNotifications: cfg.Enforcement.EnableNotifications,
		NotifyService:       cfg.Enforcement.NotifyService,
		SettleDelay:         cfg.Enforcement.SettleDelay,
		HistoryLimit:        cfg.Enforcement.HistoryLimit,
	}, logger)
	scheduler.SetDeviceCatalog(discoveryService)
	scheduler.SetActionPolicy(policyEngine)
	scheduler.SetHistorySink(store.Enforcements())

	// Usage and enforcement history survive restarts through the store
	restoreHistory(store, usageTracker, scheduler, cfg, logger)

	// Command API and notification stream
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := admin.NewServer(admin.Config{ListenAddr: apiAddr}, admin.Deps{
		Hub:             hubManager,
		TestCredentials: newCredentialTester(cfg.Hub, logger),
		States:          hubManager,
		Catalog:         discoveryService,
		Controller:      scheduler,
		Links:           registry,
		Enforcer:        scheduler,
		Usage:           usageTracker,
	}, logger)

	unsubscribe := apiServer.Subscribe(admin.Sources{
		Hub:       hubManager,
		Tracker:   usageTracker,
		Scheduler: scheduler,
		Reset:     resetScheduler,
	})
	defer unsubscribe()

	apiServer.OnLinksChanged(func(table []links.Link) {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := store.Links().SaveLinks(ctx, table); err != nil {
			logger.Error().Err(err).Msg("Failed to persist device links")
		}
	})

	// Refresh the device catalog whenever the hub (re)authenticates
	hubManager.Authenticated.Subscribe(func(hub.AuthenticatedEvent) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Hub.RequestTimeout)
			defer cancel()
			if _, err := discoveryService.Scan(ctx); err != nil {
				logger.Warn().Err(err).Msg("Device discovery after authentication failed")
			}
		}()
	})

	usageTracker.Start(&hubManager.StateChanged)
	resetScheduler.Start()

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	logger.Info().Str("addr", apiAddr).Msg("API Server started")

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		// Use systemd socket-activated listener if available
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}

		logger.Info().Str("addr", metricsAddr).Msg("Metrics Server started")
	}

	// Open the event channel when credentials are already known
	if hubManager.IsConfigured() {
		ctx, cancel := context.WithTimeout(context.Background(), startupConnectTimeout)
		if err := hubManager.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("Initial hub connection failed")
		}
		cancel()
	} else {
		logger.Warn().Msg("Hub is not configured; waiting for a connect command")
	}

	logger.Info().Msg("khome startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies...")
		if err := systemd.NotifyReloading(); err != nil {
			logger.Warn().Err(err).Msg("Failed to send systemd reloading notification")
		}
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload policies")
		} else {
			logger.Info().Msg("Policies reloaded successfully")
		}
		if err := systemd.NotifyReady(); err != nil {
			logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
		}
	}
	signal.Stop(sigChan)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	// Closing sessions reports their remaining time while storage is still open
	usageTracker.Stop()
	resetScheduler.Stop()
	scheduler.Close()
	hubManager.Disconnect()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("khome stopped")

	return nil
}

func hubConfig(cfg config.HubConfig) hub.Config {
	return hub.Config{
		URL:                  cfg.URL,
		Token:                cfg.Token,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		RequestTimeout:       cfg.RequestTimeout,
		RESTTimeout:          cfg.RESTTimeout,
	}
}

// newCredentialTester tests candidate credentials on a throwaway manager so
// the live connection is left alone.
func newCredentialTester(cfg config.HubConfig, logger zerolog.Logger) func(ctx context.Context, url, token string) bool {
	return func(ctx context.Context, url, token string) bool {
		trialConfig := hubConfig(cfg)
		trialConfig.URL, trialConfig.Token = url, token
		return hub.NewManager(trialConfig, logger).TestConnection(ctx)
	}
}

// restoreHistory seeds the tracker with stored sessions inside the retention
// window and the scheduler with the newest stored enforcements.
func restoreHistory(store storage.Store, tracker *usage.Tracker, scheduler *enforce.Scheduler, cfg *config.Config, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	var since time.Time
	if cfg.Tracking.RetentionDays > 0 {
		since = time.Now().AddDate(0, 0, -cfg.Tracking.RetentionDays)
	}
	records, err := store.Usage().ListRecords(ctx, "", since, time.Time{})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load stored usage records")
	} else {
		logger.Info().Int("records", tracker.LoadHistory(records)).Msg("Usage history restored")
	}

	stored, err := store.Enforcements().ListEnforcements(ctx, cfg.Enforcement.HistoryLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load stored enforcement history")
		return
	}
	slices.Reverse(stored)
	logger.Info().Int("enforcements", scheduler.LoadHistory(stored)).Msg("Enforcement history restored")
}

// loadLinks fills registry from the store, falling back to the configured
// links when nothing has been stored yet.
func loadLinks(registry *links.Registry, store storage.Store, configured []links.Link, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := store.Links().LoadLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load device links: %w", err)
	}

	source := "storage"
	table := stored
	if len(stored) == 0 {
		source = "config"
		table = configured
	}

	if err := registry.Load(table); err != nil {
		logger.Warn().Err(err).Str("source", source).Msg("Some device links were rejected")
	}
	logger.Info().Str("source", source).Int("links", registry.Count()).Msg("Device links initialized")

	if source == "config" && registry.Count() > 0 {
		if err := store.Links().SaveLinks(ctx, registry.Export()); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist configured device links")
		}
	}
	return nil
}
