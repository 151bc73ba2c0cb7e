package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goodtune/khome/internal/links"
	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Hub         HubConfig         `mapstructure:"hub"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Policy      PolicyConfig      `mapstructure:"policy"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Links       []links.Link      `mapstructure:"links"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// HubConfig defines how to reach the automation hub
type HubConfig struct {
	URL                  string        `mapstructure:"url"`
	Token                string        `mapstructure:"token"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	RESTTimeout          time.Duration `mapstructure:"rest_timeout"`
}

// TrackingConfig defines usage tracking settings
type TrackingConfig struct {
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	HistoryLimit   int           `mapstructure:"history_limit"`
	DailyResetTime string        `mapstructure:"daily_reset_time"`
	RetentionDays  int           `mapstructure:"retention_days"`
}

// EnforcementConfig defines enforcement scheduler settings
type EnforcementConfig struct {
	DefaultGracePeriod  int           `mapstructure:"default_grace_period"` // seconds
	EnableNotifications bool          `mapstructure:"enable_notifications"`
	NotifyService       string        `mapstructure:"notify_service"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	HistoryLimit        int           `mapstructure:"history_limit"`
}

// PolicyConfig defines the enforcement action policy source
type PolicyConfig struct {
	OPAPolicyDir string `mapstructure:"opa_policy_dir"` // empty uses the built-in policy
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines the Redis connection
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	HistoryLimit int    `mapstructure:"history_limit"` // stored enforcements
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KHOME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 8080)
	v.SetDefault("server.metrics_port", 9090)

	// Hub defaults
	v.SetDefault("hub.url", "")
	v.SetDefault("hub.token", "")
	v.SetDefault("hub.reconnect_delay", "5s")
	v.SetDefault("hub.max_reconnect_attempts", 10)
	v.SetDefault("hub.request_timeout", "30s")
	v.SetDefault("hub.rest_timeout", "10s")

	// Tracking defaults
	v.SetDefault("tracking.flush_interval", "60s")
	v.SetDefault("tracking.history_limit", 1000)
	v.SetDefault("tracking.daily_reset_time", "00:00")
	v.SetDefault("tracking.retention_days", 90)

	// Enforcement defaults
	v.SetDefault("enforcement.default_grace_period", 60)
	v.SetDefault("enforcement.enable_notifications", true)
	v.SetDefault("enforcement.notify_service", "persistent_notification")
	v.SetDefault("enforcement.settle_delay", "5s")
	v.SetDefault("enforcement.history_limit", 500)

	// Policy defaults
	v.SetDefault("policy.opa_policy_dir", "")

	// Storage defaults
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.history_limit", 5000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	// The hub may be configured later through the API
	if cfg.Hub.URL != "" {
		u, err := url.Parse(cfg.Hub.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("hub url must be an http(s) URL: %q", cfg.Hub.URL)
		}
	}
	if cfg.Hub.ReconnectDelay <= 0 {
		return fmt.Errorf("hub reconnect_delay must be positive")
	}
	if cfg.Hub.MaxReconnectAttempts < 0 {
		return fmt.Errorf("hub max_reconnect_attempts cannot be negative")
	}
	if cfg.Hub.RequestTimeout <= 0 || cfg.Hub.RESTTimeout <= 0 {
		return fmt.Errorf("hub timeouts must be positive")
	}

	if cfg.Tracking.FlushInterval <= 0 {
		return fmt.Errorf("tracking flush_interval must be positive")
	}
	if cfg.Tracking.HistoryLimit <= 0 {
		return fmt.Errorf("tracking history_limit must be positive")
	}
	if _, err := time.Parse("15:04", cfg.Tracking.DailyResetTime); err != nil {
		return fmt.Errorf("invalid daily_reset_time %q (want HH:MM)", cfg.Tracking.DailyResetTime)
	}

	if cfg.Enforcement.DefaultGracePeriod < 0 {
		return fmt.Errorf("enforcement default_grace_period cannot be negative")
	}
	if cfg.Enforcement.EnableNotifications && cfg.Enforcement.NotifyService == "" {
		return fmt.Errorf("enforcement notify_service is required when notifications are enabled")
	}
	if cfg.Enforcement.HistoryLimit <= 0 {
		return fmt.Errorf("enforcement history_limit must be positive")
	}

	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("storage redis host is required")
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format %q (want json or text)", cfg.Logging.Format)
	}

	for i, l := range cfg.Links {
		if l.EntityID == "" {
			return fmt.Errorf("links[%d]: entity_id is required", i)
		}
	}

	return nil
}
