package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/khome/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the khome configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)
	_, _ = fmt.Fprintf(os.Stdout, "   %d device link(s) configured\n", len(cfg.Links))

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	valid := validKeys()
	unknown := []string{}
	for _, key := range v.AllKeys() {
		// Link entries are free-form lists validated by the registry
		if key == "links" || strings.HasPrefix(key, "links.") {
			continue
		}
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}

	return unknown, nil
}

// validKeys returns a set of all valid configuration keys
func validKeys() map[string]bool {
	return map[string]bool{
		// Server
		"server.bind_address": true,
		"server.api_port":     true,
		"server.metrics_port": true,

		// Hub
		"hub.url":                    true,
		"hub.token":                  true,
		"hub.reconnect_delay":        true,
		"hub.max_reconnect_attempts": true,
		"hub.request_timeout":        true,
		"hub.rest_timeout":           true,

		// Tracking
		"tracking.flush_interval":   true,
		"tracking.history_limit":    true,
		"tracking.daily_reset_time": true,
		"tracking.retention_days":   true,

		// Enforcement
		"enforcement.default_grace_period": true,
		"enforcement.enable_notifications": true,
		"enforcement.notify_service":       true,
		"enforcement.settle_delay":         true,
		"enforcement.history_limit":        true,

		// Policy
		"policy.opa_policy_dir": true,

		// Storage
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.redis.history_limit":  true,

		// Logging
		"logging.level":  true,
		"logging.format": true,
	}
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	_, _ = cyan.Println("\n[hub]")
	dumpField("  url", cfg.Hub.URL, defaultCfg.Hub.URL, yellow, green)
	dumpField("  token", redact(cfg.Hub.Token), redact(defaultCfg.Hub.Token), yellow, green)
	dumpField("  reconnect_delay", cfg.Hub.ReconnectDelay, defaultCfg.Hub.ReconnectDelay, yellow, green)
	dumpField("  max_reconnect_attempts", cfg.Hub.MaxReconnectAttempts, defaultCfg.Hub.MaxReconnectAttempts, yellow, green)
	dumpField("  request_timeout", cfg.Hub.RequestTimeout, defaultCfg.Hub.RequestTimeout, yellow, green)
	dumpField("  rest_timeout", cfg.Hub.RESTTimeout, defaultCfg.Hub.RESTTimeout, yellow, green)

	_, _ = cyan.Println("\n[tracking]")
	dumpField("  flush_interval", cfg.Tracking.FlushInterval, defaultCfg.Tracking.FlushInterval, yellow, green)
	dumpField("  history_limit", cfg.Tracking.HistoryLimit, defaultCfg.Tracking.HistoryLimit, yellow, green)
	dumpField("  daily_reset_time", cfg.Tracking.DailyResetTime, defaultCfg.Tracking.DailyResetTime, yellow, green)
	dumpField("  retention_days", cfg.Tracking.RetentionDays, defaultCfg.Tracking.RetentionDays, yellow, green)

	_, _ = cyan.Println("\n[enforcement]")
	dumpField("  default_grace_period", cfg.Enforcement.DefaultGracePeriod, defaultCfg.Enforcement.DefaultGracePeriod, yellow, green)
	dumpField("  enable_notifications", cfg.Enforcement.EnableNotifications, defaultCfg.Enforcement.EnableNotifications, yellow, green)
	dumpField("  notify_service", cfg.Enforcement.NotifyService, defaultCfg.Enforcement.NotifyService, yellow, green)
	dumpField("  settle_delay", cfg.Enforcement.SettleDelay, defaultCfg.Enforcement.SettleDelay, yellow, green)
	dumpField("  history_limit", cfg.Enforcement.HistoryLimit, defaultCfg.Enforcement.HistoryLimit, yellow, green)

	_, _ = cyan.Println("\n[policy]")
	dumpField("  opa_policy_dir", cfg.Policy.OPAPolicyDir, defaultCfg.Policy.OPAPolicyDir, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redact(cfg.Storage.Redis.Password), redact(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    history_limit", cfg.Storage.Redis.HistoryLimit, defaultCfg.Storage.Redis.HistoryLimit, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[links]")
	for _, l := range cfg.Links {
		owner := l.UserID
		if owner == "" {
			owner = "-"
		}
		_, _ = yellow.Printf("  %s = %s (%s, %d rule(s))\n", l.EntityID, owner, linkTypeOrDefault(string(l.Type)), len(l.UsageRules))
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)

	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redact hides secrets if not empty
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}

func linkTypeOrDefault(t string) string {
	if t == "" {
		return "exclusive"
	}
	return t
}
