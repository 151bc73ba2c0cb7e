package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/khome/internal/links"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "khome.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.APIPort != 8080 || cfg.Server.MetricsPort != 9090 {
		t.Errorf("Unexpected ports %d/%d", cfg.Server.APIPort, cfg.Server.MetricsPort)
	}
	if cfg.Hub.ReconnectDelay != 5*time.Second || cfg.Hub.MaxReconnectAttempts != 10 {
		t.Errorf("Unexpected hub reconnect settings %+v", cfg.Hub)
	}
	if cfg.Hub.RequestTimeout != 30*time.Second {
		t.Errorf("Expected 30s request timeout, got %v", cfg.Hub.RequestTimeout)
	}
	if cfg.Tracking.FlushInterval != time.Minute || cfg.Tracking.HistoryLimit != 1000 {
		t.Errorf("Unexpected tracking settings %+v", cfg.Tracking)
	}
	if cfg.Enforcement.DefaultGracePeriod != 60 || !cfg.Enforcement.EnableNotifications {
		t.Errorf("Unexpected enforcement settings %+v", cfg.Enforcement)
	}
	if cfg.Enforcement.NotifyService != "persistent_notification" {
		t.Errorf("Expected persistent_notification, got %q", cfg.Enforcement.NotifyService)
	}
	if cfg.Storage.Redis.Host != "localhost" || cfg.Storage.Redis.Port != 6379 {
		t.Errorf("Unexpected redis settings %+v", cfg.Storage.Redis)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected json logging, got %q", cfg.Logging.Format)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
hub:
  url: http://homeassistant.local:8123
  token: secret
  reconnect_delay: 2s
enforcement:
  default_grace_period: 0
logging:
  format: text
links:
  - entity_id: media_player.xbox
    user_id: alex
    type: exclusive
    power_control:
      entity_id: switch.xbox_plug
      grace_period: 30
      enforce_quota: true
  - entity_id: media_player.living_room_tv
    type: shared
    usage_rules:
      - user_id: alex
        weekdays: [mon, tue]
        time_range: "09:00-10:00"
      - user_id: sam
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Hub.URL != "http://homeassistant.local:8123" || cfg.Hub.Token != "secret" {
		t.Errorf("Unexpected hub %+v", cfg.Hub)
	}
	if cfg.Hub.ReconnectDelay != 2*time.Second {
		t.Errorf("Expected 2s reconnect delay, got %v", cfg.Hub.ReconnectDelay)
	}
	if cfg.Enforcement.DefaultGracePeriod != 0 {
		t.Errorf("Expected grace 0, got %d", cfg.Enforcement.DefaultGracePeriod)
	}

	if len(cfg.Links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(cfg.Links))
	}
	xbox := cfg.Links[0]
	if xbox.Type != links.Exclusive || xbox.PowerControl == nil || xbox.PowerControl.GracePeriod != 30 {
		t.Errorf("Unexpected xbox link %+v", xbox)
	}
	tv := cfg.Links[1]
	if tv.Type != links.Shared || len(tv.UsageRules) != 2 || tv.UsageRules[0].TimeRange != "09:00-10:00" {
		t.Errorf("Unexpected tv link %+v", tv)
	}
	if len(tv.UsageRules[0].Weekdays) != 2 {
		t.Errorf("Expected 2 weekdays, got %v", tv.UsageRules[0].Weekdays)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("KHOME_HUB_TOKEN", "from-env")
	t.Setenv("KHOME_SERVER_API_PORT", "9000")

	cfg, err := Load(writeConfig(t, "hub:\n  token: from-file\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hub.Token != "from-env" {
		t.Errorf("Expected token from env, got %q", cfg.Hub.Token)
	}
	if cfg.Server.APIPort != 9000 {
		t.Errorf("Expected API port 9000, got %d", cfg.Server.APIPort)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "port", content: "server:\n  api_port: 70000\n", want: "API port"},
		{name: "hub url", content: "hub:\n  url: ws://hub\n", want: "hub url"},
		{name: "reset time", content: "tracking:\n  daily_reset_time: \"25:99\"\n", want: "daily_reset_time"},
		{name: "grace", content: "enforcement:\n  default_grace_period: -5\n", want: "default_grace_period"},
		{name: "notify service", content: "enforcement:\n  notify_service: \"\"\n", want: "notify_service"},
		{name: "log format", content: "logging:\n  format: xml\n", want: "logging format"},
		{name: "link", content: "links:\n  - user_id: alex\n", want: "entity_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing config file")
	}
}

func TestDefaultsMatchEmptyFile(t *testing.T) {
	loaded, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	defaults := Defaults()
	if defaults.Hub != loaded.Hub || defaults.Tracking != loaded.Tracking || defaults.Storage != loaded.Storage {
		t.Errorf("Defaults differ from an empty config file:\n%+v\n%+v", defaults, loaded)
	}
}
