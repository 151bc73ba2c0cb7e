package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/khome/internal/config"
	"github.com/goodtune/khome/internal/storage/redis"
	"github.com/goodtune/khome/internal/usage"
)

func TestParseCheckTime(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 1, 17, 9, 30, 0, 0, time.Local)

	tests := []struct {
		day, clock string
		want       time.Time
		wantErr    bool
	}{
		{"", "", time.Date(2024, 1, 17, 9, 30, 0, 0, time.Local), false},
		{"", "18:45", time.Date(2024, 1, 17, 18, 45, 0, 0, time.Local), false},
		{"saturday", "10:00", time.Date(2024, 1, 20, 10, 0, 0, 0, time.Local), false},
		{"MON", "", time.Date(2024, 1, 22, 9, 30, 0, 0, time.Local), false},
		{"wed", "07:00", time.Date(2024, 1, 17, 7, 0, 0, 0, time.Local), false},
		{"someday", "", time.Time{}, true},
		{"", "25:00", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := parseCheckTime(now, tt.day, tt.clock)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCheckTime(%q, %q): expected error", tt.day, tt.clock)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCheckTime(%q, %q) failed: %v", tt.day, tt.clock, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseCheckTime(%q, %q) = %v, want %v", tt.day, tt.clock, got, tt.want)
		}
	}
}

func TestParseAttrs(t *testing.T) {
	attrs, err := parseAttrs([]string{"current_power_w=85", "source=HDMI 1", "ratio=0.5"})
	if err != nil {
		t.Fatalf("parseAttrs failed: %v", err)
	}
	if attrs["current_power_w"] != float64(85) {
		t.Errorf("Expected numeric power, got %#v", attrs["current_power_w"])
	}
	if attrs["source"] != "HDMI 1" {
		t.Errorf("Expected string source, got %#v", attrs["source"])
	}
	if attrs["ratio"] != 0.5 {
		t.Errorf("Expected 0.5, got %#v", attrs["ratio"])
	}

	if _, err := parseAttrs([]string{"novalue"}); err == nil {
		t.Error("Expected error for attribute without '='")
	}
}

func TestUserDailyUsage(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := redis.Open(config.RedisConfig{
		Host:         mr.Addr(),
		PoolSize:     2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	})
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	at := time.Date(2024, 1, 15, 16, 0, 0, 0, time.Local)
	updates := []usage.Update{
		{UserID: "alice", QuotaType: usage.QuotaGaming, Unreported: 90 * time.Second, Timestamp: at},
		{UserID: "alice", QuotaType: usage.QuotaScreen, Unreported: 1500 * time.Millisecond, Timestamp: at},
		{UserID: "bob", QuotaType: usage.QuotaVideo, Unreported: time.Minute, Timestamp: at},
	}
	if err := store.Usage().ReportUsage(ctx, updates); err != nil {
		t.Fatalf("ReportUsage failed: %v", err)
	}

	totals, err := userDailyUsage(ctx, store.Usage(), "2024-01-15", "alice")
	if err != nil {
		t.Fatalf("userDailyUsage failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("Expected 2 buckets for alice, got %+v", totals)
	}
	if totals[0].QuotaType != usage.QuotaGaming || totals[0].Total() != 90*time.Second {
		t.Errorf("Unexpected gaming total %+v", totals[0])
	}
	if totals[1].QuotaType != usage.QuotaScreen || totals[1].Total() != 1500*time.Millisecond {
		t.Errorf("Unexpected screen total %+v", totals[1])
	}

	if none, err := userDailyUsage(ctx, store.Usage(), "2024-01-16", "alice"); err != nil || len(none) != 0 {
		t.Errorf("Expected no usage the next day, got %+v (%v)", none, err)
	}
}
