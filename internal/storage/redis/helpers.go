package redis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/khome/internal/storage"
	"github.com/goodtune/khome/internal/usage"
)

// parseRecord converts a Redis hash to a usage record
func parseRecord(data map[string]string) (*usage.Record, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startTime, err := time.Parse(time.RFC3339Nano, data["start_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse start_time: %w", err)
	}

	endTime, err := time.Parse(time.RFC3339Nano, data["end_time"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse end_time: %w", err)
	}

	duration, err := strconv.ParseInt(data["duration"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duration: %w", err)
	}

	activeTime, err := strconv.ParseInt(data["active_time"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse active_time: %w", err)
	}

	return &usage.Record{
		SessionID:    data["session_id"],
		EntityID:     data["entity_id"],
		UserID:       data["user_id"],
		ActivityType: usage.ActivityType(data["activity_type"]),
		QuotaType:    usage.QuotaType(data["quota_type"]),
		StartTime:    startTime,
		EndTime:      endTime,
		Duration:     time.Duration(duration),
		ActiveTime:   time.Duration(activeTime),
	}, nil
}

// parseDailyUsage converts a Redis hash to DailyUsage
func parseDailyUsage(data map[string]string) (*storage.DailyUsage, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	totalMillis, err := strconv.ParseInt(data["total_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse total_ms: %w", err)
	}

	return &storage.DailyUsage{
		Date:         data["date"],
		UserID:       data["user_id"],
		QuotaType:    usage.QuotaType(data["quota_type"]),
		TotalMillis:  totalMillis,
		TotalSeconds: totalMillis / 1000,
	}, nil
}

// dateScore turns a YYYY-MM-DD date into a sortable integer score
func dateScore(date string) (int64, error) {
	if _, err := time.Parse(storage.DateFormat, date); err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return strconv.ParseInt(strings.ReplaceAll(date, "-", ""), 10, 64)
}

// timeScore is the sorted-set score for an instant
func timeScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
