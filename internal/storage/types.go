package storage

import (
	"time"

	"github.com/goodtune/khome/internal/usage"
)

// DateFormat is the layout of the date keys used for daily usage.
const DateFormat = "2006-01-02"

// DailyUsage aggregates active time per day, user and quota bucket.
// Totals are kept in milliseconds so short flushes add up exactly.
type DailyUsage struct {
	Date         string          `json:"date"`
	UserID       string          `json:"user_id"`
	QuotaType    usage.QuotaType `json:"quota_type"`
	TotalMillis  int64           `json:"total_ms"`
	TotalSeconds int64           `json:"total_seconds"`
}

// Total returns the accumulated active time.
func (d DailyUsage) Total() time.Duration {
	return time.Duration(d.TotalMillis) * time.Millisecond
}
