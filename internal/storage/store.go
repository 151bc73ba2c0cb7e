package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/khome/internal/enforce"
	"github.com/goodtune/khome/internal/links"
	"github.com/goodtune/khome/internal/usage"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
// The core packages keep their state in memory; the store is what survives a restart.
type Store interface {
	Close() error
	Links() LinkStore
	Usage() UsageStore
	Enforcements() EnforcementStore
}

// LinkStore persists the device link table as a whole.
type LinkStore interface {
	SaveLinks(ctx context.Context, links []links.Link) error
	LoadLinks(ctx context.Context) ([]links.Link, error)
}

// UsageStore manages finished sessions and per-day usage totals.
// It satisfies usage.Reporter and usage.Pruner.
type UsageStore interface {
	SaveRecord(ctx context.Context, record usage.Record) error
	ListRecords(ctx context.Context, userID string, since, until time.Time) ([]usage.Record, error)
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)

	ReportUsage(ctx context.Context, updates []usage.Update) error
	IncrementDailyUsage(ctx context.Context, date string, userID string, quota usage.QuotaType, millis int64) error
	GetDailyUsage(ctx context.Context, date string, userID string, quota usage.QuotaType) (*DailyUsage, error)
	ListDailyUsage(ctx context.Context, date string) ([]DailyUsage, error)
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
}

// EnforcementStore keeps a bounded, newest-first enforcement history.
// It satisfies enforce.HistorySink.
type EnforcementStore interface {
	AppendEnforcement(ctx context.Context, e enforce.Enforcement) error
	ListEnforcements(ctx context.Context, limit int) ([]enforce.Enforcement, error)
}
