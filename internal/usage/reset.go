package usage

import (
	"context"
	"time"

	"github.com/goodtune/khome/internal/clock"
	"github.com/goodtune/khome/internal/events"
	"github.com/rs/zerolog"
)

// DefaultRetentionDays is how long finished usage is kept.
const DefaultRetentionDays = 90

// Pruner removes stored usage older than a cutoff.
type Pruner interface {
	DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error)
	DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ResetScheduler closes out each usage day: it publishes a summary per user
// for the day that just ended and prunes history past the retention period.
type ResetScheduler struct {
	tracker       *Tracker
	pruner        Pruner
	clock         clock.Clock
	resetTime     time.Time // Time of day to reset (only hour and minute are used)
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}

	Summaries events.Topic[Report]
}

// NewResetScheduler creates a new reset scheduler. pruner may be nil.
func NewResetScheduler(tracker *Tracker, pruner Pruner, resetTime string, retentionDays int, logger zerolog.Logger) (*ResetScheduler, error) {
	// Parse reset time (HH:MM format)
	parsedTime, err := time.Parse("15:04", resetTime)
	if err != nil {
		return nil, err
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	rs := &ResetScheduler{
		tracker:       tracker,
		pruner:        pruner,
		clock:         tracker.clock,
		resetTime:     parsedTime,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "reset-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}

	return rs, nil
}

// Start begins the reset scheduler
func (rs *ResetScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("reset_time", rs.resetTime.Format("15:04")).
		Msg("Daily usage reset scheduler started")
}

// Stop stops the reset scheduler
func (rs *ResetScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily usage reset scheduler stopped")
}

// run is the main scheduler loop
func (rs *ResetScheduler) run() {
	for {
		nextReset := rs.calculateNextReset(rs.clock.Now())
		waitDuration := time.Until(nextReset)

		rs.logger.Info().
			Time("next_reset", nextReset).
			Dur("wait_duration", waitDuration).
			Msg("Scheduled next daily reset")

		select {
		case <-time.After(waitDuration):
			rs.PerformReset(nextReset)
		case <-rs.stopChan:
			return
		}
	}
}

// calculateNextReset returns the first reset instant strictly after now
func (rs *ResetScheduler) calculateNextReset(now time.Time) time.Time {
	todayReset := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.resetTime.Hour(), rs.resetTime.Minute(), 0, 0,
		now.Location(),
	)

	// If we've already passed today's reset time, schedule for tomorrow
	if !now.Before(todayReset) {
		return todayReset.AddDate(0, 0, 1)
	}

	return todayReset
}

// PerformReset publishes the summaries for the day ending at resetAt and prunes old usage.
func (rs *ResetScheduler) PerformReset(resetAt time.Time) []Report {
	rs.logger.Info().Msg("Performing daily usage reset")

	dayStart := resetAt.AddDate(0, 0, -1)
	users := rs.tracker.Users()
	reports := make([]Report, 0, len(users))
	for _, userID := range users {
		report := rs.tracker.UsageReport(userID, dayStart, resetAt)
		if report.SessionCount == 0 {
			continue
		}
		reports = append(reports, report)
		rs.Summaries.Publish(report)
	}

	cutoff := resetAt.AddDate(0, 0, -rs.retentionDays)
	pruned := rs.tracker.PruneHistory(cutoff)

	rs.logger.Info().
		Int("summaries", len(reports)).
		Int("history_pruned", pruned).
		Time("cutoff", cutoff).
		Msg("Daily usage reset complete")

	if rs.pruner == nil {
		return reports
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	daysDeleted, err := rs.pruner.DeleteDailyUsageBefore(ctx, cutoff.Format("2006-01-02"))
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old daily usage data")
		return reports
	}

	recordsDeleted, err := rs.pruner.DeleteRecordsBefore(ctx, cutoff)
	if err != nil {
		rs.logger.Error().Err(err).Msg("Failed to clean up old usage records")
		return reports
	}

	rs.logger.Info().
		Int("daily_deleted", daysDeleted).
		Int("records_deleted", recordsDeleted).
		Msg("Old usage data cleaned up")

	return reports
}
