package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goodtune/khome/internal/storage"
	"github.com/goodtune/khome/internal/usage"
	"github.com/redis/go-redis/v9"
)

type usageStore struct {
	client *redis.Client
}

// SaveRecord stores a finished session and indexes it by user and end time
func (s *usageStore) SaveRecord(ctx context.Context, record usage.Record) error {
	if record.SessionID == "" {
		return fmt.Errorf("record has no session id")
	}

	keys := []string{recordKey(record.SessionID), userRecordsKey(record.UserID), recordsKey}
	args := []interface{}{
		record.SessionID,
		record.EntityID,
		record.UserID,
		string(record.ActivityType),
		string(record.QuotaType),
		record.StartTime.Format(time.RFC3339Nano),
		record.EndTime.Format(time.RFC3339Nano),
		int64(record.Duration),
		int64(record.ActiveTime),
		timeScore(record.EndTime),
		retentionSeconds,
	}

	return saveRecord.Run(ctx, s.client, keys, args...).Err()
}

// ListRecords returns a user's finished sessions that started at or after
// since and ended at or before until, oldest first. Zero bounds are open and
// an empty userID lists every user.
func (s *usageStore) ListRecords(ctx context.Context, userID string, since, until time.Time) ([]usage.Record, error) {
	index := recordsKey
	if userID != "" {
		index = userRecordsKey(userID)
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf"}
	if !since.IsZero() {
		rng.Min = timeScore(since)
	}
	if !until.IsZero() {
		rng.Max = timeScore(until)
	}

	ids, err := s.client.ZRangeByScore(ctx, index, rng).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []usage.Record{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, recordKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]usage.Record, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			// Expired by TTL; the index entry goes on the next prune
			continue
		}

		record, err := parseRecord(data)
		if err != nil {
			continue
		}
		if !since.IsZero() && record.StartTime.Before(since) {
			continue
		}
		records = append(records, *record)
	}

	return records, nil
}

// DeleteRecordsBefore deletes finished sessions that ended before cutoff
func (s *usageStore) DeleteRecordsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, recordsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + timeScore(cutoff),
	}).Result()
	if err != nil {
		return 0, err
	}

	if len(ids) == 0 {
		return 0, nil
	}

	// Look up the owners so the per-user indexes can be trimmed too
	pipe := s.client.Pipeline()
	owners := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		owners[i] = pipe.HGet(ctx, recordKey(id), "user_id")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}

	pipe = s.client.TxPipeline()
	dels := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		dels[i] = pipe.Del(ctx, recordKey(id))
		if userID, err := owners[i].Result(); err == nil {
			pipe.ZRem(ctx, userRecordsKey(userID), id)
		}
		pipe.ZRem(ctx, recordsKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	deleted := 0
	for _, cmd := range dels {
		deleted += int(cmd.Val())
	}

	return deleted, nil
}

// ReportUsage adds flushed active time to the daily totals of the day each
// update was taken on
func (s *usageStore) ReportUsage(ctx context.Context, updates []usage.Update) error {
	for _, u := range updates {
		millis := u.Unreported.Milliseconds()
		if millis <= 0 || u.UserID == "" {
			continue
		}

		date := u.Timestamp.Format(storage.DateFormat)
		if err := s.IncrementDailyUsage(ctx, date, u.UserID, u.QuotaType, millis); err != nil {
			return fmt.Errorf("failed to report usage for %s: %w", u.UserID, err)
		}
	}
	return nil
}

// IncrementDailyUsage atomically adds millis to (or creates) daily usage
func (s *usageStore) IncrementDailyUsage(ctx context.Context, date string, userID string, quota usage.QuotaType, millis int64) error {
	score, err := dateScore(date)
	if err != nil {
		return err
	}

	keys := []string{dailyUsageKey(date, userID, quota), dailyIndexKey(date), dailyDatesKey}
	args := []interface{}{date, userID, string(quota), millis, score, retentionSeconds}

	return incrementDailyUsage.Run(ctx, s.client, keys, args...).Err()
}

// GetDailyUsage retrieves daily usage for a specific date, user and quota
func (s *usageStore) GetDailyUsage(ctx context.Context, date string, userID string, quota usage.QuotaType) (*storage.DailyUsage, error) {
	data, err := s.client.HGetAll(ctx, dailyUsageKey(date, userID, quota)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseDailyUsage(data)
}

// ListDailyUsage returns all daily usage entries for a specific date
func (s *usageStore) ListDailyUsage(ctx context.Context, date string) ([]storage.DailyUsage, error) {
	// Get all user:quota pairs for this date
	pairs, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
	if err != nil {
		return nil, err
	}

	if len(pairs) == 0 {
		return []storage.DailyUsage{}, nil
	}

	sort.Strings(pairs)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(pairs))
	for i, pair := range pairs {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf("khome:usage:daily:%s:%s", date, pair))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	usages := make([]storage.DailyUsage, 0, len(pairs))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		daily, err := parseDailyUsage(data)
		if err == nil {
			usages = append(usages, *daily)
		}
	}

	return usages, nil
}

// DeleteDailyUsageBefore deletes daily usage entries for dates before cutoffDate.
// Keys also carry a 90 day TTL; this removes them on the configured retention instead.
func (s *usageStore) DeleteDailyUsageBefore(ctx context.Context, cutoffDate string) (int, error) {
	cutoff, err := dateScore(cutoffDate)
	if err != nil {
		return 0, err
	}

	dates, err := s.client.ZRangeByScore(ctx, dailyDatesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, date := range dates {
		pairs, err := s.client.SMembers(ctx, dailyIndexKey(date)).Result()
		if err != nil {
			return deleted, err
		}

		pipe := s.client.TxPipeline()
		dels := make([]*redis.IntCmd, len(pairs))
		for i, pair := range pairs {
			dels[i] = pipe.Del(ctx, fmt.Sprintf("khome:usage:daily:%s:%s", date, pair))
		}
		pipe.Del(ctx, dailyIndexKey(date))
		pipe.ZRem(ctx, dailyDatesKey, date)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, err
		}

		for _, cmd := range dels {
			deleted += int(cmd.Val())
		}
	}

	return deleted, nil
}
