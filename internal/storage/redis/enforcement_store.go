package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/khome/internal/enforce"
	"github.com/redis/go-redis/v9"
)

type enforcementStore struct {
	client *redis.Client
	limit  int64
}

// AppendEnforcement pushes a finished enforcement onto the history list and
// trims it to the configured limit
func (s *enforcementStore) AppendEnforcement(ctx context.Context, e enforce.Enforcement) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal enforcement %s: %w", e.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, enforcementsKey, data)
		pipe.LTrim(ctx, enforcementsKey, 0, s.limit-1)
		return nil
	})
	return err
}

// ListEnforcements returns up to limit enforcements, newest first. A
// non-positive limit returns the whole list.
func (s *enforcementStore) ListEnforcements(ctx context.Context, limit int) ([]enforce.Enforcement, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	items, err := s.client.LRange(ctx, enforcementsKey, 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]enforce.Enforcement, 0, len(items))
	for _, item := range items {
		var e enforce.Enforcement
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal enforcement: %w", err)
		}
		out = append(out, e)
	}

	return out, nil
}
