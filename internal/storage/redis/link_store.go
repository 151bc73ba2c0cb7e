package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/goodtune/khome/internal/links"
	"github.com/redis/go-redis/v9"
)

type linkStore struct {
	client *redis.Client
}

// SaveLinks replaces the stored link table with ls
func (s *linkStore) SaveLinks(ctx context.Context, ls []links.Link) error {
	values := make([]interface{}, 0, len(ls)*2)
	for _, l := range ls {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("failed to marshal link %s: %w", l.EntityID, err)
		}
		values = append(values, l.EntityID, data)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, linksKey)
		if len(values) > 0 {
			pipe.HSet(ctx, linksKey, values...)
		}
		return nil
	})
	return err
}

// LoadLinks returns the stored links sorted by entity id
func (s *linkStore) LoadLinks(ctx context.Context) ([]links.Link, error) {
	data, err := s.client.HGetAll(ctx, linksKey).Result()
	if err != nil {
		return nil, err
	}

	out := make([]links.Link, 0, len(data))
	for entityID, raw := range data {
		var l links.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("failed to unmarshal link %s: %w", entityID, err)
		}
		out = append(out, l)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}
