package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/khome/internal/config"
	"github.com/goodtune/khome/internal/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultHistoryLimit is how many enforcements are kept when the config leaves it unset.
const DefaultHistoryLimit = 5000

// Store implements the storage.Store interface using Redis
type Store struct {
	client           *redis.Client
	linkStore        *linkStore
	usageStore       *usageStore
	enforcementStore *enforcementStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}

	store := &Store{
		client:           client,
		linkStore:        &linkStore{client: client},
		usageStore:       &usageStore{client: client},
		enforcementStore: &enforcementStore{client: client, limit: int64(historyLimit)},
	}

	return store, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Links returns the LinkStore implementation
func (s *Store) Links() storage.LinkStore {
	return s.linkStore
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// Enforcements returns the EnforcementStore implementation
func (s *Store) Enforcements() storage.EnforcementStore {
	return s.enforcementStore
}
