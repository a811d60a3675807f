// Package cache provides Redis-backed caching for the review queue's
// pending counts badge.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"atrium/api/internal/store"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when the cached value is absent or expired.
var ErrMiss = errors.New("cache miss")

const pendingCountsKey = "suggestions:pending_counts"

// PendingCounts caches the pending-suggestion counts with a short TTL.
// Every suggestion write invalidates the key, so the TTL only bounds
// staleness across processes.
type PendingCounts struct {
	client *redis.Client
	ttl    time.Duration
}

func NewPendingCounts(redisURL string) (*PendingCounts, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewPendingCountsWithClient(client), nil
}

func NewPendingCountsWithClient(client *redis.Client) *PendingCounts {
	return &PendingCounts{
		client: client,
		ttl:    30 * time.Second,
	}
}

func (c *PendingCounts) Get(ctx context.Context) (store.PendingCounts, error) {
	jsonData, err := c.client.Get(ctx, pendingCountsKey).Result()
	if err == redis.Nil {
		return store.PendingCounts{}, ErrMiss
	}
	if err != nil {
		return store.PendingCounts{}, fmt.Errorf("get pending counts: %w", err)
	}

	var counts store.PendingCounts
	if err := json.Unmarshal([]byte(jsonData), &counts); err != nil {
		return store.PendingCounts{}, fmt.Errorf("unmarshal pending counts: %w", err)
	}
	if counts.ByType == nil {
		counts.ByType = map[store.SuggestionType]int{}
	}
	return counts, nil
}

func (c *PendingCounts) Set(ctx context.Context, counts store.PendingCounts) error {
	jsonData, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal pending counts: %w", err)
	}
	if err := c.client.Set(ctx, pendingCountsKey, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("set pending counts: %w", err)
	}
	return nil
}

func (c *PendingCounts) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, pendingCountsKey).Err(); err != nil {
		return fmt.Errorf("invalidate pending counts: %w", err)
	}
	return nil
}

func (c *PendingCounts) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *PendingCounts) Close() error {
	return c.client.Close()
}
