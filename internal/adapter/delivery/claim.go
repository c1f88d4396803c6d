// Package delivery implements the broker's background dispatch loop: it
// selects due waiting tasks, claims them, and POSTs them to registered
// worker endpoints with bounded timeouts and exponential backoff.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer guards a task against concurrent delivery by multiple loop
// instances. The store-level attempt guard is the correctness backstop; the
// claim avoids wasted duplicate claims across broker replicas.
type Claimer interface {
	TryClaim(ctx context.Context, taskID string, ttl time.Duration) bool
	Release(ctx context.Context, taskID string)
}

// RedisClaimer implements Claimer with SETNX claim tokens.
type RedisClaimer struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClaimer connects to Redis at the given URL.
func NewRedisClaimer(url string) (*RedisClaimer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=claim.connect: %w", err)
	}
	return &RedisClaimer{rdb: redis.NewClient(opts), prefix: "docpipe:claim:"}, nil
}

// TryClaim acquires the claim token for the task, or reports it held.
func (c *RedisClaimer) TryClaim(ctx context.Context, taskID string, ttl time.Duration) bool {
	ok, err := c.rdb.SetNX(ctx, c.prefix+taskID, "1", ttl).Result()
	if err != nil {
		// On Redis trouble fall through to the store-level attempt guard.
		return true
	}
	return ok
}

// Release drops the claim token.
func (c *RedisClaimer) Release(ctx context.Context, taskID string) {
	_ = c.rdb.Del(ctx, c.prefix+taskID).Err()
}

// Ping reports Redis connectivity for readiness checks.
func (c *RedisClaimer) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection.
func (c *RedisClaimer) Close() error { return c.rdb.Close() }
