package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRunLocked is returned when another process holds the run lock.
var ErrRunLocked = errors.New("run is locked by another process")

// ErrLockLost is returned when a held lock expired or changed owner.
var ErrLockLost = errors.New("run lock lost")

// Client wraps Redis operations for run coordination.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func lockKey(runID string) string {
	return fmt.Sprintf("chatdigest:run:%s:lock", runID)
}

func progressKey(runID string) string {
	return fmt.Sprintf("chatdigest:run:%s:progress", runID)
}

// Deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Extends the TTL only when the key still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireLock takes the exclusive lock for a run. It returns ErrRunLocked
// when the lock is already held.
func (c *Client) AcquireLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	ok, err := c.rdb.SetNX(ctx, lockKey(runID), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		holder, _ := c.rdb.Get(ctx, lockKey(runID)).Result()
		return fmt.Errorf("%w (holder %q)", ErrRunLocked, holder)
	}
	return nil
}

// RefreshLock extends the TTL of a run lock held by owner. It returns
// ErrLockLost when the lock expired or belongs to another process.
func (c *Client) RefreshLock(ctx context.Context, runID, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{lockKey(runID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// ReleaseLock releases a run lock held by owner.
func (c *Client) ReleaseLock(ctx context.Context, runID, owner string) error {
	return releaseScript.Run(ctx, c.rdb, []string{lockKey(runID)}, owner).Err()
}

// HoldLock acquires the run lock and keeps refreshing it until ctx is done.
// The returned func stops the refresher and releases the lock.
func (c *Client) HoldLock(ctx context.Context, runID, owner string, ttl time.Duration) (func(), error) {
	if err := c.AcquireLock(ctx, runID, owner, ttl); err != nil {
		return nil, err
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.C:
				if err := c.RefreshLock(refreshCtx, runID, owner, ttl); err != nil && refreshCtx.Err() == nil {
					slog.Warn("Failed to refresh run lock", "run_id", runID, "error", err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if err := c.ReleaseLock(releaseCtx, runID, owner); err != nil {
			slog.Warn("Failed to release run lock", "run_id", runID, "error", err)
		}
	}, nil
}
