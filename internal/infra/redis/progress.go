package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

const progressTTL = 7 * 24 * time.Hour

// ProgressRepo mirrors run state into Redis so other processes can watch a run.
type ProgressRepo struct {
	rdb *redis.Client
}

// NewProgressRepo creates a new Redis-backed progress mirror.
func NewProgressRepo(client *Client) *ProgressRepo {
	return &ProgressRepo{rdb: client.rdb}
}

// Publish stores the latest state snapshot of a run.
func (r *ProgressRepo) Publish(ctx context.Context, runID string, state *domain.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}
	if err := r.rdb.Set(ctx, progressKey(runID), data, progressTTL).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}
	return nil
}

// Get returns the last published state of a run, or nil when none exists.
func (r *ProgressRepo) Get(ctx context.Context, runID string) (*domain.RunState, error) {
	data, err := r.rdb.Get(ctx, progressKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}

	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return &state, nil
}

// Delete removes the progress snapshot of a run.
func (r *ProgressRepo) Delete(ctx context.Context, runID string) error {
	return r.rdb.Del(ctx, progressKey(runID)).Err()
}
