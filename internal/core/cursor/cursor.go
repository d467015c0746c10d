// Package cursor tracks the progress of an analysis run.
//
// # Purpose
//
// The manager is the run's bookmark:
//   - Cursor: the key of the last record placed in a processed batch
//   - Phase: map, reduce or done
//   - Counters: batches, messages, requests, reduce round, errors
//
// # Key Features
//
// Phase machine. Only forward transitions are allowed:
//
//	map → reduce → done (valid)
//	reduce → map (invalid)
//
// Monotonic cursor. Advance refuses a key that does not sort strictly after
// the current one, so a batch can never be counted twice.
//
// Write-through. Every change is saved before the call returns.
//
// Request budget. BudgetExhausted reports when the persisted request
// counter reached the run's cap, across resumes.
//
// # Quick Start
//
//	manager := cursor.NewManager(run, cfg.MaxRequests)
//	state, _ := manager.Load(ctx)
//
//	// after each batch
//	manager.Advance(ctx, batch.LastKey, batch.Size())
//
//	// after the last batch
//	manager.SetPhase(ctx, domain.PhaseReduce, "map complete")
//
// # Package Structure
//
//   - state.go   - phase machine and transitions
//   - manager.go - Manager implementation
//   - metrics.go - throughput and transition history
package cursor

import (
	"context"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// Repository persists run state. checkpoint.Run implements it.
type Repository interface {
	LoadState(ctx context.Context) (*domain.RunState, error)
	SaveState(ctx context.Context, state *domain.RunState) error
}

// NewManager creates a manager over repo. maxRequests of 0 means no cap.
func NewManager(repo Repository, maxRequests int) *DefaultManager {
	return &DefaultManager{
		repo:        repo,
		maxRequests: maxRequests,
		state:       domain.NewRunState(),
		collector:   NewMetricsCollector(100),
	}
}

// NewMetricsCollector creates a new metrics collector with the given window size.
func NewMetricsCollector(windowSize int) *MetricsCollector {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &MetricsCollector{
		windowSize:  windowSize,
		units:       make([]unitRecord, 0, windowSize),
		transitions: make([]Transition, 0, 10),
	}
}
