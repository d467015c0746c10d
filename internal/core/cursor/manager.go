package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

var (
	// ErrCursorRegression is returned when Advance gets a key that does not
	// sort after the current cursor.
	ErrCursorRegression = errors.New("cursor did not advance")

	// ErrRunDone is returned when trying to change a finished run.
	ErrRunDone = errors.New("run is done")

	// ErrWrongPhase is returned when an operation does not belong to the current phase.
	ErrWrongPhase = errors.New("operation not allowed in current phase")
)

// Manager handles run progress with phase machine enforcement.
type Manager interface {
	// Load reads the persisted state, or starts from a fresh one.
	Load(ctx context.Context) (domain.RunState, error)

	// State returns a copy of the current state.
	State() domain.RunState

	// Advance records a processed batch ending at key.
	Advance(ctx context.Context, key domain.Cursor, records int) error

	// RecordReduce records a merged chunk or a finished round.
	RecordReduce(ctx context.Context, round, itemsRemaining, requests int) error

	// RecordError counts a fatal failure.
	RecordError(ctx context.Context) error

	// SetPhase transitions to a new phase (validates transition).
	SetPhase(ctx context.Context, to domain.Phase, reason string) error

	// BudgetExhausted reports whether the request cap is reached.
	BudgetExhausted() bool

	// GetMetrics returns throughput metrics.
	GetMetrics() Metrics

	// SetStateChangeCallback registers callback for phase changes.
	SetStateChangeCallback(fn func(t Transition))

	// SetSaveCallback registers callback invoked after every save.
	SetSaveCallback(fn func(state domain.RunState))
}

// DefaultManager implements Manager with phase machine enforcement.
type DefaultManager struct {
	repo        Repository
	maxRequests int

	mu            sync.RWMutex
	state         *domain.RunState
	collector     *MetricsCollector
	stateCallback func(Transition)
	saveCallback  func(domain.RunState)
}

// Load reads the persisted state. A run without state starts in the map phase.
func (m *DefaultManager) Load(ctx context.Context) (domain.RunState, error) {
	state, err := m.repo.LoadState(ctx)
	if err != nil {
		return domain.RunState{}, fmt.Errorf("failed to load state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return *state, nil
}

// Init saves a fresh state, discarding any in memory.
func (m *DefaultManager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = domain.NewRunState()
	return m.saveLocked(ctx)
}

// State returns a copy of the current state.
func (m *DefaultManager) State() domain.RunState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := *m.state
	if st.Cursor != nil {
		c := *st.Cursor
		st.Cursor = &c
	}
	return st
}

// Advance moves the cursor forward after a batch has been journaled.
func (m *DefaultManager) Advance(ctx context.Context, key domain.Cursor, records int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Phase {
	case domain.PhaseDone:
		return ErrRunDone
	case domain.PhaseReduce:
		return fmt.Errorf("%w: advance during %s", ErrWrongPhase, m.state.Phase)
	}

	if m.state.Cursor != nil && !key.After(*m.state.Cursor) {
		return fmt.Errorf("%w: %s is not after %s", ErrCursorRegression, key, m.state.Cursor)
	}

	prev := *m.state
	c := key
	m.state.Cursor = &c
	m.state.Batches++
	m.state.Messages += records
	m.state.Requests++

	if err := m.saveLocked(ctx); err != nil {
		*m.state = prev
		return fmt.Errorf("failed to save cursor: %w", err)
	}

	m.collector.RecordUnit(records, time.Now())
	return nil
}

// RecordReduce stores the reduce round, the size of the frontier and the
// number of requests made since the last save.
func (m *DefaultManager) RecordReduce(ctx context.Context, round, itemsRemaining, requests int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != domain.PhaseReduce {
		return fmt.Errorf("%w: reduce during %s", ErrWrongPhase, m.state.Phase)
	}

	prev := *m.state
	m.state.ReduceRound = round
	m.state.ItemsRemaining = itemsRemaining
	m.state.Requests += requests

	if err := m.saveLocked(ctx); err != nil {
		*m.state = prev
		return fmt.Errorf("failed to save reduce progress: %w", err)
	}

	if requests > 0 {
		m.collector.RecordUnit(1, time.Now())
	}
	return nil
}

// RecordError counts a fatal failure.
func (m *DefaultManager) RecordError(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.Errors++
	return m.saveLocked(ctx)
}

// SetPhase transitions the run to a new phase. Setting the current phase is a no-op.
func (m *DefaultManager) SetPhase(ctx context.Context, to domain.Phase, reason string) error {
	m.mu.Lock()

	from := m.state.Phase
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}

	transition := NewTransition(from, to, reason)
	m.state.Phase = to
	if err := m.saveLocked(ctx); err != nil {
		m.state.Phase = from
		m.mu.Unlock()
		return fmt.Errorf("failed to update phase: %w", err)
	}
	m.collector.RecordTransition(transition)
	callback := m.stateCallback
	m.mu.Unlock()

	if callback != nil {
		callback(transition)
	}
	return nil
}

// BudgetExhausted reports whether the persisted request counter reached the cap.
func (m *DefaultManager) BudgetExhausted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxRequests > 0 && m.state.Requests >= m.maxRequests
}

// SetMaxRequests changes the request cap.
func (m *DefaultManager) SetMaxRequests(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRequests = n
}

// GetMetrics returns throughput metrics.
func (m *DefaultManager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collector.GetMetrics()
}

// SetStateChangeCallback registers a callback for phase changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}

// SetSaveCallback registers a callback invoked with every saved state.
func (m *DefaultManager) SetSaveCallback(fn func(state domain.RunState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallback = fn
}

func (m *DefaultManager) saveLocked(ctx context.Context) error {
	m.state.UpdatedAt = time.Now()
	if err := m.repo.SaveState(ctx, m.state); err != nil {
		return err
	}
	if m.saveCallback != nil {
		m.saveCallback(*m.state)
	}
	return nil
}
