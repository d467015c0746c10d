package health

import (
	"time"

	"github.com/vietddude/chatdigest/internal/core/cursor"
	"github.com/vietddude/chatdigest/internal/core/domain"
)

// StateSource exposes run progress. cursor.DefaultManager implements it.
type StateSource interface {
	State() domain.RunState
	GetMetrics() cursor.Metrics
}

// Monitor derives a health status from run progress.
type Monitor struct {
	runID      string
	source     StateSource
	stallAfter time.Duration
	now        func() time.Time
}

// NewMonitor creates a monitor. A run that has not saved progress for
// stallAfter is reported critical.
func NewMonitor(runID string, source StateSource, stallAfter time.Duration) *Monitor {
	return &Monitor{
		runID:      runID,
		source:     source,
		stallAfter: stallAfter,
		now:        time.Now,
	}
}

// CheckHealth builds the report for the run.
func (m *Monitor) CheckHealth() RunHealth {
	st := m.source.State()
	idle := m.now().Sub(st.UpdatedAt)

	health := RunHealth{
		RunID:          m.runID,
		Status:         StatusHealthy,
		Phase:          st.Phase,
		Batches:        st.Batches,
		Messages:       st.Messages,
		Requests:       st.Requests,
		ReduceRound:    st.ReduceRound,
		ItemsRemaining: st.ItemsRemaining,
		Errors:         st.Errors,
		UnitsPerMinute: m.source.GetMetrics().UnitsPerMinute,
		Idle:           idle.Truncate(time.Second).String(),
		UpdatedAt:      st.UpdatedAt,
	}

	if st.Phase == domain.PhaseDone {
		return health
	}
	if m.stallAfter > 0 && idle > m.stallAfter {
		health.Status = StatusCritical
	} else if st.Errors > 0 {
		health.Status = StatusDegraded
	}
	return health
}
