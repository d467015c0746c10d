// Package health reports the progress of a running analysis over HTTP.
package health

import (
	"time"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// SystemStatus represents the health state of a run.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// RunHealth is the detailed report of one run.
type RunHealth struct {
	RunID          string       `json:"run_id"`
	Status         SystemStatus `json:"status"`
	Phase          domain.Phase `json:"phase"`
	Batches        int          `json:"batches"`
	Messages       int          `json:"messages"`
	Requests       int          `json:"requests"`
	ReduceRound    int          `json:"reduce_round"`
	ItemsRemaining int          `json:"items_remaining"`
	Errors         int          `json:"errors"`
	UnitsPerMinute float64      `json:"units_per_minute"`
	Idle           string       `json:"idle"`
	UpdatedAt      time.Time    `json:"updated_at"`
}
