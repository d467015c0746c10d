package cursor

import (
	"errors"
	"time"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

// ErrInvalidTransition is returned when an invalid phase transition is attempted.
var ErrInvalidTransition = errors.New("invalid phase transition")

// ValidTransitions defines allowed phase transitions.
// Key is the current phase, value is the list of valid next phases.
var ValidTransitions = map[domain.Phase][]domain.Phase{
	domain.PhaseMap:    {domain.PhaseReduce, domain.PhaseDone},
	domain.PhaseReduce: {domain.PhaseDone},
	domain.PhaseDone:   {},
}

// CanTransition checks if a transition from one phase to another is valid.
func CanTransition(from, to domain.Phase) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a phase change with metadata.
type Transition struct {
	From      domain.Phase
	To        domain.Phase
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to domain.Phase, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the phase machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// PhaseDescription returns a human-readable description of a phase.
func PhaseDescription(p domain.Phase) string {
	switch p {
	case domain.PhaseMap:
		return "Map - extracting partial results batch by batch"
	case domain.PhaseReduce:
		return "Reduce - merging partial results"
	case domain.PhaseDone:
		return "Done - final artifact written"
	default:
		return "Unknown phase"
	}
}
