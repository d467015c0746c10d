package cursor

import (
	"time"
)

// unitRecord holds timing data for a processed batch or chunk.
type unitRecord struct {
	Records     int
	ProcessedAt time.Time
}

// Metrics holds run throughput data.
type Metrics struct {
	UnitsPerMinute   float64
	RecordsPerMinute float64
	AverageUnitTime  time.Duration
	StateHistory     []Transition
}

// MetricsCollector tracks run throughput over a sliding window.
type MetricsCollector struct {
	windowSize  int          // number of units to track
	units       []unitRecord // ring buffer of processed units
	transitions []Transition // recent phase changes
}

// RecordUnit records timing for a processed batch or chunk.
func (mc *MetricsCollector) RecordUnit(records int, processedAt time.Time) {
	record := unitRecord{
		Records:     records,
		ProcessedAt: processedAt,
	}

	if len(mc.units) >= mc.windowSize {
		// Shift elements left, drop oldest
		copy(mc.units, mc.units[1:])
		mc.units[len(mc.units)-1] = record
	} else {
		mc.units = append(mc.units, record)
	}
}

// RecordTransition records a phase transition.
func (mc *MetricsCollector) RecordTransition(t Transition) {
	// Keep only last 10 transitions
	if len(mc.transitions) >= 10 {
		copy(mc.transitions, mc.transitions[1:])
		mc.transitions[len(mc.transitions)-1] = t
	} else {
		mc.transitions = append(mc.transitions, t)
	}
}

// GetMetrics returns current metrics.
func (mc *MetricsCollector) GetMetrics() Metrics {
	m := Metrics{
		StateHistory: make([]Transition, len(mc.transitions)),
	}
	copy(m.StateHistory, mc.transitions)

	if len(mc.units) >= 2 {
		first := mc.units[0]
		last := mc.units[len(mc.units)-1]
		duration := last.ProcessedAt.Sub(first.ProcessedAt)

		if duration > 0 {
			count := float64(len(mc.units) - 1)
			records := 0
			for _, u := range mc.units[1:] {
				records += u.Records
			}
			m.UnitsPerMinute = count / duration.Minutes()
			m.RecordsPerMinute = float64(records) / duration.Minutes()
			m.AverageUnitTime = time.Duration(float64(duration) / count)
		}
	}

	return m
}

// Reset clears all collected metrics.
func (mc *MetricsCollector) Reset() {
	mc.units = mc.units[:0]
	mc.transitions = mc.transitions[:0]
}
