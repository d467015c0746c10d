package domain

import (
	"encoding/json"
	"time"
)

// MapOutputRecord is the journal entry written for every processed batch.
type MapOutputRecord struct {
	BatchIndex    int             `json:"batch_index"`
	FirstKey      Cursor          `json:"first_key"`
	LastKey       Cursor          `json:"last_key"`
	RecordCount   int             `json:"record_count"`
	CharCount     int             `json:"char_count"`
	TokenEstimate int             `json:"token_estimate"`
	Result        json.RawMessage `json:"result"`
	Raw           string          `json:"raw,omitempty"`
	ParseError    string          `json:"parse_error,omitempty"`
	At            time.Time       `json:"at"`
}

// Parsed reports whether the model output was parsed into structured data.
func (r *MapOutputRecord) Parsed() bool {
	return len(r.Result) > 0 && string(r.Result) != "null"
}

// ReduceOutputRecord is the journal entry written for every merged chunk.
type ReduceOutputRecord struct {
	Round      int             `json:"round"`
	ChunkIndex int             `json:"chunk_index"`
	ChunkSize  int             `json:"chunk_size"`
	Result     json.RawMessage `json:"result"`
	Raw        string          `json:"raw,omitempty"`
	ParseError string          `json:"parse_error,omitempty"`
	At         time.Time       `json:"at"`
}

// ErrorRecord is the journal entry written when a phase halts on a fatal error.
type ErrorRecord struct {
	Phase Phase     `json:"phase"`
	Round int       `json:"round,omitempty"`
	Index int       `json:"index"`
	Kind  string    `json:"kind,omitempty"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}
