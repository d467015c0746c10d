package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// JobKind selects the analysis a run performs.
type JobKind string

const (
	JobTopics JobKind = "topics"
	JobStyle  JobKind = "style"
	JobCustom JobKind = "custom"
)

// Phase is the coarse position of a run.
type Phase string

const (
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
	PhaseDone   Phase = "done"
)

// ErrConfigMismatch is returned when a resumed run does not match its persisted config.
var ErrConfigMismatch = errors.New("run config mismatch")

var validate = validator.New()

// RunConfig is written once when a run is created and never changes afterwards.
type RunConfig struct {
	RunID        string    `json:"run_id"        validate:"required,excludesall=/\\"`
	StoreLocator string    `json:"store_locator" validate:"required"`
	Job          JobKind   `json:"job"           validate:"required,oneof=topics style custom"`
	Sender       string    `json:"sender,omitempty"`
	LookbackDays int       `json:"lookback_days" validate:"gte=0"`
	Since        time.Time `json:"since,omitempty"`

	PageSize       int `json:"page_size"        validate:"gt=0"`
	MaxMessages    int `json:"max_messages"     validate:"gte=0"`
	MaxRecordChars int `json:"max_record_chars" validate:"gt=0"`
	MaxBatchChars  int `json:"max_batch_chars"  validate:"gt=0"`
	MaxBatchTokens int `json:"max_batch_tokens" validate:"gt=0"`

	Model             string        `json:"model,omitempty"`
	SystemInstruction string        `json:"system_instruction,omitempty"`
	Timeout           time.Duration `json:"timeout"          validate:"gt=0"`
	RequestInterval   time.Duration `json:"request_interval" validate:"gte=0"`
	MaxRequests       int           `json:"max_requests"     validate:"gte=0"`
	MaxAttempts       int           `json:"max_attempts"     validate:"gt=0"`

	// ReduceMultiplier scales the map budgets for reduce chunks.
	ReduceMultiplier int `json:"reduce_multiplier" validate:"gt=0"`
	// ReduceChunkFactor caps the number of items merged per reduce call.
	ReduceChunkFactor int `json:"reduce_chunk_factor" validate:"gte=2"`

	CustomPrompt string    `json:"custom_prompt,omitempty" validate:"required_if=Job custom"`
	CreatedAt    time.Time `json:"created_at"`
}

// Validate checks field constraints.
func (c *RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid run config: %w", err)
	}
	return nil
}

// CheckIdentity compares the fields that decide which records a run covers.
// A resumed run must agree with its persisted config on all of them.
func (c *RunConfig) CheckIdentity(persisted *RunConfig) error {
	var diffs []string
	if c.Job != persisted.Job {
		diffs = append(diffs, fmt.Sprintf("job %q != %q", c.Job, persisted.Job))
	}
	if c.StoreLocator != persisted.StoreLocator {
		diffs = append(diffs, "store locator differs")
	}
	if c.Sender != persisted.Sender {
		diffs = append(diffs, fmt.Sprintf("sender %q != %q", c.Sender, persisted.Sender))
	}
	if c.LookbackDays != persisted.LookbackDays {
		diffs = append(diffs, fmt.Sprintf("lookback %d != %d days", c.LookbackDays, persisted.LookbackDays))
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigMismatch, strings.Join(diffs, "; "))
	}
	return nil
}

// Filter returns the record filter the run scans with.
func (c *RunConfig) Filter() RecordFilter {
	return RecordFilter{Sender: c.Sender, Since: c.Since}
}

// RunState is the mutable progress of a run, checkpointed after every unit of work.
type RunState struct {
	Phase          Phase     `json:"phase"`
	Cursor         *Cursor   `json:"cursor,omitempty"`
	Batches        int       `json:"batches"`
	Messages       int       `json:"messages"`
	Requests       int       `json:"requests"`
	ReduceRound    int       `json:"reduce_round"`
	ItemsRemaining int       `json:"items_remaining"`
	Errors         int       `json:"errors"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NewRunState returns the state of a freshly created run.
func NewRunState() *RunState {
	return &RunState{Phase: PhaseMap, UpdatedAt: time.Now()}
}
