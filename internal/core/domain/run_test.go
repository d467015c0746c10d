package domain

import (
	"errors"
	"testing"
	"time"
)

func validConfig() RunConfig {
	return RunConfig{
		RunID:             "run-1",
		StoreLocator:      "postgres://localhost/tg",
		Job:               JobTopics,
		PageSize:          100,
		MaxRecordChars:    400,
		MaxBatchChars:     12000,
		MaxBatchTokens:    3500,
		Timeout:           time.Minute,
		MaxAttempts:       6,
		ReduceMultiplier:  4,
		ReduceChunkFactor: 4,
	}
}

func TestRunConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *RunConfig)
		wantErr bool
	}{
		{"valid", func(c *RunConfig) {}, false},
		{"unknown job", func(c *RunConfig) { c.Job = "sentiment" }, true},
		{"custom without prompt", func(c *RunConfig) { c.Job = JobCustom }, true},
		{"custom with prompt", func(c *RunConfig) { c.Job = JobCustom; c.CustomPrompt = "find jokes" }, false},
		{"zero page size", func(c *RunConfig) { c.PageSize = 0 }, true},
		{"chunk factor one", func(c *RunConfig) { c.ReduceChunkFactor = 1 }, true},
		{"run id with slash", func(c *RunConfig) { c.RunID = "../etc" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunConfig_CheckIdentity(t *testing.T) {
	persisted := validConfig()
	persisted.Sender = "channel-a"
	persisted.LookbackDays = 30

	same := persisted
	same.MaxRequests = 10 // non-identity fields may change between resumes
	same.RequestInterval = 2 * time.Second
	if err := same.CheckIdentity(&persisted); err != nil {
		t.Errorf("expected identical identity, got %v", err)
	}

	other := persisted
	other.Sender = "channel-b"
	err := other.CheckIdentity(&persisted)
	if !errors.Is(err, ErrConfigMismatch) {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}

	other = persisted
	other.Job = JobStyle
	other.LookbackDays = 7
	if err := other.CheckIdentity(&persisted); !errors.Is(err, ErrConfigMismatch) {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestCursor_Compare(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)

	tests := []struct {
		name string
		a, b Cursor
		want int
	}{
		{"earlier timestamp", Cursor{t0, 9, "z"}, Cursor{t1, 1, "a"}, -1},
		{"same timestamp lower id", Cursor{t0, 1, "z"}, Cursor{t0, 2, "a"}, -1},
		{"same timestamp and id, sender breaks tie", Cursor{t0, 1, "a"}, Cursor{t0, 1, "b"}, -1},
		{"equal", Cursor{t0, 1, "a"}, Cursor{t0, 1, "a"}, 0},
		{"later", Cursor{t1, 1, "a"}, Cursor{t0, 5, "a"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %d, want %d", got, tt.want)
			}
			if got := tt.b.Compare(tt.a); got != -tt.want {
				t.Errorf("reverse Compare() = %d, want %d", got, -tt.want)
			}
		})
	}
}
