// Package oneshot analyzes the most recent records of a store with a single
// model call, without batching or a run directory.
package oneshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/batch"
	"github.com/vietddude/chatdigest/internal/analysis/metrics"
	"github.com/vietddude/chatdigest/internal/analysis/parse"
	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/storage"
)

// ErrNoRecords is returned when the store has nothing to analyze.
var ErrNoRecords = errors.New("no records to analyze")

// Invoker performs one generation call with retries.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (string, error)
}

// Config selects the records and the prompt of a one-shot analysis.
type Config struct {
	Filter         domain.RecordFilter
	Limit          int
	PageSize       int
	MaxRecordChars int
	Model          string
	CustomPrompt   string
}

// LoadRecent returns the last limit records matching filter in ascending key
// order. When the lookback window is empty it falls back to the most recent
// records of the whole history.
func LoadRecent(ctx context.Context, repo storage.RecordRepository, filter domain.RecordFilter, limit, pageSize int) ([]domain.Record, error) {
	recs, err := tail(ctx, repo, filter, limit, pageSize)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 && !filter.Since.IsZero() {
		slog.Info("Lookback window is empty, using the most recent messages", "since", filter.Since)
		filter.Since = time.Time{}
		return tail(ctx, repo, filter, limit, pageSize)
	}
	return recs, nil
}

// tail scans the store forward and keeps the last limit records.
func tail(ctx context.Context, repo storage.RecordRepository, filter domain.RecordFilter, limit, pageSize int) ([]domain.Record, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}
	var (
		window []domain.Record
		after  *domain.Cursor
	)
	for {
		page, err := repo.Page(ctx, filter, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to read records: %w", err)
		}
		window = append(window, page...)
		if limit > 0 && len(window) > limit {
			window = append(window[:0], window[len(window)-limit:]...)
		}
		if len(page) < pageSize {
			return window, nil
		}
		last := page[len(page)-1].Cursor()
		after = &last
	}
}

// Analyze sends the formatted records in one request using the job's map
// templates. A JSON answer comes back indented; anything else verbatim.
func Analyze(ctx context.Context, invoker Invoker, prompts prompt.Set, records []domain.Record, cfg Config) (string, error) {
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		if line := batch.FormatRecord(rec, cfg.MaxRecordChars); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return "", ErrNoRecords
	}

	text, err := invoker.Invoke(ctx, provider.Request{
		Model:  cfg.Model,
		System: prompts.MapSystem,
		Prompt: prompt.Render(prompts.MapUser, cfg.CustomPrompt),
		Data:   strings.Join(lines, "\n"),
	})
	if err != nil {
		return "", err
	}

	value, err := parse.Parse(text)
	if err != nil {
		metrics.ParseFailures.WithLabelValues("single").Inc()
		return strings.TrimSpace(text), nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, value, "", "  "); err != nil {
		return strings.TrimSpace(text), nil
	}
	return buf.String(), nil
}
