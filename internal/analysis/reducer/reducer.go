// Package reducer merges map outputs round by round until one result is left.
package reducer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/metrics"
	"github.com/vietddude/chatdigest/internal/analysis/parse"
	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/core/cursor"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
)

// Invoker performs one resilient generation call.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (string, error)
}

// Journal is the part of a run directory the reduce stage reads and writes.
type Journal interface {
	ReadMap() ([]domain.MapOutputRecord, error)
	ReadReduce() (map[checkpoint.ReduceKey]domain.ReduceOutputRecord, error)
	AppendReduce(rec *domain.ReduceOutputRecord) error
	AppendError(rec *domain.ErrorRecord) error
	WriteFinal(text string) error
}

// Progress is the run state the stage updates.
type Progress interface {
	State() domain.RunState
	RecordReduce(ctx context.Context, round, itemsRemaining, requests int) error
	RecordError(ctx context.Context) error
	SetPhase(ctx context.Context, to domain.Phase, reason string) error
	BudgetExhausted() bool
}

// Result summarizes one Run call.
type Result struct {
	Rounds        int
	Calls         int
	Replayed      int
	Final         string
	Complete      bool
	BudgetStopped bool
}

// Stage is the reduce stage of a run.
type Stage struct {
	cfg      *domain.RunConfig
	prompts  prompt.Set
	invoker  Invoker
	journal  Journal
	progress Progress
	logger   *slog.Logger
	now      func() time.Time
}

// NewStage creates the reduce stage.
func NewStage(cfg *domain.RunConfig, prompts prompt.Set, invoker Invoker, journal Journal, progress Progress, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		cfg:      cfg,
		prompts:  prompts,
		invoker:  invoker,
		journal:  journal,
		progress: progress,
		logger:   logger,
		now:      time.Now,
	}
}

// Budget returns the chunk budget: the map budgets scaled by the reduce multiplier.
func (s *Stage) Budget() Budget {
	mult := s.cfg.ReduceMultiplier
	if mult <= 0 {
		mult = 1
	}
	return Budget{
		MaxChars:  s.cfg.MaxBatchChars * mult,
		MaxTokens: s.cfg.MaxBatchTokens * mult,
		MaxItems:  s.cfg.ReduceChunkFactor,
	}
}

// Run merges the journaled map outputs into the final artifact. Chunks already
// in the reduce journal are replayed instead of invoked again.
func (s *Stage) Run(ctx context.Context) (Result, error) {
	var res Result

	st := s.progress.State()
	switch st.Phase {
	case domain.PhaseDone:
		res.Complete = true
		return res, nil
	case domain.PhaseMap:
		return res, fmt.Errorf("%w: reduce before map completed", cursor.ErrWrongPhase)
	}

	outputs, err := s.journal.ReadMap()
	if err != nil {
		return res, fmt.Errorf("failed to read map outputs: %w", err)
	}
	items, err := itemsFromMap(outputs)
	if err != nil {
		return res, err
	}

	done, err := s.journal.ReadReduce()
	if err != nil {
		return res, fmt.Errorf("failed to read reduce outputs: %w", err)
	}

	s.logger.Info("Reduce phase started", "items", len(items), "journaled_chunks", len(done))

	userPrompt := prompt.Render(s.prompts.ReduceUser, s.cfg.CustomPrompt)
	budget := s.Budget()

	for round := 1; len(items) > 1; round++ {
		chunks := Chunk(items, budget)
		next := make([]json.RawMessage, 0, len(chunks))
		consumed := 0

		for ci, chunk := range chunks {
			if prior, ok := done[checkpoint.ReduceKey{Round: round, Chunk: ci}]; ok && prior.ChunkSize == len(chunk) {
				next = append(next, prior.Result)
				consumed += len(chunk)
				res.Replayed++
				continue
			}

			if err := ctx.Err(); err != nil {
				return res, err
			}
			if s.progress.BudgetExhausted() {
				s.logger.Warn("Request budget reached, stopping reduce",
					"round", round, "chunk", ci, "requests", s.progress.State().Requests)
				res.BudgetStopped = true
				return res, nil
			}

			merged, err := s.merge(ctx, round, ci, chunk, userPrompt)
			if err != nil {
				return res, err
			}
			next = append(next, merged)
			consumed += len(chunk)
			res.Calls++

			remaining := len(next) + len(items) - consumed
			if err := s.progress.RecordReduce(ctx, round, remaining, 1); err != nil {
				return res, fmt.Errorf("failed to checkpoint reduce chunk: %w", err)
			}
			metrics.ReduceItemsRemaining.WithLabelValues(s.cfg.RunID).Set(float64(remaining))
		}

		if err := s.progress.RecordReduce(ctx, round, len(next), 0); err != nil {
			return res, fmt.Errorf("failed to checkpoint reduce round: %w", err)
		}
		s.logger.Info("Reduce round done", "round", round, "chunks", len(chunks), "items_before", len(items), "items_after", len(next))

		items = next
		res.Rounds = round
	}

	final := ""
	if len(items) == 1 {
		final, err = render(items[0])
		if err != nil {
			return res, err
		}
	} else {
		s.logger.Warn("No map outputs to reduce, writing empty result")
	}

	if err := s.journal.WriteFinal(final); err != nil {
		return res, fmt.Errorf("failed to write final result: %w", err)
	}
	if err := s.progress.SetPhase(ctx, domain.PhaseDone, "reduce complete"); err != nil {
		return res, err
	}

	res.Final = final
	res.Complete = true
	s.logger.Info("Reduce phase complete", "rounds", res.Rounds, "calls", res.Calls, "replayed", res.Replayed)
	return res, nil
}

func (s *Stage) merge(ctx context.Context, round, index int, chunk []json.RawMessage, userPrompt string) (json.RawMessage, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chunk: %w", err)
	}

	text, err := s.invoker.Invoke(ctx, provider.Request{
		Model:  s.cfg.Model,
		System: s.prompts.ReduceSystem,
		Prompt: userPrompt,
		Data:   string(data),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, round, index, err)
	}

	rec := &domain.ReduceOutputRecord{
		Round:      round,
		ChunkIndex: index,
		ChunkSize:  len(chunk),
		At:         s.now().UTC(),
	}
	result, perr := parse.Parse(text)
	if perr != nil {
		// unparseable output travels on as a JSON string
		raw, err := json.Marshal(text)
		if err != nil {
			return nil, err
		}
		rec.Result = raw
		rec.Raw = text
		rec.ParseError = perr.Error()
		metrics.ParseFailures.WithLabelValues(string(domain.PhaseReduce)).Inc()
		s.logger.Warn("Reduce output is not JSON, keeping raw text", "round", round, "chunk", index, "error", perr)
	} else {
		rec.Result = result
	}

	if err := s.journal.AppendReduce(rec); err != nil {
		return nil, fmt.Errorf("failed to journal reduce chunk: %w", err)
	}
	s.logger.Debug("Reduce chunk merged", "round", round, "chunk", index, "items", len(chunk))
	return rec.Result, nil
}

func (s *Stage) fail(ctx context.Context, round, index int, err error) error {
	kind := routing.KindOf(err)
	rec := &domain.ErrorRecord{
		Phase: domain.PhaseReduce,
		Round: round,
		Index: index,
		Kind:  string(kind),
		Error: err.Error(),
		At:    s.now().UTC(),
	}
	if jerr := s.journal.AppendError(rec); jerr != nil {
		s.logger.Error("Failed to journal error", "round", round, "chunk", index, "error", jerr)
	}
	if perr := s.progress.RecordError(ctx); perr != nil {
		s.logger.Error("Failed to record error", "round", round, "chunk", index, "error", perr)
	}

	s.logger.Error("Reduce chunk failed", "round", round, "chunk", index, "kind", kind, "error", err)
	return fmt.Errorf("reduce round %d chunk %d: %w", round, index, err)
}

// itemsFromMap turns map outputs into reduce inputs. An unparsed output is
// carried as an object holding its raw text and parse error.
func itemsFromMap(outputs []domain.MapOutputRecord) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0, len(outputs))
	for i := range outputs {
		out := &outputs[i]
		if out.Parsed() {
			items = append(items, out.Result)
			continue
		}
		raw, err := json.Marshal(struct {
			Raw        string `json:"raw"`
			ParseError string `json:"parse_error"`
		}{out.Raw, out.ParseError})
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch %d: %w", out.BatchIndex, err)
		}
		items = append(items, raw)
	}
	return items, nil
}

// render writes a JSON string verbatim and anything else indented.
func render(item json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(item, &text); err == nil {
		return text, nil
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, item, "", "  "); err != nil {
		return "", fmt.Errorf("failed to format final result: %w", err)
	}
	return buf.String(), nil
}
