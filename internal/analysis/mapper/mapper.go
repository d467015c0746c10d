// Package mapper runs the map phase: one generation call per batch.
package mapper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/batch"
	"github.com/vietddude/chatdigest/internal/analysis/metrics"
	"github.com/vietddude/chatdigest/internal/analysis/parse"
	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
	"github.com/vietddude/chatdigest/internal/infra/storage"
)

// Invoker performs one resilient generation call.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (string, error)
}

// Journal receives map output and error records.
type Journal interface {
	AppendMap(rec *domain.MapOutputRecord) error
	AppendError(rec *domain.ErrorRecord) error
}

// Progress is the run state the stage advances.
type Progress interface {
	State() domain.RunState
	Advance(ctx context.Context, key domain.Cursor, records int) error
	RecordError(ctx context.Context) error
	SetPhase(ctx context.Context, to domain.Phase, reason string) error
	BudgetExhausted() bool
}

// Result summarizes one Run call.
type Result struct {
	Batches       int
	Records       int
	ParseFailures int
	Complete      bool // map phase finished, run moved to reduce
	BudgetStopped bool // request cap reached, resumable
}

// Stage is the map stage of a run.
type Stage struct {
	cfg      *domain.RunConfig
	prompts  prompt.Set
	records  storage.RecordRepository
	invoker  Invoker
	journal  Journal
	progress Progress
	logger   *slog.Logger
	now      func() time.Time
}

// NewStage creates the map stage.
func NewStage(
	cfg *domain.RunConfig,
	prompts prompt.Set,
	records storage.RecordRepository,
	invoker Invoker,
	journal Journal,
	progress Progress,
	logger *slog.Logger,
) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		cfg:      cfg,
		prompts:  prompts,
		records:  records,
		invoker:  invoker,
		journal:  journal,
		progress: progress,
		logger:   logger,
		now:      time.Now,
	}
}

// Run processes every batch after the checkpointed cursor. It returns nil
// when the phase completes or the request budget stops it; a fatal
// generation error is journaled and returned.
func (s *Stage) Run(ctx context.Context) (Result, error) {
	var res Result

	st := s.progress.State()
	if st.Phase != domain.PhaseMap {
		res.Complete = true
		return res, nil
	}

	pcfg := batch.ConfigFromRun(s.cfg)
	if s.cfg.MaxMessages > 0 {
		pcfg.MaxMessages = s.cfg.MaxMessages - st.Messages
		if pcfg.MaxMessages <= 0 {
			return s.finish(ctx, res)
		}
	}

	producer := batch.NewProducer(s.records, pcfg, st.Cursor, st.Batches, s.logger)
	userPrompt := prompt.Render(s.prompts.MapUser, s.cfg.CustomPrompt)

	s.logger.Info("Map phase started",
		"resume_batch", st.Batches,
		"resume_cursor", cursorString(st.Cursor),
	)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if s.progress.BudgetExhausted() {
			s.logger.Warn("Request budget reached, stopping map", "requests", s.progress.State().Requests)
			res.BudgetStopped = true
			return res, nil
		}

		b, err := producer.Next(ctx)
		if err != nil {
			return res, err
		}
		if b == nil {
			break
		}

		if err := s.process(ctx, b, userPrompt, &res); err != nil {
			return res, err
		}
	}

	return s.finish(ctx, res)
}

func (s *Stage) process(ctx context.Context, b *domain.Batch, userPrompt string, res *Result) error {
	text, err := s.invoker.Invoke(ctx, provider.Request{
		Model:  s.cfg.Model,
		System: s.prompts.MapSystem,
		Prompt: userPrompt,
		Data:   b.FormattedText,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(ctx, b.Index, err)
	}

	rec := &domain.MapOutputRecord{
		BatchIndex:    b.Index,
		FirstKey:      b.FirstKey,
		LastKey:       b.LastKey,
		RecordCount:   b.Size(),
		CharCount:     b.CharCount,
		TokenEstimate: b.TokenEstimate,
		At:            s.now().UTC(),
	}
	result, perr := parse.Parse(text)
	if perr != nil {
		rec.Raw = text
		rec.ParseError = perr.Error()
		res.ParseFailures++
		metrics.ParseFailures.WithLabelValues(string(domain.PhaseMap)).Inc()
		s.logger.Warn("Map output is not JSON, keeping raw text", "batch", b.Index, "error", perr)
	} else {
		rec.Result = result
	}

	if err := s.journal.AppendMap(rec); err != nil {
		return fmt.Errorf("failed to journal batch %d: %w", b.Index, err)
	}
	if err := s.progress.Advance(ctx, b.LastKey, b.Size()); err != nil {
		return fmt.Errorf("failed to checkpoint batch %d: %w", b.Index, err)
	}

	res.Batches++
	res.Records += b.Size()
	metrics.BatchesProduced.WithLabelValues(string(s.cfg.Job)).Inc()
	metrics.RecordsProcessed.WithLabelValues(string(s.cfg.Job)).Add(float64(b.Size()))

	s.logger.Info("Map batch done",
		"batch", b.Index,
		"records", b.Size(),
		"chars", b.CharCount,
		"tokens", b.TokenEstimate,
		"parsed", perr == nil,
	)
	return nil
}

// fail journals a fatal error before returning it.
func (s *Stage) fail(ctx context.Context, index int, err error) error {
	kind := routing.KindOf(err)
	rec := &domain.ErrorRecord{
		Phase: domain.PhaseMap,
		Index: index,
		Kind:  string(kind),
		Error: err.Error(),
		At:    s.now().UTC(),
	}
	if jerr := s.journal.AppendError(rec); jerr != nil {
		s.logger.Error("Failed to journal error", "batch", index, "error", jerr)
	}
	if perr := s.progress.RecordError(ctx); perr != nil {
		s.logger.Error("Failed to record error", "batch", index, "error", perr)
	}

	s.logger.Error("Map batch failed", "batch", index, "kind", kind, "error", err)
	return fmt.Errorf("map batch %d: %w", index, err)
}

func (s *Stage) finish(ctx context.Context, res Result) (Result, error) {
	if err := s.progress.SetPhase(ctx, domain.PhaseReduce, "map complete"); err != nil {
		return res, err
	}
	res.Complete = true

	st := s.progress.State()
	s.logger.Info("Map phase complete", "batches", st.Batches, "messages", st.Messages, "requests", st.Requests)
	return res, nil
}

func cursorString(c *domain.Cursor) string {
	if c == nil {
		return "start"
	}
	return c.String()
}
