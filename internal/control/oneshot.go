package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/chatdigest/internal/analysis/oneshot"
	"github.com/vietddude/chatdigest/internal/analysis/post"
	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/core/domain"
)

const phaseSingle = "single"

// RunSingle analyzes the last limit records matching cfg in one request.
// Nothing is checkpointed.
func (r *Runner) RunSingle(ctx context.Context, cfg domain.RunConfig, limit int) (string, error) {
	if limit <= 0 {
		return "", errors.New("single analysis needs a positive limit")
	}
	if cfg.Job == domain.JobCustom && cfg.CustomPrompt == "" {
		return "", errors.New("custom job needs a prompt")
	}
	prompts, err := prompt.ForJob(cfg.Job, cfg.SystemInstruction)
	if err != nil {
		return "", err
	}
	if cfg.LookbackDays > 0 && cfg.Since.IsZero() {
		cfg.Since = time.Now().UTC().AddDate(0, 0, -cfg.LookbackDays)
	}

	log := r.log.With("strategy", phaseSingle, "job", cfg.Job)
	records, err := oneshot.LoadRecent(ctx, r.records, cfg.Filter(), limit, cfg.PageSize)
	if err != nil {
		return "", err
	}
	log.Info("Analyzing recent messages", "records", len(records), "backend", r.backend.Name())

	invoker := r.newInvoker(cfg.RequestInterval, cfg.Timeout, cfg.MaxAttempts, log).ForPhase(phaseSingle)
	return oneshot.Analyze(ctx, invoker, prompts, records, oneshot.Config{
		MaxRecordChars: cfg.MaxRecordChars,
		Model:          cfg.Model,
		CustomPrompt:   cfg.CustomPrompt,
	})
}

// PostOptions names the runs a post is generated from and saved to.
type PostOptions struct {
	RunsDir         string
	TopicsRun       string
	StyleRun        string
	OutputRun       string
	Model           string
	Timeout         time.Duration
	RequestInterval time.Duration
	MaxAttempts     int
}

// GeneratePost writes a post from the final artifacts of a topics run and a
// style run and saves it as post.txt of the output run.
func (r *Runner) GeneratePost(ctx context.Context, opts PostOptions) (string, error) {
	if opts.TopicsRun == "" || opts.StyleRun == "" || opts.OutputRun == "" {
		return "", errors.New("topics, style and output run ids are required")
	}
	topics, err := checkpoint.Open(opts.RunsDir, opts.TopicsRun)
	if err != nil {
		return "", err
	}
	style, err := checkpoint.Open(opts.RunsDir, opts.StyleRun)
	if err != nil {
		return "", err
	}
	out, err := checkpoint.Open(opts.RunsDir, opts.OutputRun)
	if err != nil {
		return "", err
	}

	log := r.log.With("topics_run", opts.TopicsRun, "style_run", opts.StyleRun)
	invoker := r.newInvoker(opts.RequestInterval, opts.Timeout, opts.MaxAttempts, log).ForPhase("post")
	text, err := post.NewGenerator(invoker, opts.Model, log).Generate(ctx, topics, style)
	if err != nil {
		return "", err
	}
	if err := out.WritePost(text); err != nil {
		return text, fmt.Errorf("post generated but not saved: %w", err)
	}
	log.Info("Post saved", "path", out.Path("post.txt"))
	return text, nil
}
