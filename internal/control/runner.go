package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/chatdigest/internal/analysis/health"
	"github.com/vietddude/chatdigest/internal/analysis/mapper"
	"github.com/vietddude/chatdigest/internal/analysis/metrics"
	"github.com/vietddude/chatdigest/internal/analysis/prompt"
	"github.com/vietddude/chatdigest/internal/analysis/reducer"
	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	"github.com/vietddude/chatdigest/internal/core/cursor"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
	"github.com/vietddude/chatdigest/internal/infra/llm/routing"
	"github.com/vietddude/chatdigest/internal/infra/storage"
)

var (
	// ErrRunExists is returned when a new run would overwrite an existing one.
	ErrRunExists = errors.New("run already exists")

	// ErrBudgetExhausted is returned when the request cap stopped a phase.
	// The run is resumable with a higher cap.
	ErrBudgetExhausted = errors.New("request budget exhausted")
)

// PhaseSelection limits which phases a Run call executes.
type PhaseSelection string

const (
	RunAll     PhaseSelection = "all"
	RunMapOnly PhaseSelection = "map"
	RunReduce  PhaseSelection = "reduce"
)

// RunLocker guards a run against concurrent processes.
type RunLocker interface {
	HoldLock(ctx context.Context, runID, owner string, ttl time.Duration) (func(), error)
}

// ProgressPublisher mirrors run state outside the run directory.
type ProgressPublisher interface {
	Publish(ctx context.Context, runID string, state *domain.RunState) error
}

// Options selects how a run starts.
type Options struct {
	RunsDir     string
	Resume      bool
	Force       bool
	Phase       PhaseSelection
	LockTTL     time.Duration
	MetricsPort int // 0 = no health server
}

// Summary is the outcome of a Run call.
type Summary struct {
	RunID  string
	Dir    string
	Config domain.RunConfig
	State  domain.RunState
	Final  string
}

// Runner drives the map and reduce stages of one run at a time.
type Runner struct {
	records     storage.RecordRepository
	backend     provider.Provider
	locker      RunLocker
	progress    ProgressPublisher
	invokerOpts []routing.InvokerOption
	owner       string
	log         *slog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithLocker enables the cross-process run lock.
func WithLocker(l RunLocker) RunnerOption {
	return func(r *Runner) { r.locker = l }
}

// WithProgress mirrors every saved state to p.
func WithProgress(p ProgressPublisher) RunnerOption {
	return func(r *Runner) { r.progress = p }
}

// WithInvokerOptions passes options to the run's invoker.
func WithInvokerOptions(opts ...routing.InvokerOption) RunnerOption {
	return func(r *Runner) { r.invokerOpts = append(r.invokerOpts, opts...) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a Runner reading from records and generating with backend.
func NewRunner(records storage.RecordRepository, backend provider.Provider, opts ...RunnerOption) *Runner {
	host, _ := os.Hostname()
	r := &Runner{
		records: records,
		backend: backend,
		owner:   fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8]),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run creates or resumes the run described by cfg and executes the selected
// phases. A fresh run gets a generated id when cfg.RunID is empty.
func (r *Runner) Run(ctx context.Context, cfg domain.RunConfig, opts Options) (*Summary, error) {
	if opts.Phase == "" {
		opts.Phase = RunAll
	}
	if cfg.RunID == "" {
		if opts.Resume {
			return nil, errors.New("resume needs a run id")
		}
		cfg.RunID = uuid.NewString()
	}

	if r.locker != nil {
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 30 * time.Second
		}
		release, err := r.locker.HoldLock(ctx, cfg.RunID, r.owner, ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to lock run: %w", err)
		}
		defer release()
	}

	run, err := checkpoint.Open(opts.RunsDir, cfg.RunID)
	if err != nil {
		return nil, err
	}

	runCfg, err := r.prepare(ctx, run, &cfg, opts)
	if err != nil {
		return nil, err
	}
	log := r.log.With("run_id", runCfg.RunID)

	manager := cursor.NewManager(run, runCfg.MaxRequests)
	if err := r.loadState(ctx, manager, opts.Resume); err != nil {
		return nil, err
	}
	r.watch(manager, runCfg.RunID, log)

	if opts.MetricsPort > 0 {
		srv := health.NewServer(health.NewMonitor(runCfg.RunID, manager, 10*time.Minute), opts.MetricsPort)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Health server failed", "error", err)
			}
		}()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(stopCtx)
		}()
	}

	st := manager.State()
	log.Info("Run started",
		"job", runCfg.Job,
		"phase", st.Phase,
		"select", opts.Phase,
		"backend", r.backend.Name(),
		"resume", opts.Resume,
		"dir", run.Dir(),
	)

	summary := &Summary{RunID: runCfg.RunID, Dir: run.Dir(), Config: *runCfg}
	err = r.execute(ctx, run, runCfg, manager, opts.Phase, log)
	summary.State = manager.State()
	if summary.State.Phase == domain.PhaseDone {
		final, ferr := run.ReadFinal()
		if ferr != nil {
			return summary, ferr
		}
		summary.Final = final
	}
	if err != nil {
		return summary, err
	}

	log.Info("Run finished",
		"phase", summary.State.Phase,
		"batches", summary.State.Batches,
		"messages", summary.State.Messages,
		"requests", summary.State.Requests,
		"rounds", summary.State.ReduceRound,
	)
	return summary, nil
}

// prepare validates the config and creates or reloads the run directory.
// A resumed run keeps its persisted config; only the operational knobs
// come from the supplied one.
func (r *Runner) prepare(ctx context.Context, run *checkpoint.Run, cfg *domain.RunConfig, opts Options) (*domain.RunConfig, error) {
	if opts.Resume {
		if !run.Exists() {
			return nil, fmt.Errorf("%w: %s", checkpoint.ErrRunNotFound, cfg.RunID)
		}
		persisted, _, err := run.Load(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.MaxRequests > 0 {
			persisted.MaxRequests = cfg.MaxRequests
		}
		if cfg.RequestInterval > 0 {
			persisted.RequestInterval = cfg.RequestInterval
		}
		if cfg.Timeout > 0 {
			persisted.Timeout = cfg.Timeout
		}
		if cfg.MaxAttempts > 0 {
			persisted.MaxAttempts = cfg.MaxAttempts
		}
		return persisted, nil
	}

	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if cfg.LookbackDays > 0 && cfg.Since.IsZero() {
		cfg.Since = cfg.CreatedAt.AddDate(0, 0, -cfg.LookbackDays)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if run.Exists() {
		if !opts.Force {
			return nil, fmt.Errorf("%w: %s (use --resume or --force)", ErrRunExists, cfg.RunID)
		}
		r.log.Warn("Overwriting existing run", "run_id", cfg.RunID)
		if err := run.Reset(); err != nil {
			return nil, err
		}
	}
	if err := run.SaveConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (r *Runner) loadState(ctx context.Context, manager *cursor.DefaultManager, resume bool) error {
	if !resume {
		return manager.Init(ctx)
	}
	_, err := manager.Load(ctx)
	if errors.Is(err, checkpoint.ErrRunNotFound) {
		// created but never saved
		return manager.Init(ctx)
	}
	return err
}

// watch hooks logging, metrics and the progress mirror onto state changes.
func (r *Runner) watch(manager *cursor.DefaultManager, runID string, log *slog.Logger) {
	manager.SetStateChangeCallback(func(t cursor.Transition) {
		log.Info("Phase changed", "from", t.From, "to", t.To, "reason", t.Reason)
	})
	manager.SetSaveCallback(func(st domain.RunState) {
		metrics.RunRequests.WithLabelValues(runID).Set(float64(st.Requests))
		if r.progress == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.progress.Publish(ctx, runID, &st); err != nil {
			log.Warn("Failed to publish progress", "error", err)
		}
	})
}

func (r *Runner) execute(
	ctx context.Context,
	run *checkpoint.Run,
	cfg *domain.RunConfig,
	manager *cursor.DefaultManager,
	sel PhaseSelection,
	log *slog.Logger,
) error {
	prompts, err := prompt.ForJob(cfg.Job, cfg.SystemInstruction)
	if err != nil {
		return err
	}

	invoker := r.newInvoker(cfg.RequestInterval, cfg.Timeout, cfg.MaxAttempts, log)

	if sel != RunReduce && manager.State().Phase == domain.PhaseMap {
		stage := mapper.NewStage(cfg, prompts, r.records, invoker.ForPhase(string(domain.PhaseMap)), run, manager, log)
		res, err := stage.Run(ctx)
		if err != nil {
			return err
		}
		if res.BudgetStopped {
			return ErrBudgetExhausted
		}
	}
	if sel == RunMapOnly {
		return nil
	}

	if manager.State().Phase == domain.PhaseMap {
		log.Warn("Map phase not finished, reducing the journaled outputs")
		if err := manager.SetPhase(ctx, domain.PhaseReduce, "reduce requested"); err != nil {
			return err
		}
	}

	stage := reducer.NewStage(cfg, prompts, invoker.ForPhase(string(domain.PhaseReduce)), run, manager, log)
	res, err := stage.Run(ctx)
	if err != nil {
		return err
	}
	if res.BudgetStopped {
		return ErrBudgetExhausted
	}
	return nil
}

// newInvoker paces and retries calls to the runner's backend.
func (r *Runner) newInvoker(interval, timeout time.Duration, attempts int, log *slog.Logger) *routing.Invoker {
	opts := append([]routing.InvokerOption{routing.WithLogger(log)}, r.invokerOpts...)
	return routing.NewInvoker(r.backend, routing.NewRateLimiter(interval, nil), routing.RetryConfig{
		MaxAttempts: attempts,
		Timeout:     timeout,
		MaxJitter:   routing.DefaultRetryConfig.MaxJitter,
	}, opts...)
}
