package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/control"
	"github.com/vietddude/chatdigest/internal/core/config"
	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/llm"
	redisclient "github.com/vietddude/chatdigest/internal/infra/redis"
	"github.com/vietddude/chatdigest/internal/infra/storage"
	"github.com/vietddude/chatdigest/internal/infra/storage/memory"
	"github.com/vietddude/chatdigest/internal/infra/storage/postgres"
)

var runFlags struct {
	job          string
	sender       string
	days         int
	phase        string
	runID        string
	resume       bool
	force        bool
	useMock      bool
	prompt       string
	promptFile   string
	recordsFile  string
	maxRequests  int
	maxMessages  int
	maxBatchChar int
	maxBatchTok  int
	pageSize     int
	model        string
	strategy     string
	limit        int
}

const (
	strategyMapReduce = "map_reduce"
	strategySingle    = "single"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create or resume an analysis run",
	RunE:  runAnalysis,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.job, "job", "", "job kind: topics, style or custom")
	f.StringVar(&runFlags.sender, "sender", "", "only analyze messages from this sender")
	f.IntVar(&runFlags.days, "days", -1, "only analyze the last N days (0 = all)")
	f.StringVar(&runFlags.phase, "phase", "all", "phases to run: all, map or reduce")
	f.StringVar(&runFlags.runID, "run-id", "", "run identifier (generated when empty)")
	f.BoolVar(&runFlags.resume, "resume", false, "resume an existing run")
	f.BoolVar(&runFlags.force, "force", false, "overwrite an existing run")
	f.BoolVar(&runFlags.useMock, "mock", false, "use the offline mock backend")
	f.StringVar(&runFlags.prompt, "prompt", "", "question for the custom job")
	f.StringVar(&runFlags.promptFile, "prompt-file", "", "read the custom question from a file")
	f.StringVar(&runFlags.recordsFile, "records-file", "", "read messages from a JSONL file instead of Postgres")
	f.IntVar(&runFlags.maxRequests, "max-requests", -1, "request cap for the run (0 = none)")
	f.IntVar(&runFlags.maxMessages, "max-messages", -1, "message cap for the run (0 = none)")
	f.IntVar(&runFlags.maxBatchChar, "max-batch-chars", 0, "character budget per batch")
	f.IntVar(&runFlags.maxBatchTok, "max-batch-tokens", 0, "token budget per batch")
	f.IntVar(&runFlags.pageSize, "page-size", 0, "records fetched per page")
	f.StringVar(&runFlags.model, "model", "", "model override for every backend")
	f.StringVar(&runFlags.strategy, "strategy", strategyMapReduce, "map_reduce, or single for one request over recent messages")
	f.IntVar(&runFlags.limit, "limit", 1000, "messages sent by the single strategy")

	rootCmd.AddCommand(runCmd)
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	runCfg, err := buildRunConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	records, locator, closeStore, err := openRecords(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open record store", "error", err)
		return err
	}
	defer closeStore()
	runCfg.StoreLocator = locator

	backend, err := llm.NewChain(ctx, cfg.LLM.Providers, runFlags.useMock, slog.Default())
	if err != nil {
		slog.Error("Failed to create backends", "error", err)
		return err
	}

	if runFlags.strategy == strategySingle {
		out, err := control.NewRunner(records, backend).RunSingle(ctx, runCfg, runFlags.limit)
		if err != nil {
			slog.Error("Analysis failed", "error", err)
			return err
		}
		fmt.Println(out)
		return nil
	}

	var opts []control.RunnerOption
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis.Config)
		if err != nil {
			slog.Warn("Failed to connect to Redis, running without lock", "error", err)
		} else {
			defer client.Close()
			opts = append(opts,
				control.WithLocker(client),
				control.WithProgress(redisclient.NewProgressRepo(client)),
			)
		}
	}

	runner := control.NewRunner(records, backend, opts...)
	summary, err := runner.Run(ctx, runCfg, control.Options{
		RunsDir:     cfg.RunsDir,
		Resume:      runFlags.resume,
		Force:       runFlags.force,
		Phase:       control.PhaseSelection(runFlags.phase),
		LockTTL:     cfg.Redis.LockTTL,
		MetricsPort: cfg.Metrics.Port,
	})
	runID := runCfg.RunID
	if summary != nil {
		runID = summary.RunID
		printSummary(summary)
	}
	switch {
	case errors.Is(err, control.ErrBudgetExhausted):
		slog.Warn("Request budget reached; resume with a higher --max-requests", "run_id", runID)
		return nil
	case errors.Is(err, context.Canceled):
		slog.Warn("Run interrupted; resume with --resume", "run_id", runID)
		return nil
	case err != nil:
		slog.Error("Run failed", "error", err)
		return err
	}
	return nil
}

// buildRunConfig merges the analysis defaults with the command line.
func buildRunConfig(cfg *config.AppConfig) (domain.RunConfig, error) {
	a := cfg.Analysis
	rc := domain.RunConfig{
		RunID:             runFlags.runID,
		Job:               domain.JobKind(a.Job),
		Sender:            a.Sender,
		LookbackDays:      a.LookbackDays,
		PageSize:          a.PageSize,
		MaxMessages:       a.MaxMessages,
		MaxRecordChars:    a.MaxRecordChars,
		MaxBatchChars:     a.MaxBatchChars,
		MaxBatchTokens:    a.MaxBatchTokens,
		Model:             a.Model,
		SystemInstruction: a.SystemInstruction,
		Timeout:           a.Timeout,
		RequestInterval:   a.RequestInterval,
		MaxRequests:       a.MaxRequests,
		MaxAttempts:       a.MaxAttempts,
		ReduceMultiplier:  a.ReduceMultiplier,
		ReduceChunkFactor: a.ReduceChunkFactor,
	}

	if runFlags.job != "" {
		rc.Job = domain.JobKind(runFlags.job)
	}
	if runFlags.sender != "" {
		rc.Sender = runFlags.sender
	}
	if runFlags.days >= 0 {
		rc.LookbackDays = runFlags.days
	}
	if runFlags.maxRequests >= 0 {
		rc.MaxRequests = runFlags.maxRequests
	}
	if runFlags.maxMessages >= 0 {
		rc.MaxMessages = runFlags.maxMessages
	}
	if runFlags.maxBatchChar > 0 {
		rc.MaxBatchChars = runFlags.maxBatchChar
	}
	if runFlags.maxBatchTok > 0 {
		rc.MaxBatchTokens = runFlags.maxBatchTok
	}
	if runFlags.pageSize > 0 {
		rc.PageSize = runFlags.pageSize
	}
	if runFlags.model != "" {
		rc.Model = runFlags.model
	}

	rc.CustomPrompt = runFlags.prompt
	if runFlags.promptFile != "" {
		data, err := os.ReadFile(runFlags.promptFile)
		if err != nil {
			return rc, fmt.Errorf("failed to read prompt file: %w", err)
		}
		rc.CustomPrompt = string(data)
	}

	switch runFlags.strategy {
	case strategyMapReduce, strategySingle:
	default:
		return rc, fmt.Errorf("unknown strategy %q", runFlags.strategy)
	}

	switch control.PhaseSelection(runFlags.phase) {
	case control.RunAll, control.RunMapOnly, control.RunReduce:
	default:
		return rc, fmt.Errorf("unknown phase %q", runFlags.phase)
	}
	return rc, nil
}

// openRecords returns the record store and its locator. Credentials never
// reach the locator.
func openRecords(ctx context.Context, cfg *config.AppConfig) (storage.RecordRepository, string, func(), error) {
	if runFlags.recordsFile != "" {
		store := memory.NewMemoryStorage()
		n, err := store.LoadFile(runFlags.recordsFile)
		if err != nil {
			return nil, "", nil, err
		}
		abs, err := filepath.Abs(runFlags.recordsFile)
		if err != nil {
			abs = runFlags.recordsFile
		}
		slog.Info("Using file storage", "path", abs, "records", n)
		return memory.NewRecordRepo(store), "file://" + abs, func() {}, nil
	}

	if cfg.Database.URL == "" {
		return nil, "", nil, errors.New("no record store: set database.url or --records-file")
	}
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, "", nil, err
	}
	db.StartMetricsCollector(ctx)
	slog.Info("Using PostgreSQL storage")

	locator := cfg.Database.URL
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		locator = u.Redacted()
	}
	return postgres.NewRecordRepo(db), locator, func() { _ = db.Close() }, nil
}

func printSummary(s *control.Summary) {
	fmt.Printf("run:      %s\n", s.RunID)
	fmt.Printf("dir:      %s\n", s.Dir)
	fmt.Printf("phase:    %s\n", s.State.Phase)
	fmt.Printf("batches:  %d (%d messages)\n", s.State.Batches, s.State.Messages)
	fmt.Printf("requests: %d\n", s.State.Requests)
	if s.State.Phase == domain.PhaseDone {
		fmt.Println()
		fmt.Println(s.Final)
	}
}
