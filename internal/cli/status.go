package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	redisclient "github.com/vietddude/chatdigest/internal/infra/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status [run_id]",
	Short: "Show the progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	ctx := context.Background()
	run, err := checkpoint.Open(cfg.RunsDir, args[0])
	if err != nil {
		return err
	}
	runCfg, state, err := run.Load(ctx, nil)
	if err != nil {
		slog.Error("Failed to load run", "run_id", args[0], "error", err)
		return err
	}

	// a live run elsewhere may be ahead of the local copy
	if cfg.Redis.URL != "" {
		if client, err := redisclient.NewClient(cfg.Redis.Config); err == nil {
			defer client.Close()
			if live, err := redisclient.NewProgressRepo(client).Get(ctx, run.ID()); err == nil && live != nil &&
				live.UpdatedAt.After(state.UpdatedAt) {
				state = live
			}
		}
	}

	errs, err := run.ReadErrors()
	if err != nil {
		slog.Warn("Failed to read error journal", "error", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintf(w, "RUN\t%s\n", run.ID())
	_, _ = fmt.Fprintf(w, "JOB\t%s\n", runCfg.Job)
	_, _ = fmt.Fprintf(w, "SENDER\t%s\n", runCfg.Sender)
	_, _ = fmt.Fprintf(w, "PHASE\t%s\n", state.Phase)
	if state.Cursor != nil {
		_, _ = fmt.Fprintf(w, "CURSOR\t%s\n", state.Cursor)
	}
	_, _ = fmt.Fprintf(w, "BATCHES\t%d\n", state.Batches)
	_, _ = fmt.Fprintf(w, "MESSAGES\t%d\n", state.Messages)
	_, _ = fmt.Fprintf(w, "REQUESTS\t%d / %d\n", state.Requests, runCfg.MaxRequests)
	_, _ = fmt.Fprintf(w, "REDUCE ROUND\t%d (%d items left)\n", state.ReduceRound, state.ItemsRemaining)
	_, _ = fmt.Fprintf(w, "ERRORS\t%d\n", state.Errors)
	_, _ = fmt.Fprintf(w, "UPDATED\t%s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
	_ = w.Flush()

	if len(errs) > 0 {
		last := errs[len(errs)-1]
		fmt.Printf("\nlast error (%s %d, %s): %s\n", last.Phase, last.Index, last.Kind, last.Error)
	}
	return nil
}
