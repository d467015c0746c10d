package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/core/worker"
)

var pruneFlags struct {
	olderThan time.Duration
	watch     bool
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs older than the retention period",
	RunE:  runPrune,
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneFlags.olderThan, "older-than", 0, "retention period (default runs_retention)")
	pruneCmd.Flags().BoolVar(&pruneFlags.watch, "watch", false, "keep pruning until interrupted")
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	retention := cfg.RunsRetention
	if pruneFlags.olderThan > 0 {
		retention = pruneFlags.olderThan
	}
	if retention <= 0 {
		return errors.New("no retention period: set runs_retention or --older-than")
	}

	pruner := worker.NewPruner(cfg.RunsDir, retention)
	if pruneFlags.watch {
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		slog.Info("Pruner started", "runs_dir", cfg.RunsDir, "retention", retention)
		pruner.Start(ctx)
		return nil
	}

	removed := pruner.Prune(context.Background())
	fmt.Printf("Removed %d run(s)\n", len(removed))
	return nil
}
