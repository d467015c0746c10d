package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/core/checkpoint"
	redisclient "github.com/vietddude/chatdigest/internal/infra/redis"
)

var resetCmd = &cobra.Command{
	Use:   "reset [run_id]",
	Short: "Delete a run and its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	run, err := checkpoint.Open(cfg.RunsDir, args[0])
	if err != nil {
		return err
	}
	if !run.Exists() {
		slog.Warn("Run has no checkpoint", "run_id", args[0])
	}
	if err := run.Remove(); err != nil {
		slog.Error("Failed to remove run", "error", err)
		return err
	}

	if cfg.Redis.URL != "" {
		if client, err := redisclient.NewClient(cfg.Redis.Config); err == nil {
			defer client.Close()
			if err := redisclient.NewProgressRepo(client).Delete(context.Background(), args[0]); err != nil {
				slog.Warn("Failed to delete published progress", "error", err)
			}
		}
	}

	fmt.Printf("Successfully removed run %s\n", args[0])
	return nil
}
