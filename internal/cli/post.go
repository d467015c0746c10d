package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/control"
	"github.com/vietddude/chatdigest/internal/infra/llm"
)

var postFlags struct {
	topicsRun string
	styleRun  string
	outputRun string
	model     string
	useMock   bool
}

var postCmd = &cobra.Command{
	Use:   "generate-post",
	Short: "Write a channel post from a topics run and a style run",
	RunE:  runGeneratePost,
}

func init() {
	f := postCmd.Flags()
	f.StringVar(&postFlags.topicsRun, "topics-run", "", "run id of a finished topics run")
	f.StringVar(&postFlags.styleRun, "style-run", "", "run id of a finished style run")
	f.StringVar(&postFlags.outputRun, "output-run", "post", "run id the post is saved under")
	f.StringVar(&postFlags.model, "model", "", "model override for every backend")
	f.BoolVar(&postFlags.useMock, "mock", false, "use the offline mock backend")
	_ = postCmd.MarkFlagRequired("topics-run")
	_ = postCmd.MarkFlagRequired("style-run")

	rootCmd.AddCommand(postCmd)
}

func runGeneratePost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := llm.NewChain(ctx, cfg.LLM.Providers, postFlags.useMock, slog.Default())
	if err != nil {
		slog.Error("Failed to create backends", "error", err)
		return err
	}

	model := cfg.Analysis.Model
	if postFlags.model != "" {
		model = postFlags.model
	}

	text, err := control.NewRunner(nil, backend).GeneratePost(ctx, control.PostOptions{
		RunsDir:         cfg.RunsDir,
		TopicsRun:       postFlags.topicsRun,
		StyleRun:        postFlags.styleRun,
		OutputRun:       postFlags.outputRun,
		Model:           model,
		Timeout:         cfg.Analysis.Timeout,
		RequestInterval: cfg.Analysis.RequestInterval,
		MaxAttempts:     cfg.Analysis.MaxAttempts,
	})
	if err != nil {
		slog.Error("Post generation failed", "error", err)
		return err
	}
	fmt.Println(text)
	return nil
}
