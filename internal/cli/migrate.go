package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/vietddude/chatdigest/internal/core/domain"
	"github.com/vietddude/chatdigest/internal/infra/storage/memory"
	"github.com/vietddude/chatdigest/internal/infra/storage/postgres"
)

var importFile string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the messages table and optionally import a JSONL file",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&importFile, "import", "", "JSONL file of messages to insert")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		return err
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is not set")
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return err
	}
	defer func() {
		_ = db.Close()
	}()

	if err := db.Migrate(); err != nil {
		slog.Error("Failed to migrate database", "error", err)
		return err
	}
	slog.Info("Database migrated")

	if importFile == "" {
		return nil
	}

	store := memory.NewMemoryStorage()
	n, err := store.LoadFile(importFile)
	if err != nil {
		return err
	}
	records, err := memory.NewRecordRepo(store).Page(ctx, domain.RecordFilter{}, nil, 0)
	if err != nil {
		return err
	}
	if err := postgres.NewRecordRepo(db).Insert(ctx, records); err != nil {
		slog.Error("Failed to import records", "error", err)
		return err
	}

	fmt.Printf("Imported %d records from %s\n", n, importFile)
	return nil
}
