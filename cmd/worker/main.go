// Command job-worker drains the processing_jobs queue.
//
// Subcommands:
//
//	start    run the poll loop(s) in the foreground or as a daemon
//	stop     signal a daemonized worker to finish its current job and exit
//	status   print queue counts and stuck jobs
//	migrate  apply database migrations and exit
//	enqueue  insert a pending job
//	recover  reset jobs stuck in processing back to pending
//	retry    give a failed job a fresh retry budget
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"insight-worker/internal/config"
	"insight-worker/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "job-worker",
		Short:         "Background processor for queued analysis jobs",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		startCmd(),
		stopCmd(),
		statusCmd(),
		migrateCmd(),
		enqueueCmd(),
		recoverCmd(),
		retryCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// loadConfig reads the environment and requires a database DSN.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("config: DATABASE_URL or POSTGRES_URL is required")
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))
	return cfg, nil
}

// openStore is used by the short-lived operator commands.
func openStore(ctx context.Context, cfg config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.PostgresDSN, cfg.DBMaxConns)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return st, nil
}
