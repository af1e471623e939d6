package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"messenger-backend/internal/config"
	"messenger-backend/internal/logging"
	"messenger-backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "messenger",
		Short:         "Group messaging backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newSweepCommand())

	return cmd
}

// bootstrap loads config, builds the logger and opens the store. Every
// command starts from it.
func bootstrap(ctx context.Context) (config.Config, *slog.Logger, *storage.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("log init: %w", err)
	}

	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("open database %s: %w", storage.RedactedDatabaseURL(cfg.DatabaseURL), err)
	}
	return cfg, logger, store, nil
}
