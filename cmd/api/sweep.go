package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/notify"
	"messenger-backend/internal/ratelimit"
	"messenger-backend/internal/storage"
)

const sweepBatch = 200

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired messages and tokens once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, store, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			chatService := chats.NewService(logger, store, notify.NewRegistry())
			messages, tokens, err := sweepOnce(cmd.Context(), chatService, store)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages and %d tokens\n", messages, tokens)
			return err
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, store, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			logger.Info("schema up to date")
			return nil
		},
	}
}

// sweepOnce drains expired messages batch by batch, then expired tokens.
func sweepOnce(ctx context.Context, chatService *chats.Service, store *storage.Store) (messages int, tokens int64, err error) {
	for {
		n, err := chatService.SweepExpired(ctx, sweepBatch)
		if err != nil {
			return messages, 0, err
		}
		messages += n
		if n < sweepBatch {
			break
		}
	}
	tokens, err = store.CleanExpiredTokens(ctx, time.Now().UnixMilli())
	return messages, tokens, err
}

func runSweeper(ctx context.Context, logger *slog.Logger, chatService *chats.Service, store *storage.Store, limiter ratelimit.Limiter, interval time.Duration) {
	if interval <= 0 {
		logger.Info("expiry sweeper disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		messages, tokens, err := sweepOnce(ctx, chatService, store)
		if err != nil && ctx.Err() == nil {
			logger.Error("sweep failed", "error", err)
		}
		if messages > 0 || tokens > 0 {
			logger.Info("sweep done", "messages", messages, "tokens", tokens)
		}
		if local, ok := limiter.(*ratelimit.LocalLimiter); ok {
			local.Prune()
		}
	}
}
