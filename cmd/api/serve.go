package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"messenger-backend/internal/chats"
	"messenger-backend/internal/config"
	"messenger-backend/internal/httpserver"
	"messenger-backend/internal/logging"
	"messenger-backend/internal/notify"
	"messenger-backend/internal/ratelimit"
	"messenger-backend/internal/reconcile"
	"messenger-backend/internal/storage"
	"messenger-backend/internal/ws"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, logger, store, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("db close error", "error", err)
		}
	}()

	logger.Info("starting", "httpAddr", cfg.HTTPAddr, "database", storage.RedactedDatabaseURL(cfg.DatabaseURL))

	limiter, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := notify.NewRegistry()
	chatService := chats.NewService(logger, store, registry)
	engine := reconcile.NewEngine(logger, store, registry, chatService, reconcile.Options{MaxWait: cfg.LongPollMaxWait})
	wsManager := ws.NewManager(logger, httpserver.TokenValidator{Store: store}, chatService, registry)

	handler := httpserver.NewHandler(logger, httpserver.HandlerOptions{
		Store:    store,
		Chats:    chatService,
		Syncer:   engine,
		WS:       wsManager.Handler(),
		Limiter:  limiter,
		TokenTTL: cfg.TokenTTL,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logging.StdLogger(logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "httpAddr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		runSweeper(gctx, logger, chatService, store, limiter, cfg.ExpirySweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		wsManager.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if closer, ok := limiter.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err != nil {
		logger.Error("server stopped with error", "error", err)
		return err
	}
	logger.Info("stopped")
	return nil
}

// newLimiter prefers the shared Redis limiter and falls back to a per-process
// one when no Redis is configured. A zero rate disables limiting.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) (ratelimit.Limiter, error) {
	if cfg.RateLimitPerMinute == 0 {
		logger.Warn("rate limiting disabled")
		return nil, nil
	}
	if cfg.RedisAddr == "" {
		return ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
	}

	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := limiter.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable, requests will be rejected until it recovers", "redisAddr", cfg.RedisAddr, "error", err)
	}
	return limiter, nil
}
