package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querycache/querycache/internal/api"
	"github.com/querycache/querycache/internal/app"
	"github.com/querycache/querycache/internal/config"
	"github.com/querycache/querycache/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("querycache-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	tracing, err := observability.InitTracing(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}

	stack, err := app.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build answer service", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = stack.Close() }()

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:            logger,
		Readiness:         stack.Ready,
		DependencyTimeout: time.Second,
		Answers:           stack.Answers,
		Schema:            stack.Schema,
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown failed", slog.Any("error", err))
	}
}
