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

	"github.com/joho/godotenv"

	"github.com/nlquery/nlquery/internal/api"
	"github.com/nlquery/nlquery/internal/auth"
	"github.com/nlquery/nlquery/internal/config"
	"github.com/nlquery/nlquery/internal/history"
	"github.com/nlquery/nlquery/internal/migrations"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/postgres"
)

const memoryHistoryCapacity = 1000

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("nlquery-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancelStartup()

	c, err := buildComponents(startupCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	defer c.close()

	deps := api.Dependencies{
		Logger:       logger,
		Answerer:     c.pipeline,
		Corpus:       c.pipeline,
		CorpusSource: c.corpusSource,
		Readiness: api.CombineReadinessChecks(
			api.CheckWarehouse(c.warehousePing),
			c.objectStoreCheck,
		),
		DependencyTimeout: time.Second,
	}

	if cfg.History.DSN != "" {
		historyDB, err := postgres.Open(startupCtx, postgres.DBConfig{
			Name:            "history",
			DSN:             cfg.History.DSN,
			MaxOpenConns:    cfg.History.MaxOpenConns,
			MaxIdleConns:    cfg.History.MaxIdleConns,
			ConnMaxIdleTime: cfg.History.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.History.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open history db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = historyDB.Close() }()
		repo := history.NewRepository(historyDB)
		deps.History = repo
		deps.Revisions = repo
		runner := migrations.NewRunner()
		deps.Readiness = api.CombineReadinessChecks(deps.Readiness, repo.HealthCheck, func(ctx context.Context) error {
			return runner.RequireCurrent(ctx, historyDB)
		})
	} else {
		logger.Info("history_in_memory", slog.Int("capacity", memoryHistoryCapacity))
		deps.History = history.NewMemory(memoryHistoryCapacity)
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
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
		os.Exit(1)
	}
}
