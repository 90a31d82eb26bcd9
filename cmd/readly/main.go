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

	"github.com/redis/go-redis/v9"

	"readly/internal/artifact"
	"readly/internal/config"
	"readly/internal/feedback"
	"readly/internal/history"
	"readly/internal/httpapi"
	"readly/internal/jobs"
	"readly/internal/model"
	"readly/internal/pipeline"
	"readly/internal/ratelimit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	artifacts, err := artifact.NewStore(cfg.ArtifactDir, logger)
	if err != nil {
		return err
	}
	go artifacts.Run(ctx)

	mirror := jobs.NewMirror(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.JobRetention, logger)

	var feedbackClient *redis.Client
	if cfg.Redis.Addr != "" {
		feedbackClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var auditLog history.Store
	if cfg.PostgresURL != "" {
		pg, err := history.NewPGStore(ctx, cfg.PostgresURL, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		auditLog = pg
	} else {
		logger.Info("no postgres url configured, conversion history is in-memory")
		auditLog = history.NewMemoryStore()
	}

	conv := pipeline.New(
		&pipeline.ExecRenderer{Command: cfg.RenderCommand},
		&pipeline.ExecEncoder{Commands: map[model.Format]string{
			model.FormatPDF:  cfg.EncodePDFCmd,
			model.FormatEPUB: cfg.EncodeEPUBCmd,
		}},
		cfg.PipelineTimeout,
	)

	manager := jobs.NewManager(jobs.ManagerOptions{
		Limiter:          ratelimit.New(cfg.RateLimitMax, cfg.RateLimitWindow),
		Pipeline:         conv,
		Artifacts:        artifacts,
		Mirror:           mirror,
		History:          auditLog,
		Logger:           logger,
		WorkerPoolSize:   cfg.WorkerPoolSize,
		JobQueueCapacity: cfg.JobQueueCapacity,
		ArtifactTTL:      cfg.ArtifactTTL,
		JobRetention:     cfg.JobRetention,
		PublicBaseURL:    cfg.PublicBaseURL,
	})
	manager.Start(ctx)
	go manager.RunCleanup(ctx)

	srv := httpapi.New(httpapi.Options{
		Manager:   manager,
		Artifacts: artifacts,
		Feedback:  feedback.NewStore(feedbackClient, logger),
		History:   auditLog,
		Config:    cfg,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Addr, "workers", cfg.WorkerPoolSize)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	manager.Stop()
	logger.Info("shutdown complete")
	return nil
}
