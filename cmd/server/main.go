package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/connexus-ai/veriloop/internal/config"
	"github.com/connexus-ai/veriloop/internal/handler"
	"github.com/connexus-ai/veriloop/internal/middleware"
	"github.com/connexus-ai/veriloop/internal/modelclient"
	"github.com/connexus-ai/veriloop/internal/repository"
	"github.com/connexus-ai/veriloop/internal/retrieverclient"
	"github.com/connexus-ai/veriloop/internal/router"
	"github.com/connexus-ai/veriloop/internal/service"
)

// Version is the build version, stamped by the release pipeline.
const Version = "0.1.0"

// allowAllMembership is the default MembershipFunc until a real workspace
// directory is wired in; it trusts the upstream gateway's identity
// assertion the same way RequireUserID does, and is the seam an operator
// swaps out for a call into the workspace service.
func allowAllMembership(ctx context.Context, userID, workspaceID string) (bool, error) {
	return userID != "" && workspaceID != "", nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	cancel()
	if err != nil {
		return fmt.Errorf("repository.NewPool: %w", err)
	}
	defer pool.Close()

	sessions := repository.NewSessionRepo(pool)
	claims := repository.NewClaimRepo(pool)
	evidence := repository.NewEvidenceRepo(pool)
	conflicts := repository.NewConflictRepo(pool)

	var mirror service.ProgressMirror = repository.NewProgressRepo(pool)
	if cfg.ProgressRedisURL != "" {
		opts, err := redis.ParseURL(cfg.ProgressRedisURL)
		if err != nil {
			return fmt.Errorf("parse PROGRESS_REDIS_URL: %w", err)
		}
		redisClient := redis.NewClient(opts)
		mirror = service.NewRedisProgressMirror(&repository.RedisAdapter{Client: redisClient}, 10*time.Minute)
	}
	progress := service.NewProgressChannel(mirror)

	sessionService := service.NewSessionService(sessions, claims, evidence, conflicts, allowAllMembership)

	model := modelclient.New(modelclient.Config{
		APIKey:     cfg.ModelAPIKey,
		BaseURL:    cfg.ModelBaseURL,
		RefererURL: cfg.HTTPReferer,
		AppTitle:   cfg.AppTitle,
	})
	retriever := retrieverclient.New(retrieverclient.Config{BaseURL: cfg.RetrieverURL})

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	orchestrator := service.NewOrchestrator(sessionService, progress, retriever, model, service.OrchestratorConfig{
		WriterModel:  cfg.WriterModel,
		SkepticModel: cfg.SkepticModel,
		JudgeModel:   cfg.JudgeModel,
		Temperature:  cfg.Temperature,

		MaxRevisionCycles:     cfg.MaxRevisionCycles,
		CoverageTargetDefault: cfg.CoverageTargetDefault,
		CoverageTargetRelaxed: cfg.CoverageTargetRelaxed,
		StreamUpdateEvery:     cfg.StreamUpdateEvery,
		RetrievalThreshold:    cfg.RetrievalThreshold,
		RetrievalLimit:        cfg.RetrievalLimit,
		HistoryMessageCap:     cfg.HistoryMessageCap,
		SilenceFloor:          cfg.SilenceFloor,
		RefererURL:            cfg.HTTPReferer,
		AppTitle:              cfg.AppTitle,
	}, metrics)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: 30,
		Window:      time.Minute,
	})

	r := router.New(&router.Dependencies{
		DB:                 pool,
		FrontendURL:        cfg.FrontendURL,
		Version:            Version,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		Query: handler.QueryDeps{
			Sessions:          sessionService,
			Orchestrator:      orchestrator,
			Progress:          progress,
			RunTimeout:        time.Duration(cfg.SessionTimeout) * time.Second,
			HistoryMessageCap: cfg.HistoryMessageCap,
		},
		QueryRateLimiter: rateLimiter,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // above RunTimeout's longest poll, under LB idle timeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("veriloop starting", "version", Version, "port", cfg.Port, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
