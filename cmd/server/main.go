// Package main is the entrypoint for the renderd API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/renderloop/renderd/internal/api"
	"github.com/renderloop/renderd/internal/api/handler"
	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/api/response"
	"github.com/renderloop/renderd/internal/cache"
	"github.com/renderloop/renderd/internal/compute"
	"github.com/renderloop/renderd/internal/config"
	"github.com/renderloop/renderd/internal/orchestrator"
	"github.com/renderloop/renderd/internal/renderspec"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/internal/webhook"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "compute_base_url", cfg.Compute.BaseURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)
	computeClient := compute.NewHTTPClient(cfg.Compute.BaseURL, cfg.Compute.Token, cfg.Compute.Timeout)

	dispatcher := webhook.NewDispatcher(pgStore, cfg.Webhook)
	dispatcher.Start(ctx)

	svc := orchestrator.New(pgStore, redisCache, computeClient,
		renderspec.NewSchemaValidator(), dispatcher, cfg.Dispatch, logger)

	// Generations orphaned mid-submit by a previous process pick up here.
	if err := svc.RequeueUndispatched(ctx); err != nil {
		return fmt.Errorf("requeue undispatched: %w", err)
	}

	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, computeClient),

		CreateGeneration: handler.NewCreateGenerationHandler(svc),
		GetGeneration:    handler.NewGetGenerationHandler(svc),
		CancelGeneration: handler.NewCancelGenerationHandler(svc),
		StreamGeneration: handler.NewStreamGenerationHandler(svc, redisCache),

		ComputeCallback: handler.NewComputeCallbackHandler(svc, cfg.Compute.CallbackToken),

		CreateWebhook: handler.NewCreateWebhookHandler(pgStore),
		ListWebhooks:  handler.NewListWebhooksHandler(pgStore),
		DeleteWebhook: handler.NewDeleteWebhookHandler(pgStore),

		GetAccount: handler.NewGetAccountHandler(pgStore),
	}

	router := api.NewRouter(deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams outlive any fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database, cache, and compute backend connectivity.
func healthHandler(s store.Store, c cache.Cache, comp compute.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"compute":  "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := comp.Ready(r.Context()); err != nil {
			checks["compute"] = "degraded"
		}

		for _, state := range checks {
			if state != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
