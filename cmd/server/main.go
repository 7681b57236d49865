// Package main is the entrypoint for the cardscan status API server. It also
// owns the scheduled stuck-job sweep and the nightly prototype rebuild.
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

	"github.com/kiranshivaraju/cardscan/internal/api"
	"github.com/kiranshivaraju/cardscan/internal/api/handler"
	mw "github.com/kiranshivaraju/cardscan/internal/api/middleware"
	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/cache"
	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/queue"
	"github.com/kiranshivaraju/cardscan/internal/store"
)

const (
	shutdownTimeout   = 30 * time.Second
	rebuildTimeout    = 30 * time.Minute
	requestsPerMinute = 60
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "fallback_enabled", cfg.Cascade.FallbackEnabled)

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

	q := queue.New(pool, queue.Options{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxRetries:    cfg.Queue.MaxRetries,
	})
	col, err := q.Probe(ctx)
	if err != nil {
		return fmt.Errorf("probe jobs schema: %w", err)
	}
	slog.Info("queue ready", "lease_column", col)

	pgStore := store.NewPostgresStore(pool)
	mon := monitor.New(q, cfg.Queue.StuckGrace, cfg.Queue.HardTimeout).
		WithStatusMirror(redisCache, cache.ScanStatusTTL)
	guard := budget.NewGuard(pgStore, cfg.Cascade.DailyFallbackBudget)
	index := embedding.NewPGVectorIndex(pool, cfg.Embedding.Dim, cfg.Embedding.QueryTimeout)
	if err := index.CheckSchema(ctx); err != nil {
		return err
	}

	sched := monitor.NewScheduler()
	if err := sched.Add(ctx, monitor.SweepTask(mon, cfg.Queue.MonitorSchedule)); err != nil {
		return err
	}
	if err := sched.Add(ctx, rebuildTask(index, cfg.Queue.PrototypeRebuildSchedule)); err != nil {
		return err
	}
	sched.Start()
	slog.Info("scheduler started",
		"sweep", cfg.Queue.MonitorSchedule, "prototype_rebuild", cfg.Queue.PrototypeRebuildSchedule)

	router := api.NewRouter(dependencies(pgStore, redisCache, guard, mon))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
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

	sched.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// dependencies wires handlers and middleware onto the store and cache.
func dependencies(s store.Store, c cache.Cache, b handler.BudgetReader, sw handler.Sweeper) api.Dependencies {
	return api.Dependencies{
		Auth:      mw.NewAuth(s),
		RateLimit: mw.NewRateLimit(c, requestsPerMinute),

		HealthHandler:     handler.NewHealthHandler(s, c),
		SubmitScanHandler: handler.NewSubmitScanHandler(s, c),
		GetScanHandler:    handler.NewGetScanHandler(s, c),
		BudgetHandler:     handler.NewBudgetHandler(b),
		SweepHandler:      handler.NewSweepHandler(sw),
		CreateKeyHandler:  handler.NewCreateKeyHandler(s),
		ListKeysHandler:   handler.NewListKeysHandler(s),
		RevokeKeyHandler:  handler.NewRevokeKeyHandler(s),
	}
}

type rebuilder interface {
	RebuildAll(ctx context.Context) (int, error)
}

func rebuildTask(r rebuilder, schedule string) monitor.Task {
	return monitor.Task{
		Name:     "prototype_rebuild",
		Schedule: schedule,
		Timeout:  rebuildTimeout,
		Run: func(ctx context.Context) error {
			n, err := r.RebuildAll(ctx)
			if err != nil {
				return err
			}
			slog.Info("embedding.prototypes_rebuilt", "cards", n)
			return nil
		},
	}
}
