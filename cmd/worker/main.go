// Package main is the entrypoint for a cardscan worker: it claims scan jobs,
// detects cards, and runs each crop through the identification cascade.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/cache"
	"github.com/kiranshivaraju/cardscan/internal/cascade"
	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/internal/detect"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/internal/fallback"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/queue"
	"github.com/kiranshivaraju/cardscan/internal/store"
	"github.com/kiranshivaraju/cardscan/internal/worker"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

const (
	refreshTimeout = 30 * time.Second
	drainTimeout   = time.Minute
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.RequireWorkerServices(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	provider, err := visionProvider(cfg)
	if err != nil {
		return fmt.Errorf("create vision provider: %w", err)
	}
	slog.Info("config loaded", "worker_id", cfg.Worker.ID, "fallback_enabled", provider != nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

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

	embedder := embedding.NewHTTPEmbedder(cfg.Embedding.ServiceURL, cfg.Embedding.Dim, cfg.Embedding.Timeout)
	detector := detect.NewHTTPClient(cfg.Detector.ServiceURL, cfg.Detector.Timeout)
	// Model services may still be loading; jobs fail and retry until they are up.
	if err := embedder.Ready(ctx); err != nil {
		slog.Warn("embedding.not_ready", "error", err)
	}
	if err := detector.Ready(ctx); err != nil {
		slog.Warn("detect.not_ready", "error", err)
	}

	index := embedding.NewPGVectorIndex(pool, cfg.Embedding.Dim, cfg.Embedding.QueryTimeout)
	if err := index.CheckSchema(ctx); err != nil {
		return err
	}
	client := embedding.NewClient(embedder, index, embedding.Options{
		TTAViews:    cfg.Embedding.TTAViews,
		TopK:        cfg.Cascade.TopK,
		ReducedTopK: cfg.Cascade.ReducedTopK,
	})

	refresher := embedding.NewPrototypeRefresher(index, refreshTimeout)
	refreshCtx, stopRefresh := context.WithCancel(context.WithoutCancel(ctx))
	go refresher.Run(refreshCtx)

	guard := budget.NewGuard(pgStore, cfg.Cascade.DailyFallbackBudget)
	c := cascade.New(client, guard, provider, pgStore, refresher, cascade.OptionsFromConfig(cfg.Cascade))

	mon := monitor.New(q, cfg.Queue.StuckGrace, cfg.Queue.HardTimeout).
		WithStatusMirror(redisCache, cache.ScanStatusTTL)
	w := worker.New(q, mon, detector, c, pgStore, redisCache, worker.Options{
		ID:           cfg.Worker.ID,
		PollInterval: cfg.Worker.PollInterval,
		HeartbeatTTL: cfg.Worker.HeartbeatTTL,
		StatusTTL:    cache.ScanStatusTTL,
	})

	err = w.Run(ctx)

	stopRefresh()
	select {
	case <-refresher.Done():
	case <-time.After(drainTimeout):
		slog.Warn("embedding.refresh_drain_timeout", "pending", refresher.Pending())
	}
	slog.Info("worker stopped gracefully")
	return err
}

// visionProvider returns nil when the paid fallback is switched off.
func visionProvider(cfg *config.Config) (models.VisionProvider, error) {
	if !cfg.Cascade.FallbackEnabled {
		return nil, nil
	}
	return fallback.NewProvider(cfg.AI)
}
