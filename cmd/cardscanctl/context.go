package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/cache"
	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/queue"
	"github.com/kiranshivaraju/cardscan/internal/store"
)

type sweeper interface {
	Sweep(ctx context.Context) (monitor.Result, error)
}

type budgetReader interface {
	Today(ctx context.Context) (*budget.Status, error)
}

type prototypeRebuilder interface {
	RecomputePrototype(ctx context.Context, cardID uuid.UUID) error
	RebuildAll(ctx context.Context) (int, error)
}

type statusMirror interface {
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
}

// services is everything a command may touch. status may be nil.
type services struct {
	store      store.Store
	sweeper    sweeper
	budget     budgetReader
	prototypes prototypeRebuilder
	status     statusMirror
	close      func()
}

type opener func(ctx context.Context) (*services, error)

type commandContext struct {
	open opener
}

func newCommandContext(open opener) *commandContext {
	return &commandContext{open: open}
}

// withServices opens the backing services for one command and closes them
// when fn returns.
func (c *commandContext) withServices(ctx context.Context, fn func(svc *services) error) error {
	svc, err := c.open(ctx)
	if err != nil {
		return err
	}
	if svc.close != nil {
		defer svc.close()
	}
	return fn(svc)
}

// openServices connects to Postgres and, best effort, Redis using the same
// environment as the server.
func openServices(ctx context.Context) (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	q := queue.New(pool, queue.Options{
		LeaseDuration: cfg.Queue.LeaseDuration,
		MaxRetries:    cfg.Queue.MaxRetries,
	})
	if _, err := q.Probe(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("probe jobs schema: %w", err)
	}

	pgStore := store.NewPostgresStore(pool)
	mon := monitor.New(q, cfg.Queue.StuckGrace, cfg.Queue.HardTimeout)
	svc := &services{
		store:      pgStore,
		sweeper:    mon,
		budget:     budget.NewGuard(pgStore, cfg.Cascade.DailyFallbackBudget),
		prototypes: embedding.NewPGVectorIndex(pool, cfg.Embedding.Dim, cfg.Embedding.QueryTimeout),
		close:      pool.Close,
	}

	rc, err := cache.NewRedisCache(cfg.Redis.URL)
	if err == nil {
		err = rc.Ping(ctx)
	}
	if err != nil {
		slog.Warn("cache.unavailable", "error", err)
		return svc, nil
	}
	svc.status = rc
	mon.WithStatusMirror(rc, cache.ScanStatusTTL)
	svc.close = func() {
		rc.Close()
		pool.Close()
	}
	return svc, nil
}
