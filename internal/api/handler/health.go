package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/api/response"
)

// Pinger is anything with a connectivity check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HeartbeatSource is the cache as seen by the health check.
type HeartbeatSource interface {
	Pinger
	ListHeartbeats(ctx context.Context) (map[string]time.Time, error)
}

type workerView struct {
	ID       string    `json:"id"`
	LastSeen time.Time `json:"last_seen"`
}

// NewHealthHandler returns GET /api/v1/health. Workers are reported but a
// missing heartbeat does not degrade the response.
func NewHealthHandler(db Pinger, c HeartbeatSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] != "ok" || checks["cache"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, response.CodeDegraded,
				"One or more services degraded", checks)
			return
		}

		workers := []workerView{}
		beats, err := c.ListHeartbeats(r.Context())
		if err != nil {
			slog.Warn("health.heartbeats_unavailable", "error", err)
		}
		for id, at := range beats {
			workers = append(workers, workerView{ID: id, LastSeen: at.UTC()})
		}
		sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"workers":  workers,
		})
	}
}
