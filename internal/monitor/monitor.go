// Package monitor reclaims jobs whose lease ran out.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/queue"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Queue is the part of queue.Queue the monitor drives.
type Queue interface {
	ListExpired(ctx context.Context, c queue.Cutoffs) ([]*models.Job, error)
	Requeue(ctx context.Context, job *models.Job, c queue.Cutoffs) error
	FailExhausted(ctx context.Context, job *models.Job, c queue.Cutoffs) error
	MaxRetries() int
}

// StatusMirror is the Redis copy of scan status the API reads first.
type StatusMirror interface {
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
}

// Result counts what one sweep did.
type Result struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Lost     int `json:"lost"`
}

// Monitor is safe to run from many processes at once; each transition is
// conditional and a lost race is counted, not reported.
type Monitor struct {
	queue       Queue
	grace       time.Duration
	hardTimeout time.Duration
	now         func() time.Time

	status    StatusMirror
	statusTTL time.Duration
}

func New(q Queue, grace, hardTimeout time.Duration) *Monitor {
	return &Monitor{queue: q, grace: grace, hardTimeout: hardTimeout, now: time.Now}
}

// WithClock replaces the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// WithStatusMirror makes requeues and exhausted failures also overwrite the
// scan's mirrored status.
func (m *Monitor) WithStatusMirror(s StatusMirror, ttl time.Duration) *Monitor {
	m.status = s
	m.statusTTL = ttl
	return m
}

// Sweep requeues every stuck job under the retry cap and fails the rest.
func (m *Monitor) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoffs := queue.CutoffsAt(m.now().UTC(), m.grace, m.hardTimeout)

	jobs, err := m.queue.ListExpired(ctx, cutoffs)
	if err != nil {
		return res, fmt.Errorf("sweep stuck jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if job.RetryCount < m.queue.MaxRetries() {
			err = m.queue.Requeue(ctx, job, cutoffs)
			if err == nil {
				res.Requeued++
				m.mirror(ctx, job, models.ScanStatusQueued)
				slog.Info("monitor.requeue",
					"job_id", job.ID,
					"scan_id", job.ScanID,
					"retry_count", job.RetryCount+1,
				)
			}
		} else {
			err = m.queue.FailExhausted(ctx, job, cutoffs)
			if err == nil {
				res.Failed++
				m.mirror(ctx, job, models.ScanStatusFailed)
				slog.Warn("monitor.fail_exhausted",
					"job_id", job.ID,
					"scan_id", job.ScanID,
					"retry_count", job.RetryCount,
				)
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, queue.ErrNotProcessing):
			res.Lost++
		default:
			slog.Error("monitor.transition_failed", "job_id", job.ID, "error", err)
			errs = append(errs, err)
		}
	}

	if len(jobs) > 0 {
		slog.Info("monitor.sweep",
			"expired", len(jobs),
			"requeued", res.Requeued,
			"failed", res.Failed,
			"lost", res.Lost,
		)
	}
	return res, errors.Join(errs...)
}

func (m *Monitor) mirror(ctx context.Context, job *models.Job, status string) {
	if m.status == nil {
		return
	}
	if err := m.status.SetScanStatus(ctx, job.ScanID, status, m.statusTTL); err != nil {
		slog.Warn("monitor.status_mirror_failed", "scan_id", job.ScanID, "status", status, "error", err)
	}
}
