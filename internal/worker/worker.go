// Package worker runs the claim / identify / complete loop. One loop per
// process; scale out by running more processes.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/cascade"
	"github.com/kiranshivaraju/cardscan/internal/detect"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/queue"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Queue is the subset of queue.Queue the loop drives.
type Queue interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	Complete(ctx context.Context, job *models.Job, results []byte) error
	Fail(ctx context.Context, job *models.Job, msg string) error
	ExtendLease(ctx context.Context, job *models.Job, deadline time.Time) error
	LeaseDuration() time.Duration
}

// Sweeper reclaims expired leases. monitor.Monitor implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (monitor.Result, error)
}

// Detector fetches the scan image and finds the card crops in it.
type Detector interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
	Detect(ctx context.Context, image []byte) ([]detect.Crop, error)
}

// Identifier runs one crop through the cascade.
type Identifier interface {
	Identify(ctx context.Context, crop cascade.Crop) models.IdentificationResult
}

// DetectionStore persists per-crop results.
type DetectionStore interface {
	SaveDetection(ctx context.Context, d *models.CardDetection) error
}

// Liveness is the shared health record plus the scan status mirror.
type Liveness interface {
	Heartbeat(ctx context.Context, workerID string, at time.Time, ttl time.Duration) error
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
	DeleteScanStatus(ctx context.Context, scanID uuid.UUID) error
}

type Options struct {
	ID           string
	PollInterval time.Duration
	HeartbeatTTL time.Duration
	// StatusTTL bounds how long a mirrored scan status may be stale.
	StatusTTL time.Duration
	Now       func() time.Time
}

type Worker struct {
	queue    Queue
	sweeper  Sweeper
	detector Detector
	cascade  Identifier
	store    DetectionStore
	live     Liveness
	opts     Options
}

// New builds a Worker. sweeper and live may be nil.
func New(q Queue, sweeper Sweeper, detector Detector, id Identifier, st DetectionStore, live Liveness, opts Options) *Worker {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 2 * time.Minute
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		queue:    q,
		sweeper:  sweeper,
		detector: detector,
		cascade:  id,
		store:    st,
		live:     live,
		opts:     opts,
	}
}

// Run loops until ctx is cancelled. It only returns nil.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker.start", "worker_id", w.opts.ID, "poll_interval", w.opts.PollInterval.String())
	for {
		if ctx.Err() != nil {
			slog.Info("worker.stop", "worker_id", w.opts.ID)
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("worker.iteration_failed", "worker_id", w.opts.ID, "error", err)
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.opts.PollInterval):
		}
	}
}

// RunOnce is one loop iteration: heartbeat, sweep, claim, process.
// It reports whether a job was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	w.heartbeat(ctx)
	w.sweep(ctx)

	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.process(ctx, job)
	return true, nil
}

func (w *Worker) heartbeat(ctx context.Context) {
	if w.live == nil {
		return
	}
	if err := w.live.Heartbeat(ctx, w.opts.ID, w.opts.Now(), w.opts.HeartbeatTTL); err != nil {
		slog.Warn("worker.heartbeat_failed", "worker_id", w.opts.ID, "error", err)
	}
}

func (w *Worker) sweep(ctx context.Context) {
	if w.sweeper == nil {
		return
	}
	res, err := w.sweeper.Sweep(ctx)
	if err != nil {
		slog.Warn("worker.sweep_failed", "error", err)
	}
	if res.Requeued > 0 || res.Failed > 0 {
		slog.Info("worker.sweep", "requeued", res.Requeued, "failed", res.Failed)
	}
}

func (w *Worker) setStatus(ctx context.Context, scanID uuid.UUID, status string) {
	if w.live == nil {
		return
	}
	if err := w.live.SetScanStatus(ctx, scanID, status, w.opts.StatusTTL); err != nil {
		slog.Warn("worker.status_mirror_failed", "scan_id", scanID, "error", err)
	}
}

// dropStatus removes the mirrored status of a job this worker no longer owns;
// readers fall back to Postgres.
func (w *Worker) dropStatus(ctx context.Context, scanID uuid.UUID) {
	if w.live == nil {
		return
	}
	if err := w.live.DeleteScanStatus(ctx, scanID); err != nil {
		slog.Warn("worker.status_drop_failed", "scan_id", scanID, "error", err)
	}
}

func (w *Worker) process(ctx context.Context, job *models.Job) {
	start := time.Now()
	log := slog.With("job_id", job.ID, "scan_id", job.ScanID, "retry_count", job.RetryCount)
	log.Info("worker.job_claimed")
	w.setStatus(ctx, job.ScanID, models.ScanStatusProcessing)

	summaries, err := w.runJob(ctx, job)

	// Leave an interrupted job to lease expiry; the monitor requeues it.
	if ctx.Err() != nil {
		log.Warn("worker.job_abandoned", "error", err)
		return
	}
	// Terminal writes must land even if shutdown starts now.
	final := context.WithoutCancel(ctx)

	if err != nil {
		if ferr := w.queue.Fail(final, job, err.Error()); ferr != nil {
			if errors.Is(ferr, queue.ErrNotProcessing) {
				log.Warn("worker.lease_lost", "error", ferr, "cause", err)
				w.dropStatus(final, job.ScanID)
				return
			}
			log.Error("worker.fail_failed", "error", ferr, "cause", err)
			return
		}
		w.setStatus(final, job.ScanID, models.ScanStatusFailed)
		log.Warn("worker.job_failed", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return
	}

	results, err := json.Marshal(summaries)
	if err != nil {
		log.Error("worker.encode_results_failed", "error", err)
		_ = w.queue.Fail(final, job, fmt.Sprintf("encoding results: %v", err))
		return
	}
	if err := w.queue.Complete(final, job, results); err != nil {
		if errors.Is(err, queue.ErrNotProcessing) {
			log.Warn("worker.lease_lost", "error", err)
			w.dropStatus(final, job.ScanID)
			return
		}
		log.Error("worker.complete_failed", "error", err)
		return
	}
	w.setStatus(final, job.ScanID, models.ScanStatusReady)
	log.Info("worker.job_completed", "detections", len(summaries), "elapsed_ms", time.Since(start).Milliseconds())
}

// runJob turns a panic anywhere in the job into an error.
func (w *Worker) runJob(ctx context.Context, job *models.Job) (summaries []models.DetectionSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker.panic", "job_id", job.ID, "panic", r)
			summaries = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var payload models.JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}
	if payload.ImageURL == "" {
		return nil, errors.New("decoding payload: image_url is required")
	}

	image, err := w.detector.FetchImage(ctx, payload.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	crops, err := w.detector.Detect(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("detecting cards: %w", err)
	}

	summaries = make([]models.DetectionSummary, 0, len(crops))
	for i, crop := range crops {
		if err := w.keepAlive(ctx, job); err != nil {
			return nil, err
		}

		res := w.identify(ctx, job, i, cascade.Crop{Image: crop.Image, SetHint: payload.SetHint})
		det, err := newDetection(job, i, crop.BBox, res, w.opts.Now())
		if err != nil {
			return nil, err
		}
		if err := w.store.SaveDetection(ctx, det); err != nil {
			return nil, fmt.Errorf("saving detection %d: %w", i, err)
		}
		summaries = append(summaries, models.DetectionSummary{
			CropIndex:         i,
			BBox:              crop.BBox,
			CardID:            res.CardID,
			Method:            res.Method,
			FusedScore:        res.FusedScore,
			NeedsManualReview: res.NeedsManualReview,
			CostUSD:           res.CostUSD,
		})
	}
	return summaries, nil
}

// identify isolates a panic to the crop that caused it.
func (w *Worker) identify(ctx context.Context, job *models.Job, index int, crop cascade.Crop) (res models.IdentificationResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker.crop_panic", "job_id", job.ID, "crop_index", index, "panic", r)
			res = models.IdentificationResult{
				Method:            models.MethodFailed,
				NeedsManualReview: true,
				Candidates:        []models.Candidate{},
				Error:             fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return w.cascade.Identify(ctx, crop)
}

// keepAlive extends the lease once less than half of it remains.
func (w *Worker) keepAlive(ctx context.Context, job *models.Job) error {
	lease := w.queue.LeaseDuration()
	now := w.opts.Now()
	if job.VisibilityDeadline != nil && job.VisibilityDeadline.Sub(now) >= lease/2 {
		return nil
	}
	if err := w.queue.ExtendLease(ctx, job, now.Add(lease)); err != nil {
		return fmt.Errorf("extending lease: %w", err)
	}
	slog.Debug("worker.lease_extended", "job_id", job.ID, "deadline", job.VisibilityDeadline)
	return nil
}

func newDetection(job *models.Job, index int, bbox models.BoundingBox, res models.IdentificationResult, now time.Time) (*models.CardDetection, error) {
	candidates, err := json.Marshal(res.Candidates)
	if err != nil {
		return nil, fmt.Errorf("encoding candidates: %w", err)
	}
	det := &models.CardDetection{
		ID:                uuid.New(),
		ScanID:            job.ScanID,
		JobID:             job.ID,
		CropIndex:         index,
		BBox:              bbox,
		CardID:            res.CardID,
		Method:            res.Method,
		FusedScore:        res.FusedScore,
		TemplateScore:     res.TemplateScore,
		ProtoScore:        res.ProtoScore,
		CostUSD:           res.CostUSD,
		NeedsManualReview: res.NeedsManualReview,
		Candidates:        candidates,
		CreatedAt:         now.UTC(),
	}
	if res.FallbackGuess != nil {
		if det.FallbackGuess, err = json.Marshal(res.FallbackGuess); err != nil {
			return nil, fmt.Errorf("encoding fallback guess: %w", err)
		}
	}
	if res.Error != "" {
		msg := res.Error
		det.ErrorMessage = &msg
	}
	return det, nil
}

var (
	_ Queue      = (*queue.Queue)(nil)
	_ Sweeper    = (*monitor.Monitor)(nil)
	_ Detector   = (*detect.HTTPClient)(nil)
	_ Identifier = (*cascade.Cascade)(nil)
)
