// Package scan turns a submitted photograph into a ScanUpload and its Job.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

const maxSetHintLen = 32

var ErrInvalidRequest = errors.New("invalid scan request")

// Creator persists a scan and its job atomically. store.PostgresStore implements it.
type Creator interface {
	CreateScan(ctx context.Context, scan *models.ScanUpload, job *models.Job) error
}

// Request is a submission.
type Request struct {
	ImageURL string `json:"image_url"`
	SetHint  string `json:"set_hint,omitempty"`
}

// Validate checks the request without touching storage.
func (r Request) Validate() error {
	if r.ImageURL == "" {
		return fmt.Errorf("%w: image_url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(r.ImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: image_url must be an http(s) URL", ErrInvalidRequest)
	}
	if len(strings.TrimSpace(r.SetHint)) > maxSetHintLen {
		return fmt.Errorf("%w: set_hint must be at most %d characters", ErrInvalidRequest, maxSetHintLen)
	}
	return nil
}

// Submit creates a queued ScanUpload and its pending Job.
func Submit(ctx context.Context, c Creator, req Request, now time.Time) (*models.ScanUpload, *models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	now = now.UTC()
	hint := strings.TrimSpace(req.SetHint)

	payload, err := json.Marshal(models.JobPayload{ImageURL: req.ImageURL, SetHint: hint})
	if err != nil {
		return nil, nil, fmt.Errorf("encoding payload: %w", err)
	}

	sc := &models.ScanUpload{
		ID:               uuid.New(),
		ImageURL:         req.ImageURL,
		ProcessingStatus: models.ScanStatusQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if hint != "" {
		sc.SetHint = &hint
	}
	job := &models.Job{
		ID:        uuid.New(),
		ScanID:    sc.ID,
		Payload:   payload,
		Status:    models.JobStatusPending,
		CreatedAt: now,
	}

	if err := c.CreateScan(ctx, sc, job); err != nil {
		return nil, nil, fmt.Errorf("creating scan: %w", err)
	}
	return sc, job, nil
}
