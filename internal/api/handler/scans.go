package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/cardscan/internal/api/middleware"
	"github.com/kiranshivaraju/cardscan/internal/api/response"
	"github.com/kiranshivaraju/cardscan/internal/cache"
	"github.com/kiranshivaraju/cardscan/internal/scan"
	"github.com/kiranshivaraju/cardscan/internal/store"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

const (
	// StatusTTL bounds how long a mirrored in-flight status may be served.
	StatusTTL = cache.ScanStatusTTL
	resultTTL = time.Hour
)

// ScanStore is the slice of store.Store the scan endpoints use.
type ScanStore interface {
	scan.Creator
	GetScan(ctx context.Context, id uuid.UUID) (*models.ScanUpload, error)
	ListDetections(ctx context.Context, scanID uuid.UUID) ([]*models.CardDetection, error)
}

// StatusCache is the Redis mirror of scan status and finished responses.
type StatusCache interface {
	SetScanStatus(ctx context.Context, scanID uuid.UUID, status string, ttl time.Duration) error
	GetScanStatus(ctx context.Context, scanID uuid.UUID) (string, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

type submitResponse struct {
	ScanID uuid.UUID `json:"scan_id"`
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}

type scanResponse struct {
	ScanID           uuid.UUID               `json:"scan_id"`
	ProcessingStatus string                  `json:"processing_status"`
	ImageURL         string                  `json:"image_url,omitempty"`
	SetHint          *string                 `json:"set_hint,omitempty"`
	ErrorMessage     *string                 `json:"error_message,omitempty"`
	Detections       []*models.CardDetection `json:"detections,omitempty"`
	CreatedAt        *time.Time              `json:"created_at,omitempty"`
	UpdatedAt        *time.Time              `json:"updated_at,omitempty"`
}

// NewSubmitScanHandler returns POST /api/v1/scans.
func NewSubmitScanHandler(s ScanStore, c StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scan.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}

		sc, job, err := scan.Submit(r.Context(), s, req, time.Now())
		if err != nil {
			if errors.Is(err, scan.ErrInvalidRequest) {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), nil)
				return
			}
			slog.Error("scan.submit_failed", "error", err)
			response.Internal(w)
			return
		}

		if err := c.SetScanStatus(r.Context(), sc.ID, sc.ProcessingStatus, StatusTTL); err != nil {
			slog.Warn("scan.status_mirror_failed", "scan_id", sc.ID, "error", err)
		}
		keyID, _ := mw.GetKeyID(r)
		slog.Info("scan.submitted", "scan_id", sc.ID, "job_id", job.ID, "key_id", keyID)

		response.AcceptedAt(w, "/api/v1/scans/"+sc.ID.String(),
			submitResponse{ScanID: sc.ID, JobID: job.ID, Status: sc.ProcessingStatus})
	}
}

// NewGetScanHandler returns GET /api/v1/scans/{scanID}. In-flight states
// come from the Redis mirror when present; terminal responses are read from
// Postgres once and then cached.
func NewGetScanHandler(s ScanStore, c StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scanID, err := uuid.Parse(chi.URLParam(r, "scanID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "scanID must be a UUID", nil)
			return
		}
		ctx := r.Context()

		status, ok, err := c.GetScanStatus(ctx, scanID)
		if err != nil {
			slog.Warn("scan.status_cache_unavailable", "scan_id", scanID, "error", err)
		}
		if ok && !terminal(status) {
			response.JSON(w, scanResponse{ScanID: scanID, ProcessingStatus: status})
			return
		}

		if b, hit, err := c.Get(ctx, cache.ScanResultKey(scanID)); err == nil && hit {
			response.JSON(w, json.RawMessage(b))
			return
		}

		sc, err := s.GetScan(ctx, scanID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "Scan not found", nil)
			return
		}
		if err != nil {
			slog.Error("scan.get_failed", "scan_id", scanID, "error", err)
			response.Internal(w)
			return
		}

		out := scanResponse{
			ScanID:           sc.ID,
			ProcessingStatus: sc.ProcessingStatus,
			ImageURL:         sc.ImageURL,
			SetHint:          sc.SetHint,
			ErrorMessage:     sc.ErrorMessage,
			CreatedAt:        &sc.CreatedAt,
			UpdatedAt:        &sc.UpdatedAt,
		}
		if sc.ProcessingStatus == models.ScanStatusReady {
			out.Detections, err = s.ListDetections(ctx, scanID)
			if err != nil {
				slog.Error("scan.detections_failed", "scan_id", scanID, "error", err)
				response.Internal(w)
				return
			}
		}

		if terminal(sc.ProcessingStatus) {
			if b, err := json.Marshal(out); err == nil {
				if err := c.Set(ctx, cache.ScanResultKey(scanID), b, resultTTL); err != nil {
					slog.Warn("scan.result_cache_failed", "scan_id", scanID, "error", err)
				}
			}
		}

		response.JSON(w, out)
	}
}

func terminal(status string) bool {
	return status == models.ScanStatusReady || status == models.ScanStatusFailed
}
