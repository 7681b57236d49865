package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// User-facing ScanUpload states. They mirror the Job status:
// pending -> queued, processing -> processing, completed -> ready, failed -> failed.
const (
	ScanStatusQueued     = "queued"
	ScanStatusProcessing = "processing"
	ScanStatusReady      = "ready"
	ScanStatusFailed     = "failed"
)

// ScanUpload is the parent record for one submitted photograph.
type ScanUpload struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	ImageURL         string          `db:"image_url"         json:"image_url"`
	SetHint          *string         `db:"set_hint"          json:"set_hint,omitempty"`
	ProcessingStatus string          `db:"processing_status" json:"processing_status"`
	Results          json.RawMessage `db:"results"           json:"results,omitempty"`
	ErrorMessage     *string         `db:"error_message"     json:"error_message,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}

// ScanStatusForJob maps a Job status onto the ScanUpload status shown to users.
func ScanStatusForJob(jobStatus string) string {
	switch jobStatus {
	case JobStatusProcessing:
		return ScanStatusProcessing
	case JobStatusCompleted:
		return ScanStatusReady
	case JobStatusFailed:
		return ScanStatusFailed
	default:
		return ScanStatusQueued
	}
}
