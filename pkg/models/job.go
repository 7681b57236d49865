package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one unit of queued work: identify every card in a single ScanUpload.
// Jobs are mutated only through the lease queue transitions
// (claim, complete, fail, requeue); VisibilityDeadline is set while processing.
type Job struct {
	ID                 uuid.UUID       `db:"id"                    json:"id"`
	ScanID             uuid.UUID       `db:"scan_id"               json:"scan_id"`
	Payload            json.RawMessage `db:"payload"               json:"payload"`
	Status             string          `db:"status"                json:"status"`
	CreatedAt          time.Time       `db:"created_at"            json:"created_at"`
	StartedAt          *time.Time      `db:"started_at"            json:"started_at,omitempty"`
	VisibilityDeadline *time.Time      `db:"visibility_timeout_at" json:"visibility_deadline,omitempty"`
	RetryCount         int             `db:"retry_count"           json:"retry_count"`
	FinishedAt         *time.Time      `db:"finished_at"           json:"finished_at,omitempty"`
	ErrorMessage       *string         `db:"error_message"         json:"error_message,omitempty"`
	Results            json.RawMessage `db:"results"               json:"results,omitempty"`
}

// JobPayload is the decoded Job.Payload the worker acts on.
type JobPayload struct {
	ImageURL string `json:"image_url"`
	SetHint  string `json:"set_hint,omitempty"`
}
