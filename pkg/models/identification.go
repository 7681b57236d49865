package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Method records how a crop was (or was not) identified.
type Method string

const (
	MethodEmbedding     Method = "embedding"
	MethodFallback      Method = "fallback"
	MethodEmbeddingOnly Method = "embedding_only"
	MethodUncertain     Method = "uncertain"
	MethodUnknown       Method = "unknown"
	MethodFailed        Method = "failed"
)

// Candidate is one ranked card from the embedding stage.
type Candidate struct {
	CardID        uuid.UUID `json:"card_id"`
	SetID         string    `json:"set_id,omitempty"`
	TemplateScore float64   `json:"template_score"`
	ProtoScore    *float64  `json:"proto_score,omitempty"`
	FusedScore    float64   `json:"fused_score"`
}

// FallbackGuess is the structured answer of the paid vision model.
type FallbackGuess struct {
	Name       *string `json:"name"`
	SetCode    *string `json:"setCode"`
	Number     *string `json:"number"`
	Confidence float64 `json:"confidence"`
}

// IdentificationResult is the outcome of running one crop through the cascade.
// CardID is only set when the result was accepted (embedding or fallback).
type IdentificationResult struct {
	CardID            *uuid.UUID     `json:"card_id"`
	FusedScore        float64        `json:"fused_score"`
	TemplateScore     float64        `json:"template_score"`
	ProtoScore        *float64       `json:"proto_score,omitempty"`
	Method            Method         `json:"method"`
	CostUSD           float64        `json:"cost_usd"`
	NeedsManualReview bool           `json:"needs_manual_review"`
	Candidates        []Candidate    `json:"candidates"`
	FallbackGuess     *FallbackGuess `json:"fallback_guess,omitempty"`
	Error             string         `json:"error,omitempty"`
	Path              []string       `json:"path,omitempty"`
}

// BoundingBox is a crop rectangle in source-image pixels.
type BoundingBox struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// CardDetection is the persisted identification of one crop of a scan.
type CardDetection struct {
	ID                uuid.UUID       `db:"id"                  json:"id"`
	ScanID            uuid.UUID       `db:"scan_id"             json:"scan_id"`
	JobID             uuid.UUID       `db:"job_id"              json:"job_id"`
	CropIndex         int             `db:"crop_index"          json:"crop_index"`
	BBox              BoundingBox     `db:"bbox"                json:"bbox"`
	CardID            *uuid.UUID      `db:"card_id"             json:"card_id,omitempty"`
	Method            Method          `db:"method"              json:"method"`
	FusedScore        float64         `db:"fused_score"         json:"fused_score"`
	TemplateScore     float64         `db:"template_score"      json:"template_score"`
	ProtoScore        *float64        `db:"proto_score"         json:"proto_score,omitempty"`
	CostUSD           float64         `db:"cost_usd"            json:"cost_usd"`
	NeedsManualReview bool            `db:"needs_manual_review" json:"needs_manual_review"`
	Candidates        json.RawMessage `db:"candidates"          json:"candidates,omitempty"`
	FallbackGuess     json.RawMessage `db:"fallback_guess"      json:"fallback_guess,omitempty"`
	ErrorMessage      *string         `db:"error_message"       json:"error_message,omitempty"`
	CreatedAt         time.Time       `db:"created_at"          json:"created_at"`
}

// DetectionSummary is one entry of a completed job's results.
type DetectionSummary struct {
	CropIndex         int         `json:"crop_index"`
	BBox              BoundingBox `json:"bbox"`
	CardID            *uuid.UUID  `json:"card_id"`
	Method            Method      `json:"method"`
	FusedScore        float64     `json:"fused_score"`
	NeedsManualReview bool        `json:"needs_manual_review"`
	CostUSD           float64     `json:"cost_usd"`
}
