package models

import (
	"time"

	"github.com/google/uuid"
)

// Card is a catalog entry. (SetCode, Number) is unique.
type Card struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	SetCode   string    `db:"set_code"   json:"set_code"`
	Number    string    `db:"number"     json:"number"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Template sources.
const (
	TemplateSourceOfficial   = "official"
	TemplateSourceAugmented  = "augmented"
	TemplateSourceCorrection = "user_correction"
	TemplateSourceFallback   = "fallback_cache"
)

// Template is one reference embedding for a card. Embedding is unit L2 norm.
type Template struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	CardID          uuid.UUID `db:"card_id"          json:"card_id"`
	SetID           string    `db:"set_id"           json:"set_id"`
	Source          string    `db:"source"           json:"source"`
	AugmentationTag string    `db:"augmentation_tag" json:"augmentation_tag,omitempty"`
	Embedding       []float32 `db:"embedding"        json:"-"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`
}

// Prototype is the re-normalized mean of all Templates of a card.
// It is derived data and may be rebuilt or dropped at any time.
type Prototype struct {
	CardID        uuid.UUID `db:"card_id"        json:"card_id"`
	SetID         string    `db:"set_id"         json:"set_id"`
	Embedding     []float32 `db:"embedding"      json:"-"`
	TemplateCount int       `db:"template_count" json:"template_count"`
	UpdatedAt     time.Time `db:"updated_at"     json:"updated_at"`
}

// TemplateMatch is one row returned by a nearest-neighbour template search.
type TemplateMatch struct {
	TemplateID uuid.UUID `json:"template_id"`
	CardID     uuid.UUID `json:"card_id"`
	SetID      string    `json:"set_id"`
	Score      float64   `json:"score"`
}
