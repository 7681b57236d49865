package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface for everything except the job lease
// queue and the template index, which own their tables.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateScan(ctx context.Context, scan *models.ScanUpload, job *models.Job) error
	GetScan(ctx context.Context, id uuid.UUID) (*models.ScanUpload, error)

	SaveDetection(ctx context.Context, d *models.CardDetection) error
	ListDetections(ctx context.Context, scanID uuid.UUID) ([]*models.CardDetection, error)

	UpsertCard(ctx context.Context, card *models.Card) (*models.Card, error)
	GetCard(ctx context.Context, id uuid.UUID) (*models.Card, error)

	GetLedger(ctx context.Context, day time.Time) (*models.DailyCostLedger, error)
	ReserveCost(ctx context.Context, day time.Time, amount, budget float64) (bool, error)
	SettleCost(ctx context.Context, day time.Time, reserved, actual float64) error
}
