package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// --- Scans ---

// CreateScan inserts the ScanUpload and its pending Job in one transaction.
func (s *PostgresStore) CreateScan(ctx context.Context, scan *models.ScanUpload, job *models.Job) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create scan: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO scan_uploads (id, image_url, set_hint, processing_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		scan.ID, scan.ImageURL, scan.SetHint, scan.ProcessingStatus, scan.CreatedAt, scan.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create scan: %w", err)
	}

	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, scan_id, payload, status, created_at, retry_count)
		 VALUES ($1, $2, $3, $4, $5, 0)`,
		job.ID, job.ScanID, payload, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create scan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, id uuid.UUID) (*models.ScanUpload, error) {
	var sc models.ScanUpload
	var results []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, image_url, set_hint, processing_status, results, error_message, created_at, updated_at
		 FROM scan_uploads WHERE id = $1`, id,
	).Scan(&sc.ID, &sc.ImageURL, &sc.SetHint, &sc.ProcessingStatus, &results,
		&sc.ErrorMessage, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	sc.Results = results
	return &sc, nil
}

// --- Detections ---

// SaveDetection writes one crop result. A re-run of the same job (after a
// requeue) overwrites the row for that crop index.
func (s *PostgresStore) SaveDetection(ctx context.Context, d *models.CardDetection) error {
	bbox, err := json.Marshal(d.BBox)
	if err != nil {
		return fmt.Errorf("encode bbox: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO card_detections (id, scan_id, job_id, crop_index, bbox, card_id, method, fused_score,
		   template_score, proto_score, cost_usd, needs_manual_review, candidates, fallback_guess, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (job_id, crop_index) DO UPDATE SET
		   bbox = EXCLUDED.bbox,
		   card_id = EXCLUDED.card_id,
		   method = EXCLUDED.method,
		   fused_score = EXCLUDED.fused_score,
		   template_score = EXCLUDED.template_score,
		   proto_score = EXCLUDED.proto_score,
		   cost_usd = card_detections.cost_usd + EXCLUDED.cost_usd,
		   needs_manual_review = EXCLUDED.needs_manual_review,
		   candidates = EXCLUDED.candidates,
		   fallback_guess = EXCLUDED.fallback_guess,
		   error_message = EXCLUDED.error_message`,
		d.ID, d.ScanID, d.JobID, d.CropIndex, bbox, d.CardID, string(d.Method), d.FusedScore,
		d.TemplateScore, d.ProtoScore, d.CostUSD, d.NeedsManualReview, nullableJSON(d.Candidates),
		nullableJSON(d.FallbackGuess), d.ErrorMessage, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("save detection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDetections(ctx context.Context, scanID uuid.UUID) ([]*models.CardDetection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, scan_id, job_id, crop_index, bbox, card_id, method, fused_score, template_score,
		   proto_score, cost_usd, needs_manual_review, candidates, fallback_guess, error_message, created_at
		 FROM card_detections WHERE scan_id = $1 ORDER BY crop_index ASC`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list detections: %w", err)
	}
	defer rows.Close()

	detections := []*models.CardDetection{}
	for rows.Next() {
		var d models.CardDetection
		var bbox, candidates, guess []byte
		var method string
		if err := rows.Scan(&d.ID, &d.ScanID, &d.JobID, &d.CropIndex, &bbox, &d.CardID, &method,
			&d.FusedScore, &d.TemplateScore, &d.ProtoScore, &d.CostUSD, &d.NeedsManualReview,
			&candidates, &guess, &d.ErrorMessage, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if len(bbox) > 0 {
			if err := json.Unmarshal(bbox, &d.BBox); err != nil {
				return nil, fmt.Errorf("decode bbox: %w", err)
			}
		}
		d.Method = models.Method(method)
		d.Candidates = candidates
		d.FallbackGuess = guess
		detections = append(detections, &d)
	}
	return detections, rows.Err()
}

// --- Catalog ---

// UpsertCard returns the card keyed by (set_code, number), creating it if needed.
// An existing name is only replaced by a non-empty one.
func (s *PostgresStore) UpsertCard(ctx context.Context, card *models.Card) (*models.Card, error) {
	id := card.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := card.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var result models.Card
	err := s.pool.QueryRow(ctx,
		`INSERT INTO cards (id, name, set_code, number, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (set_code, number) DO UPDATE SET
		   name = COALESCE(NULLIF(EXCLUDED.name, ''), cards.name)
		 RETURNING id, name, set_code, number, created_at`,
		id, card.Name, card.SetCode, card.Number, createdAt,
	).Scan(&result.ID, &result.Name, &result.SetCode, &result.Number, &result.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert card: %w", err)
	}
	return &result, nil
}

func (s *PostgresStore) GetCard(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	var c models.Card
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, set_code, number, created_at FROM cards WHERE id = $1`, id,
	).Scan(&c.ID, &c.Name, &c.SetCode, &c.Number, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get card: %w", err)
	}
	return &c, nil
}

// --- Cost ledger ---

// GetLedger returns the ledger row for day, or a zero row if nothing was spent.
func (s *PostgresStore) GetLedger(ctx context.Context, day time.Time) (*models.DailyCostLedger, error) {
	l := models.DailyCostLedger{Date: day}
	err := s.pool.QueryRow(ctx,
		`SELECT date, total_cost, reserved_cost, request_count FROM daily_cost_ledger WHERE date = $1`, day,
	).Scan(&l.Date, &l.TotalCost, &l.ReservedCost, &l.RequestCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return &l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	return &l, nil
}

// ReserveCost atomically adds amount to the day's reservations while spend
// plus reservations is still under budget. The call that takes the last slot
// may overshoot by at most its own amount. It reports whether the reservation
// was made.
func (s *PostgresStore) ReserveCost(ctx context.Context, day time.Time, amount, budget float64) (bool, error) {
	if budget <= 0 {
		return false, nil
	}
	var reservedDay time.Time
	err := s.pool.QueryRow(ctx,
		`INSERT INTO daily_cost_ledger (date, total_cost, reserved_cost, request_count)
		 VALUES ($1, 0, $2, 0)
		 ON CONFLICT (date) DO UPDATE SET
		   reserved_cost = daily_cost_ledger.reserved_cost + EXCLUDED.reserved_cost
		 WHERE daily_cost_ledger.total_cost + daily_cost_ledger.reserved_cost < $3
		 RETURNING date`,
		day, amount, budget,
	).Scan(&reservedDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve cost: %w", err)
	}
	return true, nil
}

// SettleCost releases a reservation and books the actual cost of one call.
func (s *PostgresStore) SettleCost(ctx context.Context, day time.Time, reserved, actual float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_cost_ledger (date, total_cost, reserved_cost, request_count)
		 VALUES ($1, $2, 0, 1)
		 ON CONFLICT (date) DO UPDATE SET
		   total_cost = daily_cost_ledger.total_cost + EXCLUDED.total_cost,
		   reserved_cost = GREATEST(daily_cost_ledger.reserved_cost - $3, 0),
		   request_count = daily_cost_ledger.request_count + 1`,
		day, actual, reserved)
	if err != nil {
		return fmt.Errorf("settle cost: %w", err)
	}
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
