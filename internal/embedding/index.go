package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// ErrSearchTimeout means the nearest-neighbour query hit its time limit.
var ErrSearchTimeout = errors.New("template search timed out")

// ErrDimMismatch means the vector columns are narrower or wider than the
// configured embedding width.
var ErrDimMismatch = errors.New("embedding width does not match vector column")

// sqlStateQueryCanceled covers statement_timeout as well as cancel requests.
const sqlStateQueryCanceled = "57014"

// PGVectorIndex stores Templates and Prototypes in Postgres and searches them
// with pgvector's cosine distance operator.
type PGVectorIndex struct {
	pool         *pgxpool.Pool
	dim          int
	queryTimeout time.Duration
}

func NewPGVectorIndex(pool *pgxpool.Pool, dim int, queryTimeout time.Duration) *PGVectorIndex {
	return &PGVectorIndex{pool: pool, dim: dim, queryTimeout: queryTimeout}
}

// CheckSchema compares the declared width of every embedding column with the
// index's dim. Run it once at startup, after migrations.
func (x *PGVectorIndex) CheckSchema(ctx context.Context) error {
	for _, table := range []string{"card_templates", "card_prototypes"} {
		var width int
		err := x.pool.QueryRow(ctx,
			`SELECT atttypmod FROM pg_attribute
			 WHERE attrelid = $1::regclass AND attname = 'embedding' AND NOT attisdropped`,
			table,
		).Scan(&width)
		if err != nil {
			return fmt.Errorf("check %s.embedding: %w", table, err)
		}
		if width != x.dim {
			return fmt.Errorf("%w: %s.embedding is vector(%d), configured %d", ErrDimMismatch, table, width, x.dim)
		}
	}
	return nil
}

// SearchTemplates returns up to topK templates nearest to vec, best first.
// A non-empty setHint restricts the search to one set.
func (x *PGVectorIndex) SearchTemplates(ctx context.Context, vec []float32, topK int, setHint string) ([]models.TemplateMatch, error) {
	if x.dim > 0 && len(vec) != x.dim {
		return nil, fmt.Errorf("search templates: query has %d dimensions, want %d", len(vec), x.dim)
	}
	if x.queryTimeout > 0 {
		var cancel context.CancelFunc
		// the server-side timeout should fire first and name the cause
		ctx, cancel = context.WithTimeout(ctx, x.queryTimeout+time.Second)
		defer cancel()
	}

	tx, err := x.pool.Begin(ctx)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer tx.Rollback(ctx)

	if x.queryTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", x.queryTimeout.Milliseconds())); err != nil {
			return nil, classifyQueryError(err)
		}
	}

	sql := `SELECT id, card_id, set_id, 1 - (embedding <=> $1::vector) AS score
		FROM card_templates`
	params := []any{encodeVector(vec), topK}
	if setHint != "" {
		sql += ` WHERE set_id = $3`
		params = append(params, setHint)
	}
	sql += ` ORDER BY embedding <=> $1::vector LIMIT $2`

	rows, err := tx.Query(ctx, sql, params...)
	if err != nil {
		return nil, classifyQueryError(err)
	}
	defer rows.Close()

	var matches []models.TemplateMatch
	for rows.Next() {
		var m models.TemplateMatch
		if err := rows.Scan(&m.TemplateID, &m.CardID, &m.SetID, &m.Score); err != nil {
			return nil, fmt.Errorf("scan template match: %w", err)
		}
		m.Score = Clamp(m.Score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(err)
	}
	return matches, nil
}

func classifyQueryError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateQueryCanceled {
		return fmt.Errorf("%w: %v", ErrSearchTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrSearchTimeout, err)
	}
	return fmt.Errorf("search templates: %w", err)
}

// GetPrototypes returns the prototypes that exist for cardIDs, keyed by card.
// Embeddings are re-normalized on the way out.
func (x *PGVectorIndex) GetPrototypes(ctx context.Context, cardIDs []uuid.UUID) (map[uuid.UUID]models.Prototype, error) {
	out := make(map[uuid.UUID]models.Prototype, len(cardIDs))
	if len(cardIDs) == 0 {
		return out, nil
	}
	ids := make([]string, len(cardIDs))
	for i, id := range cardIDs {
		ids[i] = id.String()
	}

	rows, err := x.pool.Query(ctx,
		`SELECT card_id, set_id, embedding::text, template_count, updated_at
		 FROM card_prototypes WHERE card_id = ANY($1::uuid[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("get prototypes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Prototype
		var raw string
		if err := rows.Scan(&p.CardID, &p.SetID, &raw, &p.TemplateCount, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan prototype: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			return nil, fmt.Errorf("prototype %s: %w", p.CardID, err)
		}
		if p.Embedding, err = Normalize(vec); err != nil {
			continue
		}
		out[p.CardID] = p
	}
	return out, rows.Err()
}

// AddTemplate stores a unit-normalized copy of t.Embedding.
func (x *PGVectorIndex) AddTemplate(ctx context.Context, t *models.Template) error {
	if x.dim > 0 && len(t.Embedding) != x.dim {
		return fmt.Errorf("add template: embedding has %d dimensions, want %d", len(t.Embedding), x.dim)
	}
	vec, err := Normalize(t.Embedding)
	if err != nil {
		return fmt.Errorf("add template: %w", err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.Embedding = vec

	_, err = x.pool.Exec(ctx,
		`INSERT INTO card_templates (id, card_id, set_id, source, augmentation_tag, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::vector, $7)`,
		t.ID, t.CardID, t.SetID, t.Source, t.AugmentationTag, encodeVector(vec), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("add template: %w", err)
	}
	return nil
}

// RecomputePrototype rebuilds one card's prototype from its templates, or
// deletes it when the card has none.
func (x *PGVectorIndex) RecomputePrototype(ctx context.Context, cardID uuid.UUID) error {
	tx, err := x.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("recompute prototype: %w", err)
	}
	defer tx.Rollback(ctx)

	// serializes recomputes of the same card across workers
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cardID.String()); err != nil {
		return fmt.Errorf("lock prototype %s: %w", cardID, err)
	}

	rows, err := tx.Query(ctx,
		`SELECT set_id, embedding::text FROM card_templates WHERE card_id = $1 ORDER BY created_at, id`, cardID)
	if err != nil {
		return fmt.Errorf("load templates for %s: %w", cardID, err)
	}
	var (
		setID string
		vecs  [][]float32
	)
	for rows.Next() {
		var sid, raw string
		if err := rows.Scan(&sid, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan template: %w", err)
		}
		vec, err := decodeVector(raw)
		if err != nil {
			rows.Close()
			return fmt.Errorf("template of %s: %w", cardID, err)
		}
		if setID == "" {
			setID = sid
		}
		vecs = append(vecs, vec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load templates for %s: %w", cardID, err)
	}

	if len(vecs) == 0 {
		if _, err := tx.Exec(ctx, `DELETE FROM card_prototypes WHERE card_id = $1`, cardID); err != nil {
			return fmt.Errorf("delete prototype %s: %w", cardID, err)
		}
		return tx.Commit(ctx)
	}

	mean, err := Mean(vecs)
	if err != nil {
		return fmt.Errorf("prototype of %s: %w", cardID, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO card_prototypes (card_id, set_id, embedding, template_count, updated_at)
		 VALUES ($1, $2, $3::vector, $4, NOW())
		 ON CONFLICT (card_id) DO UPDATE SET
		   set_id = EXCLUDED.set_id,
		   embedding = EXCLUDED.embedding,
		   template_count = EXCLUDED.template_count,
		   updated_at = NOW()`,
		cardID, setID, encodeVector(mean), len(vecs))
	if err != nil {
		return fmt.Errorf("upsert prototype %s: %w", cardID, err)
	}
	return tx.Commit(ctx)
}

// RebuildAll recomputes the prototype of every catalog card and returns how
// many cards were visited.
func (x *PGVectorIndex) RebuildAll(ctx context.Context) (int, error) {
	rows, err := x.pool.Query(ctx, `SELECT id FROM cards ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("list cards: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return 0, fmt.Errorf("list cards: %w", err)
	}

	for i, id := range ids {
		if err := x.RecomputePrototype(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
