package embedding

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Embedder turns an image into a unit vector.
type Embedder interface {
	Embed(ctx context.Context, image []byte, ttaViews int) ([]float32, error)
}

// Store is the template and prototype storage.
type Store interface {
	SearchTemplates(ctx context.Context, vec []float32, topK int, setHint string) ([]models.TemplateMatch, error)
	GetPrototypes(ctx context.Context, cardIDs []uuid.UUID) (map[uuid.UUID]models.Prototype, error)
	AddTemplate(ctx context.Context, t *models.Template) error
	RecomputePrototype(ctx context.Context, cardID uuid.UUID) error
	RebuildAll(ctx context.Context) (int, error)
}

// Options are the retrieval knobs.
type Options struct {
	TTAViews    int
	TopK        int
	ReducedTopK int
}

// Client is the single entry point the cascade uses for embedding and retrieval.
type Client struct {
	embedder Embedder
	store    Store
	opts     Options
}

func NewClient(embedder Embedder, store Store, opts Options) *Client {
	if opts.TTAViews < 1 {
		opts.TTAViews = 1
	}
	if opts.ReducedTopK <= 0 || opts.ReducedTopK > opts.TopK {
		opts.ReducedTopK = opts.TopK
	}
	return &Client{embedder: embedder, store: store, opts: opts}
}

func (c *Client) Embed(ctx context.Context, image []byte) ([]float32, error) {
	return c.embedder.Embed(ctx, image, c.opts.TTAViews)
}

// SearchTemplates runs the nearest-neighbour query with TopK and, if that
// times out, once more with ReducedTopK.
func (c *Client) SearchTemplates(ctx context.Context, vec []float32, setHint string) ([]models.TemplateMatch, error) {
	matches, err := c.store.SearchTemplates(ctx, vec, c.opts.TopK, setHint)
	if err == nil || !errors.Is(err, ErrSearchTimeout) || c.opts.ReducedTopK >= c.opts.TopK || ctx.Err() != nil {
		return matches, err
	}

	slog.Warn("embedding.search_retry",
		"top_k", c.opts.TopK,
		"reduced_top_k", c.opts.ReducedTopK,
		"error", err,
	)
	return c.store.SearchTemplates(ctx, vec, c.opts.ReducedTopK, setHint)
}

func (c *Client) GetPrototypes(ctx context.Context, cardIDs []uuid.UUID) (map[uuid.UUID]models.Prototype, error) {
	return c.store.GetPrototypes(ctx, cardIDs)
}

func (c *Client) AddTemplate(ctx context.Context, t *models.Template) error {
	return c.store.AddTemplate(ctx, t)
}
