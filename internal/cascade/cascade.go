// Package cascade identifies one card crop: embedding retrieval, score
// fusion, threshold routing, the paid fallback and the template cache.
package cascade

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/config"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Index is the embedding model plus the template/prototype store.
// embedding.Client implements it.
type Index interface {
	Embed(ctx context.Context, image []byte) ([]float32, error)
	SearchTemplates(ctx context.Context, vec []float32, setHint string) ([]models.TemplateMatch, error)
	GetPrototypes(ctx context.Context, cardIDs []uuid.UUID) (map[uuid.UUID]models.Prototype, error)
	AddTemplate(ctx context.Context, t *models.Template) error
}

// Budget gates paid calls. budget.Guard implements it.
type Budget interface {
	CheckAndReserve(ctx context.Context, estimatedCost float64) (budget.Reservation, bool, error)
	Record(ctx context.Context, r budget.Reservation, actualCost float64) error
}

// Catalog resolves a fallback guess to a card row.
type Catalog interface {
	UpsertCard(ctx context.Context, card *models.Card) (*models.Card, error)
}

// Refresher schedules prototype recomputation without blocking.
type Refresher interface {
	Refresh(cardID uuid.UUID)
}

type Options struct {
	UnknownThreshold        float64
	Alpha                   float64
	Beta                    float64
	CandidateLimit          int
	FallbackEnabled         bool
	FallbackAcceptThreshold float64
	FallbackEstimatedCost   float64
}

// OptionsFromConfig copies the tuning block.
func OptionsFromConfig(cfg config.CascadeConfig) Options {
	return Options{
		UnknownThreshold:        cfg.UnknownThreshold,
		Alpha:                   cfg.Alpha,
		Beta:                    cfg.Beta,
		CandidateLimit:          cfg.CandidateLimit,
		FallbackEnabled:         cfg.FallbackEnabled,
		FallbackAcceptThreshold: cfg.FallbackAcceptThreshold,
		FallbackEstimatedCost:   cfg.FallbackEstimatedCost,
	}
}

// Crop is one detected card image.
type Crop struct {
	Image   []byte
	SetHint string
}

// Cascade is constructed once per process and shared by the worker loop.
type Cascade struct {
	index     Index
	budget    Budget
	provider  models.VisionProvider
	catalog   Catalog
	refresher Refresher
	opts      Options
}

// New builds a Cascade. provider may be nil when the fallback is disabled.
func New(index Index, b Budget, provider models.VisionProvider, catalog Catalog, refresher Refresher, opts Options) *Cascade {
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 5
	}
	if provider == nil {
		opts.FallbackEnabled = false
	}
	return &Cascade{
		index:     index,
		budget:    b,
		provider:  provider,
		catalog:   catalog,
		refresher: refresher,
		opts:      opts,
	}
}

type state string

const (
	stateEmbed    state = "EMBED"
	stateSearch   state = "SEARCH"
	stateFuse     state = "FUSE"
	stateRoute    state = "ROUTE"
	stateFallback state = "FALLBACK"
	stateCache    state = "CACHE"
	stateDone     state = "DONE"
)

// run carries one crop through the states.
type run struct {
	crop       Crop
	vec        []float32
	matches    []models.TemplateMatch
	candidates []models.Candidate
	guess      *models.FallbackGuess
	result     models.IdentificationResult
}

func (r *run) best() *models.Candidate {
	if len(r.candidates) == 0 {
		return nil
	}
	return &r.candidates[0]
}

// finish fills the score fields from the best candidate.
func (r *run) finish(method models.Method, review bool) state {
	r.result.Method = method
	r.result.NeedsManualReview = review
	if b := r.best(); b != nil {
		r.result.FusedScore = b.FusedScore
		r.result.TemplateScore = b.TemplateScore
		r.result.ProtoScore = b.ProtoScore
	}
	return stateDone
}

// Identify never returns an error: failures are reported on the result so one
// bad crop does not abort the others in a scan.
func (c *Cascade) Identify(ctx context.Context, crop Crop) models.IdentificationResult {
	start := time.Now()
	r := &run{crop: crop}

	for st := stateEmbed; ; {
		r.result.Path = append(r.result.Path, string(st))
		if st == stateDone {
			break
		}
		st = c.step(ctx, st, r)
	}
	r.result.Candidates = r.candidates
	if r.result.Candidates == nil {
		r.result.Candidates = []models.Candidate{}
	}

	attrs := []any{
		"method", r.result.Method,
		"fused", r.result.FusedScore,
		"cost_usd", r.result.CostUSD,
		"needs_review", r.result.NeedsManualReview,
		"elapsed_ms", time.Since(start).Milliseconds(),
	}
	if r.result.CardID != nil {
		attrs = append(attrs, "card_id", *r.result.CardID)
	}
	slog.Info("cascade.done", attrs...)
	return r.result
}

func (c *Cascade) step(ctx context.Context, st state, r *run) state {
	switch st {
	case stateEmbed:
		return c.embed(ctx, r)
	case stateSearch:
		return c.search(ctx, r)
	case stateFuse:
		return c.fuse(ctx, r)
	case stateRoute:
		return c.route(r)
	case stateFallback:
		return c.fallback(ctx, r)
	case stateCache:
		return c.cache(ctx, r)
	}
	return stateDone
}

func (c *Cascade) embed(ctx context.Context, r *run) state {
	vec, err := c.index.Embed(ctx, r.crop.Image)
	if err != nil {
		slog.Warn("cascade.embed_failed", "error", err)
		r.result.Error = "embed: " + err.Error()
		return r.finish(models.MethodFailed, true)
	}
	r.vec = vec
	return stateSearch
}

func (c *Cascade) search(ctx context.Context, r *run) state {
	matches, err := c.index.SearchTemplates(ctx, r.vec, r.crop.SetHint)
	if err != nil {
		slog.Warn("cascade.search_failed", "error", err)
		r.result.Error = "search: " + err.Error()
		return r.finish(models.MethodFailed, true)
	}
	r.matches = matches
	return stateFuse
}

func (c *Cascade) fuse(ctx context.Context, r *run) state {
	cands := bestPerCard(r.matches)
	if len(cands) == 0 {
		return stateRoute
	}

	protos, err := c.index.GetPrototypes(ctx, cardIDs(cands))
	if err != nil {
		// Template evidence alone still ranks the candidates.
		slog.Warn("cascade.prototypes_unavailable", "error", err)
		protos = nil
	}
	for i := range cands {
		if p, ok := protos[cands[i].CardID]; ok {
			s := embedding.Cosine(r.vec, p.Embedding)
			cands[i].ProtoScore = &s
		}
		cands[i].FusedScore = Fuse(c.opts.Alpha, c.opts.Beta, cands[i].TemplateScore, cands[i].ProtoScore)
	}
	rank(cands)
	if len(cands) > c.opts.CandidateLimit {
		cands = cands[:c.opts.CandidateLimit]
	}
	r.candidates = cands
	return stateRoute
}

func (c *Cascade) route(r *run) state {
	b := r.best()
	if b != nil && b.FusedScore >= c.opts.UnknownThreshold {
		id := b.CardID
		r.result.CardID = &id
		slog.Debug("cascade.route", "decision", "accept", "fused", b.FusedScore)
		return r.finish(models.MethodEmbedding, false)
	}
	if !c.opts.FallbackEnabled {
		slog.Debug("cascade.route", "decision", "fallback_disabled")
		return r.finish(models.MethodEmbeddingOnly, true)
	}
	return stateFallback
}

func (c *Cascade) fallback(ctx context.Context, r *run) state {
	reservation, ok, err := c.budget.CheckAndReserve(ctx, c.opts.FallbackEstimatedCost)
	if err != nil {
		slog.Error("cascade.budget_check_failed", "error", err)
		r.result.Error = err.Error()
		return r.finish(models.MethodEmbeddingOnly, true)
	}
	if !ok {
		slog.Info("cascade.route", "decision", "budget_exhausted")
		return r.finish(models.MethodEmbeddingOnly, true)
	}

	guess, usage, callErr := c.provider.IdentifyCard(ctx, r.crop.Image)
	r.result.CostUSD = usage.CostUSD
	// The ledger must be settled even if the caller has given up.
	if err := c.budget.Record(context.WithoutCancel(ctx), reservation, usage.CostUSD); err != nil {
		slog.Error("cascade.budget_record_failed", "error", err, "cost_usd", usage.CostUSD)
	}
	if callErr != nil {
		slog.Warn("cascade.fallback_failed", "provider", c.provider.Name(), "error", callErr)
		r.result.Error = "fallback: " + callErr.Error()
		return r.finish(models.MethodUnknown, true)
	}

	r.guess = &guess
	r.result.FallbackGuess = &guess
	if guess.Confidence >= c.opts.FallbackAcceptThreshold && guess.SetCode != nil && guess.Number != nil {
		return stateCache
	}
	return r.finish(models.MethodUncertain, true)
}

// cache links the confident guess to the catalog and stores the crop
// embedding as a new template. Errors here never change the method.
func (c *Cascade) cache(ctx context.Context, r *run) state {
	g := r.guess
	card := &models.Card{SetCode: *g.SetCode, Number: *g.Number}
	if g.Name != nil {
		card.Name = *g.Name
	}

	saved, err := c.catalog.UpsertCard(ctx, card)
	if err != nil {
		slog.Error("cascade.cache_failed", "stage", "upsert_card", "set_code", card.SetCode, "number", card.Number, "error", err)
		r.result.Error = "cache: " + err.Error()
		return r.finish(models.MethodFallback, true)
	}
	id := saved.ID
	r.result.CardID = &id

	tmpl := &models.Template{
		CardID:    saved.ID,
		SetID:     saved.SetCode,
		Source:    models.TemplateSourceFallback,
		Embedding: r.vec,
	}
	if err := c.index.AddTemplate(ctx, tmpl); err != nil {
		slog.Error("cascade.cache_failed", "stage", "add_template", "card_id", saved.ID, "error", err)
		return r.finish(models.MethodFallback, false)
	}
	if c.refresher != nil {
		c.refresher.Refresh(saved.ID)
	}
	slog.Info("cascade.cached", "card_id", saved.ID, "template_id", tmpl.ID)
	return r.finish(models.MethodFallback, false)
}

var _ Index = (*embedding.Client)(nil)
var _ Budget = (*budget.Guard)(nil)
