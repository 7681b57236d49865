package embedding_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/internal/store"
	"github.com/kiranshivaraju/cardscan/internal/testdb"
	"github.com/kiranshivaraju/cardscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 512

// axis returns a vector pointing mostly along axis i with a little of axis j.
func axis(i, j int, mix float32) []float32 {
	v := make([]float32, dim)
	v[i] = 1
	v[j] += mix
	return v
}

type indexFixture struct {
	index *embedding.PGVectorIndex
	store *store.PostgresStore
}

func setupIndex(t *testing.T) *indexFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := testdb.Start(t)
	return &indexFixture{
		index: embedding.NewPGVectorIndex(pool, dim, 5*time.Second),
		store: store.NewPostgresStore(pool),
	}
}

func (f *indexFixture) card(t *testing.T, set, number string) *models.Card {
	t.Helper()
	c, err := f.store.UpsertCard(context.Background(), &models.Card{Name: set + "-" + number, SetCode: set, Number: number})
	require.NoError(t, err)
	return c
}

func (f *indexFixture) template(t *testing.T, card *models.Card, vec []float32) {
	t.Helper()
	require.NoError(t, f.index.AddTemplate(context.Background(), &models.Template{
		CardID: card.ID, SetID: card.SetCode, Source: models.TemplateSourceOfficial, Embedding: vec,
	}))
}

func TestIndex_SearchOrdersBySimilarity(t *testing.T) {
	f := setupIndex(t)
	ctx := context.Background()

	near := f.card(t, "base1", "4")
	far := f.card(t, "base1", "5")
	other := f.card(t, "jungle", "1")
	f.template(t, near, axis(0, 1, 0.1))
	f.template(t, far, axis(1, 0, 0.1))
	f.template(t, other, axis(0, 2, 0.2))

	query, err := embedding.Normalize(axis(0, 1, 0))
	require.NoError(t, err)

	matches, err := f.index.SearchTemplates(ctx, query, 10, "")
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, near.ID, matches[0].CardID)
	assert.Equal(t, other.ID, matches[1].CardID)
	assert.Equal(t, far.ID, matches[2].CardID)
	assert.InDelta(t, 0.995, matches[0].Score, 0.01)
	for _, m := range matches {
		assert.LessOrEqual(t, m.Score, 1.0)
		assert.GreaterOrEqual(t, m.Score, -1.0)
	}

	hinted, err := f.index.SearchTemplates(ctx, query, 10, "jungle")
	require.NoError(t, err)
	require.Len(t, hinted, 1)
	assert.Equal(t, other.ID, hinted[0].CardID)

	limited, err := f.index.SearchTemplates(ctx, query, 1, "")
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestIndex_PrototypeIsNormalizedMean(t *testing.T) {
	f := setupIndex(t)
	ctx := context.Background()

	c := f.card(t, "base1", "58")
	f.template(t, c, axis(0, 1, 0))
	f.template(t, c, axis(1, 0, 0))
	require.NoError(t, f.index.RecomputePrototype(ctx, c.ID))

	protos, err := f.index.GetPrototypes(ctx, []uuid.UUID{c.ID, uuid.New()})
	require.NoError(t, err)
	require.Len(t, protos, 1)

	p := protos[c.ID]
	assert.Equal(t, 2, p.TemplateCount)
	assert.Equal(t, "base1", p.SetID)
	assert.InDelta(t, 1.0, embedding.L2Norm(p.Embedding), 0.01)
	assert.InDelta(t, 0.7071, p.Embedding[0], 1e-3)
	assert.InDelta(t, 0.7071, p.Embedding[1], 1e-3)
}

func TestIndex_TemplatesAreStoredUnitLength(t *testing.T) {
	f := setupIndex(t)
	ctx := context.Background()

	c := f.card(t, "base1", "7")
	raw := axis(3, 4, 1)
	for i := range raw {
		raw[i] *= 12
	}
	f.template(t, c, raw)
	require.NoError(t, f.index.RecomputePrototype(ctx, c.ID))

	protos, err := f.index.GetPrototypes(ctx, []uuid.UUID{c.ID})
	require.NoError(t, err)
	norm := embedding.L2Norm(protos[c.ID].Embedding)
	assert.GreaterOrEqual(t, norm, 0.99)
	assert.LessOrEqual(t, norm, 1.01)

	query, _ := embedding.Normalize(raw)
	matches, err := f.index.SearchTemplates(ctx, query, 1, "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
}

func TestIndex_RebuildAllDropsOrphanPrototypes(t *testing.T) {
	f := setupIndex(t)
	ctx := context.Background()

	with := f.card(t, "base1", "1")
	without := f.card(t, "base1", "2")
	f.template(t, with, axis(5, 6, 0.3))

	n, err := f.index.RebuildAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	protos, err := f.index.GetPrototypes(ctx, []uuid.UUID{with.ID, without.ID})
	require.NoError(t, err)
	assert.Contains(t, protos, with.ID)
	assert.NotContains(t, protos, without.ID)
}

func TestIndex_RejectsWrongDimension(t *testing.T) {
	f := setupIndex(t)
	c := f.card(t, "base1", "9")
	err := f.index.AddTemplate(context.Background(), &models.Template{CardID: c.ID, Embedding: []float32{1, 0}})
	assert.Error(t, err)

	_, err = f.index.SearchTemplates(context.Background(), []float32{1, 0}, 5, "")
	assert.Error(t, err)
}

func TestIndex_CheckSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool, _ := testdb.Start(t)

	require.NoError(t, embedding.NewPGVectorIndex(pool, dim, time.Second).CheckSchema(context.Background()))

	err := embedding.NewPGVectorIndex(pool, 768, time.Second).CheckSchema(context.Background())
	assert.ErrorIs(t, err, embedding.ErrDimMismatch)
	assert.Contains(t, err.Error(), "vector(512)")
}
