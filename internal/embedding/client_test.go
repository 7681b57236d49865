package embedding_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/embedding"
	"github.com/kiranshivaraju/cardscan/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	topKs      []int
	timeoutAbv int
	err        error
}

func (f *fakeStore) SearchTemplates(ctx context.Context, vec []float32, topK int, setHint string) ([]models.TemplateMatch, error) {
	f.topKs = append(f.topKs, topK)
	if f.err != nil {
		return nil, f.err
	}
	if topK > f.timeoutAbv {
		return nil, fmt.Errorf("%w: canceling statement due to statement timeout", embedding.ErrSearchTimeout)
	}
	return []models.TemplateMatch{{CardID: uuid.New(), Score: 0.9}}, nil
}

func (f *fakeStore) GetPrototypes(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Prototype, error) {
	return map[uuid.UUID]models.Prototype{}, nil
}

func (f *fakeStore) AddTemplate(ctx context.Context, t *models.Template) error { return nil }

func (f *fakeStore) RecomputePrototype(ctx context.Context, cardID uuid.UUID) error { return nil }

func (f *fakeStore) RebuildAll(ctx context.Context) (int, error) { return 0, nil }

type fixedEmbedder struct{ views int }

func (e *fixedEmbedder) Embed(ctx context.Context, image []byte, ttaViews int) ([]float32, error) {
	e.views = ttaViews
	return []float32{1, 0}, nil
}

func TestClient_SearchRetriesWithReducedTopK(t *testing.T) {
	s := &fakeStore{timeoutAbv: 50}
	c := embedding.NewClient(&fixedEmbedder{}, s, embedding.Options{TopK: 200, ReducedTopK: 50})

	matches, err := c.SearchTemplates(context.Background(), []float32{1, 0}, "")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Equal(t, []int{200, 50}, s.topKs)
}

func TestClient_SearchRetriesOnlyOnce(t *testing.T) {
	s := &fakeStore{timeoutAbv: 10}
	c := embedding.NewClient(&fixedEmbedder{}, s, embedding.Options{TopK: 200, ReducedTopK: 50})

	_, err := c.SearchTemplates(context.Background(), []float32{1, 0}, "")
	assert.ErrorIs(t, err, embedding.ErrSearchTimeout)
	assert.Equal(t, []int{200, 50}, s.topKs)
}

func TestClient_OtherSearchErrorsAreNotRetried(t *testing.T) {
	s := &fakeStore{timeoutAbv: 1000, err: errors.New("relation does not exist")}
	c := embedding.NewClient(&fixedEmbedder{}, s, embedding.Options{TopK: 200, ReducedTopK: 50})

	_, err := c.SearchTemplates(context.Background(), []float32{1, 0}, "")
	require.Error(t, err)
	assert.Equal(t, []int{200}, s.topKs)
}

func TestClient_EmbedPassesTTAViews(t *testing.T) {
	e := &fixedEmbedder{}
	c := embedding.NewClient(e, &fakeStore{}, embedding.Options{TTAViews: 3, TopK: 10})
	_, err := c.Embed(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 3, e.views)
}

type countingRecomputer struct {
	mu    sync.Mutex
	calls map[uuid.UUID]int
	gate  chan struct{}
}

func (r *countingRecomputer) RecomputePrototype(ctx context.Context, cardID uuid.UUID) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	r.calls[cardID]++
	r.mu.Unlock()
	return nil
}

func TestPrototypeRefresher_MergesDuplicates(t *testing.T) {
	rec := &countingRecomputer{calls: map[uuid.UUID]int{}, gate: make(chan struct{})}
	r := embedding.NewPrototypeRefresher(rec, time.Second)

	a, b := uuid.New(), uuid.New()
	r.Refresh(a)
	r.Refresh(a)
	r.Refresh(b)
	r.Refresh(a)
	assert.Equal(t, 2, r.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	close(rec.gate)

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.calls[a] == 1 && rec.calls[b] == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestPrototypeRefresher_DrainsOnShutdown(t *testing.T) {
	rec := &countingRecomputer{calls: map[uuid.UUID]int{}}
	r := embedding.NewPrototypeRefresher(rec, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := uuid.New()
	r.Refresh(id)
	r.Run(ctx)

	assert.Equal(t, 1, rec.calls[id])
}
