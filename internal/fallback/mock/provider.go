package mock

import (
	"context"

	"github.com/kiranshivaraju/cardscan/internal/fallback"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// MockProvider satisfies models.VisionProvider for testing.
type MockProvider struct {
	Name_        string
	IdentifyFunc func(ctx context.Context, image []byte) (models.FallbackGuess, models.Usage, error)
	Calls        int
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) IdentifyCard(ctx context.Context, image []byte) (models.FallbackGuess, models.Usage, error) {
	m.Calls++
	if m.IdentifyFunc != nil {
		return m.IdentifyFunc(ctx, image)
	}
	return models.FallbackGuess{}, models.Usage{}, nil
}

// NewMockProvider returns a provider that always answers with guess and bills cost.
func NewMockProvider(guess models.FallbackGuess, cost float64) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		IdentifyFunc: func(_ context.Context, _ []byte) (models.FallbackGuess, models.Usage, error) {
			return guess, models.Usage{InputTokens: 1000, OutputTokens: 50, CostUSD: cost}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		IdentifyFunc: func(_ context.Context, _ []byte) (models.FallbackGuess, models.Usage, error) {
			return models.FallbackGuess{}, models.Usage{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		IdentifyFunc: func(ctx context.Context, _ []byte) (models.FallbackGuess, models.Usage, error) {
			<-ctx.Done()
			return models.FallbackGuess{}, models.Usage{}, fallback.ErrInferenceTimeout
		},
	}
}

var _ models.VisionProvider = (*MockProvider)(nil)
