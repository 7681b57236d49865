// Package embedding wraps the external embedding model and the pgvector
// template/prototype store behind the narrow contract the cascade consumes.
package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/cardscan/internal/retry"
)

var (
	ErrModelUnavailable = errors.New("embedding model unavailable")
	ErrModelTimeout     = errors.New("embedding model timeout")
	ErrInvalidEmbedding = errors.New("invalid embedding response")
)

// HTTPEmbedder calls the embedding service: POST /embed with a base64 image.
type HTTPEmbedder struct {
	baseURL string
	dim     int
	client  *http.Client
	policy  retry.Policy
}

func NewHTTPEmbedder(baseURL string, dim int, timeout time.Duration) *HTTPEmbedder {
	policy := retry.Default()
	policy.Retryable = func(err error) bool {
		return errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrModelTimeout)
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		dim:     dim,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

// WithRetry replaces the retry policy, keeping the retryable predicate.
func (e *HTTPEmbedder) WithRetry(p retry.Policy) *HTTPEmbedder {
	p.Retryable = e.policy.Retryable
	e.policy = p
	return e
}

type embedRequest struct {
	Image    string `json:"image"`
	TTAViews int    `json:"tta_views"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the unit-length embedding of image. The service is expected
// to be deterministic for a fixed ttaViews.
func (e *HTTPEmbedder) Embed(ctx context.Context, image []byte, ttaViews int) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidEmbedding)
	}
	if ttaViews < 1 {
		ttaViews = 1
	}
	body, err := json.Marshal(embedRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		TTAViews: ttaViews,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding embed request: %w", err)
	}

	var vec []float32
	err = retry.Do(ctx, e.policy, func(ctx context.Context) error {
		v, err := e.embedOnce(ctx, body)
		vec = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *HTTPEmbedder) embedOnce(ctx context.Context, body []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrInvalidEmbedding, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrInvalidEmbedding, err)
	}
	if e.dim > 0 && len(out.Embedding) != e.dim {
		return nil, fmt.Errorf("%w: got %d dimensions, want %d", ErrInvalidEmbedding, len(out.Embedding), e.dim)
	}
	vec, err := Normalize(out.Embedding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
	}
	return vec, nil
}

// Ready checks that the embedding service answers its health endpoint.
func (e *HTTPEmbedder) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrModelTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrModelTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
}
