package fallback

import (
	"bytes"
	"context"
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

// Pricing converts token usage into dollars.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the dollar cost of the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1e6*p.InputPerMTok + float64(outputTokens)/1e6*p.OutputPerMTok
}

type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// httpClient is the transport shared by the providers.
type httpClient struct {
	client *http.Client
	policy retry.Policy
}

func newHTTPClient(timeout time.Duration) httpClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	policy := retry.Default()
	policy.InitialBackoff = time.Second
	policy.MaxBackoff = 10 * time.Second
	policy.Retryable = isRetryable
	return httpClient{client: &http.Client{Timeout: timeout}, policy: policy}
}

func (h httpClient) withPolicy(p retry.Policy) httpClient {
	p.Retryable = isRetryable
	h.policy = p
	return h
}

func isRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrInferenceTimeout)
}

// postJSON sends body and returns the raw 2xx response, retrying transient
// failures under the client's policy.
func (h httpClient) postJSON(ctx context.Context, url string, headers map[string]string, body any) ([]byte, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var raw []byte
	err = retry.Do(ctx, h.policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
		if err != nil {
			return retry.Permanent(fmt.Errorf("building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := h.client.Do(req)
		if err != nil {
			return classifyError(err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return classifyError(err)
		}
		if resp.StatusCode >= 300 {
			serr := &statusError{StatusCode: resp.StatusCode, Body: string(data)}
			switch {
			case resp.StatusCode == http.StatusTooManyRequests,
				resp.StatusCode == http.StatusRequestTimeout,
				resp.StatusCode >= 500:
				return fmt.Errorf("%w: %v", ErrProviderUnavailable, serr)
			default:
				return fmt.Errorf("%w: %v", ErrInvalidResponse, serr)
			}
		}
		raw = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// imageMediaType sniffs the image format, defaulting to JPEG.
func imageMediaType(image []byte) string {
	ct := http.DetectContentType(image)
	switch ct {
	case "image/png", "image/gif", "image/webp", "image/jpeg":
		return ct
	}
	return "image/jpeg"
}
