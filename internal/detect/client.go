// Package detect downloads scan images and asks the detector service for the
// card crops inside them.
package detect

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

	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// Sentinel errors for detector and image fetch failures.
var (
	ErrDetectorUnreachable = errors.New("detector unreachable")
	ErrDetectorTimeout     = errors.New("detector timeout")
	ErrDetectorResponse    = errors.New("detector returned invalid response")
	ErrImageFetch          = errors.New("image fetch failed")
	ErrImageTooLarge       = errors.New("image too large")
)

// MaxImageBytes caps a downloaded scan.
const MaxImageBytes = 25 << 20

// Crop is one detected card region.
type Crop struct {
	BBox  models.BoundingBox
	Image []byte
}

// Client is the interface the worker uses.
type Client interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
	Detect(ctx context.Context, image []byte) ([]Crop, error)
	Ready(ctx context.Context) error
}

// HTTPClient implements Client against the detector's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchImage downloads the scan photograph.
func (c *HTTPClient) FetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageFetch, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrImageFetch, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageFetch, err)
	}
	if len(data) > MaxImageBytes {
		return nil, ErrImageTooLarge
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrImageFetch)
	}
	return data, nil
}

type detectRequest struct {
	Image string `json:"image"`
}

type detectResponse struct {
	Detections []struct {
		BBox  models.BoundingBox `json:"bbox"`
		Image string             `json:"image"`
	} `json:"detections"`
}

// Detect returns the crops in detector order.
func (c *HTTPClient) Detect(ctx context.Context, image []byte) ([]Crop, error) {
	body, err := json.Marshal(detectRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return nil, fmt.Errorf("encoding detect request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrDetectorResponse, resp.StatusCode)
	}

	var dr detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectorResponse, err)
	}

	crops := make([]Crop, 0, len(dr.Detections))
	for i, d := range dr.Detections {
		img, err := base64.StdEncoding.DecodeString(d.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: detection %d: %v", ErrDetectorResponse, i, err)
		}
		crops = append(crops, Crop{BBox: d.BBox, Image: img})
	}
	return crops, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: detector not ready (status %d)", ErrDetectorUnreachable, resp.StatusCode)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrDetectorTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrDetectorUnreachable, err)
}

var _ Client = (*HTTPClient)(nil)
