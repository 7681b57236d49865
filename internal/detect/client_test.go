package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// --- helpers ---

func newTestClient(t *testing.T, baseURL string) *HTTPClient {
	t.Helper()
	return NewHTTPClient(baseURL, 5*time.Second)
}

// --- FetchImage tests ---

func TestFetchImage_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	}))
	defer ts.Close()

	data, err := newTestClient(t, "http://unused").FetchImage(context.Background(), ts.URL+"/scan.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected body: %q", data)
	}
}

func TestFetchImage_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := newTestClient(t, "http://unused").FetchImage(context.Background(), ts.URL)
	if !errors.Is(err, ErrImageFetch) {
		t.Errorf("expected ErrImageFetch, got %v", err)
	}
}

func TestFetchImage_Empty(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ts.Close()

	_, err := newTestClient(t, "http://unused").FetchImage(context.Background(), ts.URL)
	if !errors.Is(err, ErrImageFetch) {
		t.Errorf("expected ErrImageFetch, got %v", err)
	}
}

func TestFetchImage_TooLarge(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte{0xff}, MaxImageBytes+1))
	}))
	defer ts.Close()

	_, err := newTestClient(t, "http://unused").FetchImage(context.Background(), ts.URL)
	if !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestFetchImage_BadURL(t *testing.T) {
	_, err := newTestClient(t, "http://unused").FetchImage(context.Background(), "::not a url")
	if !errors.Is(err, ErrImageFetch) {
		t.Errorf("expected ErrImageFetch, got %v", err)
	}
}

// --- Detect tests ---

func TestDetect_ReturnsCrops(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		var req detectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		raw, _ := base64.StdEncoding.DecodeString(req.Image)
		if string(raw) != "photo" {
			t.Errorf("unexpected image: %q", raw)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"bbox": models.BoundingBox{X: 10, Y: 20, Width: 200, Height: 280, Score: 0.97},
					"image": base64.StdEncoding.EncodeToString([]byte("crop-0"))},
				{"bbox": models.BoundingBox{X: 300, Y: 20, Width: 200, Height: 280, Score: 0.91},
					"image": base64.StdEncoding.EncodeToString([]byte("crop-1"))},
			},
		})
	}))
	defer ts.Close()

	crops, err := newTestClient(t, ts.URL+"/").Detect(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(crops) != 2 {
		t.Fatalf("expected 2 crops, got %d", len(crops))
	}
	if string(crops[1].Image) != "crop-1" {
		t.Errorf("unexpected crop image: %q", crops[1].Image)
	}
	if crops[0].BBox.Width != 200 || crops[0].BBox.Score != 0.97 {
		t.Errorf("unexpected bbox: %+v", crops[0].BBox)
	}
}

func TestDetect_NoCards(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detections":[]}`))
	}))
	defer ts.Close()

	crops, err := newTestClient(t, ts.URL).Detect(context.Background(), []byte("photo"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(crops) != 0 {
		t.Errorf("expected no crops, got %d", len(crops))
	}
}

func TestDetect_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts.URL).Detect(context.Background(), []byte("photo"))
	if !errors.Is(err, ErrDetectorResponse) {
		t.Errorf("expected ErrDetectorResponse, got %v", err)
	}
}

func TestDetect_BadCropEncoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"detections":[{"bbox":{"x":0,"y":0,"width":1,"height":1,"score":1},"image":"%%%"}]}`))
	}))
	defer ts.Close()

	_, err := newTestClient(t, ts.URL).Detect(context.Background(), []byte("photo"))
	if !errors.Is(err, ErrDetectorResponse) {
		t.Errorf("expected ErrDetectorResponse, got %v", err)
	}
}

func TestDetect_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	c := NewHTTPClient(ts.URL, 50*time.Millisecond)
	_, err := c.Detect(context.Background(), []byte("photo"))
	if !errors.Is(err, ErrDetectorTimeout) {
		t.Errorf("expected ErrDetectorTimeout, got %v", err)
	}
}

func TestDetect_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	_, err := newTestClient(t, url).Detect(context.Background(), []byte("photo"))
	if !errors.Is(err, ErrDetectorUnreachable) {
		t.Errorf("expected ErrDetectorUnreachable, got %v", err)
	}
}

// --- Ready tests ---

func TestReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	if err := newTestClient(t, ts.URL).Ready(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReady_NotReady(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := newTestClient(t, ts.URL).Ready(context.Background())
	if !errors.Is(err, ErrDetectorUnreachable) {
		t.Errorf("expected ErrDetectorUnreachable, got %v", err)
	}
}
