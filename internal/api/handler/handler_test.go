package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/cache"
	"github.com/kiranshivaraju/cardscan/internal/cache/cachetest"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/store/storetest"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

// --- helpers ---

func route(method, pattern string, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Method(method, pattern, h)
	return r
}

func jsonReq(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r := httptest.NewRequest(method, path, bytes.NewReader(b))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func parseOK(t *testing.T, rec *httptest.ResponseRecorder, want int) map[string]any {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
	var env struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env.Data
}

func parseErr(t *testing.T, rec *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec.Code, env.Error.Code
}

func seedScan(ms *storetest.MemStore, status string) *models.ScanUpload {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sc := &models.ScanUpload{
		ID:               uuid.New(),
		ImageURL:         "https://img.example.com/a.jpg",
		ProcessingStatus: status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ms.Scans[sc.ID] = sc
	return sc
}

// --- health ---

func TestHealth_OKListsWorkers(t *testing.T) {
	mc := cachetest.New()
	_ = mc.Heartbeat(context.Background(), "worker-b", time.Now(), time.Minute)
	_ = mc.Heartbeat(context.Background(), "worker-a", time.Now(), time.Minute)

	rec := httptest.NewRecorder()
	NewHealthHandler(storetest.New(), mc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	data := parseOK(t, rec, http.StatusOK)
	workers := data["workers"].([]any)
	if len(workers) != 2 {
		t.Fatalf("expected 2 workers, got %d", len(workers))
	}
	if workers[0].(map[string]any)["id"] != "worker-a" {
		t.Errorf("workers not sorted: %v", workers)
	}
}

func TestHealth_NoWorkersIsStillOK(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(storetest.New(), cachetest.New()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	data := parseOK(t, rec, http.StatusOK)
	if len(data["workers"].([]any)) != 0 {
		t.Errorf("expected empty workers, got %v", data["workers"])
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	ms := storetest.New()
	ms.Err = errors.New("down")

	rec := httptest.NewRecorder()
	NewHealthHandler(ms, cachetest.New()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	code, errCode := parseErr(t, rec)
	if code != http.StatusServiceUnavailable || errCode != "DEGRADED" {
		t.Errorf("got %d %s", code, errCode)
	}
}

func TestHealth_CacheDown(t *testing.T) {
	mc := cachetest.New()
	mc.Err = errors.New("down")

	rec := httptest.NewRecorder()
	NewHealthHandler(storetest.New(), mc).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

// --- submit ---

func TestSubmitScan_Accepted(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	rec := httptest.NewRecorder()

	body := map[string]any{"image_url": "https://img.example.com/binder.jpg", "set_hint": "MH3"}
	NewSubmitScanHandler(ms, mc).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/scans", body))

	data := parseOK(t, rec, http.StatusAccepted)
	if data["status"] != models.ScanStatusQueued {
		t.Errorf("unexpected status: %v", data["status"])
	}
	scanID := uuid.MustParse(data["scan_id"].(string))
	jobID := uuid.MustParse(data["job_id"].(string))

	if _, ok := ms.Scans[scanID]; !ok {
		t.Error("scan not persisted")
	}
	job, ok := ms.Jobs[jobID]
	if !ok || job.ScanID != scanID || job.Status != models.JobStatusPending {
		t.Errorf("job not persisted as pending: %+v", job)
	}
	status, ok, _ := mc.GetScanStatus(context.Background(), scanID)
	if !ok || status != models.ScanStatusQueued {
		t.Errorf("status not mirrored: %q %v", status, ok)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/v1/scans/"+scanID.String() {
		t.Errorf("unexpected Location: %q", loc)
	}
}

func TestSubmitScan_InvalidURL(t *testing.T) {
	rec := httptest.NewRecorder()
	body := map[string]any{"image_url": "ftp://nope"}
	NewSubmitScanHandler(storetest.New(), cachetest.New()).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/scans", body))

	code, errCode := parseErr(t, rec)
	if code != http.StatusBadRequest || errCode != "INVALID_REQUEST" {
		t.Errorf("got %d %s", code, errCode)
	}
}

func TestSubmitScan_InvalidJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/scans", bytes.NewBufferString("{"))
	NewSubmitScanHandler(storetest.New(), cachetest.New()).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitScan_StoreError(t *testing.T) {
	ms := storetest.New()
	ms.Err = errors.New("db down")
	rec := httptest.NewRecorder()
	body := map[string]any{"image_url": "https://img.example.com/a.jpg"}
	NewSubmitScanHandler(ms, cachetest.New()).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/scans", body))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestSubmitScan_CacheErrorDoesNotFail(t *testing.T) {
	mc := cachetest.New()
	mc.Err = errors.New("redis down")
	rec := httptest.NewRecorder()
	body := map[string]any{"image_url": "https://img.example.com/a.jpg"}
	NewSubmitScanHandler(storetest.New(), mc).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/scans", body))

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
}

// --- get ---

func getScan(h http.HandlerFunc, id string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	route("GET", "/api/v1/scans/{scanID}", h).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/scans/"+id, nil))
	return rec
}

func TestGetScan_InFlightFromCache(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	id := uuid.New()
	_ = mc.SetScanStatus(context.Background(), id, models.ScanStatusProcessing, time.Minute)

	data := parseOK(t, getScan(NewGetScanHandler(ms, mc), id.String()), http.StatusOK)
	if data["processing_status"] != models.ScanStatusProcessing {
		t.Errorf("unexpected status: %v", data["processing_status"])
	}
}

func TestGetScan_ReadyFromStoreThenCached(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	sc := seedScan(ms, models.ScanStatusReady)
	cardID := uuid.New()
	ms.Detections[sc.ID] = []*models.CardDetection{
		{ID: uuid.New(), ScanID: sc.ID, CropIndex: 1, Method: models.MethodEmbeddingOnly, FusedScore: 0.6, NeedsManualReview: true},
		{ID: uuid.New(), ScanID: sc.ID, CropIndex: 0, CardID: &cardID, Method: models.MethodEmbedding, FusedScore: 0.9},
	}
	_ = mc.SetScanStatus(context.Background(), sc.ID, models.ScanStatusReady, time.Minute)

	data := parseOK(t, getScan(NewGetScanHandler(ms, mc), sc.ID.String()), http.StatusOK)
	if data["processing_status"] != models.ScanStatusReady {
		t.Fatalf("unexpected status: %v", data["processing_status"])
	}
	dets := data["detections"].([]any)
	if len(dets) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(dets))
	}
	first := dets[0].(map[string]any)
	if first["method"] != string(models.MethodEmbedding) || first["card_id"] != cardID.String() {
		t.Errorf("detections not ordered by crop: %v", first)
	}
	second := dets[1].(map[string]any)
	if second["needs_manual_review"] != true {
		t.Errorf("review flag lost: %v", second)
	}

	if _, ok := mc.Values[cache.ScanResultKey(sc.ID)]; !ok {
		t.Fatal("terminal response not cached")
	}

	// Served from cache even once the row is gone.
	delete(ms.Scans, sc.ID)
	data = parseOK(t, getScan(NewGetScanHandler(ms, mc), sc.ID.String()), http.StatusOK)
	if data["processing_status"] != models.ScanStatusReady {
		t.Errorf("cached response not served: %v", data)
	}
}

func TestGetScan_FailedCarriesError(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	sc := seedScan(ms, models.ScanStatusFailed)
	msg := "fetch image: 404"
	sc.ErrorMessage = &msg

	data := parseOK(t, getScan(NewGetScanHandler(ms, mc), sc.ID.String()), http.StatusOK)
	if data["error_message"] != msg {
		t.Errorf("unexpected error_message: %v", data["error_message"])
	}
	if _, ok := data["detections"]; ok {
		t.Error("failed scan should not list detections")
	}
}

func TestGetScan_QueuedNotCached(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	sc := seedScan(ms, models.ScanStatusQueued)

	parseOK(t, getScan(NewGetScanHandler(ms, mc), sc.ID.String()), http.StatusOK)
	if _, ok := mc.Values[cache.ScanResultKey(sc.ID)]; ok {
		t.Error("non-terminal response must not be cached")
	}
}

func TestGetScan_CacheDownFallsBackToStore(t *testing.T) {
	ms, mc := storetest.New(), cachetest.New()
	sc := seedScan(ms, models.ScanStatusQueued)
	mc.Err = errors.New("redis down")

	data := parseOK(t, getScan(NewGetScanHandler(ms, mc), sc.ID.String()), http.StatusOK)
	if data["processing_status"] != models.ScanStatusQueued {
		t.Errorf("unexpected status: %v", data["processing_status"])
	}
}

func TestGetScan_NotFound(t *testing.T) {
	code, errCode := parseErr(t, getScan(NewGetScanHandler(storetest.New(), cachetest.New()), uuid.New().String()))
	if code != http.StatusNotFound || errCode != "NOT_FOUND" {
		t.Errorf("got %d %s", code, errCode)
	}
}

func TestGetScan_BadID(t *testing.T) {
	rec := getScan(NewGetScanHandler(storetest.New(), cachetest.New()), "not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

// --- admin ---

type fakeSweeper struct {
	res monitor.Result
	err error
}

func (f *fakeSweeper) Sweep(context.Context) (monitor.Result, error) { return f.res, f.err }

func TestBudget_ReportsToday(t *testing.T) {
	ms := storetest.New()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := budget.NewGuard(ms, 5).WithClock(func() time.Time { return now })
	r, ok, err := g.CheckAndReserve(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("reserve: %v %v", ok, err)
	}
	if err := g.Record(context.Background(), r, 0.5); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := httptest.NewRecorder()
	NewBudgetHandler(g).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/admin/budget", nil))

	data := parseOK(t, rec, http.StatusOK)
	if data["budget"] != 5.0 || data["remaining"] != 4.5 {
		t.Errorf("unexpected budget view: %v", data)
	}
}

func TestBudget_StoreError(t *testing.T) {
	ms := storetest.New()
	ms.Err = errors.New("db down")
	rec := httptest.NewRecorder()
	NewBudgetHandler(budget.NewGuard(ms, 5)).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/admin/budget", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestSweep_ReportsCounts(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &fakeSweeper{res: monitor.Result{Requeued: 2, Failed: 1}}
	NewSweepHandler(sw).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/admin/sweep", nil))

	data := parseOK(t, rec, http.StatusOK)
	if data["requeued"] != 2.0 || data["failed"] != 1.0 {
		t.Errorf("unexpected counts: %v", data)
	}
}

func TestSweep_Error(t *testing.T) {
	rec := httptest.NewRecorder()
	NewSweepHandler(&fakeSweeper{err: errors.New("boom")}).ServeHTTP(rec, httptest.NewRequest("POST", "/api/v1/admin/sweep", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestCreateKey_ReturnsRawOnce(t *testing.T) {
	ms := storetest.New()
	rec := httptest.NewRecorder()
	body := map[string]any{"name": "scanner-app", "scopes": []string{"scans:write", "scans:read"}}
	NewCreateKeyHandler(ms).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", body))

	data := parseOK(t, rec, http.StatusCreated)
	raw, _ := data["key"].(string)
	if len(raw) < 8 || raw[:3] != "cs_" {
		t.Fatalf("unexpected raw key %q", raw)
	}
	if _, ok := data["key_hash"]; ok {
		t.Error("hash must not be serialized")
	}
	if len(ms.Keys) != 1 {
		t.Fatalf("expected 1 stored key, got %d", len(ms.Keys))
	}
	for _, k := range ms.Keys {
		if k.KeyPrefix != raw[:8] {
			t.Errorf("prefix mismatch: %s vs %s", k.KeyPrefix, raw[:8])
		}
	}
}

func TestCreateKey_InvalidScope(t *testing.T) {
	rec := httptest.NewRecorder()
	body := map[string]any{"name": "x", "scopes": []string{"root"}}
	NewCreateKeyHandler(storetest.New()).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", body))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateKey_MissingName(t *testing.T) {
	rec := httptest.NewRecorder()
	NewCreateKeyHandler(storetest.New()).ServeHTTP(rec, jsonReq(t, "POST", "/api/v1/admin/keys", map[string]any{}))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestListKeys(t *testing.T) {
	ms := storetest.New()
	id := uuid.New()
	ms.Keys[id] = &models.APIKey{ID: id, Name: "a", KeyPrefix: "cs_aaaaa"}

	rec := httptest.NewRecorder()
	NewListKeysHandler(ms).ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/admin/keys", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var env struct {
		Data []map[string]any `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(env.Data) != 1 || env.Meta.Total != 1 {
		t.Errorf("unexpected list: %+v", env)
	}
}

func TestRevokeKey(t *testing.T) {
	ms := storetest.New()
	id := uuid.New()
	ms.Keys[id] = &models.APIKey{ID: id, Name: "a", KeyPrefix: "cs_aaaaa"}
	h := route("DELETE", "/api/v1/admin/keys/{keyID}", NewRevokeKeyHandler(ms))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/admin/keys/"+id.String(), nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ms.Keys[id].DeletedAt == nil {
		t.Error("key not revoked")
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/v1/admin/keys/"+id.String(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("second revoke: expected 404, got %d", rec.Code)
	}
}
