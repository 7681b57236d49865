package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/cardscan/internal/api/response"
	"github.com/kiranshivaraju/cardscan/internal/apikey"
	"github.com/kiranshivaraju/cardscan/internal/budget"
	"github.com/kiranshivaraju/cardscan/internal/monitor"
	"github.com/kiranshivaraju/cardscan/internal/store"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

type BudgetReader interface {
	Today(ctx context.Context) (*budget.Status, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (monitor.Result, error)
}

// KeyStore is the slice of store.Store the key admin endpoints use.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// NewBudgetHandler returns GET /api/v1/admin/budget.
func NewBudgetHandler(b BudgetReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := b.Today(r.Context())
		if err != nil {
			slog.Error("budget.read_failed", "error", err)
			response.Internal(w)
			return
		}
		response.JSON(w, st)
	}
}

// NewSweepHandler returns POST /api/v1/admin/sweep, one stuck-job pass.
func NewSweepHandler(sw Sweeper) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := sw.Sweep(r.Context())
		if err != nil {
			slog.Error("monitor.sweep_failed", "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal,
				"Sweep failed", res)
			return
		}
		response.JSON(w, res)
	}
}

type createKeyResponse struct {
	*models.APIKey
	Key string `json:"key"`
}

// NewCreateKeyHandler returns POST /api/v1/admin/keys. The raw key is in
// this response only.
func NewCreateKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"scans:read"}
		}

		raw, key, err := apikey.New(req.Name, req.Scopes, time.Now())
		if err != nil {
			if errors.Is(err, apikey.ErrInvalidScope) {
				response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, err.Error(), apikey.Scopes)
				return
			}
			slog.Error("apikey.generate_failed", "error", err)
			response.Internal(w)
			return
		}

		if err := ks.CreateAPIKey(r.Context(), key); err != nil {
			slog.Error("apikey.create_failed", "error", err)
			response.Internal(w)
			return
		}
		slog.Info("apikey.created", "key_id", key.ID, "prefix", key.KeyPrefix)
		response.Created(w, createKeyResponse{APIKey: key, Key: raw})
	}
}

// NewListKeysHandler returns GET /api/v1/admin/keys.
func NewListKeysHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := ks.ListAPIKeys(r.Context())
		if err != nil {
			slog.Error("apikey.list_failed", "error", err)
			response.Internal(w)
			return
		}
		response.Collection(w, keys, response.NewPaginationMeta(1, len(keys), len(keys)))
	}
}

// NewRevokeKeyHandler returns DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(ks KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "keyID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, response.CodeInvalidRequest, "keyID must be a UUID", nil)
			return
		}
		err = ks.RevokeAPIKey(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, response.CodeNotFound, "API key not found", nil)
			return
		}
		if err != nil {
			slog.Error("apikey.revoke_failed", "key_id", id, "error", err)
			response.Internal(w)
			return
		}
		slog.Info("apikey.revoked", "key_id", id)
		response.NoContent(w)
	}
}
