// Package response writes the JSON envelopes every cardscan endpoint returns:
// {"data": ...} on success, {"error": {...}} otherwise.
package response

import (
	"encoding/json"
	"net/http"
)

// Error codes sent in the error envelope.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeInternal         = "INTERNAL_ERROR"
	CodeDegraded         = "DEGRADED"
	CodeNotImplemented   = "NOT_IMPLEMENTED"
	internalErrorMessage = "An unexpected error occurred"
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

// NewPaginationMeta fills HasNext from the other fields. A limit of zero
// means everything fit on one page.
func NewPaginationMeta(page, limit, total int) PaginationMeta {
	if page < 1 {
		page = 1
	}
	return PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: limit > 0 && page*limit < total,
	}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

// AcceptedAt is Accepted with a Location header naming where to poll for
// the result.
func AcceptedAt(w http.ResponseWriter, location string, data any) {
	w.Header().Set("Location", location)
	Accepted(w, data)
}

func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

// Internal writes a 500 without leaking the cause; log it before calling.
func Internal(w http.ResponseWriter) {
	Error(w, http.StatusInternalServerError, CodeInternal, internalErrorMessage, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
