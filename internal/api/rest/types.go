// Package rest provides the HTTP surface of the audit trail: ingestion for
// auditable-action producers and the paginated/stats/export/verify reads
// consumed by the compliance review UI.
package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/civicgov/audit-trail/internal/audit"
)

// ingestRequest is the write payload accepted from producers.
type ingestRequest struct {
	EventType     string        `json:"event_type"`
	Success       *bool         `json:"success"`
	Username      string        `json:"username,omitempty"`
	IPAddress     string        `json:"ip_address,omitempty"`
	UserAgent     string        `json:"user_agent,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	Details       audit.Details `json:"details,omitempty"`
	Timestamp     *time.Time    `json:"timestamp,omitempty"`
}

// ingestResponse acknowledges a durably appended record.
type ingestResponse struct {
	SequenceID int64 `json:"sequence_id"`
}

// errorResponse is the uniform error shape. The review UI relies on the
// code field to distinguish "no records match" (a 200 with an empty record
// set) from "the service could not be reached" (an explicit error).
type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := errorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	respondJSON(w, status, resp)
}

// respondDomainError maps the audit error taxonomy onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audit.ErrInvalidFilter):
		respondError(w, http.StatusBadRequest, "invalid_filter", "Invalid query parameters", err)
	case errors.Is(err, audit.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_error", "Invalid event payload", err)
	case errors.Is(err, audit.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Record not found", err)
	case errors.Is(err, audit.ErrStorageUnavailable):
		respondError(w, http.StatusServiceUnavailable, "storage_unavailable", "Audit storage could not be reached", err)
	case errors.Is(err, audit.ErrChainCorruption):
		respondError(w, http.StatusInternalServerError, "chain_corruption", "Audit chain integrity failure; writes are suspended pending review", err)
	default:
		respondError(w, http.StatusInternalServerError, "internal", "Internal server error", err)
	}
}
