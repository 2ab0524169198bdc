package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/indexer"
)

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeQueryError renders a pipeline failure. The user sees only the
// sanitized message; the underlying error is logged by the pipeline.
func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dataset.ErrNotFound):
		writeError(w, http.StatusNotFound, "dataset_not_found", "No dataset has been published under that name.")
		return
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "Session not found.")
		return
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, "session_expired", "Session expired. Start a new session to continue.")
		return
	}

	resp := ErrorResponse{Error: string(queryerr.KindOf(err)), Message: queryerr.UserMessage(err)}
	var qe *queryerr.Error
	if errors.As(err, &qe) {
		resp.Reason = qe.Reason
		resp.Suggestions = qe.Suggestions
	}
	if resp.Error == "" {
		resp.Error = "internal_error"
	}
	writeJSON(w, queryErrorStatus(queryerr.KindOf(err)), resp)
}

func queryErrorStatus(kind queryerr.Kind) int {
	switch kind {
	case queryerr.KindColumnNotFound, queryerr.KindFallbackExhausted, queryerr.KindValidationRejected:
		return http.StatusUnprocessableEntity
	case queryerr.KindExecutionTimeout:
		return http.StatusGatewayTimeout
	case queryerr.KindTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func ingestErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, indexer.ErrInvalidRef), errors.Is(err, dataset.ErrInvalidSchema):
		return http.StatusBadRequest, "invalid_dataset"
	case errors.Is(err, indexer.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge, "dataset_too_large"
	case errors.Is(err, indexer.ErrSourceDisabled):
		return http.StatusNotImplemented, "source_disabled"
	default:
		return http.StatusInternalServerError, "ingest_failed"
	}
}
