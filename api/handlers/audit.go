package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/audit"
)

// AuditListResponse lists recent failed or rejected questions.
type AuditListResponse struct {
	Events []workflow.AuditEvent `json:"events"`
}

// AuditSummaryResponse counts audited failures by kind.
type AuditSummaryResponse struct {
	Since  time.Time        `json:"since"`
	Counts map[string]int64 `json:"counts"`
}

func (s *Server) auditSince(r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("since")
	if raw == "" {
		return s.cfg.Clock.Now().Add(-24 * time.Hour).UTC(), true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return s.cfg.Clock.Now().Add(-d).UTC(), true
	}
	t, err := time.Parse(time.RFC3339, raw)
	return t, err == nil
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeError(w, http.StatusNotImplemented, "audit_disabled", "Audit log is not configured")
		return
	}
	since, ok := s.auditSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be a duration or an RFC3339 time")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := s.cfg.Audit.Recent(r.Context(), audit.Filter{
		Kind:       r.URL.Query().Get("kind"),
		DatasetRef: r.URL.Query().Get("dataset"),
		Since:      since,
		Limit:      limit,
	})
	if err != nil {
		s.log.Error("handlers: failed to list audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list audit events")
		return
	}
	if events == nil {
		events = []workflow.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Events: events})
}

func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeError(w, http.StatusNotImplemented, "audit_disabled", "Audit log is not configured")
		return
	}
	since, ok := s.auditSince(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "since must be a duration or an RFC3339 time")
		return
	}
	counts, err := s.cfg.Audit.CountByKind(r.Context(), since)
	if err != nil {
		s.log.Error("handlers: failed to count audit events", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to count audit events")
		return
	}
	writeJSON(w, http.StatusOK, AuditSummaryResponse{Since: since, Counts: counts})
}
