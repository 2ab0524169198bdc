package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/prompt"
)

const maxQuestionLen = 2000

// CreateSessionRequest starts a conversation over one dataset.
type CreateSessionRequest struct {
	Dataset string `json:"dataset"`
}

// SessionResponse describes a session and its recent turns.
type SessionResponse struct {
	ID        uuid.UUID     `json:"id"`
	Dataset   string        `json:"dataset"`
	CreatedAt time.Time     `json:"created_at"`
	History   []prompt.Turn `json:"history"`
}

// QueryRequest is one question. Dataset overrides the session dataset for
// this question only.
type QueryRequest struct {
	Question string `json:"question"`
	Dataset  string `json:"dataset,omitempty"`
}

// QueryResponse is a successful answer.
type QueryResponse struct {
	Result *executor.Result `json:"result"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "dataset is required")
		return
	}
	_, release, err := s.cfg.Indexer.Registry().Acquire(req.Dataset)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	release()

	sess := s.cfg.Sessions.Create(req.Dataset)
	writeJSON(w, http.StatusCreated, SessionResponse{
		ID:        sess.ID(),
		Dataset:   sess.DatasetRef(),
		CreatedAt: sess.CreatedAt().UTC(),
		History:   []prompt.Turn{},
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid session id")
		return
	}
	sess, err := s.cfg.Sessions.Get(id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	history := sess.History()
	if history == nil {
		history = []prompt.Turn{}
	}
	writeJSON(w, http.StatusOK, SessionResponse{
		ID:        sess.ID(),
		Dataset:   sess.DatasetRef(),
		CreatedAt: sess.CreatedAt().UTC(),
		History:   history,
	})
}

func decodeQuestion(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "question is required")
		return req, false
	}
	if len(req.Question) > maxQuestionLen {
		writeError(w, http.StatusBadRequest, "invalid_request", "question is too long")
		return req, false
	}
	return req, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid session id")
		return
	}
	sess, err := s.cfg.Sessions.Get(id)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	req, ok := decodeQuestion(w, r)
	if !ok {
		return
	}

	res, err := s.cfg.Compiler.CompileAndRun(r.Context(), sess, req.Question, req.Dataset)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res})
}

// handleOneShotQuery answers a question with no session history.
func (s *Server) handleOneShotQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuestion(w, r)
	if !ok {
		return
	}
	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "dataset is required")
		return
	}
	res, err := s.cfg.Compiler.CompileAndRun(r.Context(), nil, req.Question, req.Dataset)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Result: res})
}
