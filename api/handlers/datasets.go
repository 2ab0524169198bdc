package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// DatasetResponse describes the current snapshot of a dataset.
type DatasetResponse struct {
	Ref        string           `json:"ref"`
	SnapshotID uuid.UUID        `json:"snapshot_id"`
	Name       string           `json:"name"`
	Rows       int              `json:"rows"`
	Columns    []dataset.Column `json:"columns"`
	CreatedAt  time.Time        `json:"created_at"`
}

// DatasetListResponse lists published datasets.
type DatasetListResponse struct {
	Datasets []DatasetResponse `json:"datasets"`
}

// UploadSourceRequest publishes a dataset from object storage.
type UploadSourceRequest struct {
	Ref    string `json:"ref"`
	Source string `json:"source"`
}

func describe(ref string, snap *dataset.Snapshot) DatasetResponse {
	return DatasetResponse{
		Ref:        ref,
		SnapshotID: snap.ID(),
		Name:       snap.Name(),
		Rows:       snap.Len(),
		Columns:    snap.Catalog().Columns(),
		CreatedAt:  snap.CreatedAt().UTC(),
	}
}

// handleUploadDataset publishes a new snapshot. A JSON body names an
// object storage source; any other body is read as CSV and named by the
// ref query parameter.
func (s *Server) handleUploadDataset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		ref  string
		snap *dataset.Snapshot
		err  error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req UploadSourceRequest
		if derr := json.NewDecoder(r.Body).Decode(&req); derr != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
		if req.Source == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "source is required")
			return
		}
		ref = req.Ref
		snap, err = s.cfg.Indexer.IngestURI(ctx, ref, req.Source)
	} else {
		ref = r.URL.Query().Get("ref")
		snap, err = s.cfg.Indexer.IngestCSV(ctx, ref, r.Body)
	}
	if err != nil {
		status, code := ingestErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("handlers: failed to ingest dataset", "ref", ref, "error", err)
			writeError(w, status, code, "Failed to publish dataset")
			return
		}
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, describe(ref, snap))
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	reg := s.cfg.Indexer.Registry()
	resp := DatasetListResponse{Datasets: []DatasetResponse{}}
	for _, ref := range reg.Refs() {
		snap, release, err := reg.Acquire(ref)
		if err != nil {
			continue
		}
		resp.Datasets = append(resp.Datasets, describe(ref, snap))
		release()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	snap, release, err := s.cfg.Indexer.Registry().Acquire(ref)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	defer release()
	writeJSON(w, http.StatusOK, describe(ref, snap))
}
