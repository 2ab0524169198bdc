package handlers_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/handlers"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/indexer"
)

const churnCSV = `customerID,City,MonthlyCharges,churn_probability
C1,Austin,70,0.91
C2,Boston,20.5,0.12
C3,austin,99.9,0.85
C4,Denver,45,0.80
C5,Chicago,55,0.95
`

func newServer(t *testing.T) *handlers.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClock()

	reg := dataset.NewRegistry()
	x, err := indexer.New(indexer.Config{Logger: log, Registry: reg})
	require.NoError(t, err)

	p, err := workflow.New(workflow.Config{
		Logger:   log,
		Clock:    clock,
		Registry: reg,
		Executor: executor.New(log, executor.NewMemoryBackend(), executor.Config{}),
	})
	require.NoError(t, err)

	sessions, err := session.NewStore(session.StoreConfig{Logger: log, Clock: clock})
	require.NoError(t, err)

	srv, err := handlers.New(handlers.Config{
		Logger:   log,
		Clock:    clock,
		Compiler: p,
		Sessions: sessions,
		Indexer:  x,
		Version:  handlers.BuildVersion{Version: "1.2.3", Commit: "abc"},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv http.Handler, method, path, contentType string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

func upload(t *testing.T, srv http.Handler) handlers.DatasetResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/datasets?ref=churn", "text/csv", churnCSV)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[handlers.DatasetResponse](t, rec)
}

func createSession(t *testing.T, srv http.Handler) handlers.SessionResponse {
	t.Helper()
	rec := do(t, srv, http.MethodPost, "/api/sessions", "application/json", `{"dataset":"churn"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[handlers.SessionResponse](t, rec)
}

func TestLake_Handlers_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := handlers.New(handlers.Config{})
	require.ErrorContains(t, err, "logger is required")
	_, err = handlers.New(handlers.Config{Logger: slog.Default()})
	require.ErrorContains(t, err, "compiler is required")
}

func TestLake_Handlers_Datasets(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	ds := upload(t, srv)
	require.Equal(t, "churn", ds.Ref)
	require.Equal(t, 5, ds.Rows)
	require.Len(t, ds.Columns, 4)
	require.NotEqual(t, uuid.Nil, ds.SnapshotID)

	rec := do(t, srv, http.MethodGet, "/api/datasets", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[handlers.DatasetListResponse](t, rec)
	require.Len(t, list.Datasets, 1)
	require.Equal(t, ds.SnapshotID, list.Datasets[0].SnapshotID)

	rec = do(t, srv, http.MethodGet, "/api/datasets/churn/schema", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decode[handlers.DatasetResponse](t, rec)
	require.Equal(t, dataset.Column{Name: "churn_probability", Type: dataset.ColumnTypeNumeric}, schema.Columns[3])

	rec = do(t, srv, http.MethodGet, "/api/datasets/missing/schema", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "dataset_not_found", decode[handlers.ErrorResponse](t, rec).Error)
}

func TestLake_Handlers_UploadRejects(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	rec := do(t, srv, http.MethodPost, "/api/datasets?ref=a/b", "text/csv", churnCSV)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid_dataset", decode[handlers.ErrorResponse](t, rec).Error)

	rec = do(t, srv, http.MethodPost, "/api/datasets?ref=empty", "text/csv", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/datasets", "application/json", `{"ref":"churn","source":"s3://bucket/churn.csv"}`)
	require.Equal(t, http.StatusNotImplemented, rec.Code)
	require.Equal(t, "source_disabled", decode[handlers.ErrorResponse](t, rec).Error)

	rec = do(t, srv, http.MethodPost, "/api/datasets", "application/json", `{"ref":"churn"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLake_Handlers_SessionQuery(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	upload(t, srv)
	sess := createSession(t, srv)
	require.Equal(t, "churn", sess.Dataset)
	require.Empty(t, sess.History)

	rec := do(t, srv, http.MethodPost, "/api/sessions/"+sess.ID.String()+"/query", "application/json",
		`{"question":"how many customers have churn_probability > 0.8"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[handlers.QueryResponse](t, rec)
	require.True(t, resp.Result.IsScalar)
	require.EqualValues(t, 3, resp.Result.Scalar)
	require.Equal(t, "aggregate", resp.Result.Template)
	require.Equal(t, "The count is 3.", resp.Result.Synopsis)

	rec = do(t, srv, http.MethodGet, "/api/sessions/"+sess.ID.String(), "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[handlers.SessionResponse](t, rec)
	require.Len(t, got.History, 1)
	require.Equal(t, "scalar 3", got.History[0].Outcome)
}

func TestLake_Handlers_QueryErrors(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	upload(t, srv)
	sess := createSession(t, srv)
	path := "/api/sessions/" + sess.ID.String() + "/query"

	rec := do(t, srv, http.MethodPost, path, "application/json", `{"question":"which customers are likely to churn?"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[handlers.ErrorResponse](t, rec)
	require.Equal(t, "fallback_exhausted", body.Error)
	require.True(t, strings.HasPrefix(body.Message, "Sorry"), body.Message)

	rec = do(t, srv, http.MethodPost, path, "application/json", `{"question":"how many customers have revenue > 50"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "column_not_found", decode[handlers.ErrorResponse](t, rec).Error)

	rec = do(t, srv, http.MethodPost, path, "application/json", `{"question":"   "}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sessions/"+uuid.NewString()+"/query", "application/json", `{"question":"how many customers"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "session_not_found", decode[handlers.ErrorResponse](t, rec).Error)

	rec = do(t, srv, http.MethodPost, "/api/sessions/not-a-uuid/query", "application/json", `{"question":"how many customers"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/sessions", "application/json", `{"dataset":"missing"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLake_Handlers_OneShotQuery(t *testing.T) {
	t.Parallel()
	srv := newServer(t)
	upload(t, srv)

	rec := do(t, srv, http.MethodPost, "/api/query", "application/json",
		`{"question":"show customers where MonthlyCharges > 65","dataset":"churn"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[handlers.QueryResponse](t, rec)
	require.Equal(t, 2, resp.Result.Total)

	rec = do(t, srv, http.MethodPost, "/api/query", "application/json", `{"question":"how many customers"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLake_Handlers_Ambient(t *testing.T) {
	t.Parallel()
	srv := newServer(t)

	rec := do(t, srv, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/version", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, handlers.BuildVersion{Version: "1.2.3", Commit: "abc"}, decode[handlers.BuildVersion](t, rec))

	rec = do(t, srv, http.MethodGet, "/api/audit", "", "")
	require.Equal(t, http.StatusNotImplemented, rec.Code)

	rec = do(t, srv, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "churnguard_lake_api_http_requests_total")
}
