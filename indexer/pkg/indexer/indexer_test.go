package indexer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/churnguard/lake/indexer/pkg/indexer"
)

const churnCSV = `customerID, City ,MonthlyCharges,churn_probability
C1,Austin,70,0.91
C2,Boston,20.5,0.12
C3,austin,,0.85
`

type fakeStore struct {
	mu        sync.Mutex
	published []uuid.UUID
	dropped   []uuid.UUID
	failNext  bool
}

func (s *fakeStore) Publish(_ context.Context, snap *dataset.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("disk full")
	}
	s.published = append(s.published, snap.ID())
	return nil
}

func (s *fakeStore) Drop(_ context.Context, snap *dataset.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, snap.ID())
	return nil
}

type fakeSource struct {
	uri string
}

func (s *fakeSource) Load(_ context.Context, uri string) (*dataset.Snapshot, error) {
	s.uri = uri
	return dataset.LoadCSV(strings.NewReader(churnCSV), "churn.csv")
}

func newIndexer(t *testing.T, store indexer.Store, src indexer.Source, maxBytes int64) *indexer.Indexer {
	t.Helper()
	cfg := indexer.Config{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry:       dataset.NewRegistry(),
		MaxUploadBytes: maxBytes,
	}
	if store != nil {
		cfg.Store = store
	}
	if src != nil {
		cfg.Objects = src
	}
	x, err := indexer.New(cfg)
	require.NoError(t, err)
	return x
}

func TestLake_Indexer_Config_Validate(t *testing.T) {
	t.Parallel()

	_, err := indexer.New(indexer.Config{Registry: dataset.NewRegistry()})
	require.ErrorContains(t, err, "logger is required")

	_, err = indexer.New(indexer.Config{Logger: slog.Default()})
	require.ErrorContains(t, err, "registry is required")
}

func TestLake_Indexer_IngestCSV_PublishesToRegistry(t *testing.T) {
	t.Parallel()

	x := newIndexer(t, nil, nil, 0)
	snap, err := x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.NoError(t, err)
	require.Equal(t, 3, snap.Len())
	require.Equal(t, []string{"customerID", "City", "MonthlyCharges", "churn_probability"}, snap.Catalog().Names())

	got, release, err := x.Registry().Acquire("churn")
	require.NoError(t, err)
	defer release()
	require.Equal(t, snap.ID(), got.ID())
}

func TestLake_Indexer_IngestCSV_DropsSupersededSnapshot(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	x := newIndexer(t, store, nil, 0)

	first, err := x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.NoError(t, err)
	second, err := x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.NoError(t, err)

	require.Equal(t, []uuid.UUID{first.ID(), second.ID()}, store.published)
	require.Equal(t, []uuid.UUID{first.ID()}, store.dropped)
}

func TestLake_Indexer_IngestCSV_StoreFailureKeepsPrevious(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	x := newIndexer(t, store, nil, 0)
	first, err := x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.NoError(t, err)

	store.failNext = true
	_, err = x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.ErrorContains(t, err, "disk full")

	got, release, err := x.Registry().Acquire("churn")
	require.NoError(t, err)
	defer release()
	require.Equal(t, first.ID(), got.ID())
	require.Empty(t, store.dropped)
}

func TestLake_Indexer_IngestCSV_Rejects(t *testing.T) {
	t.Parallel()

	x := newIndexer(t, nil, nil, 16)

	_, err := x.IngestCSV(t.Context(), "../etc", strings.NewReader(churnCSV))
	require.ErrorIs(t, err, indexer.ErrInvalidRef)

	_, err = x.IngestCSV(t.Context(), "churn", strings.NewReader(churnCSV))
	require.ErrorIs(t, err, indexer.ErrUploadTooLarge)

	_, err = x.IngestCSV(t.Context(), "empty", strings.NewReader(""))
	require.ErrorIs(t, err, dataset.ErrInvalidSchema)

	require.Empty(t, x.Registry().Refs())
}

func TestLake_Indexer_IngestURI(t *testing.T) {
	t.Parallel()

	x := newIndexer(t, nil, nil, 0)
	_, err := x.IngestURI(t.Context(), "churn", "s3://bucket/churn.csv")
	require.ErrorIs(t, err, indexer.ErrSourceDisabled)

	src := &fakeSource{}
	x = newIndexer(t, nil, src, 0)
	snap, err := x.IngestURI(t.Context(), "churn", "s3://bucket/churn.csv")
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/churn.csv", src.uri)
	require.Equal(t, 3, snap.Len())
	require.Equal(t, []string{"churn"}, x.Registry().Refs())
}

func TestLake_Indexer_ValidRef(t *testing.T) {
	t.Parallel()

	for ref, want := range map[string]bool{
		"churn":         true,
		"churn_2024.v1": true,
		"":              false,
		"-churn":        false,
		"a/b":           false,
		"churn data":    false,
	} {
		require.Equal(t, want, indexer.ValidRef(ref), ref)
	}
}
