package audit_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/audit"
	apitesting "github.com/churnguard/lake/api/testing"
	laketesting "github.com/churnguard/lake/utils/pkg/testing"
)

var sharedDB *apitesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	log := laketesting.NewLogger()
	if !testing.Short() {
		db, err := apitesting.NewDB(context.Background(), log, nil)
		if err != nil {
			log.Warn("postgres container unavailable, skipping audit tests", "error", err)
		}
		sharedDB = db
	}
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func testRecorder(t *testing.T) *audit.Recorder {
	t.Helper()
	if sharedDB == nil {
		t.Skip("postgres container unavailable")
	}
	return audit.NewRecorder(laketesting.NewLogger(), apitesting.NewPool(t, sharedDB))
}

func TestLake_Audit_RecordAndRecent(t *testing.T) {
	t.Parallel()
	rec := testRecorder(t)
	ref := "ds-" + uuid.NewString()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rejected := workflow.AuditEvent{
		QueryID:    uuid.New(),
		SessionID:  uuid.New(),
		DatasetRef: ref,
		SnapshotID: uuid.New(),
		Question:   "which customers churned?",
		Stage:      workflow.StageValidating,
		Kind:       "validation_rejected",
		Reason:     "disallowed_import",
		Program:    "__import__('os')",
		Detail:     "validation_rejected(disallowed_import): import of os",
		At:         base,
	}
	failed := workflow.AuditEvent{
		QueryID:    uuid.New(),
		DatasetRef: ref,
		Question:   "how many customers are at risk?",
		Stage:      workflow.StageFallback,
		Kind:       "fallback_exhausted",
		Detail:     "fallback_exhausted: question has no concrete threshold",
		At:         base.Add(time.Minute),
	}
	require.NoError(t, rec.Record(t.Context(), rejected))
	require.NoError(t, rec.Record(t.Context(), failed))

	events, err := rec.Recent(t.Context(), audit.Filter{DatasetRef: ref})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, failed, events[0])
	require.Equal(t, rejected, events[1])
	require.Equal(t, uuid.Nil, events[0].SessionID)

	events, err = rec.Recent(t.Context(), audit.Filter{DatasetRef: ref, Kind: "validation_rejected"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "disallowed_import", events[0].Reason)

	events, err = rec.Recent(t.Context(), audit.Filter{DatasetRef: ref, Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, failed.QueryID, events[0].QueryID)
}

func TestLake_Audit_CountByKind(t *testing.T) {
	t.Parallel()
	rec := testRecorder(t)
	since := time.Now().UTC().Add(100 * 24 * time.Hour)

	for range 3 {
		require.NoError(t, rec.Record(t.Context(), workflow.AuditEvent{
			QueryID:    uuid.New(),
			DatasetRef: "counts",
			Question:   "q",
			Stage:      workflow.StageExecuting,
			Kind:       "execution_timeout",
			At:         since.Add(time.Second),
		}))
	}
	counts, err := rec.CountByKind(t.Context(), since)
	require.NoError(t, err)
	require.Equal(t, int64(3), counts["execution_timeout"])
}
