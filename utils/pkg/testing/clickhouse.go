package laketesting

import (
	"testing"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	clickhousetesting "github.com/churnguard/lake/indexer/pkg/clickhouse/testing"
)

// NewStore returns a snapshot store on a fresh, migrated database of db.
// It skips the test when db is nil because no container could be started.
func NewStore(t *testing.T, db *clickhousetesting.DB) *clickhouse.Store {
	t.Helper()
	if db == nil {
		t.Skip("clickhouse container unavailable")
	}
	return clickhouse.NewStore(NewLogger(), clickhousetesting.NewTestClient(t, db))
}
