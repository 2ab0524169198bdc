package admin

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

func TestLake_Admin_Confirm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"yes\n", true},
		{"  YES \n", true},
		{"yes", true},
		{"y\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := confirm(strings.NewReader(tt.input), &out)
		require.NoError(t, err)
		require.Equal(t, tt.want, got, "input %q", tt.input)
		require.Contains(t, out.String(), "Type 'yes' to confirm")
	}
}

type stubLister struct {
	infos []clickhouse.SnapshotInfo
	err   error
}

func (s stubLister) Snapshots(context.Context) ([]clickhouse.SnapshotInfo, error) {
	return s.infos, s.err
}

func TestLake_Admin_ListSnapshots(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, ListSnapshots(t.Context(), stubLister{}, &out))
	require.Equal(t, "No published snapshots\n", out.String())

	out.Reset()
	info := clickhouse.SnapshotInfo{
		ID:    uuid.New(),
		Name:  "churn.csv",
		Table: "ds_0123",
		Rows:  6,
		Columns: []dataset.Column{
			{Name: "customerID", Type: dataset.ColumnTypeText},
			{Name: "churn_probability", Type: dataset.ColumnTypeNumeric},
		},
		PublishedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ListSnapshots(t.Context(), stubLister{infos: []clickhouse.SnapshotInfo{info}}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "NAME"))
	require.Contains(t, lines[1], "customerID:text,churn_probability:numeric")
	require.Contains(t, lines[1], "2024-03-01T12:00:00Z")

	err := ListSnapshots(t.Context(), stubLister{err: errors.New("boom")}, &out)
	require.EqualError(t, err, "boom")
}
