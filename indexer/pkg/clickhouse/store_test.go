package clickhouse_test

import (
	"context"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/clickhouse"
	clickhousetesting "github.com/churnguard/lake/indexer/pkg/clickhouse/testing"
	"github.com/churnguard/lake/indexer/pkg/dataset"
	laketesting "github.com/churnguard/lake/utils/pkg/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	flag.Parse()
	log := laketesting.NewLogger()
	if !testing.Short() {
		db, err := clickhousetesting.NewDB(context.Background(), log, nil)
		if err != nil {
			log.Warn("clickhouse container unavailable, skipping store tests", "error", err)
		}
		sharedDB = db
	}
	code := m.Run()
	if sharedDB != nil {
		sharedDB.Close()
	}
	os.Exit(code)
}

func testStore(t *testing.T) *clickhouse.Store {
	t.Helper()
	return laketesting.NewStore(t, sharedDB)
}

func date(s string) time.Time {
	d, _ := dataset.ParseDate(s)
	return d
}

func churnSnapshot(t *testing.T) *dataset.Snapshot {
	t.Helper()
	snap, err := dataset.NewSnapshot("churn.csv", []dataset.Column{
		{Name: "customerID", Type: dataset.ColumnTypeText},
		{Name: "City", Type: dataset.ColumnTypeText},
		{Name: "MonthlyCharges", Type: dataset.ColumnTypeNumeric},
		{Name: "churn_probability", Type: dataset.ColumnTypeNumeric},
		{Name: "Churned", Type: dataset.ColumnTypeBoolean},
		{Name: "SignupDate", Type: dataset.ColumnTypeDate},
	}, [][]any{
		{"C1", "Austin", 70.0, 0.91, true, date("2024-01-05")},
		{"C2", "Boston", 20.5, 0.12, false, date("2023-11-20")},
		{"C3", "austin", 99.9, 0.85, true, date("2024-03-01")},
		{"C4", nil, 45.0, 0.80, false, nil},
		{"C5", "Chicago", nil, 0.95, true, date("2022-07-14")},
		{"C6", "Boston", 60.0, nil, false, date("2024-02-29")},
	})
	require.NoError(t, err)
	return snap
}

func TestLake_ClickHouse_Store_PublishAndList(t *testing.T) {
	store := testStore(t)
	ctx := t.Context()
	snap := churnSnapshot(t)

	require.NoError(t, store.Publish(ctx, snap))
	require.NoError(t, store.Publish(ctx, snap))

	infos, err := store.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, snap.ID(), infos[0].ID)
	require.Equal(t, snap.Catalog().Table(), infos[0].Table)
	require.Equal(t, uint64(6), infos[0].Rows)
	require.Equal(t, snap.Catalog().Columns(), infos[0].Columns)

	require.NoError(t, store.Drop(ctx, snap))
	infos, err = store.Snapshots(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
}

func TestLake_ClickHouse_Store_RejectsWrites(t *testing.T) {
	store := testStore(t)
	snap := churnSnapshot(t)
	require.NoError(t, store.Publish(t.Context(), snap))

	_, _, err := store.ExecuteSelect(t.Context(), `ALTER TABLE "`+snap.Catalog().Table()+`" DELETE WHERE 1`)
	require.ErrorIs(t, err, executor.ErrNotSelect)
}

func TestLake_ClickHouse_Store_MatchesMemoryBackend(t *testing.T) {
	store := testStore(t)
	snap := churnSnapshot(t)
	require.NoError(t, store.Publish(t.Context(), snap))

	col := func(n string) program.ColumnRef { return program.ColumnRef{Name: n} }
	lit := func(v any) program.Literal { return program.Literal{Value: v} }
	plans := map[string][]program.Step{
		"count over threshold": {
			program.Filter{Pred: program.Compare{Op: program.OpGt, Left: col("churn_probability"), Right: lit(0.8)}},
			program.Aggregate{Func: program.AggCount},
		},
		"sort desc nulls last": {
			program.Sort{Keys: []program.SortKey{{Column: "MonthlyCharges", Desc: true}}},
			program.Project{Columns: []string{"customerID"}},
		},
		"group count": {
			program.GroupAggregate{By: []string{"City"}, Func: program.AggCount},
		},
		"ilike contains": {
			program.Filter{Pred: program.Match{Expr: col("City"), Mode: program.MatchContains, Pattern: "US", CaseInsensitive: true}},
			program.Project{Columns: []string{"customerID"}},
		},
		"median": {
			program.Aggregate{Func: program.AggMedian, Column: "churn_probability"},
		},
	}

	log := laketesting.NewLogger()
	memory := executor.New(log, executor.NewMemoryBackend(), executor.Config{})
	ch := executor.New(log, executor.NewSQLBackend(store, executor.ClickHouseDialect{}), executor.Config{})

	for name, steps := range plans {
		t.Run(name, func(t *testing.T) {
			c := program.NewCandidate(program.KindTabular, name, program.OriginFallback)
			require.NoError(t, c.MarkValidated(&program.Plan{Steps: steps}))

			want, err := memory.Execute(context.Background(), c, snap)
			require.NoError(t, err)
			got, err := ch.Execute(context.Background(), c, snap)
			require.NoError(t, err)

			if want.IsScalar {
				require.InDelta(t, want.Scalar, got.Scalar, 1e-9)
				return
			}
			require.Equal(t, want.Rows, got.Rows)
		})
	}
}
