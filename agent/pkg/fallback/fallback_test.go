package fallback_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/fallback"
	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func date(s string) any {
	d, ok := dataset.ParseDate(s)
	if !ok {
		panic(s)
	}
	return d
}

func churnSnapshot(t *testing.T) *dataset.Snapshot {
	t.Helper()
	snap, err := dataset.NewSnapshot("churn.csv", []dataset.Column{
		{Name: "customerID", Type: dataset.ColumnTypeText},
		{Name: "City", Type: dataset.ColumnTypeText},
		{Name: "tenure", Type: dataset.ColumnTypeNumeric},
		{Name: "MonthlyCharges", Type: dataset.ColumnTypeNumeric},
		{Name: "churn_probability", Type: dataset.ColumnTypeNumeric},
		{Name: "Churned", Type: dataset.ColumnTypeBoolean},
		{Name: "SignupDate", Type: dataset.ColumnTypeDate},
		{Name: "region", Type: dataset.ColumnTypeText},
	}, [][]any{
		{"C1", "Austin", 12.0, 70.0, 0.91, true, date("2024-01-05"), "north"},
		{"C2", "Boston", 3.0, 20.5, 0.12, false, date("2023-11-20"), "south"},
		{"C3", "austin", 40.0, 99.9, 0.85, true, date("2024-03-01"), "north"},
		{"C4", nil, 7.0, 45.0, 0.80, false, nil, "east"},
		{"C5", "Chicago", 25.0, nil, 0.95, true, date("2022-07-14"), "west"},
		{"C6", "Boston", 60.0, 60.0, nil, false, date("2024-02-29"), "south"},
	})
	require.NoError(t, err)
	return snap
}

func run(t *testing.T, question string) (*executor.Result, fallback.Template) {
	t.Helper()
	snap := churnSnapshot(t)
	c, tmpl, err := fallback.New(testLogger()).Build(question, snap.Catalog())
	require.NoError(t, err, question)
	require.True(t, c.Executable())
	require.Equal(t, program.OriginFallback, c.Origin())

	res, err := executor.New(testLogger(), executor.NewMemoryBackend(), executor.Config{}).Execute(context.Background(), c, snap)
	require.NoError(t, err)
	return res, tmpl
}

func firstColumn(res *executor.Result) []any {
	out := make([]any, len(res.Rows))
	for i, r := range res.Rows {
		out[i] = r[0]
	}
	return out
}

func TestLake_Fallback_CountOverThreshold(t *testing.T) {
	t.Parallel()
	for _, q := range []string{
		"how many customers have churn_probability > 0.8",
		"How many customers have a churn probability above 80%?",
		"count customers where churn_probability is greater than 0.8",
	} {
		res, tmpl := run(t, q)
		require.Equal(t, fallback.TemplateAggregate, tmpl, q)
		require.True(t, res.IsScalar, q)
		require.Equal(t, int64(3), res.Scalar, q)
	}
}

func TestLake_Fallback_Aggregate(t *testing.T) {
	t.Parallel()
	res, tmpl := run(t, "what is the average MonthlyCharges where Churned is true")
	require.Equal(t, fallback.TemplateAggregate, tmpl)
	require.InDelta(t, 84.95, res.Scalar, 1e-9)

	res, _ = run(t, "how many customers have SignupDate after 2024-01-01")
	require.Equal(t, int64(3), res.Scalar)

	res, _ = run(t, "how many customers have tenure < 5 or tenure > 50")
	require.Equal(t, int64(2), res.Scalar)
}

func TestLake_Fallback_Filter(t *testing.T) {
	t.Parallel()
	res, tmpl := run(t, "show customerID and City where tenure >= 25")
	require.Equal(t, fallback.TemplateFilter, tmpl)
	require.Equal(t, []string{"customerID", "City"}, res.ColumnNames())
	require.Equal(t, [][]any{{"C3", "austin"}, {"C5", "Chicago"}, {"C6", "Boston"}}, res.Rows)

	res, _ = run(t, "list customers whose City is austin")
	require.Equal(t, []any{"C1", "C3"}, firstColumn(res))

	res, _ = run(t, "find customers where City is not 'Boston'")
	require.Equal(t, []any{"C1", "C3", "C5"}, firstColumn(res))
}

func TestLake_Fallback_Distinct(t *testing.T) {
	t.Parallel()
	res, tmpl := run(t, "list the unique regions")
	require.Equal(t, fallback.TemplateDistinct, tmpl)
	require.Equal(t, []any{"north", "south", "east", "west"}, firstColumn(res))

	res, _ = run(t, "how many unique regions are there")
	require.Equal(t, int64(4), res.Scalar)
}

func TestLake_Fallback_TopN(t *testing.T) {
	t.Parallel()
	res, tmpl := run(t, "top 2 customers by MonthlyCharges")
	require.Equal(t, fallback.TemplateTopN, tmpl)
	require.Equal(t, []any{"C3", "C1"}, firstColumn(res))

	res, _ = run(t, "which customer has the lowest tenure")
	require.Equal(t, []any{"C2"}, firstColumn(res))

	res, _ = run(t, "3 customers with the highest churn probability")
	require.Equal(t, []any{"C5", "C1", "C3"}, firstColumn(res))
}

func TestLake_Fallback_ColumnResolutionThreshold(t *testing.T) {
	t.Parallel()
	snap := churnSnapshot(t)
	cat := snap.Catalog()

	col, err := fallback.Resolve("Churn Probability", cat)
	require.NoError(t, err)
	require.Equal(t, "churn_probability", col.Name)

	col, err = fallback.Resolve("monthly", cat)
	require.NoError(t, err)
	require.Equal(t, "MonthlyCharges", col.Name)

	// one transposition in six letters: similarity 2/3, accepted
	require.InDelta(t, 2.0/3.0, fallback.Similarity("tenrue", "tenure"), 1e-9)
	col, err = fallback.Resolve("tenrue", cat)
	require.NoError(t, err)
	require.Equal(t, "tenure", col.Name)

	// three substitutions in six letters: similarity 1/2, suggested only
	require.InDelta(t, 0.5, fallback.Similarity("txxxre", "tenure"), 1e-9)
	_, err = fallback.Resolve("txxxre", cat)
	require.True(t, queryerr.HasKind(err, queryerr.KindColumnNotFound))
	var qe *queryerr.Error
	require.ErrorAs(t, err, &qe)
	require.Contains(t, qe.Suggestions, "tenure")
	require.LessOrEqual(t, len(qe.Suggestions), 3)

	res, _ := run(t, "how many customers have tenrue > 12")
	require.Equal(t, int64(3), res.Scalar)

	_, _, err = fallback.New(testLogger()).Build("how many customers have txxxre > 12", cat)
	require.True(t, queryerr.HasKind(err, queryerr.KindColumnNotFound))
}

func TestLake_Fallback_Exhausted(t *testing.T) {
	t.Parallel()
	cat := churnSnapshot(t).Catalog()
	b := fallback.New(testLogger())
	for _, q := range []string{
		"how many customers have high churn probability",
		"show customers likely to churn",
		"which customers are most at-risk",
		"tell me a joke",
		"",
	} {
		c, _, err := b.Build(q, cat)
		require.Nil(t, c, q)
		require.True(t, queryerr.HasKind(err, queryerr.KindFallbackExhausted), "%q: %v", q, err)
	}
}

func TestLake_Fallback_Deterministic(t *testing.T) {
	t.Parallel()
	cat := churnSnapshot(t).Catalog()
	b := fallback.New(testLogger())
	a, _, err := b.Build("top 2 customers by MonthlyCharges where Churned is true", cat)
	require.NoError(t, err)
	c, _, err := b.Build("top 2 customers by MonthlyCharges where Churned is true", cat)
	require.NoError(t, err)
	require.Equal(t, a.Canonical(), c.Canonical())
	require.Equal(t, a.Source(), a.Canonical())
}
