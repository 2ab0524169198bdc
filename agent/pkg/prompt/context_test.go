package prompt_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/churnguard/lake/agent/pkg/prompt"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

func testCatalog(t *testing.T) *dataset.Catalog {
	t.Helper()
	cat, err := dataset.NewCatalog("ds_test", []dataset.Column{
		{Name: "customerID", Type: dataset.ColumnTypeText},
		{Name: "churn_probability", Type: dataset.ColumnTypeNumeric},
		{Name: "Churned", Type: dataset.ColumnTypeBoolean},
	})
	require.NoError(t, err)
	return cat
}

func samples(n int) [][]any {
	out := make([][]any, n)
	for i := range n {
		out[i] = []any{fmt.Sprintf("C%d", i+1), float64(i) / 10, i%2 == 0}
	}
	return out
}

func turns(n int) []prompt.Turn {
	out := make([]prompt.Turn, n)
	for i := range n {
		out[i] = prompt.Turn{
			Question: fmt.Sprintf("question number %d", i+1),
			Program:  "df.head(1)",
			Outcome:  "1 rows",
		}
	}
	return out
}

func TestLake_Prompt_Build_Defaults(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)

	ctx := prompt.Build("how many churned?", cat, samples(8), turns(5), prompt.Options{})
	require.Equal(t, prompt.DefaultSampleRows, ctx.Samples)
	require.Equal(t, prompt.DefaultHistoryTurns, ctx.Turns)
	require.Equal(t, prompt.System(), ctx.System)

	require.Contains(t, ctx.User, "Table: ds_test")
	require.Contains(t, ctx.User, "- churn_probability (numeric)")
	require.Contains(t, ctx.User, "| C5 |")
	require.NotContains(t, ctx.User, "| C6 |")
	require.NotContains(t, ctx.User, "question number 2")
	require.Contains(t, ctx.User, "question number 3")
	require.Contains(t, ctx.User, "question number 5")
	require.True(t, strings.HasSuffix(ctx.User, "Question: how many churned?\n"))
}

func TestLake_Prompt_Build_Deterministic(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	a := prompt.Build("q", cat, samples(3), turns(2), prompt.Options{Budget: 200})
	b := prompt.Build("q", cat, samples(3), turns(2), prompt.Options{Budget: 200})
	require.Equal(t, a, b)
}

func TestLake_Prompt_Build_DropsOldestHistoryFirst(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	full := prompt.Build("q", cat, samples(5), turns(3), prompt.Options{})

	ctx := prompt.Build("q", cat, samples(5), turns(3), prompt.Options{Budget: len(full.User) - 1})
	require.Equal(t, 2, ctx.Turns)
	require.Equal(t, 5, ctx.Samples)
	require.NotContains(t, ctx.User, "question number 1")
	require.Contains(t, ctx.User, "question number 3")
	require.LessOrEqual(t, len(ctx.User), len(full.User)-1)
}

func TestLake_Prompt_Build_DropsSamplesAfterHistory(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	noHistory := prompt.Build("q", cat, samples(5), nil, prompt.Options{})

	ctx := prompt.Build("q", cat, samples(5), turns(3), prompt.Options{Budget: len(noHistory.User) - 1})
	require.Equal(t, 0, ctx.Turns)
	require.Equal(t, 4, ctx.Samples)
	require.Contains(t, ctx.User, "| C4 |")
	require.NotContains(t, ctx.User, "| C5 |")
	require.NotContains(t, ctx.User, "Previous questions")
}

func TestLake_Prompt_Build_SchemaNeverDropped(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)

	ctx := prompt.Build("which customers churned", cat, samples(5), turns(3), prompt.Options{Budget: 1})
	require.Zero(t, ctx.Turns)
	require.Zero(t, ctx.Samples)
	for _, name := range cat.Names() {
		require.Contains(t, ctx.User, "- "+name+" (")
	}
	require.Contains(t, ctx.User, "Question: which customers churned")
	require.NotContains(t, ctx.User, "Sample rows")
}

func TestLake_Prompt_Build_CellFormatting(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	long := strings.Repeat("x", 60)

	ctx := prompt.Build("q", cat, [][]any{{"a|b", nil, true}, {long, 0.5, false}}, nil, prompt.Options{})
	require.Contains(t, ctx.User, "| a/b |  | true |")
	require.Contains(t, ctx.User, strings.Repeat("x", 40)+"…")
	require.NotContains(t, ctx.User, strings.Repeat("x", 41))
}
