package program

import (
	"testing"
	"time"

	"github.com/churnguard/lake/indexer/pkg/dataset"
	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *dataset.Catalog {
	t.Helper()
	cat, err := dataset.NewCatalog("churn", []dataset.Column{
		{Name: "customerID", Type: dataset.ColumnTypeText},
		{Name: "City", Type: dataset.ColumnTypeText},
		{Name: "MonthlyCharges", Type: dataset.ColumnTypeNumeric},
		{Name: "churn_probability", Type: dataset.ColumnTypeNumeric},
		{Name: "Churned", Type: dataset.ColumnTypeBoolean},
		{Name: "SignupDate", Type: dataset.ColumnTypeDate},
	})
	require.NoError(t, err)
	return cat
}

func TestLake_Program_Candidate_Lifecycle(t *testing.T) {
	t.Parallel()

	c := NewCandidate(KindTabular, "len(df)", OriginGenerated)
	require.Equal(t, StatusUnchecked, c.Status())
	require.False(t, c.Executable())
	require.Empty(t, c.Canonical())

	plan := &Plan{Steps: []Step{Aggregate{Func: AggCount}}}
	require.NoError(t, c.MarkValidated(plan))
	require.True(t, c.Executable())
	require.Equal(t, "aggregate(count)", c.Canonical())

	require.ErrorIs(t, c.MarkRejected(ReasonSyntaxError, "late"), ErrAlreadyChecked)
	require.ErrorIs(t, c.MarkValidated(plan), ErrAlreadyChecked)

	r := NewCandidate(KindSQL, "DROP TABLE x", OriginGenerated)
	require.NoError(t, r.MarkRejected(ReasonDisallowedCall, "DROP"))
	require.False(t, r.Executable())
	require.Nil(t, r.Plan())
	require.Equal(t, ReasonDisallowedCall, r.Reason())

	require.Error(t, NewCandidate(KindSQL, "", OriginGenerated).MarkValidated(nil))
}

func TestLake_Program_Plan_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		plan *Plan
		want string
	}{
		{"empty", &Plan{}, "all()"},
		{
			"count filter",
			&Plan{Steps: []Step{
				Filter{Pred: Compare{Op: OpGt, Left: ColumnRef{Name: "churn_probability"}, Right: Literal{Value: 0.8}}},
				Aggregate{Func: AggCount},
			}},
			"filter(churn_probability > 0.8) | aggregate(count)",
		},
		{
			"top n",
			&Plan{Steps: []Step{
				Sort{Keys: []SortKey{{Column: "MonthlyCharges", Desc: true}}},
				Limit{N: 5},
			}},
			"sort(MonthlyCharges desc) | limit(5)",
		},
		{
			"logical and match",
			&Plan{Steps: []Step{
				Filter{Pred: Logical{
					Op:    OpAnd,
					Left:  Match{Expr: ColumnRef{Name: "City"}, Mode: MatchContains, Pattern: "aus", CaseInsensitive: true},
					Right: Not{Expr: IsNull{Expr: ColumnRef{Name: "Monthly Charges"}}},
				}},
				Project{Columns: []string{"City"}},
				Distinct{},
			}},
			`filter((icontains(City, 'aus')) and not ("Monthly Charges" is null)) | project(City) | distinct()`,
		},
		{
			"group",
			&Plan{Steps: []Step{GroupAggregate{By: []string{"City"}, Func: AggMean, Column: "MonthlyCharges"}}},
			"group_aggregate([City], mean, MonthlyCharges)",
		},
		{
			"literals",
			&Plan{Steps: []Step{Filter{Pred: In{
				Expr:   ColumnRef{Name: "City"},
				Values: []Literal{{Value: "O'Hare"}, {Value: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}, {Value: nil}},
				Negate: true,
			}}}},
			"filter(City not in ('O''Hare', date '2024-01-02', null))",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, tt.plan.String())
		})
	}
}

func TestLake_Program_Bind_CanonicalizesAndCoerces(t *testing.T) {
	t.Parallel()

	cat := testCatalog(t)
	plan := &Plan{Steps: []Step{
		Filter{Pred: Logical{
			Op:    OpAnd,
			Left:  Compare{Op: OpGe, Left: ColumnRef{Name: "signupdate"}, Right: Literal{Value: "2023-01-01"}},
			Right: Compare{Op: OpEq, Left: ColumnRef{Name: "Churned"}, Right: Literal{Value: "Yes"}},
		}},
		GroupAggregate{By: []string{"city"}, Func: AggMean, Column: "monthlycharges"},
		Sort{Keys: []SortKey{{Column: "MonthlyCharges", Desc: true}}},
	}}

	bound, out, err := Bind(plan, cat)
	require.NoError(t, err)
	require.Equal(t,
		"filter((SignupDate >= date '2023-01-01') and (Churned = true)) | group_aggregate([City], mean, MonthlyCharges) | sort(MonthlyCharges desc)",
		bound.String())
	require.Equal(t, []dataset.Column{
		{Name: "City", Type: dataset.ColumnTypeText},
		{Name: "MonthlyCharges", Type: dataset.ColumnTypeNumeric},
	}, out)
	// the input plan is untouched
	require.Equal(t, "signupdate", plan.Steps[0].(Filter).Pred.(Logical).Left.(Compare).Left.(ColumnRef).Name)
}

func TestLake_Program_Bind_Errors(t *testing.T) {
	t.Parallel()

	cat := testCatalog(t)
	tests := []struct {
		name string
		plan *Plan
		want error
	}{
		{"unknown column", &Plan{Steps: []Step{Project{Columns: []string{"Revenue"}}}}, ErrUnknownColumn},
		{"column projected away", &Plan{Steps: []Step{
			Project{Columns: []string{"City"}},
			Sort{Keys: []SortKey{{Column: "MonthlyCharges"}}},
		}}, ErrUnknownColumn},
		{"mean of text", &Plan{Steps: []Step{Aggregate{Func: AggMean, Column: "City"}}}, ErrUnsupported},
		{"step after scalar", &Plan{Steps: []Step{Aggregate{Func: AggCount}, Limit{N: 1}}}, ErrUnsupported},
		{"text vs number", &Plan{Steps: []Step{Filter{Pred: Compare{Op: OpGt, Left: ColumnRef{Name: "City"}, Right: Literal{Value: 1.0}}}}}, ErrUnsupported},
		{"non boolean filter", &Plan{Steps: []Step{Filter{Pred: ColumnRef{Name: "City"}}}}, ErrUnsupported},
		{"match on number", &Plan{Steps: []Step{Filter{Pred: Match{Expr: ColumnRef{Name: "MonthlyCharges"}, Mode: MatchPrefix, Pattern: "1"}}}}, ErrUnsupported},
		{"negative limit", &Plan{Steps: []Step{Limit{N: -1}}}, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Bind(tt.plan, cat)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLake_Program_Columns(t *testing.T) {
	t.Parallel()

	e := Logical{
		Op:    OpOr,
		Left:  Compare{Op: OpGt, Left: ColumnRef{Name: "a"}, Right: ColumnRef{Name: "b"}},
		Right: Compare{Op: OpLt, Left: Arith{Op: OpAdd, Left: ColumnRef{Name: "a"}, Right: Literal{Value: 1.0}}, Right: ColumnRef{Name: "c"}},
	}
	require.Equal(t, []string{"a", "b", "c"}, Columns(e))
}
