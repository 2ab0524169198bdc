package safety

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/queryerr"
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

func testValidator() *Validator {
	return NewValidator(DefaultPolicy(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestLake_Safety_Validate_AcceptsTabularPrograms(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		src       string
		canonical string
	}{
		{
			name:      "count over threshold",
			src:       "len(df[df['churn_probability'] > 0.8])",
			canonical: "filter(churn_probability > 0.8) | aggregate(count)",
		},
		{
			name:      "case insensitive contains with projection",
			src:       "df[df.City.str.contains('aus', case=False)][['customerID', 'City']]",
			canonical: "filter(icontains(City, 'aus')) | project(customerID, City)",
		},
		{
			name:      "unique values",
			src:       "df['City'].unique()",
			canonical: "project(City) | distinct()",
		},
		{
			name:      "top n",
			src:       "df.nlargest(3, 'MonthlyCharges')",
			canonical: "sort(MonthlyCharges desc) | limit(3)",
		},
		{
			name:      "group mean",
			src:       "df.groupby('City')['MonthlyCharges'].mean()",
			canonical: "group_aggregate([City], mean, MonthlyCharges) | project(City, MonthlyCharges)",
		},
		{
			name:      "date literal coerced",
			src:       "df[df['SignupDate'] >= '2024-01-01'].shape[0]",
			canonical: "filter(SignupDate >= date '2024-01-01') | aggregate(count)",
		},
		{
			name:      "column case and boolean words",
			src:       "df[df.churned == 'Yes']",
			canonical: "filter(Churned = true)",
		},
		{
			name:      "scalar aggregate",
			src:       "df['MonthlyCharges'].median()",
			canonical: "aggregate(median, MonthlyCharges)",
		},
	}

	v := testValidator()
	cat := testCatalog(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := program.NewCandidate(program.KindTabular, tt.src, program.OriginGenerated)
			require.NoError(t, v.Validate(context.Background(), c, cat))
			require.True(t, c.Executable())
			require.Equal(t, tt.canonical, c.Canonical())
		})
	}
}

func TestLake_Safety_Validate_AcceptsSQL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		src       string
		canonical string
	}{
		{
			name:      "count over threshold",
			src:       "SELECT COUNT(*) FROM churn WHERE churn_probability > 0.8",
			canonical: "filter(churn_probability > 0.8) | aggregate(count)",
		},
		{
			name:      "select star",
			src:       "select * from churn;",
			canonical: "all()",
		},
		{
			name:      "distinct ordered limited",
			src:       "SELECT DISTINCT City FROM churn ORDER BY City LIMIT 10",
			canonical: "sort(City) | project(City) | distinct() | limit(10)",
		},
		{
			name:      "group with having on alias",
			src:       "SELECT City, AVG(MonthlyCharges) AS avg_charge FROM churn GROUP BY City HAVING avg_charge > 50 ORDER BY avg_charge DESC",
			canonical: "group_aggregate([City], mean, MonthlyCharges) | filter(MonthlyCharges > 50) | sort(MonthlyCharges desc)",
		},
		{
			name:      "ilike and between",
			src:       "SELECT customerID, MonthlyCharges FROM churn WHERE City ILIKE '%aus%' AND MonthlyCharges BETWEEN 50 AND 80",
			canonical: "filter((ilike(City, '%aus%')) and ((MonthlyCharges >= 50) and (MonthlyCharges <= 80))) | project(customerID, MonthlyCharges)",
		},
		{
			name:      "denied word inside a string literal",
			src:       "SELECT * FROM churn WHERE City = 'DROP' -- comment",
			canonical: "filter(City = 'DROP')",
		},
		{
			name:      "quoted identifiers and case folding",
			src:       `SELECT COUNT(DISTINCT "city") FROM Churn`,
			canonical: "aggregate(count_distinct, City)",
		},
		{
			name:      "table alias qualifier",
			src:       "SELECT c.City FROM churn AS c WHERE c.MonthlyCharges > 50",
			canonical: "filter(MonthlyCharges > 50) | project(City)",
		},
		{
			name:      "backtick identifier and block comment",
			src:       "SELECT DISTINCT `City` /* cities */ FROM churn",
			canonical: "project(City) | distinct()",
		},
	}

	v := testValidator()
	cat := testCatalog(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := program.NewCandidate(program.KindSQL, tt.src, program.OriginGenerated)
			require.NoError(t, v.Validate(context.Background(), c, cat))
			require.True(t, c.Executable())
			require.Equal(t, tt.canonical, c.Canonical())
		})
	}
}

func TestLake_Safety_Validate_RejectsAdversarialCorpus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		kind   program.Kind
		src    string
		reason program.Reason
	}{
		{"import statement", program.KindTabular, "import os", program.ReasonDisallowedImport},
		{"from import", program.KindTabular, "from subprocess import run", program.ReasonDisallowedImport},
		{"dunder import", program.KindTabular, "__import__('os').system('ls')", program.ReasonDisallowedImport},
		{"module reference", program.KindTabular, "os.system('rm -rf /')", program.ReasonDisallowedImport},
		{"sys modules", program.KindTabular, "sys.modules", program.ReasonDisallowedImport},
		{"eval", program.KindTabular, "eval('1+1')", program.ReasonDisallowedCall},
		{"open file", program.KindTabular, "open('/etc/passwd').read()", program.ReasonDisallowedCall},
		{"getattr", program.KindTabular, "getattr(df, 'City')", program.ReasonDisallowedCall},
		{"write to disk", program.KindTabular, "df.to_csv('/tmp/out.csv')", program.ReasonDisallowedCall},
		{"query string eval", program.KindTabular, "df.query('MonthlyCharges > 1')", program.ReasonDisallowedCall},
		{"assignment", program.KindTabular, "x = 1", program.ReasonDisallowedCall},
		{"f-string", program.KindTabular, `f"{df}"`, program.ReasonDisallowedCall},
		{"regex pattern", program.KindTabular, "df[df.City.str.contains('a.*b')]", program.ReasonDisallowedCall},
		{"bare mask", program.KindTabular, "df.MonthlyCharges > 1", program.ReasonDisallowedCall},
		{"dunder attribute", program.KindTabular, "df.__class__.__bases__", program.ReasonDisallowedAttribute},
		{"private attribute", program.KindTabular, "df._data", program.ReasonDisallowedAttribute},
		{"unknown name", program.KindTabular, "frame.head()", program.ReasonDisallowedAttribute},
		{"unknown column", program.KindTabular, "df['Revenue'].sum()", program.ReasonDisallowedAttribute},
		{"while loop", program.KindTabular, "while True:\n    pass", program.ReasonUnboundedLoop},
		{"for loop", program.KindTabular, "for r in df:\n    r", program.ReasonUnboundedLoop},
		{"comprehension", program.KindTabular, "[x for x in df.City]", program.ReasonUnboundedLoop},
		{"generator", program.KindTabular, "sum(x for x in df.City)", program.ReasonUnboundedLoop},
		{"lambda", program.KindTabular, "(lambda: 1)()", program.ReasonUnboundedLoop},
		{"function definition", program.KindTabular, "def f():\n    return f()", program.ReasonUnboundedLoop},
		{"syntax error", program.KindTabular, "df[df.City == 'x'", program.ReasonSyntaxError},
		{"two statements", program.KindTabular, "df.head()\ndf.head()", program.ReasonSyntaxError},
		{"import after expression", program.KindTabular, "len(df); import os", program.ReasonDisallowedImport},
		{"too deep", program.KindTabular, strings.Repeat("(", 60) + "df" + strings.Repeat(")", 60), program.ReasonSyntaxError},
		{"too large", program.KindTabular, "len(df)" + strings.Repeat(" ", 5000), program.ReasonSyntaxError},

		{"drop table", program.KindSQL, "DROP TABLE churn", program.ReasonDisallowedCall},
		{"delete", program.KindSQL, "DELETE FROM churn WHERE 1 = 1", program.ReasonDisallowedCall},
		{"update", program.KindSQL, "UPDATE churn SET City = 'x'", program.ReasonDisallowedCall},
		{"stacked statements", program.KindSQL, "SELECT * FROM churn; DROP TABLE churn", program.ReasonSyntaxError},
		{"attach", program.KindSQL, "ATTACH DATABASE '/tmp/x.db' AS x", program.ReasonDisallowedImport},
		{"pragma", program.KindSQL, "PRAGMA table_info(churn)", program.ReasonDisallowedAttribute},
		{"recursive cte", program.KindSQL, "WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r) SELECT n FROM r", program.ReasonUnboundedLoop},
		{"catalog table", program.KindSQL, "SELECT name FROM sqlite_master", program.ReasonDisallowedAttribute},
		{"information schema", program.KindSQL, "SELECT * FROM information_schema.tables", program.ReasonDisallowedAttribute},
		{"other table", program.KindSQL, "SELECT * FROM accounts", program.ReasonDisallowedAttribute},
		{"unknown column", program.KindSQL, "SELECT Revenue FROM churn", program.ReasonDisallowedAttribute},
		{"function call", program.KindSQL, "SELECT load_extension('x') FROM churn", program.ReasonDisallowedCall},
		{"subquery", program.KindSQL, "SELECT * FROM churn WHERE City IN (SELECT City FROM churn)", program.ReasonDisallowedCall},
		{"offset", program.KindSQL, "SELECT * FROM churn LIMIT 5 OFFSET 10", program.ReasonDisallowedCall},
		{"join", program.KindSQL, "SELECT * FROM churn JOIN churn ON 1 = 1", program.ReasonDisallowedCall},
		{"unterminated string", program.KindSQL, "SELECT * FROM churn WHERE City = 'x", program.ReasonSyntaxError},
		{"not a select", program.KindSQL, "EXPLAIN SELECT * FROM churn", program.ReasonSyntaxError},
		{"insert", program.KindSQL, "INSERT INTO churn VALUES (1)", program.ReasonDisallowedCall},
		{"union", program.KindSQL, "SELECT City FROM churn UNION SELECT City FROM churn", program.ReasonDisallowedCall},
		{"case expression", program.KindSQL, "SELECT CASE WHEN MonthlyCharges > 1 THEN 1 END FROM churn", program.ReasonDisallowedCall},
		{"string concatenation", program.KindSQL, "SELECT * FROM churn WHERE City || 'x' = 'y'", program.ReasonDisallowedCall},
		{"comma join", program.KindSQL, "SELECT * FROM churn, accounts", program.ReasonDisallowedCall},
		{"derived table", program.KindSQL, "SELECT * FROM (SELECT * FROM churn) AS s", program.ReasonDisallowedCall},
		{"bind parameter", program.KindSQL, "SELECT * FROM churn WHERE City = ?", program.ReasonDisallowedCall},
		{"unknown qualifier", program.KindSQL, "SELECT x.City FROM churn", program.ReasonDisallowedAttribute},

		{"unparseable", program.KindUnparseable, "I could not write a query for that.", program.ReasonSyntaxError},
	}

	v := testValidator()
	cat := testCatalog(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := program.NewCandidate(tt.kind, tt.src, program.OriginGenerated)
			err := v.Validate(context.Background(), c, cat)
			require.Error(t, err)
			require.True(t, queryerr.HasKind(err, queryerr.KindValidationRejected))
			require.Equal(t, program.StatusRejected, c.Status())
			require.Equal(t, tt.reason, c.Reason(), "detail: %s", c.Detail())
			require.False(t, c.Executable())
			require.Nil(t, c.Plan())
		})
	}
}

func TestLake_Safety_Validate_Deterministic(t *testing.T) {
	t.Parallel()

	v := testValidator()
	cat := testCatalog(t)
	srcs := map[program.Kind]string{
		program.KindTabular: "df[(df.MonthlyCharges > 70) & (df.City.isin(['Austin', 'Boston']))].sort_values('MonthlyCharges', ascending=False).head(5)",
		program.KindSQL:     "SELECT * FROM churn WHERE MonthlyCharges > 70 AND City IN ('Austin', 'Boston') ORDER BY MonthlyCharges DESC LIMIT 5",
	}
	for kind, src := range srcs {
		var first string
		for i := 0; i < 20; i++ {
			c := program.NewCandidate(kind, src, program.OriginGenerated)
			require.NoError(t, v.Validate(context.Background(), c, cat))
			if i == 0 {
				first = c.Canonical()
				continue
			}
			require.Equal(t, first, c.Canonical())
		}
	}
}

func TestLake_Safety_Validate_AlreadyChecked(t *testing.T) {
	t.Parallel()

	v := testValidator()
	cat := testCatalog(t)
	c := program.NewCandidate(program.KindSQL, "SELECT * FROM churn", program.OriginGenerated)
	require.NoError(t, v.Validate(context.Background(), c, cat))
	require.ErrorIs(t, v.Validate(context.Background(), c, cat), program.ErrAlreadyChecked)
}

func TestLake_Safety_Policy_Immutable(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	require.Same(t, p, DefaultPolicy())
	require.True(t, p.Allows(OpFilter))
	require.False(t, p.Allows(Operation("network")))

	ops := p.Operations()
	ops[0] = "mutated"
	require.NotEqual(t, "mutated", p.Operations()[0])

	reason, denied := p.SQLVerb("attach")
	require.True(t, denied)
	require.Equal(t, program.ReasonDisallowedImport, reason)
	_, denied = p.SQLVerb("select")
	require.False(t, denied)
	require.True(t, p.StoreInternal("SQLITE_MASTER"))
}

func TestLake_Safety_Validate_ColumnsNamedLikeVerbs(t *testing.T) {
	t.Parallel()

	cat, err := dataset.NewCatalog("ledger", []dataset.Column{
		{Name: "Set", Type: dataset.ColumnTypeText},
		{Name: "Load", Type: dataset.ColumnTypeNumeric},
		{Name: "Merge", Type: dataset.ColumnTypeNumeric},
		{Name: "Call", Type: dataset.ColumnTypeText},
	})
	require.NoError(t, err)
	v := testValidator()

	c := program.NewCandidate(program.KindSQL, "SELECT Set, Call FROM ledger WHERE Load > 1 ORDER BY Merge", program.OriginGenerated)
	require.NoError(t, v.Validate(context.Background(), c, cat))
	require.Equal(t, "filter(Load > 1) | sort(Merge) | project(Set, Call)", c.Canonical())

	c = program.NewCandidate(program.KindSQL, "SET Load = 1", program.OriginGenerated)
	require.Error(t, v.Validate(context.Background(), c, cat))
	require.Equal(t, program.ReasonDisallowedCall, c.Reason(), "detail: %s", c.Detail())
}

func TestLake_Safety_Validate_PolicyAllowList(t *testing.T) {
	t.Parallel()

	cat := testCatalog(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	noSort := NewValidator(DefaultPolicy().Without(OpSort), log)
	require.True(t, DefaultPolicy().Allows(OpSort))

	tests := []struct {
		kind program.Kind
		src  string
	}{
		{program.KindTabular, "df.sort_values('MonthlyCharges')"},
		{program.KindTabular, "df.nlargest(3, 'MonthlyCharges')"},
		{program.KindSQL, "SELECT * FROM churn ORDER BY MonthlyCharges DESC"},
	}
	for _, tt := range tests {
		c := program.NewCandidate(tt.kind, tt.src, program.OriginGenerated)
		require.Error(t, noSort.Validate(context.Background(), c, cat), tt.src)
		require.Equal(t, program.ReasonDisallowedCall, c.Reason())
		require.Contains(t, c.Detail(), "sort")

		c = program.NewCandidate(tt.kind, tt.src, program.OriginGenerated)
		require.NoError(t, testValidator().Validate(context.Background(), c, cat), tt.src)
	}

	c := program.NewCandidate(program.KindTabular, "df[df.City.str.contains('aus')]", program.OriginGenerated)
	require.NoError(t, noSort.Validate(context.Background(), c, cat))
	noMatch := NewValidator(DefaultPolicy().Without(OpStringMatch), log)
	c = program.NewCandidate(program.KindTabular, "df[df.City.str.contains('aus')]", program.OriginGenerated)
	require.Error(t, noMatch.Validate(context.Background(), c, cat))
}

func TestLake_Safety_PlanOperations(t *testing.T) {
	t.Parallel()

	plan := &program.Plan{Steps: []program.Step{
		program.Filter{Pred: program.Logical{
			Op:    program.OpAnd,
			Left:  program.Match{Expr: program.ColumnRef{Name: "City"}, Mode: program.MatchPrefix, Pattern: "A"},
			Right: program.Compare{Op: program.OpGt, Left: program.Arith{Op: program.OpMul, Left: program.ColumnRef{Name: "MonthlyCharges"}, Right: program.Literal{Value: 12.0}}, Right: program.Literal{Value: 500.0}},
		}},
		program.GroupAggregate{By: []string{"City"}, Func: program.AggCount},
		program.Limit{N: 5},
	}}
	require.Equal(t,
		[]Operation{OpFilter, OpComparison, OpStringMatch, OpArithmetic, OpAggregate, OpProject},
		PlanOperations(plan))
}
