package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/api/metrics"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// ErrNotSelect is returned by stores asked to run anything but a SELECT.
var ErrNotSelect = errors.New("only SELECT statements are allowed")

// CheckSelect reports ErrNotSelect unless stmt is a single SELECT.
func CheckSelect(stmt string) error {
	s := strings.TrimSpace(stmt)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	if strings.Contains(s, ";") {
		return fmt.Errorf("%w: multiple statements", ErrNotSelect)
	}
	fields := strings.Fields(s)
	if len(fields) == 0 || !strings.EqualFold(fields[0], "SELECT") {
		return ErrNotSelect
	}
	return nil
}

// Store runs read-only statements against published snapshot tables.
type Store interface {
	ExecuteSelect(ctx context.Context, statement string, args ...any) ([][]any, []string, error)
}

// Dialect covers the SQL differences between durable stores.
type Dialect interface {
	Name() string
	// Arg converts a literal into a bind argument.
	Arg(v any) any
	// Match renders a text match over expr and returns its pattern argument.
	Match(expr string, m program.Match) (string, any)
	Div(l, r string) string
	Mod(l, r string) string
	// Aggregate renders an aggregate call; an empty col counts rows.
	Aggregate(fn program.AggFunc, col string) (string, error)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteAll(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return strings.Join(out, ", ")
}

// likeEscape escapes LIKE wildcards with a backslash.
func likeEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// SQLiteDialect targets SQLite and libsql. LIKE is ASCII case-insensitive
// there, so case-sensitive matches use GLOB.
type SQLiteDialect struct{}

// SQLiteTimeLayout is how published tables store date columns. It sorts
// lexicographically.
const SQLiteTimeLayout = "2006-01-02T15:04:05.000Z"

func (SQLiteDialect) Name() string { return "sqlite" }

func (SQLiteDialect) Arg(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.UTC().Format(SQLiteTimeLayout)
	}
	return v
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `[*]`, `?`, `[?]`, `[`, `[[]`)
	return r.Replace(s)
}

func likeToGlob(p string) string {
	var sb strings.Builder
	for _, r := range p {
		switch r {
		case '%':
			sb.WriteByte('*')
		case '_':
			sb.WriteByte('?')
		default:
			sb.WriteString(globEscape(string(r)))
		}
	}
	return sb.String()
}

func (SQLiteDialect) Match(expr string, m program.Match) (string, any) {
	if m.CaseInsensitive {
		switch m.Mode {
		case program.MatchContains:
			return "(" + expr + ` LIKE ? ESCAPE '\')`, "%" + likeEscape(m.Pattern) + "%"
		case program.MatchPrefix:
			return "(" + expr + ` LIKE ? ESCAPE '\')`, likeEscape(m.Pattern) + "%"
		case program.MatchSuffix:
			return "(" + expr + ` LIKE ? ESCAPE '\')`, "%" + likeEscape(m.Pattern)
		}
		return "(" + expr + " LIKE ?)", m.Pattern
	}
	switch m.Mode {
	case program.MatchContains:
		return "(" + expr + " GLOB ?)", "*" + globEscape(m.Pattern) + "*"
	case program.MatchPrefix:
		return "(" + expr + " GLOB ?)", globEscape(m.Pattern) + "*"
	case program.MatchSuffix:
		return "(" + expr + " GLOB ?)", "*" + globEscape(m.Pattern)
	}
	return "(" + expr + " GLOB ?)", likeToGlob(m.Pattern)
}

func (SQLiteDialect) Div(l, r string) string {
	return "(CAST(" + l + " AS REAL) / " + r + ")"
}

func (SQLiteDialect) Mod(l, r string) string {
	return "(" + l + " - " + r + " * CAST(CAST(" + l + " AS REAL) / " + r + " AS INTEGER))"
}

func (SQLiteDialect) Aggregate(fn program.AggFunc, col string) (string, error) {
	if col == "" {
		return "COUNT(*)", nil
	}
	c := quoteIdent(col)
	switch fn {
	case program.AggCount:
		return "COUNT(" + c + ")", nil
	case program.AggCountDistinct:
		return "COUNT(DISTINCT " + c + ")", nil
	case program.AggSum:
		return "TOTAL(" + c + ")", nil
	case program.AggMean:
		return "AVG(" + c + ")", nil
	case program.AggMin:
		return "MIN(" + c + ")", nil
	case program.AggMax:
		return "MAX(" + c + ")", nil
	}
	return "", fmt.Errorf("%w: %s is not available in sqlite", program.ErrUnsupported, fn)
}

func (SQLiteDialect) medianByRank() {}

// rankedMedian is implemented by dialects without a median aggregate. The
// translator ranks the values with window functions and averages the middle
// one or two.
type rankedMedian interface {
	medianByRank()
}

// ClickHouseDialect targets ClickHouse. Float division by zero yields
// infinity there, so divisors go through nullIf.
type ClickHouseDialect struct{}

func (ClickHouseDialect) Name() string { return "clickhouse" }

func (ClickHouseDialect) Arg(v any) any {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return v
}

func (ClickHouseDialect) Match(expr string, m program.Match) (string, any) {
	op := " LIKE ?)"
	if m.CaseInsensitive {
		op = " ILIKE ?)"
	}
	switch m.Mode {
	case program.MatchContains:
		return "(" + expr + op, "%" + likeEscape(m.Pattern) + "%"
	case program.MatchPrefix:
		return "(" + expr + op, likeEscape(m.Pattern) + "%"
	case program.MatchSuffix:
		return "(" + expr + op, "%" + likeEscape(m.Pattern)
	}
	return "(" + expr + op, m.Pattern
}

func (ClickHouseDialect) Div(l, r string) string {
	return "(" + l + " / nullIf(" + r + ", 0))"
}

func (ClickHouseDialect) Mod(l, r string) string {
	return "(" + l + " - " + r + " * trunc(" + l + " / nullIf(" + r + ", 0)))"
}

func (ClickHouseDialect) Aggregate(fn program.AggFunc, col string) (string, error) {
	if col == "" {
		return "count()", nil
	}
	c := quoteIdent(col)
	switch fn {
	case program.AggCount:
		return "count(" + c + ")", nil
	case program.AggCountDistinct:
		return "uniqExact(" + c + ")", nil
	case program.AggSum:
		return "coalesce(sum(toFloat64(" + c + ")), 0)", nil
	case program.AggMean:
		return "avg(toFloat64(" + c + "))", nil
	case program.AggMin:
		return "min(" + c + ")", nil
	case program.AggMax:
		return "max(" + c + ")", nil
	case program.AggMedian:
		return "quantileExactInclusive(0.5)(toFloat64(" + c + "))", nil
	}
	return "", fmt.Errorf("%w: aggregate %s", program.ErrUnsupported, fn)
}

// translator renders a bound plan as one nested SELECT. Every stage carries
// an ordinal column so row order survives the nesting: sorts renumber it,
// limits and the final projection order by it.
type translator struct {
	d    Dialect
	args []any
	n    int
}

func (t *translator) relation(stmt string) string {
	t.n++
	return "(" + stmt + ") AS t" + strconv.Itoa(t.n)
}

func (t *translator) ordinal() string {
	return "_r" + strconv.Itoa(t.n+1)
}

// Translate renders plan against table. Row results are capped at
// limit+1 rows so callers can detect truncation.
func Translate(d Dialect, table string, plan *program.Plan, cat *dataset.Catalog, limit int) (string, []any, error) {
	t := &translator{d: d}
	cols := cat.Names()
	ord := dataset.RowColumn
	rel := quoteIdent(table)

	for _, step := range plan.Steps {
		switch s := step.(type) {
		case program.Filter:
			pred, err := t.expr(s.Pred)
			if err != nil {
				return "", nil, err
			}
			rel = t.relation(fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s", quoteAll(cols), ord, rel, pred))
		case program.Project:
			cols = s.Columns
			rel = t.relation(fmt.Sprintf("SELECT %s, %s FROM %s", quoteAll(cols), ord, rel))
		case program.Distinct:
			keys := s.Columns
			if len(keys) == 0 {
				keys = cols
			}
			rel = t.firstOf(cols, keys, ord, rel)
		case program.Sort:
			terms := make([]string, 0, len(s.Keys)+1)
			for _, k := range s.Keys {
				dir := " ASC"
				if k.Desc {
					dir = " DESC"
				}
				terms = append(terms, quoteIdent(k.Column)+dir+" NULLS LAST")
			}
			terms = append(terms, ord)
			next := t.ordinal()
			rel = t.relation(fmt.Sprintf("SELECT %s, ROW_NUMBER() OVER (ORDER BY %s) AS %s FROM %s",
				quoteAll(cols), strings.Join(terms, ", "), next, rel))
			ord = next
		case program.Limit:
			rel = t.relation(fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s LIMIT %d", quoteAll(cols), ord, rel, ord, s.N))
		case program.Aggregate:
			agg, from, err := t.aggregate(s.Func, s.Column, nil, rel)
			if err != nil {
				return "", nil, err
			}
			return fmt.Sprintf("SELECT %s AS _agg FROM %s LIMIT 1", agg, from), t.args, nil
		case program.GroupAggregate:
			agg, from, err := t.aggregate(s.Func, s.Column, s.By, rel)
			if err != nil {
				return "", nil, err
			}
			notNull := make([]string, len(s.By))
			for i, b := range s.By {
				notNull[i] = quoteIdent(b) + " IS NOT NULL"
			}
			inner := fmt.Sprintf("SELECT %s, %s AS _agg FROM %s WHERE %s GROUP BY %s",
				quoteAll(s.By), agg, from, strings.Join(notNull, " AND "), quoteAll(s.By))
			next := t.ordinal()
			out := s.OutputName()
			rel = t.relation(fmt.Sprintf("SELECT %s, _agg AS %s, ROW_NUMBER() OVER (ORDER BY %s) AS %s FROM %s",
				quoteAll(s.By), quoteIdent(out), quoteAll(s.By), next, t.relation(inner)))
			cols = append(append([]string(nil), s.By...), out)
			ord = next
		default:
			return "", nil, fmt.Errorf("%w: step %T", program.ErrUnsupported, step)
		}
	}

	// Row results are always deduplicated on the output columns.
	rel = t.firstOf(cols, cols, ord, rel)
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s LIMIT %d", quoteAll(cols), ord, rel, ord, limit+1)
	return stmt, t.args, nil
}

// firstOf keeps the first row by ordinal for each distinct value of keys.
func (t *translator) firstOf(cols, keys []string, ord, rel string) string {
	inner := fmt.Sprintf("SELECT %s, %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s) AS _rn FROM %s",
		quoteAll(cols), ord, quoteAll(keys), ord, rel)
	return t.relation(fmt.Sprintf("SELECT %s, %s FROM %s WHERE _rn = 1", quoteAll(cols), ord, t.relation(inner)))
}

// aggregate renders fn over col and the relation it reads from. by lists
// the group columns, if any.
func (t *translator) aggregate(fn program.AggFunc, col string, by []string, rel string) (string, string, error) {
	if _, ok := t.d.(rankedMedian); !ok || fn != program.AggMedian || col == "" {
		agg, err := t.d.Aggregate(fn, col)
		return agg, rel, err
	}
	c := quoteIdent(col)
	part, keys := "", ""
	if len(by) > 0 {
		part = "PARTITION BY " + quoteAll(by)
		keys = quoteAll(by) + ", "
	}
	// Nulls rank last so the first _mn rows hold the values.
	ranked := fmt.Sprintf("SELECT %s%s AS _mv, ROW_NUMBER() OVER (%s ORDER BY %s IS NULL, %s) AS _mi, COUNT(%s) OVER (%s) AS _mn FROM %s",
		keys, c, part, c, c, c, part, rel)
	return "AVG(CASE WHEN _mi IN ((_mn + 1) / 2, (_mn + 2) / 2) THEN _mv END)", t.relation(ranked), nil
}

func (t *translator) bind(v any) string {
	if v == nil {
		return "NULL"
	}
	t.args = append(t.args, t.d.Arg(v))
	return "?"
}

var sqlArith = map[program.ArithOp]string{
	program.OpAdd: "+", program.OpSub: "-", program.OpMul: "*",
}

func (t *translator) expr(e program.Expr) (string, error) {
	switch x := e.(type) {
	case program.ColumnRef:
		return quoteIdent(x.Name), nil
	case program.Literal:
		return t.bind(x.Value), nil
	case program.Arith:
		l, r, err := t.pair(x.Left, x.Right)
		if err != nil {
			return "", err
		}
		switch x.Op {
		case program.OpDiv:
			return t.d.Div(l, r), nil
		case program.OpMod:
			return t.d.Mod(l, r), nil
		}
		op, ok := sqlArith[x.Op]
		if !ok {
			return "", fmt.Errorf("%w: operator %q", program.ErrUnsupported, x.Op)
		}
		return "(" + l + " " + op + " " + r + ")", nil
	case program.Compare:
		l, r, err := t.pair(x.Left, x.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " " + string(x.Op) + " " + r + ")", nil
	case program.Logical:
		l, r, err := t.pair(x.Left, x.Right)
		if err != nil {
			return "", err
		}
		return "(" + l + " " + strings.ToUpper(string(x.Op)) + " " + r + ")", nil
	case program.Not:
		inner, err := t.expr(x.Expr)
		if err != nil {
			return "", err
		}
		return "(NOT " + inner + ")", nil
	case program.Match:
		inner, err := t.expr(x.Expr)
		if err != nil {
			return "", err
		}
		sql, arg := t.d.Match(inner, x)
		t.args = append(t.args, arg)
		return sql, nil
	case program.In:
		inner, err := t.expr(x.Expr)
		if err != nil {
			return "", err
		}
		vals := make([]string, len(x.Values))
		for i, v := range x.Values {
			vals[i] = t.bind(v.Value)
		}
		op := " IN ("
		if x.Negate {
			op = " NOT IN ("
		}
		return "(" + inner + op + strings.Join(vals, ", ") + "))", nil
	case program.IsNull:
		inner, err := t.expr(x.Expr)
		if err != nil {
			return "", err
		}
		if x.Negate {
			return "(" + inner + " IS NOT NULL)", nil
		}
		return "(" + inner + " IS NULL)", nil
	}
	return "", fmt.Errorf("%w: expression %T", program.ErrUnsupported, e)
}

func (t *translator) pair(left, right program.Expr) (string, string, error) {
	l, err := t.expr(left)
	if err != nil {
		return "", "", err
	}
	r, err := t.expr(right)
	if err != nil {
		return "", "", err
	}
	return l, r, nil
}

// SQLBackend runs plans on a durable store by translating them to SQL.
type SQLBackend struct {
	store   Store
	dialect Dialect
}

func NewSQLBackend(store Store, dialect Dialect) *SQLBackend {
	return &SQLBackend{store: store, dialect: dialect}
}

func (b *SQLBackend) Name() string { return b.dialect.Name() }

func (b *SQLBackend) Run(ctx context.Context, job Job) (*Frame, error) {
	cat := job.Snapshot.Catalog()
	stmt, args, err := Translate(b.dialect, cat.Table(), job.Plan, cat, job.MaxRows)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	rows, _, err := b.store.ExecuteSelect(ctx, stmt, args...)
	metrics.RecordStoreQuery(b.Name(), time.Since(start), err)
	if err != nil {
		return nil, err
	}

	if job.Plan.Scalar() {
		var v any
		if len(rows) > 0 && len(rows[0]) > 0 {
			v = normalize(job.Columns[0].Type, rows[0][0])
		}
		return &Frame{Columns: job.Columns, Scalar: v, IsScalar: true}, nil
	}

	out := &Frame{Columns: job.Columns, Rows: make([][]any, 0, len(rows))}
	for _, row := range rows {
		if len(row) < len(job.Columns) {
			return nil, fmt.Errorf("store returned %d columns, want %d", len(row), len(job.Columns))
		}
		r := make([]any, len(job.Columns))
		for i, c := range job.Columns {
			r[i] = normalize(c.Type, row[i])
		}
		out.Rows = append(out.Rows, r)
	}
	if job.MaxRows > 0 && len(out.Rows) > job.MaxRows {
		out.Rows = out.Rows[:job.MaxRows]
		out.Truncated = true
	}
	return out, nil
}
