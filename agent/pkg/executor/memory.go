package executor

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// checkEvery is how many rows are processed between context checks.
const checkEvery = 4096

// MemoryBackend evaluates plans directly over snapshot rows. The only
// binding a plan can reach is the snapshot; there is no dynamic evaluation.
type MemoryBackend struct{}

func NewMemoryBackend() *MemoryBackend { return &MemoryBackend{} }

func (*MemoryBackend) Name() string { return "memory" }

// Run evaluates the plan in a separate goroutine so a timeout returns
// promptly even inside a sort. The goroutine stops at its next context
// check.
func (b *MemoryBackend) Run(ctx context.Context, job Job) (*Frame, error) {
	type outcome struct {
		frame *Frame
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		f, err := b.evaluate(ctx, job)
		done <- outcome{frame: f, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		return o.frame, o.err
	}
}

type memFrame struct {
	cols []dataset.Column
	rows [][]any
}

func (f *memFrame) index(name string) (int, error) {
	for i, c := range f.cols {
		if c.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", program.ErrUnknownColumn, name)
}

func (b *MemoryBackend) evaluate(ctx context.Context, job Job) (*Frame, error) {
	snap := job.Snapshot
	f := &memFrame{cols: snap.Catalog().Columns(), rows: snap.Rows()}
	shared := true // rows still alias the snapshot

	for _, step := range job.Plan.Steps {
		var err error
		switch s := step.(type) {
		case program.Filter:
			err = f.filter(ctx, s)
			shared = false
		case program.Project:
			err = f.project(ctx, s)
			shared = false
		case program.Distinct:
			err = f.distinct(ctx, s)
			shared = false
		case program.Sort:
			if shared {
				f.rows = slices.Clone(f.rows)
				shared = false
			}
			err = f.sort(ctx, s)
		case program.Limit:
			if s.N < len(f.rows) {
				f.rows = f.rows[:s.N]
			}
		case program.Aggregate:
			v, err := f.aggregate(ctx, s.Func, s.Column)
			if err != nil {
				return nil, err
			}
			return &Frame{Columns: job.Columns, Scalar: v, IsScalar: true}, nil
		case program.GroupAggregate:
			err = f.groupAggregate(ctx, s)
			shared = false
		default:
			err = fmt.Errorf("%w: step %T", program.ErrUnsupported, step)
		}
		if err != nil {
			return nil, err
		}
	}

	out := &Frame{Columns: f.cols, Rows: f.rows}
	if job.MaxRows > 0 && len(out.Rows) > job.MaxRows {
		out.Rows = out.Rows[:job.MaxRows]
		out.Truncated = true
	}
	return out, nil
}

func (f *memFrame) filter(ctx context.Context, s program.Filter) error {
	pred, err := f.compile(s.Pred)
	if err != nil {
		return err
	}
	out := make([][]any, 0, len(f.rows)/4)
	for i, row := range f.rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if pred(row) == true {
			out = append(out, row)
		}
	}
	f.rows = out
	return nil
}

func (f *memFrame) project(ctx context.Context, s program.Project) error {
	idx := make([]int, len(s.Columns))
	cols := make([]dataset.Column, len(s.Columns))
	for i, name := range s.Columns {
		j, err := f.index(name)
		if err != nil {
			return err
		}
		idx[i] = j
		cols[i] = f.cols[j]
	}
	out := make([][]any, len(f.rows))
	for i, row := range f.rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		r := make([]any, len(idx))
		for k, j := range idx {
			r[k] = row[j]
		}
		out[i] = r
	}
	f.cols = cols
	f.rows = out
	return nil
}

func (f *memFrame) keyIndexes(names []string) ([]int, error) {
	if len(names) == 0 {
		idx := make([]int, len(f.cols))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, len(names))
	for i, name := range names {
		j, err := f.index(name)
		if err != nil {
			return nil, err
		}
		idx[i] = j
	}
	return idx, nil
}

func rowKey(sb *strings.Builder, row []any, idx []int) string {
	sb.Reset()
	for _, j := range idx {
		writeKey(sb, row[j])
	}
	return sb.String()
}

// distinct keeps the first row of each run of equal keys. Nulls compare
// equal to each other.
func (f *memFrame) distinct(ctx context.Context, s program.Distinct) error {
	idx, err := f.keyIndexes(s.Columns)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{})
	var sb strings.Builder
	out := make([][]any, 0)
	for i, row := range f.rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		k := rowKey(&sb, row, idx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	f.rows = out
	return nil
}

// sort is stable; nulls sort last in both directions.
func (f *memFrame) sort(ctx context.Context, s program.Sort) error {
	idx := make([]int, len(s.Keys))
	for i, k := range s.Keys {
		j, err := f.index(k.Column)
		if err != nil {
			return err
		}
		idx[i] = j
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sort.SliceStable(f.rows, func(a, b int) bool {
		ra, rb := f.rows[a], f.rows[b]
		for i, k := range s.Keys {
			c, directional := orderValues(ra[idx[i]], rb[idx[i]])
			if c == 0 {
				continue
			}
			if directional && k.Desc {
				c = -c
			}
			return c < 0
		}
		return false
	})
	return ctx.Err()
}

type accumulator struct {
	fn     program.AggFunc
	n      int64
	sum    float64
	best   any
	nums   []float64
	unique map[string]struct{}
	sb     strings.Builder
}

func newAccumulator(fn program.AggFunc) *accumulator {
	a := &accumulator{fn: fn}
	if fn == program.AggCountDistinct {
		a.unique = make(map[string]struct{})
	}
	return a
}

// add folds one value. countRows counts every row, including nulls.
func (a *accumulator) add(v any, countRows bool) {
	if v == nil && !countRows {
		return
	}
	switch a.fn {
	case program.AggCount:
		a.n++
	case program.AggCountDistinct:
		a.sb.Reset()
		writeKey(&a.sb, v)
		a.unique[a.sb.String()] = struct{}{}
	case program.AggSum, program.AggMean:
		if x, ok := toFloat(v); ok {
			a.sum += x
			a.n++
		}
	case program.AggMin, program.AggMax:
		if a.best == nil {
			a.best = v
			return
		}
		c, ok := compareValues(v, a.best)
		if ok && (a.fn == program.AggMin && c < 0 || a.fn == program.AggMax && c > 0) {
			a.best = v
		}
	case program.AggMedian:
		if x, ok := toFloat(v); ok {
			a.nums = append(a.nums, x)
		}
	}
}

func (a *accumulator) result() any {
	switch a.fn {
	case program.AggCount:
		return a.n
	case program.AggCountDistinct:
		return int64(len(a.unique))
	case program.AggSum:
		return a.sum
	case program.AggMean:
		if a.n == 0 {
			return nil
		}
		return a.sum / float64(a.n)
	case program.AggMin, program.AggMax:
		return a.best
	case program.AggMedian:
		if len(a.nums) == 0 {
			return nil
		}
		return dataset.Median(a.nums)
	}
	return nil
}

func (f *memFrame) aggregate(ctx context.Context, fn program.AggFunc, column string) (any, error) {
	col := -1
	if column != "" {
		j, err := f.index(column)
		if err != nil {
			return nil, err
		}
		col = j
	}
	acc := newAccumulator(fn)
	for i, row := range f.rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if col < 0 {
			acc.add(true, true)
			continue
		}
		acc.add(row[col], false)
	}
	return acc.result(), nil
}

// groupAggregate skips rows with a null key and emits groups in ascending
// key order.
func (f *memFrame) groupAggregate(ctx context.Context, s program.GroupAggregate) error {
	by, err := f.keyIndexes(s.By)
	if err != nil {
		return err
	}
	col := -1
	if s.Column != "" {
		if col, err = f.index(s.Column); err != nil {
			return err
		}
	}

	type group struct {
		key []any
		acc *accumulator
	}
	groups := make(map[string]*group)
	var order []*group
	var sb strings.Builder
rows:
	for i, row := range f.rows {
		if i%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for _, j := range by {
			if row[j] == nil {
				continue rows
			}
		}
		k := rowKey(&sb, row, by)
		g, ok := groups[k]
		if !ok {
			key := make([]any, len(by))
			for n, j := range by {
				key[n] = row[j]
			}
			g = &group{key: key, acc: newAccumulator(s.Func)}
			groups[k] = g
			order = append(order, g)
		}
		if col < 0 {
			g.acc.add(true, true)
		} else {
			g.acc.add(row[col], false)
		}
	}

	sort.SliceStable(order, func(a, b int) bool {
		for i := range by {
			if c, _ := compareValues(order[a].key[i], order[b].key[i]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	cols := make([]dataset.Column, 0, len(by)+1)
	for _, j := range by {
		cols = append(cols, f.cols[j])
	}
	outType := dataset.ColumnTypeNumeric
	if (s.Func == program.AggMin || s.Func == program.AggMax) && col >= 0 {
		outType = f.cols[col].Type
	}
	cols = append(cols, dataset.Column{Name: s.OutputName(), Type: outType})

	rows := make([][]any, len(order))
	for i, g := range order {
		rows[i] = append(slices.Clone(g.key), g.acc.result())
	}
	f.cols = cols
	f.rows = rows
	return nil
}

type evalFunc func(row []any) any

func (f *memFrame) compile(e program.Expr) (evalFunc, error) {
	switch x := e.(type) {
	case program.ColumnRef:
		j, err := f.index(x.Name)
		if err != nil {
			return nil, err
		}
		return func(row []any) any { return row[j] }, nil
	case program.Literal:
		v := x.Value
		return func([]any) any { return v }, nil
	case program.Arith:
		return f.compileArith(x)
	case program.Compare:
		l, r, err := f.compilePair(x.Left, x.Right)
		if err != nil {
			return nil, err
		}
		test := compareTest(x.Op)
		return func(row []any) any {
			a, b := l(row), r(row)
			if a == nil || b == nil {
				return nil
			}
			c, ok := compareValues(a, b)
			if !ok {
				return nil
			}
			return test(c)
		}, nil
	case program.Logical:
		l, r, err := f.compilePair(x.Left, x.Right)
		if err != nil {
			return nil, err
		}
		if x.Op == program.OpAnd {
			return func(row []any) any {
				a := l(row)
				if a == false {
					return false
				}
				b := r(row)
				switch {
				case b == false:
					return false
				case a == true && b == true:
					return true
				}
				return nil
			}, nil
		}
		return func(row []any) any {
			a := l(row)
			if a == true {
				return true
			}
			b := r(row)
			switch {
			case b == true:
				return true
			case a == false && b == false:
				return false
			}
			return nil
		}, nil
	case program.Not:
		inner, err := f.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		return func(row []any) any {
			if b, ok := inner(row).(bool); ok {
				return !b
			}
			return nil
		}, nil
	case program.Match:
		return f.compileMatch(x)
	case program.In:
		inner, err := f.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		hasNull := false
		vals := make([]any, 0, len(x.Values))
		for _, v := range x.Values {
			if v.Value == nil {
				hasNull = true
				continue
			}
			vals = append(vals, v.Value)
		}
		negate := x.Negate
		return func(row []any) any {
			v := inner(row)
			if v == nil {
				return nil
			}
			for _, want := range vals {
				if equalValues(v, want) {
					return !negate
				}
			}
			if hasNull {
				return nil
			}
			return negate
		}, nil
	case program.IsNull:
		inner, err := f.compile(x.Expr)
		if err != nil {
			return nil, err
		}
		negate := x.Negate
		return func(row []any) any { return (inner(row) == nil) != negate }, nil
	}
	return nil, fmt.Errorf("%w: expression %T", program.ErrUnsupported, e)
}

func (f *memFrame) compilePair(left, right program.Expr) (evalFunc, evalFunc, error) {
	l, err := f.compile(left)
	if err != nil {
		return nil, nil, err
	}
	r, err := f.compile(right)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}

func compareTest(op program.CompareOp) func(int) bool {
	switch op {
	case program.OpEq:
		return func(c int) bool { return c == 0 }
	case program.OpNe:
		return func(c int) bool { return c != 0 }
	case program.OpLt:
		return func(c int) bool { return c < 0 }
	case program.OpLe:
		return func(c int) bool { return c <= 0 }
	case program.OpGt:
		return func(c int) bool { return c > 0 }
	}
	return func(c int) bool { return c >= 0 }
}

// compileArith evaluates on float64. Division or modulo by zero is null.
func (f *memFrame) compileArith(x program.Arith) (evalFunc, error) {
	l, r, err := f.compilePair(x.Left, x.Right)
	if err != nil {
		return nil, err
	}
	var op func(a, b float64) any
	switch x.Op {
	case program.OpAdd:
		op = func(a, b float64) any { return a + b }
	case program.OpSub:
		op = func(a, b float64) any { return a - b }
	case program.OpMul:
		op = func(a, b float64) any { return a * b }
	case program.OpDiv:
		op = func(a, b float64) any {
			if b == 0 {
				return nil
			}
			return a / b
		}
	case program.OpMod:
		op = func(a, b float64) any {
			if b == 0 {
				return nil
			}
			return math.Mod(a, b)
		}
	default:
		return nil, fmt.Errorf("%w: operator %q", program.ErrUnsupported, x.Op)
	}
	return func(row []any) any {
		a, okA := toFloat(l(row))
		b, okB := toFloat(r(row))
		if !okA || !okB {
			return nil
		}
		return op(a, b)
	}, nil
}

func (f *memFrame) compileMatch(x program.Match) (evalFunc, error) {
	inner, err := f.compile(x.Expr)
	if err != nil {
		return nil, err
	}
	pat := x.Pattern
	fold := func(s string) string { return s }
	if x.CaseInsensitive {
		fold = strings.ToLower
		pat = strings.ToLower(pat)
	}

	var test func(string) bool
	switch x.Mode {
	case program.MatchContains:
		test = func(s string) bool { return strings.Contains(fold(s), pat) }
	case program.MatchPrefix:
		test = func(s string) bool { return strings.HasPrefix(fold(s), pat) }
	case program.MatchSuffix:
		test = func(s string) bool { return strings.HasSuffix(fold(s), pat) }
	case program.MatchLike:
		re, err := likeRegexp(x.Pattern, x.CaseInsensitive)
		if err != nil {
			return nil, err
		}
		test = re.MatchString
	default:
		return nil, fmt.Errorf("%w: match mode %q", program.ErrUnsupported, x.Mode)
	}
	return func(row []any) any {
		s, ok := inner(row).(string)
		if !ok {
			return nil
		}
		return test(s)
	}, nil
}

// likeRegexp translates a LIKE pattern with % and _ wildcards.
func likeRegexp(pattern string, caseInsensitive bool) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)")
	if caseInsensitive {
		sb.WriteString("(?i)")
	}
	sb.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteByte('.')
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteByte('$')
	return regexp.Compile(sb.String())
}
