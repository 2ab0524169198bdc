package program

import (
	"strconv"
	"strings"
)

// Plan is the restricted, allow-listed form every executable program is
// lowered to. Steps apply in order to the dataset frame.
type Plan struct {
	Steps []Step
}

// Step is one allow-listed operation.
type Step interface {
	String() string
	isStep()
}

type AggFunc string

const (
	AggCount         AggFunc = "count"
	AggCountDistinct AggFunc = "count_distinct"
	AggSum           AggFunc = "sum"
	AggMean          AggFunc = "mean"
	AggMin           AggFunc = "min"
	AggMax           AggFunc = "max"
	AggMedian        AggFunc = "median"
)

// Numeric reports whether the function only accepts numeric input.
func (f AggFunc) Numeric() bool {
	switch f {
	case AggSum, AggMean, AggMedian:
		return true
	}
	return false
}

type Filter struct {
	Pred Expr
}

type Project struct {
	Columns []string
}

// Distinct keeps the first row of each group of rows equal on Columns,
// or on every column when Columns is empty.
type Distinct struct {
	Columns []string
}

type SortKey struct {
	Column string
	Desc   bool
}

type Sort struct {
	Keys []SortKey
}

type Limit struct {
	N int
}

// Aggregate reduces the frame to a scalar. An empty Column with AggCount
// counts rows.
type Aggregate struct {
	Func   AggFunc
	Column string
}

// GroupAggregate reduces each group of By to one row holding the By
// columns and the aggregate, named by OutputName.
type GroupAggregate struct {
	By     []string
	Func   AggFunc
	Column string
}

func (Filter) isStep()         {}
func (Project) isStep()        {}
func (Distinct) isStep()       {}
func (Sort) isStep()           {}
func (Limit) isStep()          {}
func (Aggregate) isStep()      {}
func (GroupAggregate) isStep() {}

func names(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = QuoteName(c)
	}
	return strings.Join(out, ", ")
}

func (s Filter) String() string   { return "filter(" + s.Pred.String() + ")" }
func (s Project) String() string  { return "project(" + names(s.Columns) + ")" }
func (s Distinct) String() string { return "distinct(" + names(s.Columns) + ")" }
func (s Limit) String() string    { return "limit(" + strconv.Itoa(s.N) + ")" }

func (s Sort) String() string {
	keys := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		keys[i] = QuoteName(k.Column)
		if k.Desc {
			keys[i] += " desc"
		}
	}
	return "sort(" + strings.Join(keys, ", ") + ")"
}

func (s Aggregate) String() string {
	if s.Column == "" {
		return "aggregate(" + string(s.Func) + ")"
	}
	return "aggregate(" + string(s.Func) + ", " + QuoteName(s.Column) + ")"
}

func (s GroupAggregate) String() string {
	out := "group_aggregate([" + names(s.By) + "], " + string(s.Func)
	if s.Column != "" {
		out += ", " + QuoteName(s.Column)
	}
	return out + ")"
}

// OutputName is the name of the aggregate column a GroupAggregate produces.
func (s GroupAggregate) OutputName() string {
	if s.Column == "" {
		return string(s.Func)
	}
	for _, b := range s.By {
		if b == s.Column {
			return string(s.Func) + "_" + s.Column
		}
	}
	return s.Column
}

// String renders the canonical form, e.g.
// "filter(churn_probability > 0.8) | aggregate(count)".
func (p *Plan) String() string {
	if p == nil || len(p.Steps) == 0 {
		return "all()"
	}
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, " | ")
}

// Scalar reports whether the plan ends in a scalar aggregate.
func (p *Plan) Scalar() bool {
	if p == nil || len(p.Steps) == 0 {
		return false
	}
	_, ok := p.Steps[len(p.Steps)-1].(Aggregate)
	return ok
}
