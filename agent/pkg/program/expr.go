package program

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Expr is a row-level expression over the columns of a frame.
type Expr interface {
	String() string
	isExpr()
}

type ArithOp string

const (
	OpAdd ArithOp = "+"
	OpSub ArithOp = "-"
	OpMul ArithOp = "*"
	OpDiv ArithOp = "/"
	OpMod ArithOp = "%"
)

type CompareOp string

const (
	OpEq CompareOp = "="
	OpNe CompareOp = "!="
	OpLt CompareOp = "<"
	OpLe CompareOp = "<="
	OpGt CompareOp = ">"
	OpGe CompareOp = ">="
)

// Flip returns the operator with its operands swapped.
func (op CompareOp) Flip() CompareOp {
	switch op {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	}
	return op
}

type LogicalOp string

const (
	OpAnd LogicalOp = "and"
	OpOr  LogicalOp = "or"
)

// MatchMode selects how Match compares text.
type MatchMode string

const (
	MatchContains MatchMode = "contains"
	MatchPrefix   MatchMode = "prefix"
	MatchSuffix   MatchMode = "suffix"
	MatchLike     MatchMode = "like"
)

type ColumnRef struct {
	Name string
}

// Literal holds float64, string, bool, time.Time or nil.
type Literal struct {
	Value any
}

type Arith struct {
	Op          ArithOp
	Left, Right Expr
}

type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

type Logical struct {
	Op          LogicalOp
	Left, Right Expr
}

type Not struct {
	Expr Expr
}

// Match is a literal text match. Like patterns use % and _ wildcards.
type Match struct {
	Expr            Expr
	Mode            MatchMode
	Pattern         string
	CaseInsensitive bool
}

type In struct {
	Expr   Expr
	Values []Literal
	Negate bool
}

type IsNull struct {
	Expr   Expr
	Negate bool
}

func (ColumnRef) isExpr() {}
func (Literal) isExpr()   {}
func (Arith) isExpr()     {}
func (Compare) isExpr()   {}
func (Logical) isExpr()   {}
func (Not) isExpr()       {}
func (Match) isExpr()     {}
func (In) isExpr()        {}
func (IsNull) isExpr()    {}

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// QuoteName renders a column name, quoting it when it is not a plain identifier.
func QuoteName(name string) string {
	if plainIdent.MatchString(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteText(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FormatLiteral renders a literal value in canonical form.
func FormatLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return quoteText(val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if val.Hour() == 0 && val.Minute() == 0 && val.Second() == 0 && val.Nanosecond() == 0 {
			return "date " + quoteText(val.Format("2006-01-02"))
		}
		return "timestamp " + quoteText(val.Format(time.RFC3339))
	}
	return "null"
}

func wrap(e Expr) string {
	switch e.(type) {
	case Arith, Compare, Logical, In, Match, IsNull:
		return "(" + e.String() + ")"
	}
	return e.String()
}

func (e ColumnRef) String() string { return QuoteName(e.Name) }
func (e Literal) String() string   { return FormatLiteral(e.Value) }

func (e Arith) String() string {
	return wrap(e.Left) + " " + string(e.Op) + " " + wrap(e.Right)
}

func (e Compare) String() string {
	return wrap(e.Left) + " " + string(e.Op) + " " + wrap(e.Right)
}

func (e Logical) String() string {
	return wrap(e.Left) + " " + string(e.Op) + " " + wrap(e.Right)
}

func (e Not) String() string { return "not " + wrap(e.Expr) }

func (e Match) String() string {
	fn := string(e.Mode)
	if e.CaseInsensitive {
		fn = "i" + fn
	}
	return fn + "(" + e.Expr.String() + ", " + quoteText(e.Pattern) + ")"
}

func (e In) String() string {
	vals := make([]string, len(e.Values))
	for i, v := range e.Values {
		vals[i] = v.String()
	}
	op := " in "
	if e.Negate {
		op = " not in "
	}
	return wrap(e.Expr) + op + "(" + strings.Join(vals, ", ") + ")"
}

func (e IsNull) String() string {
	if e.Negate {
		return wrap(e.Expr) + " is not null"
	}
	return wrap(e.Expr) + " is null"
}

// Columns returns the distinct column names referenced by e, in first-seen order.
func Columns(e Expr) []string {
	var out []string
	seen := map[string]bool{}
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case ColumnRef:
			if !seen[x.Name] {
				seen[x.Name] = true
				out = append(out, x.Name)
			}
		case Arith:
			walk(x.Left)
			walk(x.Right)
		case Compare:
			walk(x.Left)
			walk(x.Right)
		case Logical:
			walk(x.Left)
			walk(x.Right)
		case Not:
			walk(x.Expr)
		case Match:
			walk(x.Expr)
		case In:
			walk(x.Expr)
		case IsNull:
			walk(x.Expr)
		}
	}
	walk(e)
	return out
}
