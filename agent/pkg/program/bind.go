package program

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/churnguard/lake/indexer/pkg/dataset"
)

var (
	// ErrUnknownColumn is returned when a plan references a column the frame
	// does not have at that step.
	ErrUnknownColumn = errors.New("unknown column")
	// ErrUnsupported is returned for operations outside the allow-list for
	// the operand types, or steps that cannot follow a scalar aggregate.
	ErrUnsupported = errors.New("unsupported operation")
)

// Bind checks a plan against a catalog and returns a copy with column names
// in their catalog spelling and date literals coerced to time.Time, plus
// the columns of the output frame.
func Bind(p *Plan, cat *dataset.Catalog) (*Plan, []dataset.Column, error) {
	frame := cat.Columns()
	out := &Plan{Steps: make([]Step, 0, len(p.Steps))}
	scalar := false

	for i, step := range p.Steps {
		if scalar {
			return nil, nil, fmt.Errorf("%w: step %d follows a scalar aggregate", ErrUnsupported, i)
		}
		switch s := step.(type) {
		case Filter:
			pred, typ, err := bindExpr(s.Pred, frame)
			if err != nil {
				return nil, nil, err
			}
			if typ != dataset.ColumnTypeBoolean {
				return nil, nil, fmt.Errorf("%w: filter predicate is %s, not boolean", ErrUnsupported, typ)
			}
			out.Steps = append(out.Steps, Filter{Pred: pred})
		case Project:
			cols, next, err := resolveAll(s.Columns, frame)
			if err != nil {
				return nil, nil, err
			}
			if len(cols) == 0 {
				return nil, nil, fmt.Errorf("%w: empty projection", ErrUnsupported)
			}
			frame = next
			out.Steps = append(out.Steps, Project{Columns: cols})
		case Distinct:
			cols, _, err := resolveAll(s.Columns, frame)
			if err != nil {
				return nil, nil, err
			}
			out.Steps = append(out.Steps, Distinct{Columns: cols})
		case Sort:
			keys := make([]SortKey, len(s.Keys))
			for j, k := range s.Keys {
				col, err := resolve(k.Column, frame)
				if err != nil {
					return nil, nil, err
				}
				keys[j] = SortKey{Column: col.Name, Desc: k.Desc}
			}
			if len(keys) == 0 {
				return nil, nil, fmt.Errorf("%w: sort without keys", ErrUnsupported)
			}
			out.Steps = append(out.Steps, Sort{Keys: keys})
		case Limit:
			if s.N < 0 {
				return nil, nil, fmt.Errorf("%w: negative limit %d", ErrUnsupported, s.N)
			}
			out.Steps = append(out.Steps, s)
		case Aggregate:
			col, typ, err := bindAggregate(s.Func, s.Column, frame)
			if err != nil {
				return nil, nil, err
			}
			frame = []dataset.Column{{Name: string(s.Func), Type: typ}}
			scalar = true
			out.Steps = append(out.Steps, Aggregate{Func: s.Func, Column: col})
		case GroupAggregate:
			by, keyCols, err := resolveAll(s.By, frame)
			if err != nil {
				return nil, nil, err
			}
			if len(by) == 0 {
				return nil, nil, fmt.Errorf("%w: group without keys", ErrUnsupported)
			}
			col, typ, err := bindAggregate(s.Func, s.Column, frame)
			if err != nil {
				return nil, nil, err
			}
			bound := GroupAggregate{By: by, Func: s.Func, Column: col}
			frame = append(keyCols, dataset.Column{Name: bound.OutputName(), Type: typ})
			out.Steps = append(out.Steps, bound)
		default:
			return nil, nil, fmt.Errorf("%w: step %T", ErrUnsupported, step)
		}
	}
	return out, frame, nil
}

func resolve(name string, frame []dataset.Column) (dataset.Column, error) {
	for _, c := range frame {
		if c.Name == name {
			return c, nil
		}
	}
	var match *dataset.Column
	for i, c := range frame {
		if strings.EqualFold(c.Name, name) {
			if match != nil {
				return dataset.Column{}, fmt.Errorf("%w: %q is ambiguous", ErrUnknownColumn, name)
			}
			match = &frame[i]
		}
	}
	if match == nil {
		return dataset.Column{}, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return *match, nil
}

func resolveAll(names []string, frame []dataset.Column) ([]string, []dataset.Column, error) {
	out := make([]string, 0, len(names))
	cols := make([]dataset.Column, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		c, err := resolve(n, frame)
		if err != nil {
			return nil, nil, err
		}
		if seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		out = append(out, c.Name)
		cols = append(cols, c)
	}
	return out, cols, nil
}

func bindAggregate(fn AggFunc, column string, frame []dataset.Column) (string, dataset.ColumnType, error) {
	switch fn {
	case AggCount, AggCountDistinct, AggSum, AggMean, AggMin, AggMax, AggMedian:
	default:
		return "", "", fmt.Errorf("%w: aggregate %q", ErrUnsupported, fn)
	}
	if column == "" {
		if fn != AggCount {
			return "", "", fmt.Errorf("%w: %s requires a column", ErrUnsupported, fn)
		}
		return "", dataset.ColumnTypeNumeric, nil
	}
	col, err := resolve(column, frame)
	if err != nil {
		return "", "", err
	}
	switch fn {
	case AggCount, AggCountDistinct:
		return col.Name, dataset.ColumnTypeNumeric, nil
	case AggMin, AggMax:
		return col.Name, col.Type, nil
	}
	if col.Type != dataset.ColumnTypeNumeric && col.Type != dataset.ColumnTypeBoolean {
		return "", "", fmt.Errorf("%w: %s of %s column %q", ErrUnsupported, fn, col.Type, col.Name)
	}
	return col.Name, dataset.ColumnTypeNumeric, nil
}

func bindExpr(e Expr, frame []dataset.Column) (Expr, dataset.ColumnType, error) {
	switch x := e.(type) {
	case ColumnRef:
		c, err := resolve(x.Name, frame)
		if err != nil {
			return nil, "", err
		}
		return ColumnRef{Name: c.Name}, c.Type, nil
	case Literal:
		return x, literalType(x.Value), nil
	case Arith:
		l, lt, err := bindExpr(x.Left, frame)
		if err != nil {
			return nil, "", err
		}
		r, rt, err := bindExpr(x.Right, frame)
		if err != nil {
			return nil, "", err
		}
		if !numericLike(lt) || !numericLike(rt) {
			return nil, "", fmt.Errorf("%w: arithmetic on %s and %s", ErrUnsupported, lt, rt)
		}
		return Arith{Op: x.Op, Left: l, Right: r}, dataset.ColumnTypeNumeric, nil
	case Compare:
		l, lt, err := bindExpr(x.Left, frame)
		if err != nil {
			return nil, "", err
		}
		r, rt, err := bindExpr(x.Right, frame)
		if err != nil {
			return nil, "", err
		}
		l, lt = coerceLiteral(l, lt, rt)
		r, rt = coerceLiteral(r, rt, lt)
		if lt != "" && rt != "" && !compatible(lt, rt) {
			return nil, "", fmt.Errorf("%w: comparing %s with %s", ErrUnsupported, lt, rt)
		}
		return Compare{Op: x.Op, Left: l, Right: r}, dataset.ColumnTypeBoolean, nil
	case Logical:
		l, lt, err := bindExpr(x.Left, frame)
		if err != nil {
			return nil, "", err
		}
		r, rt, err := bindExpr(x.Right, frame)
		if err != nil {
			return nil, "", err
		}
		if lt != dataset.ColumnTypeBoolean || rt != dataset.ColumnTypeBoolean {
			return nil, "", fmt.Errorf("%w: %s of non-boolean operands", ErrUnsupported, x.Op)
		}
		return Logical{Op: x.Op, Left: l, Right: r}, dataset.ColumnTypeBoolean, nil
	case Not:
		inner, t, err := bindExpr(x.Expr, frame)
		if err != nil {
			return nil, "", err
		}
		if t != dataset.ColumnTypeBoolean {
			return nil, "", fmt.Errorf("%w: negation of %s", ErrUnsupported, t)
		}
		return Not{Expr: inner}, dataset.ColumnTypeBoolean, nil
	case Match:
		inner, t, err := bindExpr(x.Expr, frame)
		if err != nil {
			return nil, "", err
		}
		if t != dataset.ColumnTypeText {
			return nil, "", fmt.Errorf("%w: text match on %s", ErrUnsupported, t)
		}
		return Match{Expr: inner, Mode: x.Mode, Pattern: x.Pattern, CaseInsensitive: x.CaseInsensitive}, dataset.ColumnTypeBoolean, nil
	case In:
		inner, t, err := bindExpr(x.Expr, frame)
		if err != nil {
			return nil, "", err
		}
		vals := make([]Literal, len(x.Values))
		for i, v := range x.Values {
			lit, _ := coerceLiteral(v, literalType(v.Value), t)
			vals[i] = lit.(Literal)
		}
		return In{Expr: inner, Values: vals, Negate: x.Negate}, dataset.ColumnTypeBoolean, nil
	case IsNull:
		inner, _, err := bindExpr(x.Expr, frame)
		if err != nil {
			return nil, "", err
		}
		return IsNull{Expr: inner, Negate: x.Negate}, dataset.ColumnTypeBoolean, nil
	}
	return nil, "", fmt.Errorf("%w: expression %T", ErrUnsupported, e)
}

// literalType returns "" for null, which compares with anything.
func literalType(v any) dataset.ColumnType {
	switch v.(type) {
	case float64:
		return dataset.ColumnTypeNumeric
	case string:
		return dataset.ColumnTypeText
	case bool:
		return dataset.ColumnTypeBoolean
	case time.Time:
		return dataset.ColumnTypeDate
	}
	return ""
}

func numericLike(t dataset.ColumnType) bool {
	return t == dataset.ColumnTypeNumeric || t == dataset.ColumnTypeBoolean
}

func compatible(a, b dataset.ColumnType) bool {
	if a == b {
		return true
	}
	return numericLike(a) && numericLike(b)
}

// coerceLiteral turns a text literal into a date or boolean when compared
// against a column of that type.
func coerceLiteral(e Expr, t, other dataset.ColumnType) (Expr, dataset.ColumnType) {
	lit, ok := e.(Literal)
	if !ok || t != dataset.ColumnTypeText {
		return e, t
	}
	text := lit.Value.(string)
	switch other {
	case dataset.ColumnTypeDate:
		if d, ok := dataset.ParseDate(text); ok {
			return Literal{Value: d}, dataset.ColumnTypeDate
		}
	case dataset.ColumnTypeBoolean:
		switch strings.ToLower(strings.TrimSpace(text)) {
		case "true", "yes":
			return Literal{Value: true}, dataset.ColumnTypeBoolean
		case "false", "no":
			return Literal{Value: false}, dataset.ColumnTypeBoolean
		}
	}
	return e, t
}
