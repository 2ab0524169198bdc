package safety

import (
	"context"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// FrameName is the only binding a tabular program can reference.
const FrameName = "df"

var (
	loopNodes = set(
		"for_statement", "while_statement", "list_comprehension", "set_comprehension",
		"dictionary_comprehension", "generator_expression", "for_in_clause",
		"lambda", "function_definition", "decorated_definition",
	)
	statementNodes = set(
		"class_definition", "assignment", "augmented_assignment", "named_expression",
		"delete_statement", "global_statement", "nonlocal_statement", "raise_statement",
		"try_statement", "with_statement", "return_statement", "yield", "await",
		"exec_statement", "print_statement", "assert_statement", "if_statement",
		"match_statement", "type_alias_statement", "interpolation", "pass_statement",
		"break_statement", "continue_statement",
	)
)

func (v *Validator) checkPython(ctx context.Context, src []byte, cat *dataset.Catalog) (*program.Plan, *violation) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, deny(program.ReasonSyntaxError, "parse failed: %v", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	if viol := v.walkPython(root, src, 0); viol != nil {
		return nil, viol
	}
	if root.HasError() {
		return nil, deny(program.ReasonSyntaxError, "program does not parse")
	}

	stmts := namedChildren(root)
	if len(stmts) != 1 || stmts[0].Type() != "expression_statement" {
		return nil, deny(program.ReasonSyntaxError, "expected a single expression, got %d statements", len(stmts))
	}
	exprs := namedChildren(stmts[0])
	if len(exprs) != 1 {
		return nil, deny(program.ReasonSyntaxError, "expected a single expression")
	}

	l := &lowerer{src: src, cat: cat}
	val, viol := l.lower(exprs[0])
	if viol != nil {
		return nil, viol
	}
	return l.result(val)
}

// walkPython visits every node in pre-order and returns the first denied
// construct.
func (v *Validator) walkPython(n *sitter.Node, src []byte, depth int) *violation {
	if depth > v.policy.MaxDepth() {
		return deny(program.ReasonSyntaxError, "program nests deeper than %d", v.policy.MaxDepth())
	}
	t := n.Type()
	switch {
	case t == "import_statement" || t == "import_from_statement" || t == "future_import_statement":
		return deny(program.ReasonDisallowedImport, "import statement")
	case loopNodes[t]:
		return deny(program.ReasonUnboundedLoop, "%s", strings.ReplaceAll(t, "_", " "))
	case statementNodes[t]:
		return deny(program.ReasonDisallowedCall, "%s is not allowed", strings.ReplaceAll(t, "_", " "))
	case t == "identifier":
		name := nodeText(n, src)
		switch {
		case v.policy.ModuleDenied(name):
			return deny(program.ReasonDisallowedImport, "reference to module %q", name)
		case v.policy.CallDenied(name):
			return deny(program.ReasonDisallowedCall, "call to %q", name)
		case v.policy.InternalName(name):
			return deny(program.ReasonDisallowedAttribute, "internal name %q", name)
		}
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if viol := v.walkPython(n.Child(i), src, depth+1); viol != nil {
			return viol
		}
	}
	return nil
}

func nodeText(n *sitter.Node, src []byte) string {
	return string(src[n.StartByte():n.EndByte()])
}

func namedChildren(n *sitter.Node) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if t := child.Type(); t == "comment" || t == "marginalia" {
			continue
		}
		out = append(out, child)
	}
	return out
}

// Values produced while lowering a tabular program.
type (
	value any

	// frameVal is the dataset after a sequence of steps.
	frameVal struct{ steps []program.Step }
	// seriesVal is one column of a frame. index lists the group columns
	// that label each value after an aggregation.
	seriesVal struct {
		frame frameVal
		col   string
		index []string
	}
	// maskVal is a row-wise expression evaluated against base.
	maskVal struct {
		expr program.Expr
		base frameVal
	}
	groupVal struct {
		frame frameVal
		by    []string
		col   string
	}
	scalarVal  struct{ steps []program.Step }
	literalVal struct{ v any }
	listVal    struct{ items []value }
	moduleVal  struct{ name string }
	locVal     struct{ frame frameVal }
	shapeVal   struct{ frame frameVal }
	strVal     struct{ series seriesVal }
	methodVal  struct {
		recv value
		name string
	}
	sliceVal struct {
		stop    int
		hasStop bool
	}
)

func (f frameVal) with(steps ...program.Step) frameVal {
	out := make([]program.Step, 0, len(f.steps)+len(steps))
	out = append(out, f.steps...)
	return frameVal{steps: append(out, steps...)}
}

func (f frameVal) key() string {
	return (&program.Plan{Steps: f.steps}).String()
}

var (
	frameMethods  = set("head", "sort_values", "nlargest", "nsmallest", "drop_duplicates", "groupby", "reset_index", "copy", "dropna")
	seriesMethods = set(
		"sum", "mean", "min", "max", "median", "count", "nunique", "unique", "value_counts",
		"head", "sort_values", "nlargest", "nsmallest", "drop_duplicates", "isin", "between",
		"isna", "isnull", "notna", "notnull", "reset_index", "tolist", "to_list", "to_frame",
	)
	strMethods   = set("contains", "startswith", "endswith")
	groupMethods = set("size", "count", "sum", "mean", "min", "max", "median", "nunique", "agg")
	aggMethods   = map[string]program.AggFunc{
		"count":   program.AggCount,
		"nunique": program.AggCountDistinct,
		"sum":     program.AggSum,
		"mean":    program.AggMean,
		"min":     program.AggMin,
		"max":     program.AggMax,
		"median":  program.AggMedian,
	}
)

// lowerer turns an allow-listed pandas-style expression into a plan.
type lowerer struct {
	src []byte
	cat *dataset.Catalog
}

func (l *lowerer) text(n *sitter.Node) string {
	return nodeText(n, l.src)
}

func (l *lowerer) lower(n *sitter.Node) (value, *violation) {
	switch t := n.Type(); t {
	case "identifier":
		switch name := l.text(n); name {
		case FrameName:
			return frameVal{}, nil
		case "pd":
			return moduleVal{name: name}, nil
		default:
			return nil, deny(program.ReasonDisallowedAttribute, "unknown name %q", name)
		}
	case "integer", "float":
		f, err := parseNumber(l.text(n))
		if err != nil {
			return nil, deny(program.ReasonSyntaxError, "bad number %q", l.text(n))
		}
		return literalVal{v: f}, nil
	case "true":
		return literalVal{v: true}, nil
	case "false":
		return literalVal{v: false}, nil
	case "none":
		return literalVal{v: nil}, nil
	case "string":
		return l.stringLiteral(n)
	case "concatenated_string":
		var sb strings.Builder
		for _, part := range namedChildren(n) {
			lit, viol := l.stringLiteral(part)
			if viol != nil {
				return nil, viol
			}
			sb.WriteString(lit.(literalVal).v.(string))
		}
		return literalVal{v: sb.String()}, nil
	case "list", "tuple":
		var items []value
		for _, child := range namedChildren(n) {
			item, viol := l.lower(child)
			if viol != nil {
				return nil, viol
			}
			items = append(items, item)
		}
		return listVal{items: items}, nil
	case "parenthesized_expression":
		inner := namedChildren(n)
		if len(inner) != 1 {
			return nil, deny(program.ReasonSyntaxError, "empty parentheses")
		}
		return l.lower(inner[0])
	case "unary_operator":
		return l.unary(n)
	case "not_operator":
		arg, viol := l.lower(n.ChildByFieldName("argument"))
		if viol != nil {
			return nil, viol
		}
		expr, base, viol := toExpr(arg)
		if viol != nil {
			return nil, viol
		}
		return maskVal{expr: program.Not{Expr: expr}, base: baseOr(base)}, nil
	case "boolean_operator", "binary_operator":
		return l.binary(n)
	case "comparison_operator":
		return l.comparison(n)
	case "subscript":
		return l.subscript(n)
	case "attribute":
		return l.attribute(n)
	case "call":
		return l.call(n)
	case "slice":
		return l.slice(n)
	default:
		return nil, deny(program.ReasonDisallowedCall, "%s is not supported", strings.ReplaceAll(t, "_", " "))
	}
}

func (l *lowerer) stringLiteral(n *sitter.Node) (value, *violation) {
	raw := l.text(n)
	i := 0
	for i < len(raw) && strings.ContainsRune("rRbBuUfF", rune(raw[i])) {
		i++
	}
	prefix := strings.ToLower(raw[:i])
	body := raw[i:]
	if strings.Contains(prefix, "f") {
		return nil, deny(program.ReasonDisallowedCall, "formatted string literal")
	}
	if strings.Contains(prefix, "b") {
		return nil, deny(program.ReasonDisallowedCall, "bytes literal")
	}
	q := 1
	if strings.HasPrefix(body, `"""`) || strings.HasPrefix(body, `'''`) {
		q = 3
	}
	if len(body) < 2*q {
		return nil, deny(program.ReasonSyntaxError, "unterminated string")
	}
	inner := body[q : len(body)-q]
	if strings.Contains(prefix, "r") {
		return literalVal{v: inner}, nil
	}
	return literalVal{v: unescape(inner)}, nil
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '0':
			sb.WriteByte(0)
		case '\\', '\'', '"':
			sb.WriteByte(s[i])
		case '\n':
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(s, "_", "")
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return float64(i), nil
	}
	return strconv.ParseFloat(s, 64)
}

// toExpr converts an operand to a row-level expression. base is nil for
// literals.
func toExpr(v value) (program.Expr, *frameVal, *violation) {
	switch x := v.(type) {
	case seriesVal:
		if len(x.index) > 0 {
			return nil, nil, deny(program.ReasonDisallowedCall, "aggregated series cannot be used row-wise")
		}
		return program.ColumnRef{Name: x.col}, &x.frame, nil
	case maskVal:
		return x.expr, &x.base, nil
	case literalVal:
		return program.Literal{Value: x.v}, nil, nil
	}
	return nil, nil, deny(program.ReasonDisallowedCall, "operand is not a column or a literal")
}

func baseOr(b *frameVal) frameVal {
	if b == nil {
		return frameVal{}
	}
	return *b
}

func mergeBase(a, b *frameVal) (*frameVal, *violation) {
	switch {
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	case len(a.steps) == 0:
		return b, nil
	case len(b.steps) == 0 || a.key() == b.key():
		return a, nil
	}
	return nil, deny(program.ReasonDisallowedCall, "expression mixes columns from different frames")
}

func (l *lowerer) operands(left, right value) (program.Expr, program.Expr, frameVal, *violation) {
	le, lb, viol := toExpr(left)
	if viol != nil {
		return nil, nil, frameVal{}, viol
	}
	re, rb, viol := toExpr(right)
	if viol != nil {
		return nil, nil, frameVal{}, viol
	}
	if lb == nil && rb == nil {
		return nil, nil, frameVal{}, deny(program.ReasonDisallowedCall, "expression does not reference a column")
	}
	base, viol := mergeBase(lb, rb)
	if viol != nil {
		return nil, nil, frameVal{}, viol
	}
	return le, re, baseOr(base), nil
}

func (l *lowerer) unary(n *sitter.Node) (value, *violation) {
	op := l.text(n.ChildByFieldName("operator"))
	arg, viol := l.lower(n.ChildByFieldName("argument"))
	if viol != nil {
		return nil, viol
	}
	if lit, ok := arg.(literalVal); ok {
		f, isNum := lit.v.(float64)
		switch {
		case op == "-" && isNum:
			return literalVal{v: -f}, nil
		case op == "+" && isNum:
			return lit, nil
		}
		return nil, deny(program.ReasonDisallowedCall, "unary %s on a literal", op)
	}
	expr, base, viol := toExpr(arg)
	if viol != nil {
		return nil, viol
	}
	switch op {
	case "-":
		return maskVal{expr: program.Arith{Op: program.OpSub, Left: program.Literal{Value: 0.0}, Right: expr}, base: baseOr(base)}, nil
	case "+":
		return maskVal{expr: expr, base: baseOr(base)}, nil
	case "~":
		return maskVal{expr: program.Not{Expr: expr}, base: baseOr(base)}, nil
	}
	return nil, deny(program.ReasonDisallowedCall, "unary operator %q", op)
}

var arithOps = map[string]program.ArithOp{
	"+": program.OpAdd, "-": program.OpSub, "*": program.OpMul, "/": program.OpDiv, "%": program.OpMod,
}

func (l *lowerer) binary(n *sitter.Node) (value, *violation) {
	op := l.text(n.ChildByFieldName("operator"))
	left, viol := l.lower(n.ChildByFieldName("left"))
	if viol != nil {
		return nil, viol
	}
	right, viol := l.lower(n.ChildByFieldName("right"))
	if viol != nil {
		return nil, viol
	}

	if arith, ok := arithOps[op]; ok {
		if lv, ok := numberOf(left); ok {
			if rv, ok := numberOf(right); ok {
				if folded, ok := fold(arith, lv, rv); ok {
					return literalVal{v: folded}, nil
				}
			}
		}
		le, re, base, viol := l.operands(left, right)
		if viol != nil {
			return nil, viol
		}
		return maskVal{expr: program.Arith{Op: arith, Left: le, Right: re}, base: base}, nil
	}

	var logical program.LogicalOp
	switch op {
	case "&", "and":
		logical = program.OpAnd
	case "|", "or":
		logical = program.OpOr
	default:
		return nil, deny(program.ReasonDisallowedCall, "operator %q", op)
	}
	le, re, base, viol := l.operands(left, right)
	if viol != nil {
		return nil, viol
	}
	return maskVal{expr: program.Logical{Op: logical, Left: le, Right: re}, base: base}, nil
}

func numberOf(v value) (float64, bool) {
	lit, ok := v.(literalVal)
	if !ok {
		return 0, false
	}
	f, ok := lit.v.(float64)
	return f, ok
}

func fold(op program.ArithOp, a, b float64) (float64, bool) {
	switch op {
	case program.OpAdd:
		return a + b, true
	case program.OpSub:
		return a - b, true
	case program.OpMul:
		return a * b, true
	case program.OpDiv:
		if b == 0 {
			return 0, false
		}
		return a / b, true
	}
	return 0, false
}

var compareOps = map[string]program.CompareOp{
	"==": program.OpEq, "!=": program.OpNe, "<>": program.OpNe,
	"<": program.OpLt, "<=": program.OpLe, ">": program.OpGt, ">=": program.OpGe,
}

func (l *lowerer) comparison(n *sitter.Node) (value, *violation) {
	var operands []value
	var ops []string
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.Type() == "comment" {
			continue
		}
		if !child.IsNamed() {
			ops = append(ops, child.Type())
			continue
		}
		v, viol := l.lower(child)
		if viol != nil {
			return nil, viol
		}
		operands = append(operands, v)
	}
	if len(operands) != len(ops)+1 || len(ops) == 0 {
		return nil, deny(program.ReasonSyntaxError, "malformed comparison")
	}

	var result program.Expr
	var base *frameVal
	for i, op := range ops {
		cmp, ok := compareOps[op]
		if !ok {
			return nil, deny(program.ReasonDisallowedCall, "comparison operator %q", op)
		}
		le, re, b, viol := l.operands(operands[i], operands[i+1])
		if viol != nil {
			return nil, viol
		}
		merged, viol := mergeBase(base, &b)
		if viol != nil {
			return nil, viol
		}
		base = merged
		expr := program.Compare{Op: cmp, Left: le, Right: re}
		if result == nil {
			result = expr
		} else {
			result = program.Logical{Op: program.OpAnd, Left: result, Right: expr}
		}
	}
	return maskVal{expr: result, base: baseOr(base)}, nil
}

func (l *lowerer) slice(n *sitter.Node) (value, *violation) {
	colons := 0
	var start, stop, step *sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if !child.IsNamed() {
			if child.Type() == ":" {
				colons++
			}
			continue
		}
		switch colons {
		case 0:
			start = child
		case 1:
			stop = child
		default:
			step = child
		}
	}
	if step != nil {
		return nil, deny(program.ReasonDisallowedCall, "stepped slice")
	}
	if start != nil {
		v, viol := l.lower(start)
		if viol != nil {
			return nil, viol
		}
		if f, ok := numberOf(v); !ok || f != 0 {
			return nil, deny(program.ReasonDisallowedCall, "slice must start at 0")
		}
	}
	if stop == nil {
		return sliceVal{}, nil
	}
	v, viol := l.lower(stop)
	if viol != nil {
		return nil, viol
	}
	f, ok := numberOf(v)
	if !ok || f < 0 || f != float64(int(f)) {
		return nil, deny(program.ReasonDisallowedCall, "slice bound must be a non-negative integer")
	}
	return sliceVal{stop: int(f), hasStop: true}, nil
}

func (l *lowerer) subscript(n *sitter.Node) (value, *violation) {
	named := namedChildren(n)
	if len(named) < 2 {
		return nil, deny(program.ReasonSyntaxError, "empty subscript")
	}
	recv, viol := l.lower(named[0])
	if viol != nil {
		return nil, viol
	}
	keys := make([]value, 0, len(named)-1)
	for _, k := range named[1:] {
		kv, viol := l.lower(k)
		if viol != nil {
			return nil, viol
		}
		keys = append(keys, kv)
	}

	switch r := recv.(type) {
	case frameVal:
		if len(keys) != 1 {
			return nil, deny(program.ReasonDisallowedCall, "multi-key frame subscript")
		}
		return l.frameKey(r, keys[0])
	case seriesVal:
		if len(keys) != 1 || len(r.index) > 0 {
			return nil, deny(program.ReasonDisallowedCall, "unsupported series subscript")
		}
		switch k := keys[0].(type) {
		case sliceVal:
			if !k.hasStop {
				return r, nil
			}
			return seriesVal{frame: r.frame.with(program.Limit{N: k.stop}), col: r.col}, nil
		default:
			filtered, viol := l.filter(r.frame, k)
			if viol != nil {
				return nil, viol
			}
			return seriesVal{frame: filtered, col: r.col}, nil
		}
	case locVal:
		if len(keys) == 0 || len(keys) > 2 {
			return nil, deny(program.ReasonDisallowedCall, "loc takes rows and optional columns")
		}
		frame := r.frame
		if s, ok := keys[0].(sliceVal); ok {
			if s.hasStop {
				return nil, deny(program.ReasonDisallowedCall, "loc row ranges are not supported")
			}
		} else {
			var viol *violation
			frame, viol = l.filter(frame, keys[0])
			if viol != nil {
				return nil, viol
			}
		}
		if len(keys) == 1 {
			return frame, nil
		}
		return l.frameKey(frame, keys[1])
	case groupVal:
		if len(keys) != 1 || r.col != "" {
			return nil, deny(program.ReasonDisallowedCall, "unsupported group subscript")
		}
		cols, ok := stringsOf(keys[0])
		if !ok || len(cols) != 1 {
			return nil, deny(program.ReasonDisallowedCall, "group selection must name one column")
		}
		return groupVal{frame: r.frame, by: r.by, col: cols[0]}, nil
	case shapeVal:
		if f, ok := numberOf(keys[0]); ok && f == 0 && len(keys) == 1 {
			return scalarVal{steps: r.frame.with(program.Aggregate{Func: program.AggCount}).steps}, nil
		}
		return nil, deny(program.ReasonDisallowedCall, "only shape[0] is supported")
	}
	return nil, deny(program.ReasonDisallowedCall, "value is not subscriptable")
}

// frameKey applies df[key]: a column, a column list, a row slice or a mask.
func (l *lowerer) frameKey(f frameVal, key value) (value, *violation) {
	switch k := key.(type) {
	case literalVal:
		col, ok := k.v.(string)
		if !ok {
			return nil, deny(program.ReasonDisallowedAttribute, "column key must be a string")
		}
		return seriesVal{frame: f, col: col}, nil
	case listVal:
		cols, ok := stringsOf(k)
		if !ok || len(cols) == 0 {
			return nil, deny(program.ReasonDisallowedAttribute, "column list must hold strings")
		}
		return f.with(program.Project{Columns: cols}), nil
	case sliceVal:
		if !k.hasStop {
			return f, nil
		}
		return f.with(program.Limit{N: k.stop}), nil
	}
	return l.filter(f, key)
}

func (l *lowerer) filter(f frameVal, mask value) (frameVal, *violation) {
	expr, base, viol := toExpr(mask)
	if viol != nil {
		return frameVal{}, viol
	}
	if base == nil {
		return frameVal{}, deny(program.ReasonDisallowedCall, "filter does not reference a column")
	}
	if len(base.steps) > 0 && base.key() != f.key() {
		return frameVal{}, deny(program.ReasonDisallowedCall, "filter mask comes from a different frame")
	}
	return f.with(program.Filter{Pred: expr}), nil
}

func stringsOf(v value) ([]string, bool) {
	switch x := v.(type) {
	case literalVal:
		s, ok := x.v.(string)
		return []string{s}, ok
	case listVal:
		out := make([]string, 0, len(x.items))
		for _, it := range x.items {
			lit, ok := it.(literalVal)
			if !ok {
				return nil, false
			}
			s, ok := lit.v.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func (l *lowerer) attribute(n *sitter.Node) (value, *violation) {
	obj, viol := l.lower(n.ChildByFieldName("object"))
	if viol != nil {
		return nil, viol
	}
	name := l.text(n.ChildByFieldName("attribute"))

	switch o := obj.(type) {
	case moduleVal:
		if name == "to_datetime" || name == "Timestamp" {
			return methodVal{recv: o, name: name}, nil
		}
		return nil, deny(program.ReasonDisallowedCall, "%s.%s is not allowed", o.name, name)
	case frameVal:
		switch {
		case name == "loc":
			return locVal{frame: o}, nil
		case name == "shape":
			return shapeVal{frame: o}, nil
		case frameMethods[name]:
			return methodVal{recv: o, name: name}, nil
		}
		return seriesVal{frame: o, col: name}, nil
	case seriesVal:
		if name == "str" {
			if len(o.index) > 0 {
				return nil, deny(program.ReasonDisallowedCall, "string methods on aggregated series")
			}
			return strVal{series: o}, nil
		}
		if seriesMethods[name] {
			return methodVal{recv: o, name: name}, nil
		}
	case strVal:
		if strMethods[name] {
			return methodVal{recv: o, name: name}, nil
		}
	case groupVal:
		if groupMethods[name] {
			return methodVal{recv: o, name: name}, nil
		}
		if o.col == "" {
			return groupVal{frame: o.frame, by: o.by, col: name}, nil
		}
	}
	return nil, deny(program.ReasonDisallowedAttribute, "attribute %q is not allowed here", name)
}

// args holds evaluated call arguments.
type args struct {
	pos []value
	kw  map[string]value
}

func (a args) get(i int, name string) (value, bool) {
	if v, ok := a.kw[name]; ok {
		return v, true
	}
	if i >= 0 && i < len(a.pos) {
		return a.pos[i], true
	}
	return nil, false
}

func (a args) only(maxPos int, names ...string) *violation {
	if len(a.pos) > maxPos {
		return deny(program.ReasonDisallowedCall, "too many arguments")
	}
	allowed := set(names...)
	for k := range a.kw {
		if !allowed[k] {
			return deny(program.ReasonDisallowedCall, "unsupported argument %q", k)
		}
	}
	return nil
}

func (a args) intArg(i int, name string, def int) (int, *violation) {
	v, ok := a.get(i, name)
	if !ok {
		return def, nil
	}
	f, ok := numberOf(v)
	if !ok || f < 0 || f != float64(int(f)) {
		return 0, deny(program.ReasonDisallowedCall, "argument %q must be a non-negative integer", name)
	}
	return int(f), nil
}

func (a args) boolArg(i int, name string, def bool) (bool, *violation) {
	v, ok := a.get(i, name)
	if !ok {
		return def, nil
	}
	lit, ok := v.(literalVal)
	if !ok {
		return false, deny(program.ReasonDisallowedCall, "argument %q must be a boolean", name)
	}
	switch b := lit.v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	}
	return false, deny(program.ReasonDisallowedCall, "argument %q must be a boolean", name)
}

func (l *lowerer) arguments(n *sitter.Node) (args, *violation) {
	a := args{kw: map[string]value{}}
	if n == nil {
		return a, nil
	}
	if n.Type() != "argument_list" {
		return a, deny(program.ReasonDisallowedCall, "%s as call arguments", strings.ReplaceAll(n.Type(), "_", " "))
	}
	for _, child := range namedChildren(n) {
		switch child.Type() {
		case "keyword_argument":
			name := l.text(child.ChildByFieldName("name"))
			v, viol := l.lower(child.ChildByFieldName("value"))
			if viol != nil {
				return a, viol
			}
			a.kw[name] = v
		case "list_splat", "dictionary_splat":
			return a, deny(program.ReasonDisallowedCall, "argument unpacking")
		default:
			if len(a.kw) > 0 {
				return a, deny(program.ReasonSyntaxError, "positional argument after keyword argument")
			}
			v, viol := l.lower(child)
			if viol != nil {
				return a, viol
			}
			a.pos = append(a.pos, v)
		}
	}
	return a, nil
}

func (l *lowerer) call(n *sitter.Node) (value, *violation) {
	fn := n.ChildByFieldName("function")
	a, viol := l.arguments(n.ChildByFieldName("arguments"))
	if viol != nil {
		return nil, viol
	}

	if fn.Type() == "identifier" {
		if name := l.text(fn); name == "len" {
			if viol := a.only(1); viol != nil || len(a.pos) != 1 {
				return nil, deny(program.ReasonDisallowedCall, "len takes one argument")
			}
			switch x := a.pos[0].(type) {
			case frameVal:
				return scalarVal{steps: x.with(program.Aggregate{Func: program.AggCount}).steps}, nil
			case seriesVal:
				return scalarVal{steps: x.frame.with(program.Aggregate{Func: program.AggCount}).steps}, nil
			}
			return nil, deny(program.ReasonDisallowedCall, "len of a non-tabular value")
		} else if name != FrameName && name != "pd" {
			return nil, deny(program.ReasonDisallowedCall, "call to %q", name)
		}
	}

	callee, viol := l.lower(fn)
	if viol != nil {
		return nil, viol
	}
	m, ok := callee.(methodVal)
	if !ok {
		return nil, deny(program.ReasonDisallowedCall, "value is not callable")
	}
	switch recv := m.recv.(type) {
	case moduleVal:
		return l.moduleCall(m.name, a)
	case frameVal:
		return l.frameCall(recv, m.name, a)
	case seriesVal:
		return l.seriesCall(recv, m.name, a)
	case strVal:
		return l.strCall(recv, m.name, a)
	case groupVal:
		return l.groupCall(recv, m.name, a)
	}
	return nil, deny(program.ReasonDisallowedCall, "method %q", m.name)
}

func (l *lowerer) moduleCall(name string, a args) (value, *violation) {
	if viol := a.only(1); viol != nil {
		return nil, viol
	}
	v, ok := a.get(0, "")
	if !ok {
		return nil, deny(program.ReasonDisallowedCall, "%s needs a date string", name)
	}
	lit, ok := v.(literalVal)
	s, isStr := lit.v.(string)
	if !ok || !isStr {
		return nil, deny(program.ReasonDisallowedCall, "%s needs a date string", name)
	}
	d, ok := dataset.ParseDate(s)
	if !ok {
		return nil, deny(program.ReasonDisallowedCall, "unrecognized date %q", s)
	}
	return literalVal{v: d}, nil
}

func sortKeys(a args, byName string, byPos int) ([]program.SortKey, *violation) {
	byVal, ok := a.get(byPos, byName)
	if !ok {
		return nil, deny(program.ReasonDisallowedCall, "sort needs %q", byName)
	}
	cols, ok := stringsOf(byVal)
	if !ok || len(cols) == 0 {
		return nil, deny(program.ReasonDisallowedCall, "%q must name columns", byName)
	}
	desc := make([]bool, len(cols))
	if asc, ok := a.get(byPos+1, "ascending"); ok {
		switch x := asc.(type) {
		case literalVal:
			b, isBool := x.v.(bool)
			if !isBool {
				return nil, deny(program.ReasonDisallowedCall, "ascending must be a boolean")
			}
			for i := range desc {
				desc[i] = !b
			}
		case listVal:
			if len(x.items) != len(cols) {
				return nil, deny(program.ReasonDisallowedCall, "ascending must match by")
			}
			for i, it := range x.items {
				lit, isLit := it.(literalVal)
				b, isBool := lit.v.(bool)
				if !isLit || !isBool {
					return nil, deny(program.ReasonDisallowedCall, "ascending must be booleans")
				}
				desc[i] = !b
			}
		default:
			return nil, deny(program.ReasonDisallowedCall, "ascending must be a boolean")
		}
	}
	keys := make([]program.SortKey, len(cols))
	for i, c := range cols {
		keys[i] = program.SortKey{Column: c, Desc: desc[i]}
	}
	return keys, nil
}

func (l *lowerer) frameCall(f frameVal, name string, a args) (value, *violation) {
	switch name {
	case "head":
		if viol := a.only(1, "n"); viol != nil {
			return nil, viol
		}
		n, viol := a.intArg(0, "n", 5)
		if viol != nil {
			return nil, viol
		}
		return f.with(program.Limit{N: n}), nil
	case "sort_values":
		if viol := a.only(2, "by", "ascending"); viol != nil {
			return nil, viol
		}
		keys, viol := sortKeys(a, "by", 0)
		if viol != nil {
			return nil, viol
		}
		return f.with(program.Sort{Keys: keys}), nil
	case "nlargest", "nsmallest":
		if viol := a.only(2, "n", "columns"); viol != nil {
			return nil, viol
		}
		n, viol := a.intArg(0, "n", 5)
		if viol != nil {
			return nil, viol
		}
		colsVal, ok := a.get(1, "columns")
		cols, isStr := stringsOf(colsVal)
		if !ok || !isStr || len(cols) == 0 {
			return nil, deny(program.ReasonDisallowedCall, "%s needs columns", name)
		}
		keys := make([]program.SortKey, len(cols))
		for i, c := range cols {
			keys[i] = program.SortKey{Column: c, Desc: name == "nlargest"}
		}
		return f.with(program.Sort{Keys: keys}, program.Limit{N: n}), nil
	case "drop_duplicates":
		if viol := a.only(1, "subset", "keep"); viol != nil {
			return nil, viol
		}
		if keep, ok := a.get(-1, "keep"); ok {
			if lit, isLit := keep.(literalVal); !isLit || lit.v != "first" {
				return nil, deny(program.ReasonDisallowedCall, "drop_duplicates only keeps the first row")
			}
		}
		var cols []string
		if subset, ok := a.get(0, "subset"); ok {
			if lit, isLit := subset.(literalVal); !isLit || lit.v != nil {
				var isStr bool
				cols, isStr = stringsOf(subset)
				if !isStr {
					return nil, deny(program.ReasonDisallowedCall, "subset must name columns")
				}
			}
		}
		return f.with(program.Distinct{Columns: cols}), nil
	case "groupby":
		if viol := a.only(1, "by"); viol != nil {
			return nil, viol
		}
		byVal, ok := a.get(0, "by")
		by, isStr := stringsOf(byVal)
		if !ok || !isStr || len(by) == 0 {
			return nil, deny(program.ReasonDisallowedCall, "groupby needs column names")
		}
		return groupVal{frame: f, by: by}, nil
	case "reset_index":
		if viol := a.only(0, "drop"); viol != nil {
			return nil, viol
		}
		return f, nil
	case "copy":
		if viol := a.only(0, "deep"); viol != nil {
			return nil, viol
		}
		return f, nil
	case "dropna":
		if viol := a.only(0, "subset"); viol != nil {
			return nil, viol
		}
		subset, ok := a.get(-1, "subset")
		cols, isStr := stringsOf(subset)
		if !ok || !isStr || len(cols) == 0 {
			return nil, deny(program.ReasonDisallowedCall, "dropna needs a subset")
		}
		var pred program.Expr
		for _, c := range cols {
			e := program.IsNull{Expr: program.ColumnRef{Name: c}, Negate: true}
			if pred == nil {
				pred = e
			} else {
				pred = program.Logical{Op: program.OpAnd, Left: pred, Right: e}
			}
		}
		return f.with(program.Filter{Pred: pred}), nil
	}
	return nil, deny(program.ReasonDisallowedCall, "method %q", name)
}

func (l *lowerer) seriesCall(s seriesVal, name string, a args) (value, *violation) {
	col := program.ColumnRef{Name: s.col}
	if fn, ok := aggMethods[name]; ok {
		if viol := a.only(0); viol != nil {
			return nil, viol
		}
		return scalarVal{steps: s.frame.with(program.Aggregate{Func: fn, Column: s.col}).steps}, nil
	}

	switch name {
	case "unique":
		if viol := a.only(0); viol != nil {
			return nil, viol
		}
		return s.frame.with(program.Project{Columns: []string{s.col}}, program.Distinct{}), nil
	case "value_counts":
		if viol := a.only(0, "ascending"); viol != nil {
			return nil, viol
		}
		asc, viol := a.boolArg(-1, "ascending", false)
		if viol != nil {
			return nil, viol
		}
		if len(s.index) > 0 {
			return nil, deny(program.ReasonDisallowedCall, "value_counts of an aggregated series")
		}
		group := program.GroupAggregate{By: []string{s.col}, Func: program.AggCount}
		out := group.OutputName()
		return seriesVal{
			frame: s.frame.with(group, program.Sort{Keys: []program.SortKey{{Column: out, Desc: !asc}, {Column: s.col}}}),
			col:   out,
			index: []string{s.col},
		}, nil
	case "head":
		if viol := a.only(1, "n"); viol != nil {
			return nil, viol
		}
		n, viol := a.intArg(0, "n", 5)
		if viol != nil {
			return nil, viol
		}
		return seriesVal{frame: s.frame.with(program.Limit{N: n}), col: s.col, index: s.index}, nil
	case "sort_values":
		if viol := a.only(1, "ascending"); viol != nil {
			return nil, viol
		}
		asc, viol := a.boolArg(0, "ascending", true)
		if viol != nil {
			return nil, viol
		}
		return seriesVal{frame: s.frame.with(program.Sort{Keys: []program.SortKey{{Column: s.col, Desc: !asc}}}), col: s.col, index: s.index}, nil
	case "nlargest", "nsmallest":
		if viol := a.only(1, "n"); viol != nil {
			return nil, viol
		}
		n, viol := a.intArg(0, "n", 5)
		if viol != nil {
			return nil, viol
		}
		sorted := s.frame.with(program.Sort{Keys: []program.SortKey{{Column: s.col, Desc: name == "nlargest"}}}, program.Limit{N: n})
		return seriesVal{frame: sorted, col: s.col, index: s.index}, nil
	case "drop_duplicates":
		if viol := a.only(0); viol != nil {
			return nil, viol
		}
		return seriesVal{frame: s.frame.with(program.Distinct{Columns: []string{s.col}}), col: s.col, index: s.index}, nil
	case "reset_index", "to_frame":
		if viol := a.only(0, "drop", "name"); viol != nil {
			return nil, viol
		}
		return s.frame.with(program.Project{Columns: append(append([]string(nil), s.index...), s.col)}), nil
	case "tolist", "to_list":
		if viol := a.only(0); viol != nil {
			return nil, viol
		}
		return s, nil
	}

	if len(s.index) > 0 {
		return nil, deny(program.ReasonDisallowedCall, "%s on an aggregated series", name)
	}
	switch name {
	case "isin":
		if viol := a.only(1, "values"); viol != nil {
			return nil, viol
		}
		v, ok := a.get(0, "values")
		list, isList := v.(listVal)
		if !ok || !isList {
			return nil, deny(program.ReasonDisallowedCall, "isin needs a list of literals")
		}
		vals := make([]program.Literal, 0, len(list.items))
		for _, it := range list.items {
			lit, isLit := it.(literalVal)
			if !isLit {
				return nil, deny(program.ReasonDisallowedCall, "isin needs a list of literals")
			}
			vals = append(vals, program.Literal{Value: lit.v})
		}
		return maskVal{expr: program.In{Expr: col, Values: vals}, base: s.frame}, nil
	case "between":
		if viol := a.only(2, "left", "right", "inclusive"); viol != nil {
			return nil, viol
		}
		lo, okLo := a.get(0, "left")
		hi, okHi := a.get(1, "right")
		loLit, isLo := lo.(literalVal)
		hiLit, isHi := hi.(literalVal)
		if !okLo || !okHi || !isLo || !isHi {
			return nil, deny(program.ReasonDisallowedCall, "between needs two literal bounds")
		}
		loOp, hiOp := program.OpGe, program.OpLe
		if inc, ok := a.get(-1, "inclusive"); ok {
			lit, _ := inc.(literalVal)
			switch lit.v {
			case "both":
			case "neither":
				loOp, hiOp = program.OpGt, program.OpLt
			case "left":
				hiOp = program.OpLt
			case "right":
				loOp = program.OpGt
			default:
				return nil, deny(program.ReasonDisallowedCall, "inclusive must be both, neither, left or right")
			}
		}
		return maskVal{expr: program.Logical{
			Op:    program.OpAnd,
			Left:  program.Compare{Op: loOp, Left: col, Right: program.Literal{Value: loLit.v}},
			Right: program.Compare{Op: hiOp, Left: col, Right: program.Literal{Value: hiLit.v}},
		}, base: s.frame}, nil
	case "isna", "isnull", "notna", "notnull":
		if viol := a.only(0); viol != nil {
			return nil, viol
		}
		return maskVal{expr: program.IsNull{Expr: col, Negate: strings.HasPrefix(name, "not")}, base: s.frame}, nil
	}
	return nil, deny(program.ReasonDisallowedCall, "method %q", name)
}

const regexMeta = ".^$*+?()[]{}|\\"

func (l *lowerer) strCall(s strVal, name string, a args) (value, *violation) {
	if viol := a.only(1, "pat", "case", "regex", "na"); viol != nil {
		return nil, viol
	}
	patVal, ok := a.get(0, "pat")
	lit, isLit := patVal.(literalVal)
	pat, isStr := lit.v.(string)
	if !ok || !isLit || !isStr {
		return nil, deny(program.ReasonDisallowedCall, "str.%s needs a string pattern", name)
	}
	caseSensitive, viol := a.boolArg(-1, "case", true)
	if viol != nil {
		return nil, viol
	}
	mode := program.MatchContains
	switch name {
	case "startswith":
		mode = program.MatchPrefix
	case "endswith":
		mode = program.MatchSuffix
	case "contains":
		regex, viol := a.boolArg(-1, "regex", true)
		if viol != nil {
			return nil, viol
		}
		if regex && strings.ContainsAny(pat, regexMeta) {
			return nil, deny(program.ReasonDisallowedCall, "regular expression patterns are not supported")
		}
	}
	if name != "contains" {
		if _, ok := a.kw["case"]; ok {
			return nil, deny(program.ReasonDisallowedCall, "unsupported argument %q", "case")
		}
		if _, ok := a.kw["regex"]; ok {
			return nil, deny(program.ReasonDisallowedCall, "unsupported argument %q", "regex")
		}
	}
	return maskVal{
		expr: program.Match{Expr: program.ColumnRef{Name: s.series.col}, Mode: mode, Pattern: pat, CaseInsensitive: !caseSensitive},
		base: s.series.frame,
	}, nil
}

func (l *lowerer) groupCall(g groupVal, name string, a args) (value, *violation) {
	fnName := name
	if name == "agg" {
		if viol := a.only(1, "func"); viol != nil {
			return nil, viol
		}
		v, ok := a.get(0, "func")
		lit, isLit := v.(literalVal)
		s, isStr := lit.v.(string)
		if !ok || !isLit || !isStr {
			return nil, deny(program.ReasonDisallowedCall, "agg needs a function name")
		}
		fnName = s
	} else if viol := a.only(0); viol != nil {
		return nil, viol
	}

	var group program.GroupAggregate
	switch {
	case fnName == "size":
		group = program.GroupAggregate{By: g.by, Func: program.AggCount}
	case g.col == "":
		return nil, deny(program.ReasonDisallowedCall, "select a column before %s", fnName)
	default:
		fn, ok := aggMethods[fnName]
		if !ok {
			return nil, deny(program.ReasonDisallowedCall, "aggregate %q", fnName)
		}
		group = program.GroupAggregate{By: g.by, Func: fn, Column: g.col}
	}
	return seriesVal{frame: g.frame.with(group), col: group.OutputName(), index: g.by}, nil
}

// result turns the final value of the expression into a plan.
func (l *lowerer) result(v value) (*program.Plan, *violation) {
	switch r := v.(type) {
	case frameVal:
		return &program.Plan{Steps: r.steps}, nil
	case seriesVal:
		cols := append(append([]string(nil), r.index...), r.col)
		return &program.Plan{Steps: r.frame.with(program.Project{Columns: cols}).steps}, nil
	case scalarVal:
		return &program.Plan{Steps: r.steps}, nil
	case maskVal:
		return nil, deny(program.ReasonDisallowedCall, "a boolean mask is not a query result")
	case groupVal:
		return nil, deny(program.ReasonDisallowedCall, "groupby needs an aggregation")
	}
	return nil, deny(program.ReasonDisallowedCall, "expression does not query the dataset")
}
