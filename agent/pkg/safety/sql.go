package safety

import (
	"context"
	"strconv"
	"strings"
	"unicode"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/sql"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

var (
	joinNodes     = set("join", "cross_join", "lateral_join", "lateral_cross_join")
	sqlDeniedNode = map[string]string{
		"cte":               "common table expressions are not supported",
		"subquery":          "subqueries are not supported",
		"exists":            "subqueries are not supported",
		"set_operation":     "set operations are not supported",
		"case":              "CASE expressions are not supported",
		"window_function":   "window functions are not supported",
		"window_clause":     "window functions are not supported",
		"offset":            "OFFSET is not supported",
		"cast":              "casts are not supported",
		"interval":          "intervals are not supported",
		"keyword_escape":    "LIKE ESCAPE is not supported",
		"array":             "arrays are not supported",
		"parameter":         "bind parameters are not supported",
		"keyword_into":      "SELECT INTO is not supported",
		"keyword_returning": "RETURNING is not supported",
	}
)

func (v *Validator) checkSQL(ctx context.Context, src []byte, cat *dataset.Catalog) (*program.Plan, *violation) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(sql.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, deny(program.ReasonSyntaxError, "parse failed: %v", err)
	}
	defer tree.Close()
	root := tree.RootNode()

	top := namedChildren(root)
	if len(top) == 0 {
		return nil, deny(program.ReasonSyntaxError, "empty statement")
	}
	first := top[0]

	// Unparsed statements only carry their verb as leading text.
	word := leadingWord(nodeText(first, src))
	if reason, denied := v.policy.SQLVerb(word); denied {
		return nil, deny(reason, "%s is not allowed", strings.ToUpper(word))
	}
	if viol := v.walkSQL(first, src, 0); viol != nil {
		return nil, viol
	}
	if len(top) > 1 {
		if top[1].Type() == "statement" {
			return nil, deny(program.ReasonSyntaxError, "multiple statements")
		}
		return nil, deny(program.ReasonSyntaxError, "statement does not parse")
	}
	if root.HasError() || first.Type() != "statement" {
		return nil, deny(program.ReasonSyntaxError, "statement does not parse")
	}

	l := &sqlLowerer{src: src, cat: cat, aliases: map[string]string{}}
	return l.statement(first)
}

// leadingWord returns the first keyword of a statement.
func leadingWord(s string) string {
	s = strings.TrimLeft(s, "( \t\r\n")
	end := strings.IndexFunc(s, func(r rune) bool { return r != '_' && !unicode.IsLetter(r) })
	if end < 0 {
		return s
	}
	return s[:end]
}

// walkSQL visits every node in pre-order and returns the first denied
// construct. Verbs are matched against grammar keywords only, so columns
// that share a name with a verb stay usable.
func (v *Validator) walkSQL(n *sitter.Node, src []byte, depth int) *violation {
	if depth > v.policy.MaxDepth() {
		return deny(program.ReasonSyntaxError, "statement nests deeper than %d", v.policy.MaxDepth())
	}
	t := n.Type()
	switch {
	case strings.HasPrefix(t, "keyword_"):
		word := strings.TrimPrefix(t, "keyword_")
		if reason, denied := v.policy.SQLVerb(word); denied {
			return deny(reason, "%s is not allowed", strings.ToUpper(word))
		}
		if t == "keyword_explain" {
			return deny(program.ReasonSyntaxError, "only plain SELECT statements are allowed")
		}
	case t == "ERROR":
		word := leadingWord(nodeText(n, src))
		if reason, denied := v.policy.SQLVerb(word); denied {
			return deny(reason, "%s is not allowed", strings.ToUpper(word))
		}
	case joinNodes[t]:
		return deny(program.ReasonDisallowedCall, "joins are not supported")
	case t == "object_reference":
		if name := nodeText(n, src); v.policy.StoreInternal(unquoteIdent(name)) {
			return deny(program.ReasonDisallowedAttribute, "reference to store internals %q", name)
		}
		for _, id := range namedChildren(n) {
			if name := unquoteIdent(nodeText(id, src)); v.policy.StoreInternal(name) {
				return deny(program.ReasonDisallowedAttribute, "reference to store internals %q", name)
			}
		}
	case t == "invocation":
		fn := firstNamed(n, "object_reference")
		if fn == nil {
			return deny(program.ReasonDisallowedCall, "call expression is not allowed")
		}
		name := strings.ToUpper(nodeText(fn, src))
		if _, ok := sqlAggregates[name]; !ok {
			return deny(program.ReasonDisallowedCall, "function %s is not allowed", name)
		}
	}
	if detail, ok := sqlDeniedNode[t]; ok {
		return deny(program.ReasonDisallowedCall, "%s", detail)
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if viol := v.walkSQL(n.Child(i), src, depth+1); viol != nil {
			return viol
		}
	}
	return nil
}

// fields returns the children of n stored under name, punctuation included.
func fields(n *sitter.Node, name string) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.FieldNameForChild(i) == name {
			out = append(out, n.Child(i))
		}
	}
	return out
}

// field returns the first named child of n stored under name. Parentheses
// share the field with the expression they wrap.
func field(n *sitter.Node, name string) *sitter.Node {
	for _, c := range fields(n, name) {
		if c.IsNamed() {
			return c
		}
	}
	return nil
}

func firstNamed(n *sitter.Node, typ string) *sitter.Node {
	for _, c := range namedChildren(n) {
		if c.Type() == typ {
			return c
		}
	}
	return nil
}

func hasChild(n *sitter.Node, typ string) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		if n.Child(i).Type() == typ {
			return true
		}
	}
	return false
}

// unquoteIdent strips double-quote or backtick identifier quoting.
func unquoteIdent(s string) string {
	if len(s) >= 2 {
		switch q := s[0]; {
		case q == '"' && s[len(s)-1] == '"':
			return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
		case q == '`' && s[len(s)-1] == '`':
			return strings.ReplaceAll(s[1:len(s)-1], "``", "`")
		}
	}
	return s
}

var sqlAggregates = map[string]program.AggFunc{
	"COUNT":  program.AggCount,
	"SUM":    program.AggSum,
	"AVG":    program.AggMean,
	"MEAN":   program.AggMean,
	"MIN":    program.AggMin,
	"MAX":    program.AggMax,
	"MEDIAN": program.AggMedian,
}

type selectItem struct {
	column string
	agg    *program.Aggregate
	alias  string
}

// sqlLowerer turns an allow-listed SELECT into a plan.
type sqlLowerer struct {
	src        []byte
	cat        *dataset.Catalog
	tableAlias string
	aliases    map[string]string
	group      *program.GroupAggregate
}

func (l *sqlLowerer) text(n *sitter.Node) string {
	return nodeText(n, l.src)
}

func (l *sqlLowerer) statement(stmt *sitter.Node) (*program.Plan, *violation) {
	var sel, from *sitter.Node
	for _, c := range namedChildren(stmt) {
		switch c.Type() {
		case "select":
			sel = c
		case "from":
			from = c
		default:
			return nil, deny(program.ReasonSyntaxError, "only SELECT statements are allowed")
		}
	}
	if sel == nil {
		return nil, deny(program.ReasonSyntaxError, "only SELECT statements are allowed")
	}
	if from == nil {
		return nil, deny(program.ReasonSyntaxError, "SELECT needs FROM %s", l.cat.Table())
	}

	var where, groupBy, orderBy, limit *sitter.Node
	var relations []*sitter.Node
	for _, c := range namedChildren(from) {
		switch c.Type() {
		case "keyword_from":
		case "relation":
			relations = append(relations, c)
		case "where":
			where = c
		case "group_by":
			groupBy = c
		case "order_by":
			orderBy = c
		case "limit":
			limit = c
		default:
			return nil, deny(program.ReasonDisallowedCall, "%s is not supported", strings.ReplaceAll(c.Type(), "_", " "))
		}
	}
	if len(relations) != 1 {
		return nil, deny(program.ReasonDisallowedCall, "joins are not supported")
	}
	if viol := l.relation(relations[0]); viol != nil {
		return nil, viol
	}

	distinct := hasChild(sel, "keyword_distinct")
	items, star, viol := l.selectList(sel)
	if viol != nil {
		return nil, viol
	}

	var steps []program.Step
	if where != nil {
		pred, viol := l.expr(field(where, "predicate"))
		if viol != nil {
			return nil, viol
		}
		steps = append(steps, program.Filter{Pred: pred})
	}

	var by []string
	var having *sitter.Node
	if groupBy != nil {
		inHaving := false
		for _, c := range namedChildren(groupBy) {
			switch t := c.Type(); {
			case t == "keyword_having":
				inHaving = true
			case strings.HasPrefix(t, "keyword_"):
			case inHaving:
				having = c
			default:
				col, viol := l.column(c)
				if viol != nil {
					return nil, viol
				}
				by = append(by, col)
			}
		}
	}

	aggSteps, viol := l.aggregation(items, star, by)
	if viol != nil {
		return nil, viol
	}
	if having != nil {
		if l.group == nil {
			return nil, deny(program.ReasonDisallowedCall, "HAVING requires GROUP BY with an aggregate")
		}
		pred, viol := l.expr(having)
		if viol != nil {
			return nil, viol
		}
		aggSteps = append(aggSteps, program.Filter{Pred: pred})
	}

	var order []program.SortKey
	if orderBy != nil {
		for _, c := range namedChildren(orderBy) {
			if c.Type() != "order_target" {
				continue
			}
			key, viol := l.orderTarget(c)
			if viol != nil {
				return nil, viol
			}
			order = append(order, key)
		}
	}

	n := -1
	if limit != nil {
		lit := firstNamed(limit, "literal")
		if lit == nil {
			return nil, deny(program.ReasonSyntaxError, "LIMIT needs a non-negative integer")
		}
		v, err := strconv.Atoi(l.text(lit))
		if err != nil || v < 0 {
			return nil, deny(program.ReasonSyntaxError, "LIMIT needs a non-negative integer")
		}
		n = v
	}

	switch {
	case isScalar(aggSteps):
		steps = append(steps, aggSteps...)
	case l.group != nil:
		steps = append(steps, aggSteps...)
		if len(order) > 0 {
			steps = append(steps, program.Sort{Keys: order})
		}
	default:
		if len(order) > 0 {
			steps = append(steps, program.Sort{Keys: order})
		}
		steps = append(steps, aggSteps...)
		if !star {
			cols := make([]string, len(items))
			for i, it := range items {
				cols[i] = it.column
			}
			steps = append(steps, program.Project{Columns: cols})
		}
	}
	if distinct && l.group == nil && !isScalar(steps) && !endsDistinct(steps) {
		steps = append(steps, program.Distinct{})
	}
	if n >= 0 && !isScalar(steps) {
		steps = append(steps, program.Limit{N: n})
	}
	return &program.Plan{Steps: steps}, nil
}

func isScalar(steps []program.Step) bool {
	if len(steps) == 0 {
		return false
	}
	_, ok := steps[len(steps)-1].(program.Aggregate)
	return ok
}

func endsDistinct(steps []program.Step) bool {
	if len(steps) == 0 {
		return false
	}
	_, ok := steps[len(steps)-1].(program.Distinct)
	return ok
}

func (l *sqlLowerer) relation(n *sitter.Node) *violation {
	ref := firstNamed(n, "object_reference")
	if ref == nil {
		return deny(program.ReasonDisallowedCall, "subqueries are not supported")
	}
	if schema := field(ref, "schema"); schema != nil {
		return deny(program.ReasonDisallowedAttribute, "qualified table %q is not allowed", l.text(ref))
	}
	name := unquoteIdent(l.text(field(ref, "name")))
	if !strings.EqualFold(name, l.cat.Table()) {
		return deny(program.ReasonDisallowedAttribute, "unknown table %q", name)
	}
	if alias := field(n, "alias"); alias != nil {
		l.tableAlias = unquoteIdent(l.text(alias))
	}
	return nil
}

func (l *sqlLowerer) selectList(sel *sitter.Node) ([]selectItem, bool, *violation) {
	list := firstNamed(sel, "select_expression")
	if list == nil {
		return nil, false, deny(program.ReasonSyntaxError, "empty select list")
	}
	var items []selectItem
	star := false
	for _, term := range namedChildren(list) {
		value := field(term, "value")
		if value == nil {
			return nil, false, deny(program.ReasonSyntaxError, "malformed select item")
		}
		var item selectItem
		switch value.Type() {
		case "all_fields":
			star = true
			continue
		case "invocation":
			agg, viol := l.aggregateCall(value)
			if viol != nil {
				return nil, false, viol
			}
			item.agg = agg
		default:
			col, viol := l.column(value)
			if viol != nil {
				return nil, false, deny(program.ReasonDisallowedCall, "computed select items are not supported")
			}
			item.column = col
		}
		if alias := field(term, "alias"); alias != nil {
			item.alias = unquoteIdent(l.text(alias))
		}
		items = append(items, item)
	}
	if star && len(items) > 0 {
		return nil, false, deny(program.ReasonDisallowedCall, "SELECT * cannot be mixed with other items")
	}
	for _, it := range items {
		if it.agg == nil && it.alias != "" {
			l.aliases[strings.ToLower(it.alias)] = it.column
		}
	}
	return items, star, nil
}

// column resolves a column reference: a field, optionally qualified by the
// table or its alias, or a double-quoted name.
func (l *sqlLowerer) column(n *sitter.Node) (string, *violation) {
	switch n.Type() {
	case "field":
		if q := firstNamed(n, "object_reference"); q != nil {
			qual := unquoteIdent(l.text(q))
			if !strings.EqualFold(qual, l.cat.Table()) && (l.tableAlias == "" || !strings.EqualFold(qual, l.tableAlias)) {
				return "", deny(program.ReasonDisallowedAttribute, "unknown qualifier %q", qual)
			}
		}
		name := unquoteIdent(l.text(field(n, "name")))
		if target, ok := l.aliases[strings.ToLower(name)]; ok {
			return target, nil
		}
		return name, nil
	case "literal":
		if s := l.text(n); strings.HasPrefix(s, `"`) {
			return unquoteIdent(s), nil
		}
	}
	return "", deny(program.ReasonSyntaxError, "expected a column name, got %q", l.text(n))
}

func (l *sqlLowerer) aggregateCall(n *sitter.Node) (*program.Aggregate, *violation) {
	name := strings.ToUpper(l.text(firstNamed(n, "object_reference")))
	fn, ok := sqlAggregates[name]
	if !ok {
		return nil, deny(program.ReasonDisallowedCall, "function %s is not allowed", name)
	}
	params := fields(n, "parameter")
	if len(params) != 1 {
		return nil, deny(program.ReasonDisallowedCall, "%s takes one argument", name)
	}
	arg := field(params[0], "value")
	if arg == nil {
		arg = params[0]
	}
	agg := &program.Aggregate{Func: fn}
	if hasChild(n, "keyword_distinct") {
		if fn != program.AggCount {
			return nil, deny(program.ReasonDisallowedCall, "DISTINCT inside %s", name)
		}
		agg.Func = program.AggCountDistinct
	}
	if arg.Type() == "all_fields" {
		if agg.Func != program.AggCount {
			return nil, deny(program.ReasonDisallowedCall, "%s(*) is not supported", name)
		}
		return agg, nil
	}
	col, viol := l.column(arg)
	if viol != nil {
		return nil, deny(program.ReasonDisallowedCall, "%s needs a column argument", name)
	}
	agg.Column = col
	return agg, nil
}

// aggregation lowers the select list of an aggregate query. It returns no
// steps for plain projections.
func (l *sqlLowerer) aggregation(items []selectItem, star bool, groupBy []string) ([]program.Step, *violation) {
	var aggs []selectItem
	var cols []selectItem
	for _, it := range items {
		if it.agg != nil {
			aggs = append(aggs, it)
		} else {
			cols = append(cols, it)
		}
	}

	if len(aggs) == 0 {
		if len(groupBy) > 0 {
			if star {
				return nil, deny(program.ReasonDisallowedCall, "SELECT * with GROUP BY")
			}
			return []program.Step{program.Project{Columns: groupBy}, program.Distinct{}}, nil
		}
		return nil, nil
	}
	if len(aggs) > 1 {
		return nil, deny(program.ReasonDisallowedCall, "only one aggregate per query is supported")
	}
	agg := aggs[0].agg

	if len(groupBy) == 0 {
		if len(cols) > 0 {
			return nil, deny(program.ReasonDisallowedCall, "columns mixed with an aggregate need GROUP BY")
		}
		if aggs[0].alias != "" {
			l.aliases[strings.ToLower(aggs[0].alias)] = string(agg.Func)
		}
		return []program.Step{*agg}, nil
	}

	grouped := map[string]bool{}
	for _, g := range groupBy {
		grouped[strings.ToLower(g)] = true
	}
	for _, c := range cols {
		if !grouped[strings.ToLower(c.column)] {
			return nil, deny(program.ReasonDisallowedCall, "column %q is not grouped", c.column)
		}
	}
	group := program.GroupAggregate{By: groupBy, Func: agg.Func, Column: agg.Column}
	l.group = &group
	if aggs[0].alias != "" {
		l.aliases[strings.ToLower(aggs[0].alias)] = group.OutputName()
	}
	steps := []program.Step{group}

	// Reorder or trim output columns to match the select list.
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.agg != nil {
			out = append(out, group.OutputName())
		} else {
			out = append(out, it.column)
		}
	}
	natural := append(append([]string(nil), groupBy...), group.OutputName())
	if strings.Join(out, "\x00") != strings.Join(natural, "\x00") {
		steps = append(steps, program.Project{Columns: out})
	}
	return steps, nil
}

func (l *sqlLowerer) orderTarget(n *sitter.Node) (program.SortKey, *violation) {
	var key program.SortKey
	nulls := false
	for _, c := range namedChildren(n) {
		switch c.Type() {
		case "direction":
			key.Desc = hasChild(c, "keyword_desc")
		case "keyword_nulls":
			nulls = true
		case "keyword_first":
			if nulls {
				return key, deny(program.ReasonDisallowedCall, "only NULLS LAST ordering is supported")
			}
		case "keyword_last":
		case "invocation":
			agg, viol := l.aggregateCall(c)
			if viol != nil {
				return key, viol
			}
			name, viol := l.aggregateRef(agg)
			if viol != nil {
				return key, viol
			}
			key.Column = name
		default:
			col, viol := l.column(c)
			if viol != nil {
				return key, viol
			}
			key.Column = col
		}
	}
	if key.Column == "" {
		return key, deny(program.ReasonSyntaxError, "ORDER BY needs a column")
	}
	return key, nil
}

// aggregateRef maps an aggregate call in HAVING or ORDER BY to the output
// column of the query's group aggregate.
func (l *sqlLowerer) aggregateRef(agg *program.Aggregate) (string, *violation) {
	if l.group == nil || l.group.Func != agg.Func || !strings.EqualFold(l.group.Column, agg.Column) {
		return "", deny(program.ReasonDisallowedCall, "aggregate %s does not match the selected aggregate", agg.String())
	}
	return l.group.OutputName(), nil
}

var sqlCompare = map[string]program.CompareOp{
	"=": program.OpEq, "==": program.OpEq, "!=": program.OpNe, "<>": program.OpNe,
	"<": program.OpLt, "<=": program.OpLe, ">": program.OpGt, ">=": program.OpGe,
}

func (l *sqlLowerer) expr(n *sitter.Node) (program.Expr, *violation) {
	if n == nil {
		return nil, deny(program.ReasonSyntaxError, "missing expression")
	}
	switch t := n.Type(); t {
	case "field":
		col, viol := l.column(n)
		if viol != nil {
			return nil, viol
		}
		return program.ColumnRef{Name: col}, nil
	case "literal":
		return l.literal(n)
	case "parenthesized_expression":
		inner := namedChildren(n)
		if len(inner) != 1 {
			return nil, deny(program.ReasonSyntaxError, "empty parentheses")
		}
		return l.expr(inner[0])
	case "binary_expression":
		return l.binary(n)
	case "unary_expression":
		return l.unary(n)
	case "between_expression":
		return l.between(n)
	case "invocation":
		agg, viol := l.aggregateCall(n)
		if viol != nil {
			return nil, viol
		}
		name, viol := l.aggregateRef(agg)
		if viol != nil {
			return nil, viol
		}
		return program.ColumnRef{Name: name}, nil
	default:
		return nil, deny(program.ReasonDisallowedCall, "%s is not supported", strings.ReplaceAll(t, "_", " "))
	}
}

func (l *sqlLowerer) literal(n *sitter.Node) (program.Expr, *violation) {
	s := l.text(n)
	switch {
	case strings.HasPrefix(s, `"`):
		return program.ColumnRef{Name: unquoteIdent(s)}, nil
	case strings.HasPrefix(s, "'"):
		str, ok := unquoteString(s)
		if !ok {
			return nil, deny(program.ReasonSyntaxError, "bad string literal %s", s)
		}
		return program.Literal{Value: str}, nil
	case hasChild(n, "keyword_true"):
		return program.Literal{Value: true}, nil
	case hasChild(n, "keyword_false"):
		return program.Literal{Value: false}, nil
	case hasChild(n, "keyword_null"):
		return program.Literal{Value: nil}, nil
	case hasChild(n, "identifier"):
		// Typed literal such as DATE '2024-01-01'.
		kind := strings.ToUpper(l.text(firstNamed(n, "identifier")))
		i := strings.IndexByte(s, '\'')
		if (kind != "DATE" && kind != "TIMESTAMP") || i < 0 {
			return nil, deny(program.ReasonDisallowedCall, "%s literals are not supported", kind)
		}
		str, ok := unquoteString(s[i:])
		d, parsed := dataset.ParseDate(str)
		if !ok || !parsed {
			return nil, deny(program.ReasonSyntaxError, "bad date literal %s", s)
		}
		return program.Literal{Value: d}, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, deny(program.ReasonSyntaxError, "bad literal %q", s)
	}
	return program.Literal{Value: f}, nil
}

func unquoteString(s string) (string, bool) {
	if len(s) < 2 || s[0] != '\'' || s[len(s)-1] != '\'' {
		return "", false
	}
	return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), true
}

func (l *sqlLowerer) binary(n *sitter.Node) (program.Expr, *violation) {
	ops := fields(n, "operator")
	if len(ops) != 1 {
		return nil, deny(program.ReasonSyntaxError, "malformed expression")
	}
	op := ops[0]
	left, viol := l.expr(field(n, "left"))
	if viol != nil {
		return nil, viol
	}
	right := field(n, "right")

	switch op.Type() {
	case "keyword_and", "keyword_or":
		r, viol := l.expr(right)
		if viol != nil {
			return nil, viol
		}
		logical := program.OpAnd
		if op.Type() == "keyword_or" {
			logical = program.OpOr
		}
		return program.Logical{Op: logical, Left: left, Right: r}, nil
	case "keyword_like", "not_like":
		if right == nil || right.Type() != "literal" || !strings.HasPrefix(l.text(right), "'") {
			return nil, deny(program.ReasonDisallowedCall, "LIKE needs a string pattern")
		}
		pat, _ := unquoteString(l.text(right))
		var e program.Expr = program.Match{
			Expr:            left,
			Mode:            program.MatchLike,
			Pattern:         pat,
			CaseInsensitive: strings.Contains(strings.ToUpper(l.text(op)), "ILIKE"),
		}
		if op.Type() == "not_like" {
			e = program.Not{Expr: e}
		}
		return e, nil
	case "keyword_in", "not_in":
		if right == nil || right.Type() != "list" {
			return nil, deny(program.ReasonDisallowedCall, "IN needs a list of literals")
		}
		var vals []program.Literal
		for _, item := range namedChildren(right) {
			e, viol := l.expr(item)
			if viol != nil {
				return nil, viol
			}
			lit, ok := e.(program.Literal)
			if !ok {
				return nil, deny(program.ReasonDisallowedCall, "IN list must hold literals")
			}
			vals = append(vals, lit)
		}
		return program.In{Expr: left, Values: vals, Negate: op.Type() == "not_in"}, nil
	case "keyword_is", "is_not":
		if right == nil || !hasChild(right, "keyword_null") {
			return nil, deny(program.ReasonDisallowedCall, "IS only compares with NULL")
		}
		return program.IsNull{Expr: left, Negate: op.Type() == "is_not"}, nil
	}

	sym := l.text(op)
	r, viol := l.expr(right)
	if viol != nil {
		return nil, viol
	}
	if cmp, ok := sqlCompare[sym]; ok {
		return program.Compare{Op: cmp, Left: left, Right: r}, nil
	}
	if arith, ok := arithOps[sym]; ok {
		return program.Arith{Op: arith, Left: left, Right: r}, nil
	}
	return nil, deny(program.ReasonDisallowedCall, "operator %s is not supported", sym)
}

func (l *sqlLowerer) unary(n *sitter.Node) (program.Expr, *violation) {
	ops := fields(n, "operator")
	if len(ops) != 1 {
		return nil, deny(program.ReasonSyntaxError, "malformed expression")
	}
	inner, viol := l.expr(field(n, "operand"))
	if viol != nil {
		return nil, viol
	}
	switch op := ops[0]; {
	case op.Type() == "keyword_not":
		return program.Not{Expr: inner}, nil
	case l.text(op) == "-":
		if lit, ok := inner.(program.Literal); ok {
			if f, ok := lit.Value.(float64); ok {
				return program.Literal{Value: -f}, nil
			}
		}
		return program.Arith{Op: program.OpSub, Left: program.Literal{Value: 0.0}, Right: inner}, nil
	case l.text(op) == "+":
		return inner, nil
	default:
		return nil, deny(program.ReasonDisallowedCall, "unary operator %s is not supported", l.text(op))
	}
}

// between lowers BETWEEN to an inclusive range check.
func (l *sqlLowerer) between(n *sitter.Node) (program.Expr, *violation) {
	negate := false
	for _, op := range fields(n, "operator") {
		if op.Type() == "keyword_not" {
			negate = true
		}
	}
	left, viol := l.expr(field(n, "left"))
	if viol != nil {
		return nil, viol
	}
	lo, viol := l.expr(field(n, "low"))
	if viol != nil {
		return nil, viol
	}
	hi, viol := l.expr(field(n, "high"))
	if viol != nil {
		return nil, viol
	}
	var e program.Expr = program.Logical{
		Op:    program.OpAnd,
		Left:  program.Compare{Op: program.OpGe, Left: left, Right: lo},
		Right: program.Compare{Op: program.OpLe, Left: left, Right: hi},
	}
	if negate {
		e = program.Not{Expr: e}
	}
	return e, nil
}
