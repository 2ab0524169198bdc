package fallback

import (
	"log/slog"
	"strings"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/api/metrics"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// Template names a fallback rule.
type Template string

const (
	TemplateAggregate Template = "aggregate"
	TemplateFilter    Template = "filter"
	TemplateDistinct  Template = "distinct"
	TemplateTopN      Template = "top_n"
)

const (
	maxTopN        = 1000
	defaultTopN    = 10
	superlativeTop = 1
)

var (
	aggWords = map[string]program.AggFunc{
		"average": program.AggMean, "avg": program.AggMean, "mean": program.AggMean,
		"sum": program.AggSum, "total": program.AggSum,
		"minimum": program.AggMin, "min": program.AggMin,
		"maximum": program.AggMax, "max": program.AggMax,
		"median": program.AggMedian,
	}
	filterVerbs   = wordSet("show", "list", "find", "display", "get", "give", "fetch", "return", "select", "which", "who")
	distinctCues  = wordSet("distinct", "unique", "different")
	rankCues      = wordSet("top", "bottom")
	descendingSup = wordSet("highest", "largest", "biggest", "greatest", "most", "top")
	ascendingSup  = wordSet("lowest", "smallest", "least", "fewest", "bottom")
	vagueWords    = wordSet(
		"high", "low", "likely", "unlikely", "risky", "at-risk", "significant", "significantly",
		"loyal", "valuable", "engaged", "unhappy", "expensive", "cheap", "recent", "recently",
		"large", "small", "big", "frequent", "rarely", "often",
	)
)

type question struct {
	toks []token
	cat  *dataset.Catalog
	cond conditions
}

func newQuestion(text string, cat *dataset.Catalog) *question {
	toks := tokenize(text)
	return &question{toks: toks, cat: cat, cond: findConditions(toks, cat)}
}

func (q *question) index(set map[string]bool) int {
	for i, t := range q.toks {
		if t.word() && set[t.lower] {
			return i
		}
	}
	return -1
}

func (q *question) seq(words ...string) bool {
	for i := 0; i+len(words) <= len(q.toks); i++ {
		ok := true
		for k, w := range words {
			if q.toks[i+k].quoted || q.toks[i+k].lower != w {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func (q *question) counting() bool {
	if len(q.toks) > 0 && q.toks[0].lower == "count" {
		return true
	}
	return q.seq("how", "many") || q.seq("number", "of")
}

// vague reports a qualitative question with no concrete threshold anywhere.
func (q *question) vague() bool {
	if q.index(vagueWords) < 0 {
		return false
	}
	for _, t := range q.toks {
		if t.quoted {
			return false
		}
		if v := parseValue(t); v.isNum || v.isDate {
			return false
		}
	}
	return true
}

// superlative returns the index of the first ranking word such as
// "highest", ignoring comparisons like "at least".
func (q *question) superlative() int {
	for i, t := range q.toks {
		if !t.word() || rankCues[t.lower] || q.cond.covers(i) {
			continue
		}
		if i > 0 && (q.toks[i-1].lower == "at" || q.toks[i-1].lower == "no") {
			continue
		}
		if descendingSup[t.lower] || ascendingSup[t.lower] {
			return i
		}
	}
	return -1
}

// filter prepends the question's conditions to steps.
func (q *question) filter(steps ...program.Step) []program.Step {
	if q.cond.pred == nil {
		return steps
	}
	return append([]program.Step{program.Filter{Pred: q.cond.pred}}, steps...)
}

type template struct {
	name  Template
	build func(q *question) ([]program.Step, bool, error)
}

// Builder matches questions against ordered templates. The first template
// that matches wins.
type Builder struct {
	log       *slog.Logger
	templates []template
}

func New(log *slog.Logger) *Builder {
	return &Builder{
		log: log,
		templates: []template{
			{name: TemplateAggregate, build: aggregateTemplate},
			{name: TemplateFilter, build: filterTemplate},
			{name: TemplateDistinct, build: distinctTemplate},
			{name: TemplateTopN, build: topNTemplate},
		},
	}
}

// Build returns a validated candidate for the question. It fails with
// column_not_found when a template shape matched but a column could not be
// resolved, and with fallback_exhausted when no template matches.
func (b *Builder) Build(text string, cat *dataset.Catalog) (*program.Candidate, Template, error) {
	q := newQuestion(text, cat)
	if q.vague() {
		b.log.Info("fallback: vague question needs generation", "question", text)
		return nil, "", queryerr.New(queryerr.KindFallbackExhausted, "question has no concrete threshold")
	}

	for _, t := range b.templates {
		steps, ok, err := t.build(q)
		if err != nil {
			b.log.Info("fallback: template failed", "template", t.name, "error", err)
			return nil, "", err
		}
		if !ok {
			continue
		}
		plan, _, err := program.Bind(&program.Plan{Steps: steps}, cat)
		if err != nil {
			b.log.Debug("fallback: template plan does not bind", "template", t.name, "error", err)
			continue
		}
		c := program.NewCandidate(program.KindTabular, plan.String(), program.OriginFallback)
		if err := c.MarkValidated(plan); err != nil {
			return nil, "", err
		}
		metrics.RecordFallbackTemplate(string(t.name))
		b.log.Info("fallback: template matched", "template", t.name, "program", plan.String())
		return c, t.name, nil
	}

	if q.cond.err != nil {
		return nil, "", q.cond.err
	}
	return nil, "", queryerr.New(queryerr.KindFallbackExhausted, "no template matches the question")
}

// aggregateTemplate handles "how many ... <column> <op> <value>" and
// "average|sum|min|max|median <column> [where ...]".
func aggregateTemplate(q *question) ([]program.Step, bool, error) {
	if q.index(distinctCues) >= 0 || q.index(rankCues) >= 0 {
		return nil, false, nil
	}
	if q.counting() {
		if q.cond.err != nil {
			return nil, false, q.cond.err
		}
		if q.cond.pred == nil {
			return nil, false, nil
		}
		return q.filter(program.Aggregate{Func: program.AggCount}), true, nil
	}

	i := q.index(wordSetOf(aggWords))
	if i < 0 {
		return nil, false, nil
	}
	fn := aggWords[q.toks[i].lower]
	words := phraseAfter(q.toks, i+1)
	if len(words) == 0 {
		return nil, false, nil
	}
	col, err := resolve(prefixes(words), q.cat)
	if err != nil {
		return nil, false, err
	}
	if fn.Numeric() && col.Type != dataset.ColumnTypeNumeric {
		return nil, false, nil
	}
	if q.cond.err != nil {
		return nil, false, q.cond.err
	}
	return q.filter(program.Aggregate{Func: fn, Column: col.Name}), true, nil
}

// filterTemplate handles "show|list|find [columns] where <column> <op> <value>".
func filterTemplate(q *question) ([]program.Step, bool, error) {
	if len(q.toks) == 0 || (!filterVerbs[q.toks[0].lower] && q.index(wordSet("where")) < 0) {
		return nil, false, nil
	}
	if q.index(distinctCues) >= 0 || q.index(rankCues) >= 0 || q.superlative() >= 0 {
		return nil, false, nil
	}
	if q.cond.err != nil {
		return nil, false, q.cond.err
	}
	if q.cond.pred == nil {
		return nil, false, nil
	}

	var cols []string
	seen := make(map[string]bool)
	end := q.cond.first()
	for i := 1; i < end; i++ {
		t := q.toks[i]
		if !t.word() || (boundaries[t.lower] && t.lower != "and") {
			if t.lower == "where" || t.lower == "with" || t.lower == "whose" || t.lower == "having" {
				break
			}
			continue
		}
		var forms []string
		for _, v := range variants(t.text) {
			forms = append(forms, normalize(v))
		}
		if col, ok := exactMatch(forms, q.cat.Columns()); ok && !seen[col.Name] {
			seen[col.Name] = true
			cols = append(cols, col.Name)
		}
	}

	steps := []program.Step{program.Filter{Pred: q.cond.pred}}
	if len(cols) > 0 {
		steps = append(steps, program.Project{Columns: cols})
	}
	return steps, true, nil
}

// distinctTemplate handles "distinct|unique <column>" and "how many unique
// <column>".
func distinctTemplate(q *question) ([]program.Step, bool, error) {
	i := q.index(distinctCues)
	if i < 0 {
		return nil, false, nil
	}
	words := phraseAfter(q.toks, i+1)
	if len(words) == 0 {
		return nil, false, nil
	}
	col, err := resolve(prefixes(words), q.cat)
	if err != nil {
		return nil, false, err
	}
	if q.cond.err != nil {
		return nil, false, q.cond.err
	}
	if q.counting() {
		return q.filter(program.Aggregate{Func: program.AggCountDistinct, Column: col.Name}), true, nil
	}
	return q.filter(
		program.Project{Columns: []string{col.Name}},
		program.Distinct{Columns: []string{col.Name}},
	), true, nil
}

// topNTemplate handles "top|bottom N ... by <column>" and "N ... with the
// highest|lowest <column>".
func topNTemplate(q *question) ([]program.Step, bool, error) {
	rank := q.index(rankCues)
	sup := q.superlative()
	if rank < 0 && sup < 0 {
		return nil, false, nil
	}

	desc := true
	n := 0
	if rank >= 0 {
		desc = q.toks[rank].lower == "top"
		if rank+1 < len(q.toks) {
			n = positiveInt(q.toks[rank+1])
		}
	}
	if sup >= 0 {
		desc = descendingSup[q.toks[sup].lower]
	}

	var words []string
	if by := q.index(wordSet("by")); by >= 0 {
		words = phraseAfter(q.toks, by+1)
	} else if sup >= 0 {
		words = phraseAfter(q.toks, sup+1)
	}
	if len(words) == 0 {
		return nil, false, nil
	}
	col, err := resolve(prefixes(words), q.cat)
	if err != nil {
		return nil, false, err
	}
	if q.cond.err != nil {
		return nil, false, q.cond.err
	}

	if n == 0 && sup >= 0 {
		for i := 0; i < sup && n == 0; i++ {
			if !q.cond.covers(i) {
				n = positiveInt(q.toks[i])
			}
		}
	}
	switch {
	case n > 0:
		n = min(n, maxTopN)
	case rank >= 0:
		n = defaultTopN
	default:
		n = superlativeTop
	}

	return q.filter(
		program.Sort{Keys: []program.SortKey{{Column: col.Name, Desc: desc}}},
		program.Limit{N: n},
	), true, nil
}

func positiveInt(t token) int {
	if t.quoted || strings.ContainsAny(t.text, ".%,") {
		return 0
	}
	v, ok := parseNumber(t.text)
	if !ok || v < 1 || v != float64(int(v)) {
		return 0
	}
	return int(v)
}

func wordSetOf[V any](m map[string]V) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}
