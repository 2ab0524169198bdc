package fallback

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/lake/agent/pkg/program"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

const maxPhraseWords = 4

var (
	contraction = regexp.MustCompile(`(\pL)'(\pL)`)
	tokenRE     = regexp.MustCompile(`'[^']*'|"[^"]*"|>=|<=|!=|<>|==|=|>|<|[\pL\pN_$%:/-]+(?:\.[\pL\pN_$%:/-]+)*`)
)

type token struct {
	text   string
	lower  string
	quoted bool
	symbol bool
}

func (t token) word() bool {
	return !t.quoted && !t.symbol
}

func tokenize(q string) []token {
	q = contraction.ReplaceAllString(q, "$1$2")
	var out []token
	for _, m := range tokenRE.FindAllString(q, -1) {
		t := token{text: m}
		switch {
		case m[0] == '\'' || m[0] == '"':
			t.text = m[1 : len(m)-1]
			t.quoted = true
		case strings.ContainsAny(m[:1], "<>=!"):
			t.symbol = true
		}
		t.lower = strings.ToLower(t.text)
		out = append(out, t)
	}
	return out
}

type opPhrase struct {
	words []string
	op    program.CompareOp
}

var opPhrases = func() []opPhrase {
	raw := map[program.CompareOp][]string{
		program.OpGe: {">=", "greater than or equal to", "more than or equal to", "at least", "no less than", "not less than"},
		program.OpLe: {"<=", "less than or equal to", "at most", "no more than", "not more than"},
		program.OpNe: {"!=", "<>", "is not", "isnt", "not equal to", "does not equal", "doesnt equal", "other than"},
		program.OpGt: {">", "greater than", "more than", "higher than", "larger than", "bigger than", "above", "over", "exceeds", "exceeding", "after", "later than"},
		program.OpLt: {"<", "less than", "lower than", "smaller than", "fewer than", "below", "under", "before", "earlier than"},
		program.OpEq: {"==", "=", "equal to", "equals", "is"},
	}
	var out []opPhrase
	for op, phrases := range raw {
		for _, p := range phrases {
			out = append(out, opPhrase{words: strings.Fields(p), op: op})
		}
	}
	slices.SortStableFunc(out, func(a, b opPhrase) int {
		if len(a.words) != len(b.words) {
			return len(b.words) - len(a.words)
		}
		return strings.Compare(strings.Join(a.words, " "), strings.Join(b.words, " "))
	})
	return out
}()

var (
	boundaries = wordSet(
		"where", "with", "whose", "having", "have", "has", "had", "and", "or", "if",
		"when", "for", "that", "who", "which", "by", "than", "how", "many", "what",
		"show", "list", "find", "display", "give", "get", "fetch", "return", "me",
		"count", "number", "all", "there", "in", "on", "from", "of", "rows", "records",
		"entries", "top", "bottom", "distinct", "unique", "different", "not",
	)
	fillers  = wordSet("is", "are", "was", "were", "be", "been", "being", "does", "do", "did")
	articles = wordSet("the", "a", "an", "their", "its", "his", "her", "any")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// opAt returns the comparison starting at token i and its length in tokens.
func opAt(toks []token, i int) (program.CompareOp, int, bool) {
	for _, p := range opPhrases {
		if i+len(p.words) > len(toks) {
			continue
		}
		ok := true
		for k, w := range p.words {
			if toks[i+k].quoted || toks[i+k].lower != w {
				ok = false
				break
			}
		}
		if ok {
			return p.op, len(p.words), true
		}
	}
	return "", 0, false
}

// value is a parsed comparison operand.
type value struct {
	raw     string
	quoted  bool
	num     float64
	isNum   bool
	date    time.Time
	isDate  bool
	boolean bool
	isBool  bool
}

// strong reports whether the operand is a concrete threshold rather than a
// bare word.
func (v value) strong() bool {
	return v.quoted || v.isNum || v.isDate || v.isBool
}

func parseValue(t token) value {
	v := value{raw: t.text, quoted: t.quoted}
	if d, ok := dataset.ParseDate(t.text); ok {
		v.date, v.isDate = d, true
		return v
	}
	if n, ok := parseNumber(t.text); ok {
		v.num, v.isNum = n, true
		return v
	}
	switch t.lower {
	case "true", "yes":
		v.boolean, v.isBool = true, true
	case "false", "no":
		v.boolean, v.isBool = false, true
	}
	return v
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
	pct := strings.HasSuffix(s, "%")
	s = strings.TrimSuffix(s, "%")
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if pct {
		n /= 100
	}
	return n, true
}

// predicate builds the comparison of col against v. ok is false when the
// operand does not fit the column type.
func predicate(col dataset.Column, op program.CompareOp, v value) (program.Expr, bool) {
	ref := program.ColumnRef{Name: col.Name}
	ordering := op != program.OpEq && op != program.OpNe
	switch col.Type {
	case dataset.ColumnTypeNumeric:
		if !v.isNum {
			return nil, false
		}
		return program.Compare{Op: op, Left: ref, Right: program.Literal{Value: v.num}}, true
	case dataset.ColumnTypeDate:
		d := v.date
		if !v.isDate {
			if !v.isNum || v.num != float64(int(v.num)) || v.num < 1900 || v.num > 2200 {
				return nil, false
			}
			d = time.Date(int(v.num), time.January, 1, 0, 0, 0, 0, time.UTC)
		}
		return program.Compare{Op: op, Left: ref, Right: program.Literal{Value: d}}, true
	case dataset.ColumnTypeBoolean:
		if ordering || !v.isBool {
			return nil, false
		}
		return program.Compare{Op: op, Left: ref, Right: program.Literal{Value: v.boolean}}, true
	}

	lower := strings.ToLower(v.raw)
	if ordering || (!v.quoted && (articles[lower] || boundaries[lower] || fillers[lower])) {
		return nil, false
	}
	var pred program.Expr = program.Compare{Op: program.OpEq, Left: ref, Right: program.Literal{Value: v.raw}}
	if !v.quoted && !strings.ContainsAny(v.raw, "%_") {
		pred = program.Match{Expr: ref, Mode: program.MatchLike, Pattern: v.raw, CaseInsensitive: true}
	}
	if op == program.OpNe {
		pred = program.Not{Expr: pred}
	}
	return pred, true
}

// phraseBefore collects the words naming a column that end right before
// token i, stopping at a boundary word or at token floor. start is the
// index of the first collected word.
func phraseBefore(toks []token, i, floor int) (words []string, start int) {
	j := i - 1
	for j >= floor && toks[j].word() && fillers[toks[j].lower] {
		j--
	}
	start = i
	for ; j >= floor && len(words) < maxPhraseWords; j-- {
		t := toks[j]
		if !t.word() || boundaries[t.lower] || fillers[t.lower] {
			break
		}
		if articles[t.lower] {
			continue
		}
		words = append(words, t.text)
		start = j
	}
	slices.Reverse(words)
	return words, start
}

// phraseAfter collects the words naming a column that start at token i.
func phraseAfter(toks []token, i int) []string {
	for i < len(toks) && toks[i].word() && (articles[toks[i].lower] || toks[i].lower == "of" || toks[i].lower == "values" || toks[i].lower == "value") {
		i++
	}
	var words []string
	for ; i < len(toks) && len(words) < maxPhraseWords; i++ {
		t := toks[i]
		if !t.word() || boundaries[t.lower] || fillers[t.lower] {
			break
		}
		if _, _, isOp := opAt(toks, i); isOp {
			break
		}
		if articles[t.lower] {
			continue
		}
		words = append(words, t.text)
	}
	return words
}

// suffixes returns the trailing sub-phrases of words, longest first.
func suffixes(words []string) []string {
	out := make([]string, 0, len(words))
	for k := range words {
		out = append(out, strings.Join(words[k:], " "))
	}
	return out
}

// prefixes returns the leading sub-phrases of words, longest first.
func prefixes(words []string) []string {
	out := make([]string, 0, len(words))
	for k := len(words); k > 0; k-- {
		out = append(out, strings.Join(words[:k], " "))
	}
	return out
}

// span is a token range [start, end).
type span struct{ start, end int }

// conditions is the filter found in a question.
type conditions struct {
	pred  program.Expr
	spans []span
	err   error
}

func (c conditions) covers(i int) bool {
	for _, s := range c.spans {
		if i >= s.start && i < s.end {
			return true
		}
	}
	return false
}

func (c conditions) first() int {
	if len(c.spans) == 0 {
		return -1
	}
	return c.spans[0].start
}

// findConditions scans the question for "<column> <op> <value>" triples.
// A concrete threshold whose column cannot be resolved is an error; a bare
// word that does not fit is skipped. Adjacent conditions joined by "or"
// combine with OR, everything else with AND.
func findConditions(toks []token, cat *dataset.Catalog) conditions {
	var out conditions
	floor := 0
	for i := 0; i < len(toks); {
		op, n, ok := opAt(toks, i)
		if !ok || i+n >= len(toks) {
			i++
			continue
		}
		words, start := phraseBefore(toks, i, floor)
		if len(words) == 0 {
			i++
			continue
		}
		v := parseValue(toks[i+n])
		col, err := resolve(suffixes(words), cat)
		if err != nil {
			if v.strong() {
				out.err = err
				return out
			}
			i++
			continue
		}
		pred, ok := predicate(col, op, v)
		if !ok {
			i++
			continue
		}

		if out.pred == nil {
			out.pred = pred
		} else {
			join := program.OpAnd
			for k := floor; k < i; k++ {
				if toks[k].word() && toks[k].lower == "or" {
					join = program.OpOr
				}
			}
			out.pred = program.Logical{Op: join, Left: out.pred, Right: pred}
		}
		out.spans = append(out.spans, span{start: start, end: i + n + 1})
		floor = i + n + 1
		i = floor
	}
	return out
}
