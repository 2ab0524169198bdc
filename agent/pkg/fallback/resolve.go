package fallback

import (
	"cmp"
	"slices"
	"strings"
	"unicode"

	"github.com/churnguard/lake/agent/pkg/queryerr"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

const (
	// AcceptSimilarity is the lowest similarity at which a reference
	// resolves to a column without an exact or substring match.
	AcceptSimilarity = 0.6
	// SuggestSimilarity is the lowest similarity offered as a suggestion.
	SuggestSimilarity = 0.3

	maxSuggestions = 3
	minSubstring   = 3
	minContained   = 4
)

// normalize lowercases s and keeps only letters and digits, so that
// "Churn Probability" and "churn_probability" compare equal.
func normalize(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToLower(r))
		}
	}
	return sb.String()
}

// Similarity is one minus the edit distance of the normalized strings
// divided by the longer length.
func Similarity(a, b string) float64 {
	ra, rb := []rune(normalize(a)), []rune(normalize(b))
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

// variants returns the phrase and its naive singular forms.
func variants(phrase string) []string {
	out := []string{phrase}
	lower := strings.ToLower(phrase)
	switch {
	case strings.HasSuffix(lower, "ies") && len(lower) > 4:
		out = append(out, phrase[:len(phrase)-3]+"y")
	case strings.HasSuffix(lower, "ses") || strings.HasSuffix(lower, "xes"):
		out = append(out, phrase[:len(phrase)-2])
	case strings.HasSuffix(lower, "s") && !strings.HasSuffix(lower, "ss") && len(lower) > 3:
		out = append(out, phrase[:len(phrase)-1])
	}
	return out
}

// Resolve maps a column reference to a catalog column.
func Resolve(ref string, cat *dataset.Catalog) (dataset.Column, error) {
	return resolve([]string{ref}, cat)
}

// resolve tries each candidate phrase, most preferred first: exact
// matches over every phrase, then substring matches, then the best
// similarity at or above AcceptSimilarity. Otherwise it returns a
// column_not_found error naming the first phrase.
func resolve(phrases []string, cat *dataset.Catalog) (dataset.Column, error) {
	var forms []string
	for _, p := range phrases {
		for _, v := range variants(p) {
			if n := normalize(v); n != "" {
				forms = append(forms, n)
			}
		}
	}
	cols := cat.Columns()

	if col, ok := exactMatch(forms, cols); ok {
		return col, nil
	}

	for _, f := range forms {
		if len(f) < minSubstring {
			continue
		}
		best, bestDiff := -1, 0
		for i, c := range cols {
			cn := normalize(c.Name)
			if !strings.Contains(cn, f) && (len(cn) < minContained || !strings.Contains(f, cn)) {
				continue
			}
			diff := len(cn) - len(f)
			if diff < 0 {
				diff = -diff
			}
			if best < 0 || diff < bestDiff {
				best, bestDiff = i, diff
			}
		}
		if best >= 0 {
			return cols[best], nil
		}
	}

	type scored struct {
		col   dataset.Column
		score float64
	}
	ranked := make([]scored, 0, len(cols))
	for _, c := range cols {
		s := scored{col: c}
		for _, f := range forms {
			s.score = max(s.score, Similarity(f, c.Name))
		}
		ranked = append(ranked, s)
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	if len(ranked) > 0 && ranked[0].score >= AcceptSimilarity {
		return ranked[0].col, nil
	}

	var suggestions []string
	for _, s := range ranked {
		if s.score < SuggestSimilarity || len(suggestions) == maxSuggestions {
			break
		}
		suggestions = append(suggestions, s.col.Name)
	}
	ref := ""
	if len(phrases) > 0 {
		ref = phrases[0]
	}
	return dataset.Column{}, queryerr.ColumnNotFound(ref, suggestions)
}

func exactMatch(forms []string, cols []dataset.Column) (dataset.Column, bool) {
	for _, f := range forms {
		for _, c := range cols {
			if normalize(c.Name) == f {
				return c, true
			}
		}
	}
	return dataset.Column{}, false
}
