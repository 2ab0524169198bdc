package prompt

import (
	_ "embed"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/lake/indexer/pkg/dataset"
)

//go:embed system.md
var systemPrompt string

const (
	DefaultSampleRows   = 5
	DefaultHistoryTurns = 3
	DefaultBudget       = 6000

	// maxCellChars bounds a single sample cell in the rendered table.
	maxCellChars = 40
)

// System returns the fixed system prompt sent with every generation call.
func System() string {
	return systemPrompt
}

// Turn is one earlier question in the session and what became of it.
type Turn struct {
	Question string `json:"question"`
	Program  string `json:"program"`
	// Outcome is a short note such as "3 rows" or "rejected: disallowed_import".
	Outcome string `json:"outcome"`
}

type Options struct {
	SampleRows   int
	HistoryTurns int
	// Budget is the maximum length of the user prompt in bytes. The schema
	// and the question are always kept, so a very small budget can still
	// be exceeded.
	Budget int
}

func (o Options) withDefaults() Options {
	if o.SampleRows <= 0 {
		o.SampleRows = DefaultSampleRows
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = DefaultHistoryTurns
	}
	if o.Budget <= 0 {
		o.Budget = DefaultBudget
	}
	return o
}

// Context is the bounded input to one generation call.
type Context struct {
	System string
	User   string
	// Samples and Turns count what survived truncation.
	Samples int
	Turns   int
}

// Build renders the generation context for one question. Only the last
// HistoryTurns turns and the first SampleRows rows are considered. When the
// rendering exceeds the budget, the oldest turns go first, then sample rows
// from the end. The result depends only on its inputs.
func Build(question string, cat *dataset.Catalog, samples [][]any, history []Turn, opts Options) Context {
	opts = opts.withDefaults()

	if len(history) > opts.HistoryTurns {
		history = history[len(history)-opts.HistoryTurns:]
	}
	if len(samples) > opts.SampleRows {
		samples = samples[:opts.SampleRows]
	}

	schema := renderSchema(cat)
	header, rows := renderSamples(cat, samples)
	turns := make([]string, len(history))
	for i, t := range history {
		turns[i] = renderTurn(t)
	}
	q := "Question: " + strings.TrimSpace(question) + "\n"

	size := func() int {
		n := len(schema) + len(q)
		if len(rows) > 0 {
			n += len(header)
			for _, r := range rows {
				n += len(r)
			}
		}
		if len(turns) > 0 {
			n += len(historyHeader)
			for _, t := range turns {
				n += len(t)
			}
		}
		return n
	}
	for size() > opts.Budget && len(turns) > 0 {
		turns = turns[1:]
	}
	for size() > opts.Budget && len(rows) > 0 {
		rows = rows[:len(rows)-1]
	}

	var sb strings.Builder
	sb.WriteString(schema)
	if len(rows) > 0 {
		sb.WriteString(header)
		for _, r := range rows {
			sb.WriteString(r)
		}
	}
	if len(turns) > 0 {
		sb.WriteString(historyHeader)
		for _, t := range turns {
			sb.WriteString(t)
		}
	}
	sb.WriteString(q)

	return Context{
		System:  systemPrompt,
		User:    sb.String(),
		Samples: len(rows),
		Turns:   len(turns),
	}
}

const historyHeader = "\nPrevious questions:\n"

func renderSchema(cat *dataset.Catalog) string {
	var sb strings.Builder
	sb.WriteString("Table: " + cat.Table() + "\nColumns:\n")
	for _, c := range cat.Columns() {
		sb.WriteString("- " + c.Name + " (" + string(c.Type) + ")\n")
	}
	return sb.String()
}

func renderSamples(cat *dataset.Catalog, samples [][]any) (string, []string) {
	header := "\nSample rows:\n| " + strings.Join(cat.Names(), " | ") + " |\n"
	rows := make([]string, len(samples))
	for i, row := range samples {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cell(v)
		}
		rows[i] = "| " + strings.Join(cells, " | ") + " |\n"
	}
	return header, rows
}

func renderTurn(t Turn) string {
	var sb strings.Builder
	sb.WriteString("Q: " + strings.TrimSpace(t.Question) + "\n")
	if t.Program != "" {
		sb.WriteString("Program: " + strings.TrimSpace(t.Program) + "\n")
	}
	if t.Outcome != "" {
		sb.WriteString("Outcome: " + t.Outcome + "\n")
	}
	return sb.String()
}

func cell(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		s = strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.UTC().Format("2006-01-02")
	case string:
		s = x
	default:
		return ""
	}
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxCellChars {
		s = string(r[:maxCellChars]) + "…"
	}
	return s
}
