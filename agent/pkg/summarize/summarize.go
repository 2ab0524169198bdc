package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/indexer/pkg/dataset"
)

const (
	DefaultDisplayRows     = 50
	DefaultSynopsisTimeout = 3 * time.Second
	EmptyMessage           = "No matching records found."

	previewRows      = 10
	synopsisColumns  = 3
	synopsisMaxChars = 600
)

const synopsisSystem = "You explain query results to a business user. Answer in one or two plain sentences based strictly on the result shown. Do not speculate beyond it."

// Completer is a text generation backend used for the optional synopsis.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type Config struct {
	DisplayRows     int
	SynopsisTimeout time.Duration
}

// Summarizer fills the display fields of an execution result. It never
// fails: a synopsis that cannot be produced in time falls back to a
// deterministic one.
type Summarizer struct {
	log *slog.Logger
	llm Completer
	cfg Config
}

// New returns a summarizer. llm may be nil, in which case every synopsis
// is deterministic.
func New(log *slog.Logger, llm Completer, cfg Config) *Summarizer {
	if cfg.DisplayRows <= 0 {
		cfg.DisplayRows = DefaultDisplayRows
	}
	if cfg.SynopsisTimeout <= 0 {
		cfg.SynopsisTimeout = DefaultSynopsisTimeout
	}
	return &Summarizer{log: log, llm: llm, cfg: cfg}
}

// Summarize sets Summary, Meta and Synopsis on res and caps its rows at
// the display limit, marking it truncated when rows were dropped.
func (s *Summarizer) Summarize(ctx context.Context, question string, res *executor.Result) {
	SanitizeRows(res.Rows)

	if res.IsScalar {
		if res.Scalar == nil {
			res.Summary = EmptyMessage
			return
		}
		res.Summary = FormatValue(res.Scalar)
		res.Synopsis = s.synopsis(ctx, question, res, func() string { return scalarSynopsis(res) })
		return
	}

	total := max(res.Total, len(res.Rows))
	res.Total = total
	res.Meta = meta(total, len(res.Columns), res.Truncated)
	if total == 0 {
		res.Summary = EmptyMessage
		return
	}

	synopsis := tabularSynopsis(res.Columns, res.Rows, res.Truncated)
	if len(res.Rows) > s.cfg.DisplayRows {
		res.Rows = res.Rows[:s.cfg.DisplayRows]
		res.Truncated = true
	}
	res.Summary = formatTable(res.ColumnNames(), res.Rows, total)
	res.Synopsis = s.synopsis(ctx, question, res, func() string { return synopsis })
}

func meta(rows, cols int, truncated bool) string {
	if truncated {
		return fmt.Sprintf("Matched more than %d rows across %d columns.", rows, cols)
	}
	return fmt.Sprintf("Matched %d rows across %d columns.", rows, cols)
}

// synopsis asks the generation backend for a short explanation within the
// configured timeout and falls back to the deterministic text.
func (s *Summarizer) synopsis(ctx context.Context, question string, res *executor.Result, fallback func() string) string {
	if s.llm == nil {
		return fallback()
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SynopsisTimeout)
	defer cancel()

	var preview string
	if res.IsScalar {
		preview = res.Summary
	} else {
		preview = formatTable(res.ColumnNames(), res.Rows[:min(previewRows, len(res.Rows))], res.Total)
	}
	user := fmt.Sprintf("User asked: %q\nProgram executed: %s\n%s\nResult:\n%s", question, res.Program, res.Meta, preview)

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := s.llm.Complete(ctx, synopsisSystem, user)
		ch <- reply{text: text, err: err}
	}()

	var text string
	select {
	case r := <-ch:
		text = strings.TrimSpace(r.text)
		if r.err != nil || text == "" {
			s.log.Debug("summarize: synopsis unavailable, using template", "error", r.err)
			return fallback()
		}
	case <-ctx.Done():
		s.log.Debug("summarize: synopsis timed out, using template")
		return fallback()
	}
	if r := []rune(text); len(r) > synopsisMaxChars {
		text = string(r[:synopsisMaxChars]) + "…"
	}
	return text
}

func scalarSynopsis(res *executor.Result) string {
	label := "The result"
	if len(res.Columns) > 0 {
		label = "The " + strings.ReplaceAll(res.Columns[0].Name, "_", " ")
	}
	return fmt.Sprintf("%s is %s.", label, res.Summary)
}

// tabularSynopsis reports the row count and the range of the first few
// numeric or date columns.
func tabularSynopsis(columns []dataset.Column, rows [][]any, truncated bool) string {
	var parts []string
	if truncated {
		parts = append(parts, fmt.Sprintf("More than %d rows matched.", len(rows)))
	} else if len(rows) == 1 {
		parts = append(parts, "1 row matched.")
	} else {
		parts = append(parts, fmt.Sprintf("%d rows matched.", len(rows)))
	}

	described := 0
	for i, c := range columns {
		if described == synopsisColumns {
			break
		}
		if c.Type != dataset.ColumnTypeNumeric && c.Type != dataset.ColumnTypeDate {
			continue
		}
		lo, hi, ok := extremes(rows, i)
		if !ok {
			continue
		}
		described++
		if FormatValue(lo) == FormatValue(hi) {
			parts = append(parts, fmt.Sprintf("%s is %s.", c.Name, FormatValue(lo)))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s ranges from %s to %s.", c.Name, FormatValue(lo), FormatValue(hi)))
	}
	return strings.Join(parts, " ")
}

func extremes(rows [][]any, col int) (lo, hi any, ok bool) {
	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		switch v := row[col].(type) {
		case float64:
			if !ok || v < lo.(float64) {
				lo = v
			}
			if !ok || v > hi.(float64) {
				hi = v
			}
			ok = true
		case time.Time:
			if !ok || v.Before(lo.(time.Time)) {
				lo = v
			}
			if !ok || v.After(hi.(time.Time)) {
				hi = v
			}
			ok = true
		}
	}
	return lo, hi, ok
}
