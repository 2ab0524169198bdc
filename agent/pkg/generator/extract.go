package generator

import (
	"regexp"
	"strings"

	"github.com/churnguard/lake/agent/pkg/program"
)

var fence = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n?(.*?)```")

// Extract pulls the first program out of a model response. A fenced block
// wins; otherwise the first non-comment line is used if it looks like a
// query or a DataFrame expression. ok is false when nothing usable is
// found, including an empty fenced block.
func Extract(text string) (kind program.Kind, source string, ok bool) {
	if m := fence.FindStringSubmatch(text); m != nil {
		lang := strings.ToLower(m[1])
		body := strings.TrimSpace(m[2])
		if body == "" {
			return "", "", false
		}
		switch lang {
		case "sql", "sqlite", "clickhouse":
			return program.KindSQL, trimSQL(body), true
		case "python", "py", "pandas":
			src := firstLogicalLine(body)
			return program.KindTabular, src, src != ""
		case "":
			if looksLikeSQL(body) {
				return program.KindSQL, trimSQL(body), true
			}
			src := firstLogicalLine(body)
			return program.KindTabular, src, src != ""
		}
		return program.KindUnparseable, body, true
	}

	line := firstLogicalLine(strings.Trim(text, "`"))
	switch {
	case line == "":
		return "", "", false
	case looksLikeSQL(line):
		return program.KindSQL, trimSQL(line), true
	case looksLikeFrame(line):
		return program.KindTabular, line, true
	}
	return "", "", false
}

func trimSQL(s string) string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
}

func looksLikeSQL(s string) bool {
	f := strings.Fields(s)
	return len(f) > 0 && (strings.EqualFold(f[0], "SELECT") || strings.EqualFold(f[0], "WITH"))
}

func looksLikeFrame(s string) bool {
	if !strings.HasPrefix(s, "df") {
		return false
	}
	rest := s[2:]
	return rest == "" || strings.ContainsAny(rest[:1], "[.( ")
}

// firstLogicalLine returns the first non-comment line of a Python snippet
// with its trailing comment removed. Lines are joined while brackets are
// still open so that a wrapped expression stays whole.
func firstLogicalLine(body string) string {
	var parts []string
	depth := 0
	for _, raw := range strings.Split(body, "\n") {
		line := strings.TrimSpace(stripComment(raw))
		if line == "" {
			continue
		}
		parts = append(parts, line)
		depth += bracketDelta(line)
		if depth <= 0 {
			break
		}
	}
	return strings.Join(parts, " ")
}

// stripComment cuts a line at the first # that is not inside a string.
func stripComment(line string) string {
	var quote byte
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"':
			quote = c
		case c == '#':
			return line[:i]
		}
	}
	return line
}

func bracketDelta(line string) int {
	var quote byte
	depth := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote != 0 && c == '\\':
			i++
		case quote != 0 && c == quote:
			quote = 0
		case quote != 0:
		case c == '\'' || c == '"':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		}
	}
	return depth
}
