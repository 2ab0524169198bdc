package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"01/02/2006",
}

// LoadCSV reads a CSV document with a header row into a new snapshot.
// Column types are inferred from the non-blank cells. Blank numeric cells
// are filled with the column median and blank text cells with "".
func LoadCSV(r io.Reader, name string) (*Snapshot, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty csv", ErrInvalidSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	names := normalizeHeader(header)

	var records [][]string
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", len(records)+1, err)
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}
		records = append(records, rec)
	}

	columns := make([]Column, len(names))
	for i, n := range names {
		columns[i] = Column{Name: n, Type: inferType(records, i)}
	}

	rows := make([][]any, len(records))
	for r := range records {
		rows[r] = make([]any, len(columns))
	}
	for i, col := range columns {
		fill := fillValue(col.Type, records, i)
		for r, rec := range records {
			cell := rec[i]
			if cell == "" {
				rows[r][i] = fill
				continue
			}
			rows[r][i] = parseCell(col.Type, cell)
		}
	}

	return NewSnapshot(name, columns, rows)
}

func normalizeHeader(header []string) []string {
	names := make([]string, len(header))
	used := make(map[string]int, len(header))
	for i, h := range header {
		n := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if n == "" {
			n = fmt.Sprintf("column_%d", i+1)
		}
		fold := strings.ToLower(n)
		if count := used[fold]; count > 0 {
			n = fmt.Sprintf("%s_%d", n, count+1)
		}
		used[fold]++
		names[i] = n
	}
	return names
}

func inferType(records [][]string, col int) ColumnType {
	numeric, boolean, date, seen := true, true, true, false
	for _, rec := range records {
		cell := rec[col]
		if cell == "" {
			continue
		}
		seen = true
		if numeric {
			if _, ok := parseNumber(cell); !ok {
				numeric = false
			}
		}
		if boolean {
			if _, ok := parseBool(cell); !ok {
				boolean = false
			}
		}
		if date {
			if _, ok := parseDate(cell); !ok {
				date = false
			}
		}
		if !numeric && !boolean && !date {
			return ColumnTypeText
		}
	}
	switch {
	case !seen:
		return ColumnTypeText
	case boolean:
		return ColumnTypeBoolean
	case numeric:
		return ColumnTypeNumeric
	case date:
		return ColumnTypeDate
	}
	return ColumnTypeText
}

func fillValue(t ColumnType, records [][]string, col int) any {
	switch t {
	case ColumnTypeNumeric:
		var vals []float64
		for _, rec := range records {
			if f, ok := parseNumber(rec[col]); ok {
				vals = append(vals, f)
			}
		}
		if len(vals) == 0 {
			return nil
		}
		return Median(vals)
	case ColumnTypeText:
		return ""
	}
	return nil
}

func parseCell(t ColumnType, cell string) any {
	switch t {
	case ColumnTypeNumeric:
		f, _ := parseNumber(cell)
		return f
	case ColumnTypeBoolean:
		b, _ := parseBool(cell)
		return b
	case ColumnTypeDate:
		d, _ := parseDate(cell)
		return d
	}
	return cell
}

func parseNumber(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	s = strings.TrimPrefix(strings.ReplaceAll(s, ",", ""), "$")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func parseBool(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "true", "yes":
		return true, true
	case "false", "no":
		return false, true
	}
	return false, false
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseDate parses a date literal using the layouts accepted by LoadCSV.
func ParseDate(s string) (time.Time, bool) {
	return parseDate(strings.TrimSpace(s))
}

// Median returns the median of vals. vals is sorted in place.
func Median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}
