package summarize

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// FormatValue renders a result value for display.
func FormatValue(v any) string {
	if v == nil {
		return ""
	}

	// Store drivers can hand back pointers for nullable columns.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return ""
		}
		return FormatValue(rv.Elem().Interface())
	}

	switch val := v.(type) {
	case float64:
		return formatFloat(val)
	case float32:
		return formatFloat(float64(val))
	case string:
		return val
	case int, int8, int16, int32, int64:
		return fmt.Sprintf("%d", val)
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		t := val.UTC()
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	return strconv.FormatFloat(math.Round(f*1e6)/1e6, 'f', -1, 64)
}

// SanitizeRows replaces NaN and infinite floats with nil so rows encode
// as JSON.
func SanitizeRows(rows [][]any) {
	for _, row := range rows {
		for i, val := range row {
			if f, ok := val.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
				row[i] = nil
			}
		}
	}
}

func formatTable(columns []string, rows [][]any, total int) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(columns, " | ") + "\n")
	sb.WriteString(strings.Repeat("-", 40) + "\n")
	for _, row := range rows {
		values := make([]string, len(row))
		for i, v := range row {
			values[i] = FormatValue(v)
		}
		sb.WriteString(strings.Join(values, " | ") + "\n")
	}
	if total > len(rows) {
		sb.WriteString(fmt.Sprintf("... and %d more rows\n", total-len(rows)))
	}
	return sb.String()
}
