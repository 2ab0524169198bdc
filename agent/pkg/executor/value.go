package executor

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/churnguard/lake/indexer/pkg/dataset"
)

// Runtime values are float64, int64 (counts), string, bool, time.Time or
// nil. Predicates follow SQL three-valued logic: nil is unknown.

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// compareValues orders two non-nil values of compatible types. ok is false
// when the types cannot be compared.
func compareValues(a, b any) (int, bool) {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case fa < fb:
		return -1, true
	case fa > fb:
		return 1, true
	}
	return 0, true
}

// orderValues is the sort order: nil sorts after every value in both
// directions, so callers apply direction only to non-nil pairs.
func orderValues(a, b any) (int, bool) {
	switch {
	case a == nil && b == nil:
		return 0, true
	case a == nil:
		return 1, false
	case b == nil:
		return -1, false
	}
	c, _ := compareValues(a, b)
	return c, true
}

func equalValues(a, b any) bool {
	c, ok := compareValues(a, b)
	return ok && c == 0
}

// writeKey appends a type-tagged encoding of v used for grouping and
// duplicate detection.
func writeKey(sb *strings.Builder, v any) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n;")
	case float64:
		sb.WriteString("f")
		sb.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		sb.WriteByte(';')
	case int64:
		sb.WriteString("f")
		sb.WriteString(strconv.FormatInt(x, 10))
		sb.WriteByte(';')
	case bool:
		if x {
			sb.WriteString("b1;")
		} else {
			sb.WriteString("b0;")
		}
	case time.Time:
		sb.WriteString("t")
		sb.WriteString(strconv.FormatInt(x.UnixNano(), 10))
		sb.WriteByte(';')
	case string:
		sb.WriteString("s")
		sb.WriteString(strconv.Itoa(len(x)))
		sb.WriteByte(':')
		sb.WriteString(x)
	}
}

// normalize converts a value scanned from a store into its runtime form
// for a column of type t.
func normalize(t dataset.ColumnType, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		v = string(x)
	case *any:
		if x == nil {
			return nil
		}
		return normalize(t, *x)
	}

	switch t {
	case dataset.ColumnTypeNumeric:
		switch x := v.(type) {
		case float64:
			if math.IsNaN(x) {
				return nil
			}
			return x
		case float32:
			return normalize(t, float64(x))
		case int64:
			return x
		case int:
			return int64(x)
		case int32:
			return int64(x)
		case uint64:
			return int64(x)
		case uint32:
			return int64(x)
		case uint8:
			return int64(x)
		case bool:
			if x {
				return float64(1)
			}
			return float64(0)
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f
			}
			return nil
		}
	case dataset.ColumnTypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case uint8:
			return x != 0
		case float64:
			return x != 0
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil
			}
			return b
		}
	case dataset.ColumnTypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.UTC()
		case string:
			if d, ok := dataset.ParseDate(x); ok {
				return d
			}
			return nil
		}
	case dataset.ColumnTypeText:
		switch x := v.(type) {
		case string:
			return x
		default:
			return formatCell(x)
		}
	}
	return v
}

func formatCell(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}
	return ""
}
