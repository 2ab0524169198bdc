package clickhouse

import (
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// baseType strips Nullable and LowCardinality wrappers from a column type.
func baseType(dbType string) (string, bool) {
	nullable := false
	for {
		switch {
		case strings.HasPrefix(dbType, "Nullable(") && strings.HasSuffix(dbType, ")"):
			dbType = dbType[len("Nullable(") : len(dbType)-1]
			nullable = true
		case strings.HasPrefix(dbType, "LowCardinality(") && strings.HasSuffix(dbType, ")"):
			dbType = dbType[len("LowCardinality(") : len(dbType)-1]
		default:
			return dbType, nullable
		}
	}
}

func target[T any](nullable bool) any {
	if nullable {
		var p *T
		return &p
	}
	var v T
	return &v
}

// scanTargets allocates one scan destination per column. Nullable columns
// scan into a pointer to pointer.
func scanTargets(columnTypes []driver.ColumnType) []any {
	ptrs := make([]any, len(columnTypes))
	for i, ct := range columnTypes {
		base, nullable := baseType(ct.DatabaseTypeName())
		switch {
		case base == "Float64":
			ptrs[i] = target[float64](nullable)
		case base == "Float32":
			ptrs[i] = target[float32](nullable)
		case base == "UInt64":
			ptrs[i] = target[uint64](nullable)
		case base == "UInt32":
			ptrs[i] = target[uint32](nullable)
		case base == "UInt8":
			ptrs[i] = target[uint8](nullable)
		case base == "Int64":
			ptrs[i] = target[int64](nullable)
		case base == "Int32":
			ptrs[i] = target[int32](nullable)
		case base == "Bool":
			ptrs[i] = target[bool](nullable)
		case base == "Date" || base == "Date32" || strings.HasPrefix(base, "DateTime"):
			ptrs[i] = target[time.Time](nullable)
		default:
			ptrs[i] = target[string](nullable)
		}
	}
	return ptrs
}

func deref[T any](p any) (any, bool) {
	switch v := p.(type) {
	case *T:
		return *v, true
	case **T:
		if *v == nil {
			return nil, true
		}
		return **v, true
	}
	return nil, false
}

// dereference converts scanned destinations into plain values, with nil
// for SQL nulls.
func dereference(ptrs []any) []any {
	out := make([]any, len(ptrs))
	for i, p := range ptrs {
		for _, try := range []func(any) (any, bool){
			deref[float64], deref[float32], deref[uint64], deref[uint32], deref[uint8],
			deref[int64], deref[int32], deref[bool], deref[time.Time], deref[string],
		} {
			if v, ok := try(p); ok {
				out[i] = v
				break
			}
		}
	}
	return out
}
