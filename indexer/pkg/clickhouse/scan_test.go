package clickhouse

import (
	"reflect"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/require"
)

type fakeColumnType struct {
	name, dbType string
}

func (c fakeColumnType) Name() string             { return c.name }
func (c fakeColumnType) Nullable() bool           { return false }
func (c fakeColumnType) ScanType() reflect.Type   { return nil }
func (c fakeColumnType) DatabaseTypeName() string { return c.dbType }

func TestLake_ClickHouse_BaseType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		base     string
		nullable bool
	}{
		{"String", "String", false},
		{"Nullable(Float64)", "Float64", true},
		{"LowCardinality(Nullable(String))", "String", true},
		{"Nullable(DateTime64(3, 'UTC'))", "DateTime64(3, 'UTC')", true},
	}
	for _, tt := range tests {
		base, nullable := baseType(tt.in)
		require.Equal(t, tt.base, base, tt.in)
		require.Equal(t, tt.nullable, nullable, tt.in)
	}
}

func TestLake_ClickHouse_ScanTargets_Dereference(t *testing.T) {
	t.Parallel()

	ptrs := scanTargets([]driver.ColumnType{
		fakeColumnType{"City", "Nullable(String)"},
		fakeColumnType{"MonthlyCharges", "Nullable(Float64)"},
		fakeColumnType{"count", "UInt64"},
		fakeColumnType{"SignupDate", "Nullable(DateTime64(3, 'UTC'))"},
		fakeColumnType{"Churned", "Nullable(Bool)"},
	})

	city := "Austin"
	*(ptrs[0].(**string)) = &city
	// MonthlyCharges stays null
	*(ptrs[2].(*uint64)) = 3
	signup := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	*(ptrs[3].(**time.Time)) = &signup
	churned := true
	*(ptrs[4].(**bool)) = &churned

	require.Equal(t, []any{"Austin", nil, uint64(3), signup, true}, dereference(ptrs))
}
