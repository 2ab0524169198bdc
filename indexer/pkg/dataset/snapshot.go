package dataset

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Snapshot is an immutable, uniquely identified version of a dataset.
// Rows hold float64, string, time.Time, bool or nil according to the
// column type. Callers must treat rows as read-only.
type Snapshot struct {
	id        uuid.UUID
	name      string
	catalog   *Catalog
	rows      [][]any
	createdAt time.Time
}

// RowColumn is the hidden ordinal column stores add to published
// snapshot tables. It records the original row order.
const RowColumn = "_row"

// TableName returns the store table identifier for a snapshot id.
func TableName(id uuid.UUID) string {
	return "ds_" + strings.ReplaceAll(id.String(), "-", "")
}

// NewSnapshot validates rows against the columns and assigns a fresh id.
// Integer values are widened to float64 for numeric columns.
func NewSnapshot(name string, columns []Column, rows [][]any) (*Snapshot, error) {
	id := uuid.New()
	catalog, err := NewCatalog(TableName(id), columns)
	if err != nil {
		return nil, err
	}
	for r, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrInvalidSchema, r, len(row), len(columns))
		}
		for i, v := range row {
			norm, err := normalizeValue(columns[i].Type, v)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %q: %v", ErrInvalidSchema, r, columns[i].Name, err)
			}
			row[i] = norm
		}
	}
	return &Snapshot{
		id:        id,
		name:      name,
		catalog:   catalog,
		rows:      rows,
		createdAt: time.Now().UTC(),
	}, nil
}

func normalizeValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case ColumnTypeNumeric:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case ColumnTypeText:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case ColumnTypeDate:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC(), nil
		}
	case ColumnTypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("value %v (%T) does not fit %s", v, v, t)
}

func (s *Snapshot) ID() uuid.UUID        { return s.id }
func (s *Snapshot) Name() string         { return s.name }
func (s *Snapshot) Catalog() *Catalog    { return s.catalog }
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }
func (s *Snapshot) Len() int             { return len(s.rows) }

// Rows returns the snapshot rows. The slice is shared and must not be modified.
func (s *Snapshot) Rows() [][]any {
	return s.rows
}

// Sample returns copies of the first k rows.
func (s *Snapshot) Sample(k int) [][]any {
	k = max(0, min(k, len(s.rows)))
	out := make([][]any, k)
	for i := range k {
		out[i] = append([]any(nil), s.rows[i]...)
	}
	return out
}
