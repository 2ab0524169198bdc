package dataset

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnType is the logical type of a dataset column.
type ColumnType string

const (
	ColumnTypeNumeric ColumnType = "numeric"
	ColumnTypeText    ColumnType = "text"
	ColumnTypeDate    ColumnType = "date"
	ColumnTypeBoolean ColumnType = "boolean"
)

// Valid reports whether t is one of the known column types.
func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeNumeric, ColumnTypeText, ColumnTypeDate, ColumnTypeBoolean:
		return true
	}
	return false
}

// Column describes a single dataset column.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

var ErrInvalidSchema = errors.New("invalid schema")

// Catalog is the read-only column list of a snapshot. It is safe for
// concurrent use because nothing mutates it after construction.
type Catalog struct {
	table   string
	columns []Column
	byName  map[string]int
	byFold  map[string]int
}

// NewCatalog builds a catalog for the given table. Column names must be
// non-empty and unique ignoring case.
func NewCatalog(table string, columns []Column) (*Catalog, error) {
	if table == "" {
		return nil, fmt.Errorf("%w: empty table name", ErrInvalidSchema)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}
	c := &Catalog{
		table:   table,
		columns: make([]Column, len(columns)),
		byName:  make(map[string]int, len(columns)),
		byFold:  make(map[string]int, len(columns)),
	}
	for i, col := range columns {
		if col.Name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrInvalidSchema, i)
		}
		if !col.Type.Valid() {
			return nil, fmt.Errorf("%w: column %q has unknown type %q", ErrInvalidSchema, col.Name, col.Type)
		}
		fold := strings.ToLower(col.Name)
		if _, dup := c.byFold[fold]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, col.Name)
		}
		c.columns[i] = col
		c.byName[col.Name] = i
		c.byFold[fold] = i
	}
	return c, nil
}

// Table returns the store identifier of the table backing the catalog.
func (c *Catalog) Table() string {
	return c.table
}

// Len returns the number of columns.
func (c *Catalog) Len() int {
	return len(c.columns)
}

// Column returns the i-th column.
func (c *Catalog) Column(i int) Column {
	return c.columns[i]
}

// Columns returns a copy of the column list in schema order.
func (c *Catalog) Columns() []Column {
	out := make([]Column, len(c.columns))
	copy(out, c.columns)
	return out
}

// Names returns the column names in schema order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.columns))
	for i, col := range c.columns {
		out[i] = col.Name
	}
	return out
}

// Lookup resolves a column by exact name, then by case-insensitive name.
func (c *Catalog) Lookup(name string) (Column, int, bool) {
	if i, ok := c.byName[name]; ok {
		return c.columns[i], i, true
	}
	if i, ok := c.byFold[strings.ToLower(name)]; ok {
		return c.columns[i], i, true
	}
	return Column{}, -1, false
}
