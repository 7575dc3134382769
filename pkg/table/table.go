package table

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownColumn = errors.New("unknown column")

// Type is the dtype label of a column as shown to the model in prompts.
type Type string

const (
	TypeInt    Type = "int64"
	TypeFloat  Type = "float64"
	TypeString Type = "object"
	TypeBool   Type = "bool"
)

func (t Type) Numeric() bool {
	return t == TypeInt || t == TypeFloat
}

type Column struct {
	Name string `json:"name"`
	Type Type   `json:"dtype"`
}

// Table is an immutable two-dimensional dataset. Cells hold nil, string,
// float64 or bool. Operations never modify the receiver; they return new
// tables that may share row storage with it.
type Table struct {
	Columns []Column
	Rows    [][]any
}

func New(columns []Column, rows [][]any) *Table {
	if rows == nil {
		rows = [][]any{}
	}
	return &Table{Columns: columns, Rows: rows}
}

// FromRows builds a table from column names and rows, inferring each
// column's type from its values.
func FromRows(names []string, rows [][]any) *Table {
	columns := make([]Column, len(names))
	for i, name := range names {
		values := make([]any, len(rows))
		for j, row := range rows {
			if i < len(row) {
				values[j] = row[i]
			}
		}
		columns[i] = Column{Name: name, Type: InferType(values)}
	}
	return New(columns, rows)
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

func (t *Table) Width() int {
	if t == nil {
		return 0
	}
	return len(t.Columns)
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (t *Table) Index(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IndexFold is Index with case-insensitive matching. An exact match wins
// over a case-folded one.
func (t *Table) IndexFold(name string) int {
	if i := t.Index(name); i >= 0 {
		return i
	}
	for i, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

func (t *Table) Has(name string) bool {
	return t.Index(name) >= 0
}

// MustIndex returns the column position or an ErrUnknownColumn error that
// lists the available columns.
func (t *Table) MustIndex(name string) (int, error) {
	i := t.Index(name)
	if i < 0 {
		return -1, fmt.Errorf("%w: %q (available: %s)", ErrUnknownColumn, name, strings.Join(t.ColumnNames(), ", "))
	}
	return i, nil
}

func (t *Table) Cell(row, col int) any {
	r := t.Rows[row]
	if col >= len(r) {
		return nil
	}
	return r[col]
}

// Values returns a copy of the named column.
func (t *Table) Values(name string) ([]any, error) {
	idx, err := t.MustIndex(name)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(t.Rows))
	for i := range t.Rows {
		out[i] = t.Cell(i, idx)
	}
	return out, nil
}

// Head returns the first n rows. A negative n returns the whole table.
func (t *Table) Head(n int) *Table {
	if n < 0 || n >= len(t.Rows) {
		return t
	}
	return New(t.Columns, t.Rows[:n])
}

// Records returns up to limit rows as column-name keyed maps. A negative
// limit returns every row.
func (t *Table) Records(limit int) []map[string]any {
	h := t.Head(limit)
	out := make([]map[string]any, 0, len(h.Rows))
	for i := range h.Rows {
		rec := make(map[string]any, len(h.Columns))
		for j, c := range h.Columns {
			rec[c.Name] = Normalize(h.Cell(i, j))
		}
		out = append(out, rec)
	}
	return out
}

// Scalar reports the single value of a 1x1 table.
func (t *Table) Scalar() (any, bool) {
	if t.Len() != 1 || t.Width() != 1 {
		return nil, false
	}
	return Normalize(t.Cell(0, 0)), true
}

// Equal reports whether two tables have the same columns and cell values.
func (t *Table) Equal(o *Table) bool {
	if t.Width() != o.Width() || t.Len() != o.Len() {
		return false
	}
	for i := range t.Columns {
		if t.Columns[i] != o.Columns[i] {
			return false
		}
	}
	for i := range t.Rows {
		for j := range t.Columns {
			a, b := t.Cell(i, j), o.Cell(i, j)
			if a == nil && b == nil {
				continue
			}
			if Key(a) != Key(b) {
				return false
			}
		}
	}
	return true
}
