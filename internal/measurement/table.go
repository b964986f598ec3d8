package measurement

import "strings"

// Record is a single envelope payload. It has exactly one row.
type Record map[string]any

// Columns returns the field names of the record.
func (r Record) Columns() []string { return Keys(r) }

// Len returns 1.
func (r Record) Len() int { return 1 }

// Value returns the value of column; row is ignored.
func (r Record) Value(column string, _ int) any { return r[column] }

// Table is tabular data read from a historical data file. Cells hold the
// decoded value: strings for delimited text, typed values for columnar files.
type Table struct {
	Header []string
	Rows   [][]any
}

// Columns returns the header.
func (t *Table) Columns() []string { return t.Header }

// Len returns the number of data rows.
func (t *Table) Len() int { return len(t.Rows) }

// Value returns the cell at (column,row), or nil when absent.
func (t *Table) Value(column string, row int) any {
	idx := t.index(column)
	if idx < 0 || row < 0 || row >= len(t.Rows) || idx >= len(t.Rows[row]) {
		return nil
	}
	return t.Rows[row][idx]
}

// Row returns row i as a payload map keyed by header names. Blank cells are
// left out so that optional columns behave like absent fields.
func (t *Table) Row(i int) map[string]any {
	out := make(map[string]any, len(t.Header))
	for j, name := range t.Header {
		if j >= len(t.Rows[i]) {
			break
		}
		if Present(t.Rows[i][j]) {
			out[name] = t.Rows[i][j]
		}
	}
	return out
}

func (t *Table) index(column string) int {
	for i, h := range t.Header {
		if h == column {
			return i
		}
	}
	return -1
}

// Present reports whether v carries a value. Nil and blank strings do not.
func Present(v any) bool {
	switch s := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(s) != ""
	default:
		return true
	}
}
