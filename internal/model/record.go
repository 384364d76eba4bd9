package model

// RawRecord is one input row: its 1-based position in the source and the raw
// cell values keyed by the table's column names. Accessors never expose the
// underlying slices.
type RawRecord struct {
	Row     int
	columns []string
	values  []string
	index   map[string]int
}

// NewRawRecord builds a record for a standalone row.
func NewRawRecord(row int, columns, values []string) RawRecord {
	return newRecord(row, columns, columnIndex(columns), values)
}

func newRecord(row int, columns []string, index map[string]int, values []string) RawRecord {
	v := make([]string, len(columns))
	copy(v, values)
	return RawRecord{Row: row, columns: columns, values: v, index: index}
}

func columnIndex(columns []string) map[string]int {
	index := make(map[string]int, len(columns))
	for i, c := range columns {
		if _, dup := index[c]; !dup {
			index[c] = i
		}
	}
	return index
}

// Get returns the raw value of column and whether the column exists.
func (r RawRecord) Get(column string) (string, bool) {
	i, ok := r.index[column]
	if !ok {
		return "", false
	}
	return r.values[i], true
}

// Columns returns the column names in source order.
func (r RawRecord) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// Values returns the cell values aligned with Columns.
func (r RawRecord) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Table is an ordered sequence of records sharing one header.
type Table struct {
	Source  string
	columns []string
	Rows    []RawRecord
}

// NewTable builds a Table from a header and its data rows. Short rows are
// padded with empty cells; long rows are truncated to the header width.
// Row numbers start at 1 for the first data row.
func NewTable(source string, columns []string, rows [][]string) *Table {
	cols := make([]string, len(columns))
	copy(cols, columns)
	index := columnIndex(cols)

	t := &Table{Source: source, columns: cols, Rows: make([]RawRecord, 0, len(rows))}
	for i, values := range rows {
		t.Rows = append(t.Rows, newRecord(i+1, cols, index, values))
	}
	return t
}

// Columns returns the header in source order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.columns))
	copy(out, t.columns)
	return out
}

// Len returns the number of data rows.
func (t *Table) Len() int {
	return len(t.Rows)
}
