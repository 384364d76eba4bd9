// Package failures accumulates rows that did not submit and writes them to a
// re-submittable spreadsheet.
package failures

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-converter/internal/model"
)

// Format selects the export file type.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ReasonColumn is appended after the original columns in every export. An
// input that already has it, such as a re-run export, keeps the column in
// place and gets the new reason there.
const ReasonColumn = "failure_reason"

const sheetName = "failed_rows"

// ParseFormat maps a config value onto a Format. Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatXLSX:
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", eris.Errorf("failures: unknown export format %q", s)
	}
}

// Collector holds failure records in arrival order.
type Collector struct {
	mu        sync.Mutex
	columns   []string
	reasonIdx int
	format    Format
	records   []model.FailureRecord
}

// NewCollector returns an empty collector whose exports use columns as the
// header, in that order.
func NewCollector(columns []string, format Format) *Collector {
	if format == "" {
		format = FormatXLSX
	}
	c := &Collector{
		columns:   append([]string(nil), columns...),
		reasonIdx: -1,
		format:    format,
	}
	for i, col := range c.columns {
		if col == ReasonColumn {
			c.reasonIdx = i
			break
		}
	}
	return c
}

// Add appends rec.
func (c *Collector) Add(rec model.FailureRecord) {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.mu.Unlock()
}

// Len returns the number of collected records.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns a copy of the collected records in arrival order.
func (c *Collector) Records() []model.FailureRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.FailureRecord(nil), c.records...)
}

// FileName returns the export file name for a run finishing at now.
func FileName(now time.Time, format Format) string {
	return "failed_rows_" + now.Format("20060102_150405") + "." + string(format)
}

// Export writes every record to dir and returns the file path. With no
// records it writes nothing and returns "". Errors are *model.ExportError.
func (c *Collector) Export(dir string, now time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.records) == 0 {
		return "", nil
	}

	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, FileName(now, c.format))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &model.ExportError{Path: path, Err: eris.Wrap(err, "failures: create export dir")}
	}

	header := append([]string(nil), c.columns...)
	if c.reasonIdx < 0 {
		header = append(header, ReasonColumn)
	}
	rows := make([][]string, len(c.records))
	for i, rec := range c.records {
		rows[i] = c.line(rec)
	}

	var err error
	switch c.format {
	case FormatCSV:
		err = writeCSV(path, header, rows)
	default:
		err = writeXLSX(path, header, rows)
	}
	if err != nil {
		return "", &model.ExportError{Path: path, Err: err}
	}
	return path, nil
}

// line lays out rec's values by position so duplicate header names keep
// their own cells.
func (c *Collector) line(rec model.FailureRecord) []string {
	out := make([]string, len(c.columns), len(c.columns)+1)
	copy(out, rec.Row.Values())
	if c.reasonIdx >= 0 {
		out[c.reasonIdx] = rec.Reason
		return out
	}
	return append(out, rec.Reason)
}

func writeXLSX(path string, header []string, rows [][]string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return eris.Wrap(err, "failures: add sheet")
	}
	addRow(sheet, header)
	for _, r := range rows {
		addRow(sheet, r)
	}
	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "failures: save xlsx")
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func writeCSV(path string, header []string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "failures: create csv")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "failures: close csv")
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return eris.Wrap(err, "failures: write header")
	}
	if err := w.WriteAll(rows); err != nil {
		return eris.Wrap(err, "failures: write rows")
	}
	return nil
}
