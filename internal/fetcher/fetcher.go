// Package fetcher reads lead exports (CSV, XLSX, or a ZIP holding one of
// them) into a model.Table.
package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-converter/internal/model"
)

// TableOptions configures ReadTableWith.
type TableOptions struct {
	// Sheet selects an XLSX sheet by name. Empty means the first sheet.
	Sheet string
	// Delimiter overrides CSV delimiter detection.
	Delimiter rune
}

// ReadTable reads path using default options.
func ReadTable(ctx context.Context, path string) (*model.Table, error) {
	return ReadTableWith(ctx, path, TableOptions{})
}

// ReadTableWith reads path into a table. The first row is the header and
// blank trailing rows are dropped. Every failure wraps model.ErrFatalInput.
func ReadTableWith(ctx context.Context, path string, opts TableOptions) (*model.Table, error) {
	if path == "" {
		return nil, eris.Wrap(model.ErrFatalInput, "fetcher: no input file")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(model.ErrFatalInput, "fetcher: stat %s: %v", path, err)
	}

	rows, err := readRows(ctx, path, opts)
	if err != nil {
		return nil, eris.Wrapf(model.ErrFatalInput, "fetcher: read %s: %v", path, err)
	}

	rows = trimBlankTail(rows)
	if len(rows) == 0 {
		return nil, eris.Wrapf(model.ErrFatalInput, "fetcher: %s has no header row", path)
	}

	header := rows[0]
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], utf8BOM)
	}

	table := model.NewTable(filepath.Base(path), header, rows[1:])
	zap.L().Info("fetcher: table loaded",
		zap.String("path", path),
		zap.Int("columns", len(header)),
		zap.Int("rows", table.Len()),
	)
	return table, nil
}

func readRows(ctx context.Context, path string, opts TableOptions) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return readCSVFile(ctx, path, opts.Delimiter)
	case ".xlsx":
		return ReadXLSX(path, XLSXOptions{SheetName: opts.Sheet})
	case ".zip":
		return readZIP(ctx, path, opts)
	default:
		return nil, eris.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func trimBlankTail(rows [][]string) [][]string {
	end := len(rows)
	for end > 0 && blank(rows[end-1]) {
		end--
	}
	return rows[:end]
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
