package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

var (
	// ErrFatalInput means the row source is absent or unreadable.
	ErrFatalInput = eris.New("fatal input failure")
	// ErrValidation means a run was started without its prerequisites.
	ErrValidation = eris.New("run validation failed")
)

// MappingIncompleteError names every required field that lacks a usable
// source column.
type MappingIncompleteError struct {
	// Unmapped lists required fields with no column, in required order.
	Unmapped []string
	// Unknown maps fields to columns that are not present in the input.
	Unknown map[string]string
}

func (e *MappingIncompleteError) Error() string {
	var parts []string
	if len(e.Unmapped) > 0 {
		parts = append(parts, "unmapped required fields: "+strings.Join(e.Unmapped, ", "))
	}
	if len(e.Unknown) > 0 {
		fields := make([]string, 0, len(e.Unknown))
		for f := range e.Unknown {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		pairs := make([]string, len(fields))
		for i, f := range fields {
			pairs[i] = fmt.Sprintf("%s→%q", f, e.Unknown[f])
		}
		parts = append(parts, "unknown columns: "+strings.Join(pairs, ", "))
	}
	return "mapping incomplete: " + strings.Join(parts, "; ")
}

// Fields returns every offending field name, unmapped first.
func (e *MappingIncompleteError) Fields() []string {
	out := append([]string(nil), e.Unmapped...)
	unknown := make([]string, 0, len(e.Unknown))
	for f := range e.Unknown {
		unknown = append(unknown, f)
	}
	sort.Strings(unknown)
	return append(out, unknown...)
}

// RowError is a row-scoped failure. It is recorded, never propagated past
// the row that produced it.
type RowError struct {
	Row  int
	Kind FailureKind
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s: %v", e.Row, e.Kind, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// NewRowParseError reports a value that could not be normalized or built.
func NewRowParseError(row int, err error) *RowError {
	return &RowError{Row: row, Kind: FailureRowParse, Err: err}
}

// ExportError reports a failure artifact that could not be written. It never
// changes a run's completion status.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	if e.Path == "" {
		return "export failed rows: " + e.Err.Error()
	}
	return fmt.Sprintf("export failed rows to %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error {
	return e.Err
}
