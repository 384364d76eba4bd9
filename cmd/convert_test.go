package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-converter/internal/config"
	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/pipeline"
	"github.com/sells-group/lead-converter/internal/store"
)

func convert(t *testing.T, opts convertOptions, in string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := runConvert(context.Background(), opts, nil, strings.NewReader(in), &out)
	return out.String(), err
}

func TestRunConvert_SendsEveryRow(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	path := writeLeadCSV(t, leadHeader,
		lead("Ana", "ana@example.com", "15/03/2024 10:30"),
		lead("Bruno", "bruno@example.com", "16/03/2024"),
		lead("Carla", "carla@example.com", "2024-03-17T08:00:00Z"),
	)

	out, err := convert(t, convertOptions{File: path, Yes: true}, "")
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out, "Read 3 rows from leads.csv")
	assert.Contains(t, out, "completed")
	assert.NotContains(t, out, "Failed rows:")

	_, statErr := os.Stat(cfg.Export.Dir)
	assert.True(t, os.IsNotExist(statErr), "no export without failures")
}

func TestRunConvert_FailedRowsExported(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	path := writeLeadCSV(t, leadHeader,
		lead("Ana", "ana@example.com", "15/03/2024 10:30"),
		lead("Bruno", "bruno@example.com", "not a date"),
		lead("Carla", "carla@example.com", "17/03/2024"),
	)

	out, err := convert(t, convertOptions{File: path, Yes: true}, "")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "unparseable row is never sent")
	assert.Contains(t, out, "row 2 (Bruno)")

	matches, err := filepath.Glob(filepath.Join(cfg.Export.Dir, "failed_rows_*.csv"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, out, matches[0])

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, append(append([]string{}, leadHeader...), "failure_reason"), records[0])
	assert.Equal(t, "Bruno", records[1][0])
}

func TestRunConvert_SubmissionRetried(t *testing.T) {
	srv, calls := capiServer(t, http.StatusInternalServerError, `{"error": {"message": "boom"}}`)
	setTestConfig(t, srv.URL)

	path := writeLeadCSV(t, leadHeader, lead("Ana", "ana@example.com", "15/03/2024"))

	out, err := convert(t, convertOptions{File: path, Yes: true}, "")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "max_attempts requests for one row")
	assert.Contains(t, out, "row 1 (Ana)")
}

func TestRunConvert_DryRun(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	path := writeLeadCSV(t, leadHeader, lead("Ana", "ana@example.com", "15/03/2024"))

	out, err := convert(t, convertOptions{File: path, DryRun: true}, "")
	require.NoError(t, err)
	assert.Zero(t, calls.Load())
	assert.Contains(t, out, "Dry run: 1 rows ready for pixel pixel-1")
}

func TestRunConvert_Confirmation(t *testing.T) {
	tests := []struct {
		name  string
		input string
		calls int32
	}{
		{"yes", "y\n", 1},
		{"full word", "YES\n", 1},
		{"no", "n\n", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := capiServer(t, http.StatusOK, okBody)
			setTestConfig(t, srv.URL)
			path := writeLeadCSV(t, leadHeader, lead("Ana", "ana@example.com", "15/03/2024"))

			out, err := convert(t, convertOptions{File: path}, tt.input)
			require.NoError(t, err)
			assert.Contains(t, out, "Send 1 rows to pixel pixel-1?")
			assert.Equal(t, tt.calls, calls.Load())
			if tt.calls == 0 {
				assert.Contains(t, out, "Aborted.")
			}
		})
	}
}

func TestRunConvert_MissingCredentials(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)
	cfg.CAPI.AccessToken = ""

	path := writeLeadCSV(t, leadHeader, lead("Ana", "ana@example.com", "15/03/2024"))

	_, err := convert(t, convertOptions{File: path, Yes: true}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials save")
	assert.Zero(t, calls.Load())
}

func TestRunConvert_MappingOverrides(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	header := append([]string{}, leadHeader...)
	header[2] = "Celular"
	path := writeLeadCSV(t, header, lead("Ana", "ana@example.com", "15/03/2024"))

	out, err := convert(t, convertOptions{File: path, Yes: true}, "")
	var incomplete *model.MappingIncompleteError
	require.True(t, errors.As(err, &incomplete), "got %v", err)
	assert.Equal(t, []string{model.FieldPhone}, incomplete.Unmapped)
	assert.Contains(t, out, "Pass --map field=Column for: phone")
	assert.Zero(t, calls.Load())

	out, err = convert(t, convertOptions{File: path, Yes: true, Pairs: []string{"phone=Celular"}}, "")
	require.NoError(t, err)
	assert.Contains(t, out, "Celular")
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunConvert_MappingFile(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	header := append([]string{}, leadHeader...)
	header[0] = "Nome"
	path := writeLeadCSV(t, header, lead("Ana", "ana@example.com", "15/03/2024"))

	mappingPath := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(mappingPath, []byte("mapping:\n  name: Nome\n"), 0o644))

	_, err := convert(t, convertOptions{File: path, Yes: true, MappingFile: mappingPath}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunConvert_SignalStopsAfterCurrentRow(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			sigCh <- syscall.SIGINT
			time.Sleep(100 * time.Millisecond)
		}
		_, _ = w.Write([]byte(okBody))
	}))
	t.Cleanup(srv.Close)
	setTestConfig(t, srv.URL)

	path := writeLeadCSV(t, leadHeader,
		lead("Ana", "ana@example.com", "15/03/2024"),
		lead("Bruno", "bruno@example.com", "15/03/2024"),
		lead("Carla", "carla@example.com", "15/03/2024"),
	)

	var out bytes.Buffer
	err := runConvert(context.Background(), convertOptions{File: path, Yes: true}, sigCh, strings.NewReader(""), &out)
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "the in-flight row finishes, no new row starts")
	assert.Contains(t, out.String(), "Stopping after the current row")
	assert.Contains(t, out.String(), "cancelled")
	assert.Contains(t, out.String(), "1 of 3 processed")
}

func TestRunConvert_RecordsHistory(t *testing.T) {
	srv, _ := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: dbPath}

	path := writeLeadCSV(t, leadHeader,
		lead("Ana", "ana@example.com", "15/03/2024"),
		lead("Bruno", "bruno@example.com", "bad"),
	)
	_, err := convert(t, convertOptions{File: path, Yes: true}, "")
	require.NoError(t, err)

	ctx := context.Background()
	st, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)
	assert.Equal(t, "leads.csv", runs[0].Source)
	require.NotNil(t, runs[0].Summary)
	assert.Equal(t, 1, runs[0].Summary.Succeeded)
	assert.Equal(t, 1, runs[0].Summary.Failed)

	failed, err := st.ListFailures(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Row)
	assert.Equal(t, model.FailureRowParse, failed[0].Kind)
}

func TestRunConvert_UnreadableFile(t *testing.T) {
	setTestConfig(t, "http://127.0.0.1:0")

	_, err := convert(t, convertOptions{File: filepath.Join(t.TempDir(), "missing.csv"), Yes: true}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFatalInput))
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, pipeline.Status{Kind: pipeline.StatusProgress, Progress: 50, Message: "1/2"})
	assert.Contains(t, buf.String(), "[ 50.0%] 1/2")
}

func TestParseDelimiter(t *testing.T) {
	tests := []struct {
		in      string
		want    rune
		wantErr bool
	}{
		{"", 0, false},
		{";", ';', false},
		{"tab", '\t', false},
		{`\t`, '\t', false},
		{"|", '|', false},
		{";;", 0, true},
		{`"`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseDelimiter(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestRunConvert_ExplicitDelimiter(t *testing.T) {
	srv, calls := capiServer(t, http.StatusOK, okBody)
	setTestConfig(t, srv.URL)

	row := lead("Ana", "ana@example.com", "15/03/2024")
	content := strings.Join(leadHeader, "|") + "\n" + strings.Join(row, "|") + "\n"
	path := filepath.Join(t.TempDir(), "leads.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := convert(t, convertOptions{File: path, Delimiter: "|", Yes: true}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
