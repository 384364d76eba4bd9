package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-converter/internal/config"
)

var leadHeader = []string{
	"name", "email", "phone", "utm_source", "utm_medium",
	"utm_term", "utm_campaign", "utm_content", "registration_time", "ip_address",
}

// setTestConfig installs a config pointing at baseURL with fast retries and
// no run history.
func setTestConfig(t *testing.T, baseURL string) {
	t.Helper()
	dir := t.TempDir()
	cfg = &config.Config{
		CAPI: config.CAPIConfig{
			AccessToken:       "token-1234",
			PixelID:           "pixel-1",
			BaseURL:           baseURL,
			Version:           "v21.0",
			RequestsPerSecond: 1000,
			Burst:             10,
			TimeoutSecs:       5,
		},
		Retry: config.RetryConfig{
			MaxAttempts:      2,
			InitialBackoffMs: 1,
			MaxBackoffMs:     2,
			Multiplier:       2,
		},
		Pipeline:        config.PipelineConfig{CountryPrefix: "55", Timezone: "UTC", StatusBuffer: 64},
		Export:          config.ExportConfig{Dir: filepath.Join(dir, "out"), Format: "csv"},
		Store:           config.StoreConfig{Driver: "none"},
		CredentialsFile: filepath.Join(dir, "credentials.json"),
	}
	t.Cleanup(func() { cfg = nil })
}

// writeLeadCSV writes a CSV with header and rows and returns its path.
func writeLeadCSV(t *testing.T, header []string, rows ...[]string) string {
	t.Helper()
	lines := []string{strings.Join(header, ",")}
	for _, r := range rows {
		lines = append(lines, strings.Join(r, ","))
	}
	path := filepath.Join(t.TempDir(), "leads.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func lead(name, email, date string) []string {
	return []string{name, email, "(11) 91234-0000", "fb", "cpc", "", "promo", "", date, "10.0.0.1"}
}

// capiServer counts requests and answers with status and body.
func capiServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

const okBody = `{"events_received": 1, "fbtrace_id": "trace"}`
