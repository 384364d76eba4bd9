package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/resilience"
	"github.com/sells-group/lead-converter/internal/submit"
)

var leadColumns = []string{
	"Nome", "Email", "Telefone", "Origem", "Midia", "Termo", "Campanha", "Conteudo", "Data", "IP",
}

var fullMapping = model.NewFieldMapping(map[string]string{
	model.FieldName:             "Nome",
	model.FieldEmail:            "Email",
	model.FieldPhone:            "Telefone",
	model.FieldUTMSource:        "Origem",
	model.FieldUTMMedium:        "Midia",
	model.FieldUTMTerm:          "Termo",
	model.FieldUTMCampaign:      "Campanha",
	model.FieldUTMContent:       "Conteudo",
	model.FieldRegistrationTime: "Data",
	model.FieldIPAddress:        "IP",
})

var testCreds = model.Credentials{AccessToken: "tok", PixelID: "pixel-1"}

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func leadRow(i int) []string {
	return []string{
		fmt.Sprintf("Lead %d", i),
		fmt.Sprintf("lead%d@example.com", i),
		fmt.Sprintf("(11) 9123%d-0000", i),
		"fb", "cpc", "", "promo", "", "15/03/2024 10:30", "10.0.0.1",
	}
}

func leadTable(n int) *model.Table {
	rows := make([][]string, n)
	for i := range rows {
		rows[i] = leadRow(i + 1)
	}
	return model.NewTable("leads.csv", leadColumns, rows)
}

// fakeService records the events it receives and fails the rows listed in
// failEmails.
type fakeService struct {
	mu         sync.Mutex
	calls      int
	events     []model.ConversionEvent
	failEmails map[string]bool
	onCall     func(call int)
}

func (f *fakeService) Send(_ context.Context, _ string, ev model.ConversionEvent) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.events = append(f.events, ev)
	f.mu.Unlock()

	if f.onCall != nil {
		f.onCall(call)
	}
	if h, ok := ev.Identity.HashedEmail.Get(); ok && f.failEmails[h] {
		return fmt.Errorf("status 500 for call %d", call)
	}
	return nil
}

func (f *fakeService) connect(model.Credentials) submit.Service {
	return f
}

func noSleepRetry() resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return cfg
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Retry:     noSleepRetry(),
		Location:  time.UTC,
		ExportDir: t.TempDir(),
		Now:       func() time.Time { return fixedNow },
	}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) Report(s Status) {
	l.mu.Lock()
	l.statuses = append(l.statuses, s)
	l.mu.Unlock()
}

func (l *statusLog) ofKind(k StatusKind) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, s := range l.statuses {
		if s.Kind == k {
			out = append(out, s)
		}
	}
	return out
}
