package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/normalize"
)

func TestRun_AllRowsSucceed(t *testing.T) {
	svc := &fakeService{}
	opts := testOptions(t)
	p := New(Deps{Connect: svc.connect}, opts)
	assert.Equal(t, model.RunStatusIdle, p.State())

	summary, err := p.Run(context.Background(), leadTable(3), fullMapping, testCreds)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, summary.Status)
	assert.Equal(t, model.RunStatusCompleted, p.State())
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Visited)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.ExportPath)
	assert.Equal(t, 3, svc.calls)

	entries, err := os.ReadDir(opts.ExportDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	ev := svc.events[0]
	assert.Equal(t, model.EventNameLead, ev.EventName)
	assert.Equal(t, int64(1710498600), ev.EventTime)
	assert.Equal(t, "promo", ev.CampaignLabel)
	assert.Equal(t, normalize.HashIdentity("lead1@example.com"), ev.Identity.HashedEmail)
}

func TestRun_RowIsolation(t *testing.T) {
	rows := make([][]string, 5)
	for i := range rows {
		rows[i] = leadRow(i + 1)
	}
	rows[2][8] = "not a date"
	table := model.NewTable("leads.csv", leadColumns, rows)

	svc := &fakeService{}
	opts := testOptions(t)
	p := New(Deps{Connect: svc.connect}, opts)

	summary, err := p.Run(context.Background(), table, fullMapping, testCreds)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, summary.Status)
	assert.Equal(t, 5, summary.Visited)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 4, svc.calls)

	require.NotEmpty(t, summary.ExportPath)
	assert.Equal(t, filepath.Join(opts.ExportDir, "failed_rows_20240315_120000.xlsx"), summary.ExportPath)

	f, err := xlsx.OpenFile(summary.ExportPath)
	require.NoError(t, err)
	sheet := f.Sheets[0]
	require.Len(t, sheet.Rows, 2)
	assert.Equal(t, "Lead 3", sheet.Rows[1].Cells[0].String())
	last := sheet.Rows[1].Cells[len(sheet.Rows[1].Cells)-1].String()
	assert.Contains(t, last, "registration_time")
}

func TestRun_SubmissionFailureUsesAllAttempts(t *testing.T) {
	svc := &fakeService{failEmails: map[string]bool{}}
	h, _ := normalize.HashIdentity("lead2@example.com").Get()
	svc.failEmails[h] = true

	log := &statusLog{}
	p := New(Deps{Connect: svc.connect, Reporter: log}, testOptions(t))

	summary, err := p.Run(context.Background(), leadTable(3), fullMapping, testCreds)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 5, svc.calls) // 1 + 3 + 1

	rowErrs := log.ofKind(StatusRowError)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 2, rowErrs[0].Row)
	assert.Contains(t, rowErrs[0].Message, "Lead 2")
	assert.Contains(t, rowErrs[0].Message, "status 500 for call 4")
}

func TestRun_ProgressMonotonic(t *testing.T) {
	svc := &fakeService{}
	log := &statusLog{}
	p := New(Deps{Connect: svc.connect, Reporter: log}, testOptions(t))

	_, err := p.Run(context.Background(), leadTable(7), fullMapping, testCreds)
	require.NoError(t, err)

	prog := log.ofKind(StatusProgress)
	require.Len(t, prog, 7)
	prev := 0.0
	for i, s := range prog {
		assert.GreaterOrEqual(t, s.Progress, prev)
		if i < len(prog)-1 {
			assert.Less(t, s.Progress, 100.0)
		}
		prev = s.Progress
	}
	assert.InDelta(t, 100.0, prog[len(prog)-1].Progress, 1e-9)

	summaries := log.ofKind(StatusSummary)
	require.Len(t, summaries, 1)
	assert.Equal(t, model.RunStatusCompleted, summaries[0].State)
	require.NotNil(t, summaries[0].Summary)
	assert.Equal(t, 7, summaries[0].Summary.Succeeded)
}

func TestRun_CancelBetweenRows(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{onCall: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	p := New(Deps{Connect: svc.connect}, testOptions(t))

	summary, err := p.Run(ctx, leadTable(10), fullMapping, testCreds)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCancelled, summary.Status)
	assert.Equal(t, model.RunStatusCancelled, p.State())
	assert.Equal(t, 2, svc.calls)
	assert.Equal(t, 2, summary.Visited)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 10, summary.Total)
}

func TestRun_CancelDoesNotCutRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := &fakeService{failEmails: map[string]bool{}}
	h, _ := normalize.HashIdentity("lead1@example.com").Get()
	svc.failEmails[h] = true
	svc.onCall = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	p := New(Deps{Connect: svc.connect}, testOptions(t))

	summary, err := p.Run(ctx, leadTable(4), fullMapping, testCreds)
	require.NoError(t, err)

	assert.Equal(t, 3, svc.calls)
	assert.Equal(t, model.RunStatusCancelled, summary.Status)
	assert.Equal(t, 1, summary.Visited)
	assert.Equal(t, 1, summary.Failed)
	assert.NotEmpty(t, summary.ExportPath)
}

func TestRun_Validation(t *testing.T) {
	svc := &fakeService{}

	t.Run("no table", func(t *testing.T) {
		p := New(Deps{Connect: svc.connect}, testOptions(t))
		summary, err := p.Run(context.Background(), nil, fullMapping, testCreds)
		assert.Nil(t, summary)
		assert.True(t, errors.Is(err, model.ErrValidation))
		assert.Equal(t, model.RunStatusFatal, p.State())
	})

	t.Run("empty table", func(t *testing.T) {
		p := New(Deps{Connect: svc.connect}, testOptions(t))
		_, err := p.Run(context.Background(), leadTable(0), fullMapping, testCreds)
		assert.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("missing credentials", func(t *testing.T) {
		p := New(Deps{Connect: svc.connect}, testOptions(t))
		_, err := p.Run(context.Background(), leadTable(1), fullMapping, model.Credentials{PixelID: "p"})
		assert.True(t, errors.Is(err, model.ErrValidation))
	})

	t.Run("incomplete mapping", func(t *testing.T) {
		p := New(Deps{Connect: svc.connect}, testOptions(t))
		partial := model.NewFieldMapping(map[string]string{
			model.FieldName:  "Nome",
			model.FieldEmail: "Correio",
		})
		summary, err := p.Run(context.Background(), leadTable(1), partial, testCreds)
		assert.Nil(t, summary)

		var mErr *model.MappingIncompleteError
		require.True(t, errors.As(err, &mErr))
		assert.Contains(t, mErr.Unmapped, model.FieldPhone)
		assert.NotContains(t, mErr.Unmapped, model.FieldName)
		assert.Equal(t, "Correio", mErr.Unknown[model.FieldEmail])
		assert.Equal(t, model.RunStatusFatal, p.State())
	})

	assert.Equal(t, 0, svc.calls)
}

func TestRun_Reusable(t *testing.T) {
	svc := &fakeService{}
	p := New(Deps{Connect: svc.connect}, testOptions(t))

	_, err := p.Run(context.Background(), leadTable(2), fullMapping, testCreds)
	require.NoError(t, err)
	summary, err := p.Run(context.Background(), leadTable(3), fullMapping, testCreds)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 5, svc.calls)
}

func TestRun_ReusableAfterFatal(t *testing.T) {
	svc := &fakeService{}
	p := New(Deps{Connect: svc.connect}, testOptions(t))

	_, err := p.Run(context.Background(), nil, fullMapping, testCreds)
	require.True(t, errors.Is(err, model.ErrValidation))
	require.Equal(t, model.RunStatusFatal, p.State())

	summary, err := p.Run(context.Background(), leadTable(1), fullMapping, testCreds)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, summary.Status)
	assert.Equal(t, 1, svc.calls)
}

func TestRun_RejectsOverlappingRun(t *testing.T) {
	var p *Pipeline
	var nestedErr error
	svc := &fakeService{onCall: func(call int) {
		if call == 1 {
			_, nestedErr = p.Run(context.Background(), leadTable(1), fullMapping, testCreds)
		}
	}}
	p = New(Deps{Connect: svc.connect}, testOptions(t))

	summary, err := p.Run(context.Background(), leadTable(2), fullMapping, testCreds)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.True(t, errors.Is(nestedErr, model.ErrValidation), "got %v", nestedErr)
	assert.Equal(t, model.RunStatusCompleted, p.State())
}

func TestRun_RecordsHistory(t *testing.T) {
	rows := [][]string{leadRow(1), leadRow(2)}
	rows[1][8] = ""
	table := model.NewTable("leads.csv", leadColumns, rows)

	rec := new(mockRecorder)
	rec.On("CreateRun", mock.Anything, "leads.csv", "pixel-1").
		Return(&model.Run{ID: "run-1"}, nil)
	rec.On("AddFailures", mock.Anything, "run-1", mock.MatchedBy(func(fs []model.FailureRecord) bool {
		return len(fs) == 1 && fs[0].Row.Row == 2 && fs[0].Kind == model.FailureRowParse
	})).Return(int64(0), errors.New("disk full"))
	rec.On("FinishRun", mock.Anything, "run-1", mock.MatchedBy(func(s *model.Summary) bool {
		return s.Status == model.RunStatusCompleted && s.Succeeded == 1 && s.Failed == 1
	})).Return(nil)

	svc := &fakeService{}
	p := New(Deps{Connect: svc.connect, Recorder: rec}, testOptions(t))

	summary, err := p.Run(context.Background(), table, fullMapping, testCreds)
	require.NoError(t, err)
	assert.Equal(t, "run-1", summary.RunID)
	rec.AssertExpectations(t)
}

func TestRun_RecorderUnavailable(t *testing.T) {
	rec := new(mockRecorder)
	rec.On("CreateRun", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("connection refused"))

	svc := &fakeService{}
	p := New(Deps{Connect: svc.connect, Recorder: rec}, testOptions(t))

	summary, err := p.Run(context.Background(), leadTable(2), fullMapping, testCreds)
	require.NoError(t, err)
	assert.Empty(t, summary.RunID)
	assert.Equal(t, 2, summary.Succeeded)
	rec.AssertNotCalled(t, "FinishRun", mock.Anything, mock.Anything, mock.Anything)
	rec.AssertNotCalled(t, "AddFailures", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ExportFailureIsWarning(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	rows := [][]string{leadRow(1)}
	rows[0][8] = "bad"
	table := model.NewTable("leads.csv", leadColumns, rows)

	log := &statusLog{}
	opts := testOptions(t)
	opts.ExportDir = filepath.Join(blocker, "out")
	p := New(Deps{Connect: (&fakeService{}).connect, Reporter: log}, opts)

	summary, err := p.Run(context.Background(), table, fullMapping, testCreds)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, summary.Status)
	assert.Empty(t, summary.ExportPath)
	assert.NotEmpty(t, summary.ExportErr)
	assert.NotEmpty(t, log.ofKind(StatusWarning))
}
