// Package pipeline drives a lead table through normalization, event building
// and submission, one row at a time.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-converter/internal/event"
	"github.com/sells-group/lead-converter/internal/failures"
	"github.com/sells-group/lead-converter/internal/mapping"
	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/normalize"
	"github.com/sells-group/lead-converter/internal/resilience"
	"github.com/sells-group/lead-converter/internal/submit"
)

// Recorder persists run history. Errors are logged and never stop a run.
type Recorder interface {
	CreateRun(ctx context.Context, source, pixelID string) (*model.Run, error)
	AddFailures(ctx context.Context, runID string, recs []model.FailureRecord) (int64, error)
	FinishRun(ctx context.Context, runID string, summary *model.Summary) error
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	// Connect returns the submission service for a set of credentials.
	Connect func(creds model.Credentials) submit.Service
	// Recorder is optional.
	Recorder Recorder
	// Reporter is optional.
	Reporter Reporter
}

// Options tune a Pipeline. Zero values take the documented defaults.
type Options struct {
	Retry         resilience.RetryConfig
	SkipPermanent bool
	CountryPrefix string         // default "55"
	Location      *time.Location // default time.Local
	ExportDir     string         // default "."
	ExportFormat  failures.Format
	Required      []string // default model.RequiredFields
	Now           func() time.Time
}

// Pipeline runs conversions. A Pipeline executes one run at a time and may be
// reused once a run reaches a terminal state.
type Pipeline struct {
	deps Deps
	opts Options

	mu    sync.Mutex
	state model.RunStatus
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Reporter == nil {
		deps.Reporter = discardReporter{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.CountryPrefix == "" {
		opts.CountryPrefix = normalize.DefaultCountryPrefix
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.ExportDir == "" {
		opts.ExportDir = "."
	}
	if opts.ExportFormat == "" {
		opts.ExportFormat = failures.FormatXLSX
	}
	if len(opts.Required) == 0 {
		opts.Required = model.RequiredFields
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts, state: model.RunStatusIdle}
}

// State returns the lifecycle state of the current or last run.
func (p *Pipeline) State() model.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s model.RunStatus) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.deps.Reporter.Report(Status{Kind: StatusState, State: s, Message: string(s)})
}

// begin moves to running unless a run is already in progress.
func (p *Pipeline) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != model.RunStatusIdle && !p.state.Terminal() {
		return false
	}
	p.state = model.RunStatusRunning
	return true
}

// Run validates its inputs and then processes every row of table. Row
// failures are collected, exported and counted in the summary; they never
// end the run. Cancelling ctx stops the run before the next row. Validation
// failures return model.ErrValidation or *model.MappingIncompleteError with
// no summary.
func (p *Pipeline) Run(ctx context.Context, table *model.Table, selection model.FieldMapping, creds model.Credentials) (*model.Summary, error) {
	if !p.begin() {
		return nil, eris.Wrap(model.ErrValidation, "pipeline: a run is already in progress")
	}

	fm, err := p.validate(table, selection, creds)
	if err != nil {
		p.setState(model.RunStatusFatal)
		zap.L().Error("pipeline: validation failed", zap.Error(err))
		p.deps.Reporter.Report(Status{Kind: StatusWarning, Message: err.Error()})
		return nil, err
	}
	p.setState(model.RunStatusRunning)

	summary := &model.Summary{
		Source:    table.Source,
		Status:    model.RunStatusRunning,
		Total:     table.Len(),
		StartedAt: p.opts.Now(),
	}
	log := zap.L().With(zap.String("source", table.Source))

	if p.deps.Recorder != nil {
		run, err := p.deps.Recorder.CreateRun(ctx, table.Source, creds.PixelID)
		if err != nil {
			log.Warn("pipeline: record run", zap.Error(err))
		} else {
			summary.RunID = run.ID
			log = log.With(zap.String("run_id", run.ID))
		}
	}

	log.Info("pipeline: run started",
		zap.Int("rows", summary.Total),
		zap.Strings("fields", fm.Fields()),
	)

	normalizer := normalize.New(p.opts.CountryPrefix)
	builder := event.NewBuilder(p.opts.Location)
	submitter := submit.New(p.deps.Connect(creds), creds.PixelID, p.opts.Retry, p.opts.SkipPermanent)
	collector := failures.NewCollector(table.Columns(), p.opts.ExportFormat)

	status := model.RunStatusCompleted
	for _, row := range table.Rows {
		if ctx.Err() != nil {
			status = model.RunStatusCancelled
			log.Info("pipeline: stop requested", zap.Int("next_row", row.Row))
			break
		}

		out := p.processRow(ctx, normalizer, builder, submitter, row, fm)
		summary.Visited++
		name, _ := fm.Lookup(row, model.FieldName)

		if out.Success {
			summary.Succeeded++
			log.Info("pipeline: row sent",
				zap.Int("row", row.Row),
				zap.String("name", name),
				zap.Int("attempts", out.Attempts),
			)
		} else {
			summary.Failed++
			rec := model.FailureFromOutcome(out)
			collector.Add(rec)
			log.Warn("pipeline: row failed",
				zap.Int("row", row.Row),
				zap.String("name", name),
				zap.String("kind", string(out.Kind)),
				zap.String("reason", out.Reason),
			)
			p.deps.Reporter.Report(Status{
				Kind:    StatusRowError,
				Row:     row.Row,
				Message: fmt.Sprintf("row %d (%s): %s", row.Row, name, out.Reason),
			})
		}

		p.deps.Reporter.Report(Status{
			Kind:     StatusProgress,
			Row:      row.Row,
			Progress: progress(summary.Visited, summary.Total),
			Message:  fmt.Sprintf("%d/%d", summary.Visited, summary.Total),
		})
	}

	summary.Status = status
	p.export(log, collector, summary)
	summary.FinishedAt = p.opts.Now()
	p.record(context.WithoutCancel(ctx), log, collector, summary)

	log.Info("pipeline: run finished",
		zap.String("status", string(status)),
		zap.Int("visited", summary.Visited),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.String("export", summary.ExportPath),
	)
	p.setState(status)
	p.deps.Reporter.Report(Status{
		Kind:     StatusSummary,
		State:    status,
		Progress: progress(summary.Visited, summary.Total),
		Summary:  summary,
		Message:  fmt.Sprintf("%d succeeded, %d failed", summary.Succeeded, summary.Failed),
	})
	return summary, nil
}

func (p *Pipeline) validate(table *model.Table, selection model.FieldMapping, creds model.Credentials) (model.FieldMapping, error) {
	if table == nil || table.Len() == 0 {
		return model.FieldMapping{}, eris.Wrap(model.ErrValidation, "pipeline: no rows to process")
	}
	if !creds.Complete() {
		return model.FieldMapping{}, eris.Wrap(model.ErrValidation, "pipeline: access token and pixel id are required")
	}
	if p.deps.Connect == nil {
		return model.FieldMapping{}, eris.Wrap(model.ErrValidation, "pipeline: no submission service configured")
	}
	return mapping.Resolve(table.Columns(), p.opts.Required, selection.Map())
}

func (p *Pipeline) processRow(
	ctx context.Context,
	n *normalize.Normalizer,
	b *event.Builder,
	s *submit.Submitter,
	row model.RawRecord,
	fm model.FieldMapping,
) model.Outcome {
	id := n.Identity(row, fm)
	ev, err := b.Build(row, fm, id)
	if err != nil {
		return model.Failed(row, model.FailureRowParse, err.Error(), 0)
	}
	return s.Submit(ctx, ev, row)
}

// record stores the failed rows and the final summary in run history.
func (p *Pipeline) record(ctx context.Context, log *zap.Logger, c *failures.Collector, summary *model.Summary) {
	if p.deps.Recorder == nil || summary.RunID == "" {
		return
	}
	if c.Len() > 0 {
		n, err := p.deps.Recorder.AddFailures(ctx, summary.RunID, c.Records())
		if err != nil {
			log.Warn("pipeline: record failed rows", zap.Error(err))
		} else {
			log.Debug("pipeline: failed rows recorded", zap.Int64("rows", n))
		}
	}
	if err := p.deps.Recorder.FinishRun(ctx, summary.RunID, summary); err != nil {
		log.Warn("pipeline: record run result", zap.Error(err))
	}
}

func (p *Pipeline) export(log *zap.Logger, c *failures.Collector, summary *model.Summary) {
	path, err := c.Export(p.opts.ExportDir, p.opts.Now())
	if err != nil {
		summary.ExportErr = err.Error()
		log.Warn("pipeline: export failed rows", zap.Error(err))
		p.deps.Reporter.Report(Status{Kind: StatusWarning, Message: err.Error()})
		return
	}
	summary.ExportPath = path
	if path != "" {
		log.Info("pipeline: failed rows exported", zap.String("path", path), zap.Int("rows", c.Len()))
	}
}

func progress(visited, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(visited) / float64(total) * 100
}
