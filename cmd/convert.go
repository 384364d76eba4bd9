package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-converter/internal/failures"
	"github.com/sells-group/lead-converter/internal/fetcher"
	"github.com/sells-group/lead-converter/internal/mapping"
	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/pipeline"
	"github.com/sells-group/lead-converter/internal/submit"
	"github.com/sells-group/lead-converter/pkg/capi"
)

// convertOptions carries the convert flags.
type convertOptions struct {
	File        string
	Sheet       string
	Delimiter   string
	MappingFile string
	Pairs       []string
	Yes         bool
	DryRun      bool
}

var convertFlags convertOptions

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Submit every row of a lead export as a Lead event",
	Long: `Reads a CSV, XLSX or ZIP lead export, proposes a column for every required
field, and after confirmation submits one Lead event per row.

Column choices are layered: header matching, then the mapping section of
config.yaml, then --mapping, then --map pairs.

Examples:
  lead-converter convert --file leads.xlsx
  lead-converter convert --file leads.csv --map email="E-mail" --map phone=Celular --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		return runConvert(cmd.Context(), convertFlags, sigCh, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	f := convertCmd.Flags()
	f.StringVar(&convertFlags.File, "file", "", "lead export to convert (.csv, .txt, .xlsx or .zip)")
	f.StringVar(&convertFlags.Sheet, "sheet", "", "worksheet name for XLSX input (default: first sheet)")
	f.StringVar(&convertFlags.Delimiter, "delimiter", "", "CSV delimiter: a single character or \"tab\" (default: sniffed)")
	f.StringVar(&convertFlags.MappingFile, "mapping", "", "YAML file of field: column pairs")
	f.StringArrayVar(&convertFlags.Pairs, "map", nil, "field=Column override (repeatable)")
	f.BoolVarP(&convertFlags.Yes, "yes", "y", false, "skip the confirmation prompt")
	f.BoolVar(&convertFlags.DryRun, "dry-run", false, "resolve the mapping and stop before sending")
	_ = convertCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(convertCmd)
}

// runConvert drives one conversion run. The first value on sigCh asks the
// run to stop after the current row; later signals get default handling.
func runConvert(ctx context.Context, opts convertOptions, sigCh <-chan os.Signal, in io.Reader, out io.Writer) error {
	log := zap.L().With(zap.String("file", opts.File))

	delim, err := parseDelimiter(opts.Delimiter)
	if err != nil {
		return err
	}
	table, err := fetcher.ReadTableWith(ctx, opts.File, fetcher.TableOptions{Sheet: opts.Sheet, Delimiter: delim})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Read %d rows from %s (%d columns)\n\n", table.Len(), table.Source, len(table.Columns()))

	selection, err := proposeMapping(table.Columns(), opts.MappingFile, opts.Pairs)
	if err != nil {
		return err
	}
	if err := printMapping(out, selection); err != nil {
		return err
	}

	fm, err := mapping.Resolve(table.Columns(), model.RequiredFields, selection)
	if err != nil {
		var incomplete *model.MappingIncompleteError
		if errors.As(err, &incomplete) {
			fmt.Fprintf(out, "\nPass --map field=Column for: %s\n", strings.Join(incomplete.Fields(), ", "))
		}
		return err
	}

	creds, err := cfg.Credentials()
	if err != nil {
		return err
	}
	if !creds.Complete() {
		return eris.New("convert: missing credentials; run `lead-converter credentials save` " +
			"or set LEADCONV_CAPI_ACCESS_TOKEN and LEADCONV_CAPI_PIXEL_ID")
	}

	if opts.DryRun {
		fmt.Fprintf(out, "\nDry run: %d rows ready for pixel %s, nothing sent.\n", table.Len(), creds.PixelID)
		return nil
	}
	if !opts.Yes {
		ok, err := confirm(in, out, fmt.Sprintf("\nSend %d rows to pixel %s? [y/N] ", table.Len(), creds.PixelID))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	reporter := pipeline.NewChannelReporter(cfg.Pipeline.StatusBuffer)
	p, cleanup, err := buildPipeline(ctx, reporter)
	if err != nil {
		return err
	}
	defer cleanup()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var summary *model.Summary
	var g errgroup.Group
	g.Go(func() error {
		defer reporter.Close()
		s, err := p.Run(runCtx, table, fm, creds)
		summary = s
		return err
	})
	g.Go(func() error {
		watchStatus(reporter.C(), sigCh, cancel, out)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if dropped := reporter.Dropped(); dropped > 0 {
		log.Debug("convert: status messages dropped", zap.Int64("dropped", dropped))
	}
	printSummary(out, summary)
	return nil
}

// parseDelimiter returns 0 for "" so the reader sniffs the header.
func parseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case "tab", `\t`:
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 || r[0] == '"' || r[0] == '\n' || r[0] == '\r' {
		return 0, eris.Errorf("convert: invalid delimiter %q", s)
	}
	return r[0], nil
}

// proposeMapping layers header suggestions with the configured, file and
// command-line overrides.
func proposeMapping(columns []string, mappingFile string, pairs []string) (map[string]string, error) {
	layers := []map[string]string{cfg.Mapping}
	if mappingFile != "" {
		m, err := mapping.LoadOverrides(mappingFile)
		if err != nil {
			return nil, err
		}
		layers = append(layers, m)
	}
	if len(pairs) > 0 {
		m, err := mapping.ParsePairs(pairs)
		if err != nil {
			return nil, err
		}
		layers = append(layers, m)
	}
	return mapping.Merge(mapping.Suggest(columns, model.RequiredFields), layers...), nil
}

func printMapping(w io.Writer, selection map[string]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tCOLUMN")
	for _, field := range model.RequiredFields {
		col := selection[field]
		if col == "" {
			col = "(unmapped)"
		}
		fmt.Fprintf(tw, "%s\t%s\n", field, col)
	}
	return tw.Flush()
}

func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, eris.Wrap(err, "convert: read confirmation")
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// buildPipeline wires the pipeline from cfg. Run history is best effort: a
// store that fails to open is logged and the run goes ahead without it.
func buildPipeline(ctx context.Context, reporter pipeline.Reporter) (*pipeline.Pipeline, func(), error) {
	loc, err := cfg.Pipeline.Location()
	if err != nil {
		return nil, nil, err
	}
	format, err := failures.ParseFormat(cfg.Export.Format)
	if err != nil {
		return nil, nil, err
	}

	deps := pipeline.Deps{
		Connect:  capiConnector(),
		Reporter: reporter,
	}
	cleanup := func() {}

	st, err := initStore(ctx)
	switch {
	case err != nil:
		zap.L().Warn("convert: run history unavailable", zap.Error(err))
	case st != nil:
		deps.Recorder = st
		cleanup = func() { st.Close() } //nolint:errcheck
	}

	p := pipeline.New(deps, pipeline.Options{
		Retry:         cfg.Retry.Policy(),
		SkipPermanent: cfg.Retry.SkipPermanent,
		CountryPrefix: cfg.Pipeline.CountryPrefix,
		Location:      loc,
		ExportDir:     cfg.Export.Dir,
		ExportFormat:  format,
	})
	return p, cleanup, nil
}

// capiConnector builds Conversions API services that share one limiter and
// HTTP client across runs.
func capiConnector() func(model.Credentials) submit.Service {
	limiter := capi.NewAdaptiveLimiter(cfg.CAPI.RequestsPerSecond, cfg.CAPI.Burst)
	hc := &http.Client{Timeout: time.Duration(cfg.CAPI.TimeoutSecs) * time.Second}

	return func(c model.Credentials) submit.Service {
		client := capi.NewClient(c.AccessToken,
			capi.WithBaseURL(cfg.CAPI.BaseURL),
			capi.WithAPIVersion(cfg.CAPI.Version),
			capi.WithHTTPClient(hc),
			capi.WithLimiter(limiter),
			capi.WithTestEventCode(cfg.CAPI.TestEventCode),
		)
		return &submit.CAPIService{Client: client}
	}
}

// watchStatus renders status messages until the reporter closes. The first
// signal requests a stop; the handler is then reset so a second one kills the
// process.
func watchStatus(statuses <-chan pipeline.Status, sigCh <-chan os.Signal, stop func(), w io.Writer) {
	for {
		select {
		case s, ok := <-statuses:
			if !ok {
				return
			}
			renderStatus(w, s)
		case sig := <-sigCh:
			zap.L().Info("convert: stop requested", zap.String("signal", sig.String()))
			stop()
			signal.Reset(syscall.SIGINT, syscall.SIGTERM)
			fmt.Fprintln(w, "\nStopping after the current row. Press Ctrl-C again to abort.")
			sigCh = nil
		}
	}
}

func renderStatus(w io.Writer, s pipeline.Status) {
	switch s.Kind {
	case pipeline.StatusProgress:
		fmt.Fprintf(w, "\r[%5.1f%%] %s", s.Progress, s.Message)
	case pipeline.StatusRowError:
		fmt.Fprintf(w, "\n  ! %s\n", s.Message)
	case pipeline.StatusWarning:
		fmt.Fprintf(w, "\nwarning: %s\n", s.Message)
	case pipeline.StatusState:
		if s.State == model.RunStatusCancelled {
			fmt.Fprintln(w, "\nRun cancelled.")
		}
	case pipeline.StatusSummary:
		fmt.Fprintln(w)
	}
}

func printSummary(w io.Writer, s *model.Summary) {
	if s == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Status:\t%s\n", s.Status)
	if s.RunID != "" {
		fmt.Fprintf(tw, "Run:\t%s\n", s.RunID)
	}
	fmt.Fprintf(tw, "Rows:\t%d of %d processed\n", s.Visited, s.Total)
	fmt.Fprintf(tw, "Succeeded:\t%d\n", s.Succeeded)
	fmt.Fprintf(tw, "Failed:\t%d\n", s.Failed)
	if s.ExportPath != "" {
		fmt.Fprintf(tw, "Failed rows:\t%s\n", s.ExportPath)
	}
	if s.ExportErr != "" {
		fmt.Fprintf(tw, "Export error:\t%s\n", s.ExportErr)
	}
	fmt.Fprintf(tw, "Duration:\t%s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	tw.Flush() //nolint:errcheck
}
