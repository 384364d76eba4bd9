package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/lead-converter/internal/failures"
	"github.com/sells-group/lead-converter/internal/model"
	"github.com/sells-group/lead-converter/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect conversion run history",
	Long:  "Commands for listing, viewing, and re-exporting conversion runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversion runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		source, _ := cmd.Flags().GetString("source")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Source: source,
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs failures --

var runsFailuresCmd = &cobra.Command{
	Use:   "failures <run-id>",
	Short: "List or re-export the failed rows of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.ListFailures(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs failures")
		}
		if len(rows) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No failed rows.")
			return nil
		}

		dir, _ := cmd.Flags().GetString("export")
		if dir == "" {
			formatFailuresList(cmd.OutOrStdout(), rows)
			return nil
		}

		formatName, _ := cmd.Flags().GetString("format")
		format, err := failures.ParseFormat(formatName)
		if err != nil {
			return err
		}
		path, err := exportStoredFailures(rows, dir, format, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exported %d rows to %s\n", len(rows), path)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(cmd.OutOrStdout(), computeRunStats(runs))
		return nil
	},
}

// -- runs abandon --

var runsAbandonCmd = &cobra.Command{
	Use:   "abandon <run-id>",
	Short: "Mark a run left running by a killed process as cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := requireStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := abandonRun(ctx, st, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s marked %s\n", args[0], model.RunStatusCancelled)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (running, completed, cancelled, fatal)")
	runsListCmd.Flags().String("source", "", "filter by input file name")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsFailuresCmd.Flags().String("export", "", "write the rows to a failed_rows file in this directory")
	runsFailuresCmd.Flags().String("format", "xlsx", "export format (xlsx or csv)")

	runsStatsCmd.Flags().Int("limit", 1000, "number of most recent runs to include")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsFailuresCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsAbandonCmd)
	rootCmd.AddCommand(runsCmd)
}

// abandonRun cancels a run that never reached a terminal status. Finished
// runs keep their recorded status.
func abandonRun(ctx context.Context, st store.Store, id string) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return eris.Wrap(err, "runs abandon")
	}
	if run.Status.Terminal() {
		return eris.Errorf("runs abandon: run %s already %s", id, run.Status)
	}
	return eris.Wrap(st.UpdateRunStatus(ctx, id, model.RunStatusCancelled), "runs abandon")
}

// exportStoredFailures writes persisted failures back out in the same layout
// a run produces. Rows of one run share a header.
func exportStoredFailures(rows []model.StoredFailure, dir string, format failures.Format, now time.Time) (string, error) {
	c := failures.NewCollector(rows[0].Columns, format)
	for _, f := range rows {
		c.Add(model.FailureRecord{Row: f.Record(), Kind: f.Kind, Reason: f.Reason})
	}
	return c.Export(dir, now)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Completed  int
	Cancelled  int
	Fatal      int
	Other      int
	RowsSent   int
	RowsFailed int
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		switch r.Status {
		case model.RunStatusCompleted:
			s.Completed++
		case model.RunStatusCancelled:
			s.Cancelled++
		case model.RunStatusFatal:
			s.Fatal++
		default:
			s.Other++
		}
		if r.Summary != nil {
			s.RowsSent += r.Summary.Succeeded
			s.RowsFailed += r.Summary.Failed
			if !r.Summary.FinishedAt.IsZero() {
				totalDur += r.Summary.FinishedAt.Sub(r.Summary.StartedAt)
				durCount++
			}
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tSTATUS\tSENT\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t----\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		sent, failed := "-", "-"
		if r.Summary != nil {
			sent = fmt.Sprint(r.Summary.Succeeded)
			failed = fmt.Sprint(r.Summary.Failed)
		}

		source := r.Source
		if len(source) > 30 {
			source = source[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			source,
			r.Status,
			sent,
			failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatFailuresList writes one line per failed row.
func formatFailuresList(out io.Writer, rows []model.StoredFailure) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ROW\tKIND\tREASON")
	for _, f := range rows {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\n", f.Row, f.Kind, f.Reason)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Fatal:\t%d\n", s.Fatal)
	_, _ = fmt.Fprintf(w, "Other:\t%d\n", s.Other)
	_, _ = fmt.Fprintf(w, "Rows sent:\t%d\n", s.RowsSent)
	_, _ = fmt.Fprintf(w, "Rows failed:\t%d\n", s.RowsFailed)
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
