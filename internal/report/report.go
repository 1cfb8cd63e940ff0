// Package report renders reconciliation status as terminal tables.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"zkarchive/internal/archive"
	"zkarchive/internal/reconcile"
)

func newWriter(out io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.SetStyle(table.StyleRounded)
	return tw
}

// WriteRun renders the per-stage completion table for a run report.
func WriteRun(out io.Writer, rep reconcile.Report) {
	fmt.Fprintf(out, "run %s: %s\n", rep.RunID, rep.State)

	tw := newWriter(out)
	tw.AppendHeader(table.Row{"Stage", "Passes", "Total", "Done", "Missing", "Transient", "Permanent", "Complete"})
	for _, sr := range rep.Stages {
		complete := fmt.Sprintf("%.1f%%", sr.Stats.CompletionPercent())
		if sr.Stalled {
			complete += " (stalled)"
		}
		tw.AppendRow(table.Row{
			string(sr.Stage), sr.Passes,
			sr.Stats.Total, sr.Stats.Done, sr.Stats.Missing,
			sr.Stats.Transient, sr.Stats.Permanent, complete,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	tw.Render()

	if rep.Duplicates > 0 {
		fmt.Fprintf(out, "%d duplicate group(s) need manual review\n", rep.Duplicates)
	}
}

// WriteFailures renders the failure listing for one stage.
func WriteFailures(ctx context.Context, out io.Writer, store archive.ManifestStore, stage archive.StageID) error {
	failures, err := store.Failures(ctx, stage)
	if err != nil {
		return fmt.Errorf("load failures for %s: %w", stage, err)
	}
	if len(failures) == 0 {
		fmt.Fprintf(out, "stage %s: no failures\n", stage)
		return nil
	}

	tw := newWriter(out)
	tw.AppendHeader(table.Row{"Identifier", "Outcome", "Retries", "Reason"})
	for _, rec := range failures {
		tw.AppendRow(table.Row{rec.ID.Format(), string(rec.Outcome.Kind), rec.Retries, rec.Outcome.Reason})
	}
	tw.Render()
	return nil
}

// WriteDuplicates renders the duplicate anomaly listing.
func WriteDuplicates(ctx context.Context, out io.Writer, store archive.ManifestStore) error {
	groups, err := store.Duplicates(ctx)
	if err != nil {
		return fmt.Errorf("load duplicates: %w", err)
	}
	occ, err := store.DuplicateOccurrences(ctx)
	if err != nil {
		return fmt.Errorf("load duplicate occurrences: %w", err)
	}
	if len(groups) == 0 && len(occ) == 0 {
		fmt.Fprintln(out, "no duplicate anomalies")
		return nil
	}

	if len(groups) > 0 {
		tw := newWriter(out)
		tw.AppendHeader(table.Row{"Fold Key", "Spellings"})
		for _, g := range groups {
			tw.AppendRow(table.Row{g.FoldKey, strings.Join(g.Raw, ", ")})
		}
		tw.Render()
	}
	if len(occ) > 0 {
		fmt.Fprintf(out, "seen under multiple parents: %s\n", strings.Join(occ, ", "))
	}
	return nil
}
