package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zkarchive/internal/app"
	"zkarchive/internal/archive"
	"zkarchive/internal/report"
)

func newReportCmd() *cobra.Command {
	var (
		failuresStage string
		duplicates    bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Prints completion stats without doing any work",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Reconciler.Snapshot(ctx)
			if err != nil {
				return fmt.Errorf("build status snapshot: %w", err)
			}
			report.WriteRun(os.Stdout, rep)

			if failuresStage != "" {
				stage := archive.StageID(failuresStage)
				found := false
				for _, s := range archive.Stages() {
					if s == stage {
						found = true
					}
				}
				if !found {
					return fmt.Errorf("unknown stage %q", failuresStage)
				}
				if err := report.WriteFailures(ctx, os.Stdout, a.Manifest, stage); err != nil {
					return err
				}
			}
			if duplicates {
				if err := report.WriteDuplicates(ctx, os.Stdout, a.Manifest); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&failuresStage, "failures", "", "also list failures for the given stage")
	cmd.Flags().BoolVar(&duplicates, "duplicates", false, "also list duplicate anomalies")
	return cmd
}
