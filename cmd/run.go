package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"zkarchive/internal/app"
	"zkarchive/internal/reconcile"
	"zkarchive/internal/report"
)

func newRunCmd() *cobra.Command {
	var (
		full       bool
		importPath string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs reconciliation passes until complete or stalled",
		Long: `Runs the stage pipeline over every identifier still missing work,
repeating passes as transient failures recover, until the archive is
complete or a pass makes no progress. With --full, the whole universe is
reprocessed, previously succeeded and permanently failed identifiers
included; artifacts are overwritten.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile, app.Options{FullUniverse: full})
			if err != nil {
				return err
			}
			defer a.Close()

			if importPath != "" {
				if err := a.ImportUniverse(ctx, importPath); err != nil {
					return err
				}
			}
			if err := a.SeedUniverse(ctx); err != nil {
				return err
			}

			rep, err := a.Reconciler.Run(ctx)
			if err != nil {
				return fmt.Errorf("reconciliation run: %w", err)
			}
			report.WriteRun(os.Stdout, rep)

			if err := a.ExportListings(ctx); err != nil {
				a.Logger.Warn("listing export failed", zap.Error(err))
			}
			if rep.State == reconcile.StateStalled {
				return fmt.Errorf("run stalled; see failure listings")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "reprocess the whole universe, succeeded identifiers included")
	cmd.Flags().StringVar(&importPath, "import", "", "merge identifiers from a listing file before running")
	return cmd
}
