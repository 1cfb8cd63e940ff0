package cmd

import (
	"github.com/spf13/cobra"

	"zkarchive/internal/app"
)

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Reconstructs the manifest from artifacts already in the blob store",
		Long: `Walks the blob store and records a success for every stage artifact
found, rebuilding manifest state after loss or migration. Artifacts whose
names do not parse as identifiers are skipped and logged.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Rebuild(ctx); err != nil {
				return err
			}
			return a.ExportListings(ctx)
		},
	}
}
