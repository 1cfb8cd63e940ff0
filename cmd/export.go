package cmd

import (
	"github.com/spf13/cobra"

	"zkarchive/internal/app"
)

func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Writes the manifest text listings (universe, missing, failures, duplicates)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, cfgFile, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.ExportListings(ctx)
		},
	}
}
