// Package cmd defines the CLI commands for the zkarchive executable.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zkarchive",
		Short: "Reconciles a local mirror of the Zettelkasten archive.",
		Long: `zkarchive keeps a local mirror of the Zettelkasten note archive complete.
It tracks every known note identifier in a manifest, runs the processing
stages (snapshot, links, record, document) over whatever is still missing,
and repeats passes until the mirror is complete or no further automatic
progress is possible.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the configuration file")
	cmd.AddCommand(
		newRunCmd(),
		newReportCmd(),
		newServeCmd(),
		newExportCmd(),
		newRebuildCmd(),
	)
	return cmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
