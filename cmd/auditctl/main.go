// auditctl scores transaction files offline and manages scoring artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mbd888/auditrisk/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:   "auditctl",
		Short: "Offline fraud risk scoring for public spending data",
		Long: `auditctl runs the same scoring engine as the server against local files.

It scores batches of transactions, resolves vendor spellings, and builds the
baseline and anomaly model artifacts the engine loads.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Logs go to stderr so stdout stays machine readable.
			logger := logging.NewWriter(cmd.ErrOrStderr(), logLevel, logFormat)
			slog.SetDefault(logger)
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(scoreCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(baselinesCmd())
	root.AddCommand(modelCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
