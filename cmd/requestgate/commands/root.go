// Package commands implements the requestgate command tree.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is reported by --version and as the OpenTelemetry service version.
var Version = "dev"

// NewRootCommand builds the command tree. Each call returns an independent
// tree so tests can run commands side by side.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "requestgate",
		Short: "HTTP request security gate",
		Long: `requestgate inspects incoming HTTP requests for injection payloads,
scanner probes and abusive request rates, and blocks offending clients.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "YAML config file")
	root.PersistentFlags().String("env-file", "", "env file to load (default ./.env when present)")

	root.AddCommand(
		newServeCommand(),
		newScanCommand(),
		newBlocklistCommand(),
		newLogsCommand(),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
