package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/requestgate"
	"github.com/giantswarm/requestgate/security"
)

func newLogsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the last lines of the security log",
		Args:  cobra.NoArgs,
		RunE:  runLogs,
	}
	cmd.Flags().String("file", "", "security log (default gate.security_log.path from the config)")
	cmd.Flags().Int("lines", requestgate.DefaultLogLines, "number of lines, 0 for all")
	return cmd
}

func runLogs(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("file")
	lines, _ := cmd.Flags().GetInt("lines")

	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path = cfg.Gate.SecurityLog.Path
	}
	if path == "" {
		return errors.New("no security log: pass --file or set gate.security_log.path")
	}

	entries, err := security.TailLogFile(path, lines)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, l := range entries {
		if l.Timestamp.IsZero() {
			fmt.Fprintln(out, l.Message)
			continue
		}
		fmt.Fprintln(out, security.FormatLogLine(l.Timestamp, l.Level, l.Message))
	}
	return nil
}
