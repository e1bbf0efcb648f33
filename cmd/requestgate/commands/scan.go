package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/requestgate/security"
)

func newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan <value>...",
		Short: "Match values against the threat signatures",
		Long: `Run each argument through the signature matcher and print the threat
categories it matches, or "clean".`,
		Example: `  requestgate scan "' OR 1=1 --" "hello"
  requestgate scan --extended "; cat /etc/passwd"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runScan,
	}
	cmd.Flags().Bool("extended", false, "include command, LDAP, XML and NoSQL injection rules")
	cmd.Flags().String("rules", "", "YAML rule file layered over the built-in rules")
	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	extended, _ := cmd.Flags().GetBool("extended")
	rulesFile, _ := cmd.Flags().GetString("rules")

	table := security.DefaultRules()
	if extended {
		table = security.MergeRules(table, security.ExtendedRules())
	}
	if rulesFile != "" {
		rf, err := security.LoadRules(rulesFile)
		if err != nil {
			return err
		}
		table = rf.Table(table)
	}

	m, err := security.NewMatcher(table)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, v := range args {
		cats := m.Match(v)
		result := "clean"
		if len(cats) > 0 {
			names := make([]string, len(cats))
			for i, c := range cats {
				names[i] = string(c)
			}
			result = strings.Join(names, ",")
		}
		fmt.Fprintf(tw, "%q\t%s\n", v, result)
	}
	return tw.Flush()
}
