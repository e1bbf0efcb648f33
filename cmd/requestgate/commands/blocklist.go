package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/giantswarm/requestgate/storage"
	"github.com/giantswarm/requestgate/storage/memory"
)

const defaultManualReason = "manual block"

func newBlocklistCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocklist",
		Short: "Manage the JSON block file offline",
		Long: `Inspect and edit the block file the gate persists to. Run these while the
gate is stopped; a running gate overwrites the file on its next change.`,
	}
	cmd.PersistentFlags().String("file", "", "block file (default gate.block_file from the config)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List active blocks",
		Args:  cobra.NoArgs,
		RunE:  runBlocklistList,
	}

	add := &cobra.Command{
		Use:   "add <ip>",
		Short: "Block an IP",
		Args:  cobra.ExactArgs(1),
		RunE:  runBlocklistAdd,
	}
	add.Flags().String("reason", defaultManualReason, "reason recorded with the block")
	add.Flags().Duration("duration", storage.DefaultBlockDuration, "block duration, 0 for permanent")

	remove := &cobra.Command{
		Use:     "remove <ip>",
		Aliases: []string{"rm"},
		Short:   "Unblock an IP",
		Args:    cobra.ExactArgs(1),
		RunE:    runBlocklistRemove,
	}

	cmd.AddCommand(list, add, remove)
	return cmd
}

// openBlockFile loads the block file named by --file or the config.
func openBlockFile(cmd *cobra.Command) (*memory.Store, error) {
	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		path = cfg.Gate.BlockFile
	}
	if path == "" {
		return nil, errors.New("no block file: pass --file or set gate.block_file")
	}

	store := memory.New(
		memory.WithFile(path),
		memory.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err := store.Load(cmd.Context()); err != nil {
		store.Stop()
		return nil, err
	}
	return store, nil
}

func runBlocklistList(cmd *cobra.Command, _ []string) error {
	store, err := openBlockFile(cmd)
	if err != nil {
		return err
	}
	defer store.Stop()

	entries, err := store.List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No active blocks")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tREASON\tBLOCKED\tEXPIRES")
	for _, e := range entries {
		expires := "never"
		if !e.Permanent() {
			expires = humanize.Time(e.ExpiresAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.IP, e.Reason, humanize.Time(e.BlockedAt), expires)
	}
	return tw.Flush()
}

func runBlocklistAdd(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	duration, _ := cmd.Flags().GetDuration("duration")

	ip, err := parseIPArg(args[0])
	if err != nil {
		return err
	}
	if duration < 0 {
		return errors.New("duration must not be negative")
	}

	store, err := openBlockFile(cmd)
	if err != nil {
		return err
	}
	defer store.Stop()

	entry := storage.NewBlockEntry(ip, reason, time.Now(), duration)
	if err := store.Block(cmd.Context(), entry); err != nil {
		return err
	}

	if entry.Permanent() {
		fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s permanently\n", ip)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s until %s\n", ip, entry.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func runBlocklistRemove(cmd *cobra.Command, args []string) error {
	ip, err := parseIPArg(args[0])
	if err != nil {
		return err
	}

	store, err := openBlockFile(cmd)
	if err != nil {
		return err
	}
	defer store.Stop()

	ctx := cmd.Context()
	blocked, err := store.IsBlocked(ctx, ip)
	if err != nil {
		return err
	}
	if !blocked {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not blocked\n", ip)
		return nil
	}
	if err := store.Unblock(ctx, ip); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s\n", ip)
	return nil
}

func parseIPArg(s string) (string, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid IP %q", s)
	}
	return storage.NormalizeIP(addr.String()), nil
}
