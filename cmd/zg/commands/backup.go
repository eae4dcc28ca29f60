package commands

import (
	"errors"
	"fmt"

	"zgdrive/pkg/exporter"
	"zgdrive/pkg/refs"
	"zgdrive/pkg/types"

	"github.com/spf13/cobra"
)

var historyLimit int

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the whole namespace into the local object store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		res, err := ZG.Backup.Backup(cmd.Context(), owner)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "✅ Backup %s (%d entries)\n", res.Snapshot, res.Entries)
		if !res.Parent.IsZero() {
			fmt.Fprintf(out, "   Parent: %s\n", res.Parent)
		}
		return nil
	},
}

var backupShowCmd = &cobra.Command{
	Use:   "show [snapshot]",
	Short: "Show a backup snapshot (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		hash, err := snapshotArg(cmd, args)
		if err != nil {
			return err
		}
		snap, err := ZG.Backup.Snapshot(cmd.Context(), owner, hash)
		if errors.Is(err, refs.ErrNoHead) {
			fmt.Fprintln(cmd.OutOrStdout(), "No backups yet.")
			return nil
		}
		if err != nil {
			return err
		}
		return exporter.PrintSnapshot(cmd.OutOrStdout(), snap)
	},
}

var backupHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List backups, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		items, err := ZG.Backup.History(cmd.Context(), owner, historyLimit)
		if errors.Is(err, refs.ErrNoHead) {
			fmt.Fprintln(cmd.OutOrStdout(), "No backups yet.")
			return nil
		}
		if err != nil {
			return err
		}
		return exporter.PrintHistory(cmd.OutOrStdout(), items)
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot]",
	Short: "Restore the namespace from a backup (latest by default)",
	Long:  `Entries that still exist are left untouched, so restoring twice is harmless.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		hash, err := snapshotArg(cmd, args)
		if err != nil {
			return err
		}
		res, err := ZG.Backup.Restore(cmd.Context(), owner, hash)
		if errors.Is(err, refs.ErrNoHead) {
			return fmt.Errorf("no backup to restore (run 'zg backup' first)")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Restored %d of %d entries from %s\n", res.Restored, res.Total, res.Snapshot)
		return nil
	},
}

// snapshotArg 支持短哈希
func snapshotArg(cmd *cobra.Command, args []string) (types.Hash, error) {
	if len(args) == 0 {
		return "", nil
	}
	full, err := ZG.Store.ExpandHash(cmd.Context(), args[0])
	if err != nil {
		return "", fmt.Errorf("invalid snapshot argument '%s': %w", args[0], err)
	}
	return full, nil
}

func init() {
	backupHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of snapshots to show (0 for all)")
	backupCmd.AddCommand(backupShowCmd, backupHistoryCmd)
	rootCmd.AddCommand(backupCmd, restoreCmd)
}
