package commands

import (
	"fmt"

	"zgdrive/pkg/exporter"
	"zgdrive/pkg/namespace"
	"zgdrive/pkg/types"

	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use:   "ls [folder]",
	Short: "List files and folders (folders first)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var ref string
		if len(args) > 0 {
			ref = args[0]
		}
		parent, err := resolveFolder(ctx, owner, ref)
		if err != nil {
			return err
		}

		entries, err := ZG.Namespace.List(ctx, owner, parent)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "(empty)")
			return nil
		}
		return exporter.PrintEntries(cmd.OutOrStdout(), entries)
	},
}

var mkdirParent string

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <name>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		parent, err := resolveFolder(ctx, owner, mkdirParent)
		if err != nil {
			return err
		}
		e, err := ZG.Namespace.Create(ctx, owner, namespace.CreateRequest{
			Type:     types.EntryFolder,
			Name:     args[0],
			ParentID: parent,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "📁 Created folder %s (%s)\n", e.Name, e.ID)
		return nil
	},
}

var mvCmd = &cobra.Command{
	Use:   "mv <item> <folder|/>",
	Short: "Move a file or folder into another folder (or / for root)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		item, err := resolveEntry(ctx, owner, args[0])
		if err != nil {
			return err
		}
		dest, err := resolveFolder(ctx, owner, args[1])
		if err != nil {
			return err
		}
		e, err := ZG.Namespace.Move(ctx, owner, item.ID, dest)
		if err != nil {
			return err
		}
		where := "/"
		if dest != nil {
			where = args[1]
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Moved %s to %s\n", e.Name, where)
		return nil
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <item> <new-name>",
	Short: "Rename a file or folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		item, err := resolveEntry(ctx, owner, args[0])
		if err != nil {
			return err
		}
		e, err := ZG.Namespace.Rename(ctx, owner, item.ID, args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✅ Renamed %s -> %s\n", item.Name, e.Name)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <item>...",
	Short: "Delete files or folders (folders are deleted recursively)",
	Long:  `Removes entries from the namespace. Content already committed to the storage network is not affected.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		total := 0
		for _, ref := range args {
			item, err := resolveEntry(ctx, owner, ref)
			if err != nil {
				return err
			}
			n, err := ZG.Namespace.Delete(ctx, owner, item.ID)
			if err != nil {
				return fmt.Errorf("failed to delete %s: %w", ref, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🗑️  Deleted %s (%d items)\n", item.Name, n)
			total += n
		}
		if len(args) > 1 {
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Removed %d items.\n", total)
		}
		return nil
	},
}

func shareCommand(use, short string, grant bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <item> <wallet>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ZG.RequireIdentity()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			target, err := types.ParseIdentity(args[1])
			if err != nil {
				return err
			}
			item, err := resolveEntry(ctx, owner, args[0])
			if err != nil {
				return err
			}

			if grant {
				if _, err := ZG.Namespace.Share(ctx, owner, item.ID, target); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "🔗 Shared %s with %s\n", item.Name, target)
				return nil
			}
			if _, err := ZG.Namespace.Unshare(ctx, owner, item.ID, target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "🔒 Stopped sharing %s with %s\n", item.Name, target)
			return nil
		},
	}
}

func init() {
	mkdirCmd.Flags().StringVarP(&mkdirParent, "parent", "p", "", "parent folder (id or path)")

	rootCmd.AddCommand(lsCmd, mkdirCmd, mvCmd, renameCmd, rmCmd,
		shareCommand("share", "Share an item with another wallet", true),
		shareCommand("unshare", "Revoke a share", false),
	)
}
