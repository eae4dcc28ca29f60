package commands

import (
	"errors"
	"fmt"

	"zgdrive/pkg/download"
	"zgdrive/pkg/exporter"
	"zgdrive/pkg/types"

	"github.com/spf13/cobra"
)

var (
	downloadOutput  string
	downloadVerbose bool
)

var downloadCmd = &cobra.Command{
	Use:   "download <root-hash|item>",
	Short: "Download content by root hash or namespace item",
	Long: `Fetches the payload through the relay, then directly from the storage node, then
through the relay with a long timeout. A file in the namespace can be given by id or path;
otherwise the argument must be a 0x-prefixed root hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		// 1. 解析目标: 根哈希优先，否则按命名空间条目处理
		root, name, err := downloadTarget(cmd, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "⏳ Downloading %s...\n", root.Short())
		res, err := ZG.Exporter.DownloadToFile(ctx, root, downloadOutput, name)
		if res != nil && downloadVerbose {
			_ = exporter.PrintReport(out, res.Report)
		}
		if err != nil {
			return errors.New(download.UserMessage(err, root))
		}

		src := "network"
		if res.Local {
			src = "local mirror"
		}
		fmt.Fprintf(out, "✅ Saved %s (%d bytes, from %s)\n", res.Path, res.Bytes, src)
		return nil
	},
}

func downloadTarget(cmd *cobra.Command, arg string) (types.Hash, string, error) {
	if h, err := types.ParseHash(arg); err == nil {
		return h, "", nil
	}
	owner, err := ZG.RequireIdentity()
	if err != nil {
		return "", "", fmt.Errorf("%q is not a root hash: %w", arg, err)
	}
	e, err := resolveEntry(cmd.Context(), owner, arg)
	if err != nil {
		return "", "", err
	}
	if e.IsFolder() || e.ContentHash.IsZero() {
		return "", "", fmt.Errorf("%s has no content to download", e.Name)
	}
	return e.ContentHash, e.Name, nil
}

func init() {
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "destination file or directory")
	downloadCmd.Flags().BoolVarP(&downloadVerbose, "verbose", "v", false, "print every attempt and state transition")
	rootCmd.AddCommand(downloadCmd)
}
