package commands

import (
	"fmt"
	"io"
	"os"

	"zgdrive/pkg/app"
	"zgdrive/pkg/types"
	"zgdrive/pkg/upload"

	"github.com/spf13/cobra"
)

var uploadParent string

var uploadCmd = &cobra.Command{
	Use:   "upload <file|dir>",
	Short: "Upload a file or a directory to the storage network",
	Long: `Derives the Merkle root locally, commits it to the storage network with escalating
gas tiers and records the result in the namespace. Directories are uploaded recursively;
paths listed in .zgignore are skipped. Uploads that could not be confirmed are kept in the
pending journal (see 'zg pending --recheck').`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := ZG.RequireIdentity()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		parent, err := resolveFolder(ctx, owner, uploadParent)
		if err != nil {
			return err
		}

		info, err := os.Stat(args[0])
		if err != nil {
			return err
		}

		// 1. 单个文件
		if !info.IsDir() {
			fmt.Fprintf(out, "⏳ Uploading %s (%s tier)...\n", info.Name(), ZG.Tier)
			res, err := ZG.UploadFile(ctx, args[0], parent)
			if res != nil && res.Result != nil {
				printUpload(out, res)
			}
			return err
		}

		// 2. 目录
		fmt.Fprintf(out, "📦 Scanning %s...\n", args[0])
		dir, err := ZG.UploadDir(ctx, args[0], parent)
		if dir == nil {
			return err
		}
		for _, it := range dir.Manifest.Files {
			if it.Err != nil {
				fmt.Fprintf(out, "⚠️  Skipped %s: %v\n", it.Rel, it.Err)
			}
		}
		for _, f := range dir.Files {
			if f.Err != nil {
				fmt.Fprintf(out, "❌ %s: %v\n", f.Path, f.Err)
				continue
			}
			printUpload(out, f)
		}
		fmt.Fprintf(out, "\nSummary: %d uploaded, %d failed, %d folders created, %d reused.\n",
			len(dir.Files)-countErrors(dir.Files), dir.Failed(), dir.FoldersCreated, dir.FoldersReused)
		if err != nil {
			return err
		}
		if dir.Failed() > 0 {
			return fmt.Errorf("some files failed to upload")
		}
		return nil
	},
}

func countErrors(files []*app.FileOutcome) int {
	n := 0
	for _, f := range files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

func printUpload(w io.Writer, f *app.FileOutcome) {
	r := f.Result
	switch r.Status {
	case types.StatusConfirmed:
		fmt.Fprintf(w, "✅ %s\n", f.Path)
	case types.StatusExisting:
		fmt.Fprintf(w, "♻️  %s (already stored)\n", f.Path)
	default:
		fmt.Fprintf(w, "⚠️  %s (not confirmed after %d attempts, saved to pending)\n", f.Path, r.Attempts)
	}
	fmt.Fprintf(w, "   Root: %s\n", r.RootHash)
	if r.TxHash != "" {
		fmt.Fprintf(w, "   Tx:   %s\n", explorerLink(r))
	}
}

func explorerLink(r *upload.Result) string {
	n, err := ZG.Config.Network()
	if err != nil {
		return r.TxHash
	}
	if link := n.ExplorerURL(r.TxHash); link != "" {
		return link
	}
	return r.TxHash
}

func init() {
	uploadCmd.Flags().StringVarP(&uploadParent, "parent", "p", "", "destination folder (id or path)")
	rootCmd.AddCommand(uploadCmd)
}
