package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var pendingRecheck bool

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List uploads that were not confirmed by the network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		if pendingRecheck {
			results, err := ZG.Recheck(cmd.Context())
			if err != nil {
				return err
			}
			confirmed := 0
			for _, r := range results {
				switch {
				case r.Err != nil:
					fmt.Fprintf(out, "❌ %s: %v\n", r.Entry.Root.Short(), r.Err)
				case r.Confirmed:
					confirmed++
					fmt.Fprintf(out, "✅ %s confirmed\n", r.Entry.Root.Short())
				default:
					fmt.Fprintf(out, "⏳ %s still pending\n", r.Entry.Root.Short())
				}
			}
			fmt.Fprintf(out, "%d of %d uploads confirmed.\n", confirmed, len(results))
			return nil
		}

		pending := ZG.Journal.Pending()
		if len(pending) == 0 {
			fmt.Fprintln(out, "Nothing pending.")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintf(tw, "ROOT\tTIER\tATTEMPTS\tRECORDED\tPATH\n")
		for _, e := range pending {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
				e.Root, e.Tier, e.Attempts, e.RecordedAt.Format("2006-01-02 15:04"), e.Path)
		}
		return tw.Flush()
	},
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingRecheck, "recheck", false, "ask the storage node whether pending uploads were finalized")
	rootCmd.AddCommand(pendingCmd)
}
