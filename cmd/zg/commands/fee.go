package commands

import (
	"fmt"

	"zgdrive/pkg/fees"

	"github.com/spf13/cobra"
)

var feeCmd = &cobra.Command{
	Use:   "fee <file>",
	Short: "Estimate the storage and gas fee for uploading a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, root, err := ZG.Estimate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "💰 Fee estimate for %s (%s tier)\n", args[0], ZG.Tier)
		fmt.Fprintf(out, "   Root:        %s\n", root)
		fmt.Fprintf(out, "   Storage fee: %s\n", q.StoragePrice)
		fmt.Fprintf(out, "   Gas:         %d units @ %s Gwei", q.GasUnits, fees.FormatGwei(q.GasPrice))
		if q.FallbackGas {
			fmt.Fprint(out, " (fallback)")
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "   Gas fee:     %s\n", q.GasFee)
		fmt.Fprintf(out, "   Total:       %s\n", q.Total)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(feeCmd)
}
