package commands

import (
	"context"
	"fmt"
	"time"

	"zgdrive/pkg/client"
	"zgdrive/pkg/server"

	"github.com/spf13/cobra"
)

var (
	pingAddr    string
	pingTimeout time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a zg-server is up and its metadata store is healthy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cli, err := client.NewClient(pingAddr)
		if err != nil {
			return err
		}
		defer cli.Close()

		out := cmd.OutOrStdout()
		unhealthy := 0
		for _, svc := range []string{"", server.ServiceNamespace, server.ServiceRelay} {
			ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
			res, err := cli.Ping(ctx, svc)
			cancel()

			name := svc
			if name == "" {
				name = "(server)"
			}
			if err != nil {
				return fmt.Errorf("failed to reach %s: %w", pingAddr, err)
			}
			mark := "✅"
			if !res.Serving() {
				mark = "❌"
				unhealthy++
			}
			fmt.Fprintf(out, "%s %-20s %s (%s)\n", mark, name, res.Status, res.Latency.Round(time.Millisecond))
		}
		if unhealthy > 0 {
			return fmt.Errorf("%d services not serving", unhealthy)
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVar(&pingAddr, "addr", "localhost:9090", "zg-server gRPC address")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 5*time.Second, "timeout per health check")
	rootCmd.AddCommand(pingCmd)
}
