package main

import (
	"fmt"
	"time"

	cadence "github.com/ironfang-ltd/go-cadence"
	"github.com/spf13/cobra"
)

func newPingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Connect and measure heartbeat round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			count, _ := cmd.Flags().GetInt("count")
			interval, _ := cmd.Flags().GetDuration("interval")

			client, err := cadence.Connect(cmd.Context(), settings)
			if err != nil {
				return err
			}
			defer client.Close()

			var total time.Duration
			for i := 1; i <= count; i++ {
				rtt, err := client.Ping(cmd.Context())
				if err != nil {
					return err
				}
				total += rtt
				fmt.Printf("heartbeat %d: %s\n", i, rtt)
				if i < count {
					time.Sleep(interval)
				}
			}
			if count > 0 {
				fmt.Printf("avg: %s\n", total/time.Duration(count))
			}
			return nil
		},
	}
	cmd.Flags().IntP("count", "n", 5, "number of heartbeats")
	cmd.Flags().Duration("interval", 200*time.Millisecond, "pause between heartbeats")
	return cmd
}
