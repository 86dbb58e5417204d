package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wiretap-dev/ccb/internal/ctlclient"
)

var pingCmd = &cobra.Command{
	Use:   "ping <prefix>",
	Short: "Ping a running provider daemon (cask, lask, gask, oask, dask)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := args[0]
		rtt, err := ctlclient.Ping(prefix)
		if err != nil {
			return fmt.Errorf("%sd: %w", prefix, err)
		}
		fmt.Printf("%sd: pong (%s)\n", prefix, rtt)
		return nil
	},
}
