// ccbctl is the operator diagnostics CLI for the ask-bridge daemon family:
// ping a daemon, dump registry/session state, and report on running
// instances. It never submits a provider request itself — that is the
// per-provider CLI wrapper's job, explicitly out of scope here.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wiretap-dev/ccb/internal/logging"
)

// providerPrefixes lists every wire-protocol prefix in canonical order,
// used by the status command.
var providerPrefixes = []string{"cask", "lask", "gask", "oask", "dask"}

var rootCmd = &cobra.Command{
	Use:           "ccbctl",
	Short:         "Diagnostics for the ask-bridge daemon family",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, logging.Errorf("%v", err))
		return 1
	}
	return 0
}

func init() {
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(registryCmd)
	rootCmd.AddCommand(sessionsCmd)
}
