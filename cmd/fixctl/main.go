// Command fixctl is the operational CLI for a running fixgatewayd
// deployment: inspect the session-id registry, poll cluster status off
// a node's /metrics endpoint, and validate a config file offline.
//
// Grounded on arkeep-io-arkeep's agent/cmd/agent/main.go Cobra wiring
// (one root command, PersistentFlags for shared connection settings,
// one file per subcommand) — the teacher's own cmd/ocx-cli/main.go is
// a flat flag-switch CLI with no Cobra, but Cobra is a real pack
// dependency with a concrete home here per SPEC_FULL §3.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fixctl",
		Short:         "Operational CLI for a fixgatewayd deployment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newSessionCmd())
	root.AddCommand(newClusterCmd())
	root.AddCommand(newConfigCmd())
	return root
}
