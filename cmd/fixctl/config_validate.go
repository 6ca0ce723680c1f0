package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/ocx/fixgateway/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Inspect a fixgatewayd config file"}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Parse and validate a YAML or TOML config file without starting the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			var cfg *config.Config
			var err error
			if strings.HasSuffix(path, ".toml") {
				cfg, err = config.LoadTOML(path)
			} else {
				cfg, err = config.Load(path)
			}
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "config OK: session begin_string=%s heartbeat=%ds cluster_enabled=%t node_id=%d peers=%d\n",
				cfg.Session.BeginString, cfg.Session.HeartbeatIntervalSeconds, cfg.Cluster.Enabled, cfg.Cluster.NodeID, len(cfg.Cluster.PeerIDs))
			return nil
		},
	}
	return cmd
}
