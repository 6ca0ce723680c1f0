package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/ocx/fixgateway/internal/sessionid"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect the session-id registry",
	}
	cmd.AddCommand(newSessionLsCmd())
	return cmd
}

func newSessionLsCmd() *cobra.Command {
	var registryPath string

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List every live SessionKey -> session_id mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := sessionid.OpenFileStore(registryPath)
			if err != nil {
				return fmt.Errorf("open registry: %w", err)
			}
			defer store.Close()

			entries := store.Entries()
			sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION_ID\tKEY")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\n", e.ID, e.Key)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&registryPath, "registry", "session-ids.dat", "path to the session-id registry file")
	return cmd
}
