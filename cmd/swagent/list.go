package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print installed software of the configured package manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newBackends(cfg, nil)
			if err != nil {
				return err
			}
			installed, err := rt.active().ListInstalled(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tVERSION\tCHANNEL\tTYPE")
			for _, sw := range installed {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sw.Name, sw.Version, sw.Channel, sw.SoftwareType)
			}
			return w.Flush()
		},
	}
}
