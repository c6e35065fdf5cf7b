package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/devmgmt/swagent/internal/config"
	"github.com/devmgmt/swagent/pkg/journal"
)

func newHistoryCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently processed operations from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer j.Close()

			recs, err := j.Recent(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tTEMPLATE\tMODE\tITEMS\tSTATUS\tELAPSED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					rec.StartedAt.Format(time.RFC3339), rec.TemplateID, rec.Mode, rec.ItemCount,
					rec.Status, rec.Elapsed().Round(time.Millisecond), rec.ErrorText)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", config.Int("SWAGENT_HISTORY_LIMIT", 20), "Maximum number of operations shown")
	return cmd
}
