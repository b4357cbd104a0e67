package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ARGOS/internal/export"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List TIC ids recorded in the processing history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			exporter, err := export.Open(cfg.Export.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ids := exporter.Processed()
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			fmt.Fprintf(out, "# %d target(s) in %s\n", len(ids), exporter.Path(export.HistoryFile))
			return nil
		},
	}
}
