package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/storage/sqlstore"
)

func newStatsCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise the observation database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage.Results.Driver == "none" {
				return apperrors.New(apperrors.CodeInvalidArgument, "未启用结果库，请配置 storage.results.driver")
			}
			db, err := sqlstore.Open(cmd.Context(), sqlstore.Config{
				Driver: cfg.Storage.Results.Driver,
				DSN:    cfg.Storage.Results.DSN,
			})
			if err != nil {
				return err
			}
			results := sqlstore.NewResults(db)
			defer results.Close()

			stats, err := results.Stats(cmd.Context())
			if err != nil {
				return err
			}
			latest, err := results.ListLatest(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "observations: %d  targets: %d  HIGH: %d  SINGLE TRANSIT: %d  LOW: %d  habitable: %d\n",
				stats.Total, stats.Targets, stats.High, stats.SingleTransit, stats.Low, stats.Habitable)
			if len(latest) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROCESSED\tTARGET\tPERIOD_D\tSDE\tRADIUS_RE\tHZ\tCONFIDENCE")
			for _, rec := range latest {
				fmt.Fprintf(tw, "%s\tTIC %d\t%.4f\t%.1f\t%.2f\t%t\t%s\n",
					rec.ProcessedAt.Format("2006-01-02 15:04"), rec.TICID, rec.Period, rec.SDE, rec.PlanetRadius, rec.Habitable, rec.Confidence)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "列出最近的检测条数")
	return cmd
}
