package main

import (
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"ARGOS/internal/catalog"
	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/export"
	"ARGOS/internal/lightcurve"
	"ARGOS/internal/pipeline"
	"ARGOS/internal/report"
)

type analyzeOptions struct {
	file   string
	ticID  int64
	ra     float64
	dec    float64
	tmag   float64
	radius float64
	teff   float64
	outDir string
}

func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze --file lc.csv|lc.fits",
		Short: "Analyse one local light curve without network access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			raw, err := lightcurve.LoadFile(opts.file)
			if err != nil {
				return err
			}
			ticID := opts.ticID
			if ticID == 0 {
				ticID = raw.TICID
			}
			if ticID <= 0 {
				return apperrors.New(apperrors.CodeInvalidArgument, "无法从文件推断 TIC 编号，请使用 --tic")
			}
			star := catalog.NewStar(ticID, opts.ra, opts.dec, opts.tmag, opts.radius, opts.teff)

			engine := pipeline.NewEngine(nil, nil,
				pipeline.WithPrepareOptions(prepareOptions(cfg.LightCurve)),
				pipeline.WithDetectionOptions(detectionOptions(cfg.Detection)),
			)
			obs, err := engine.AnalyzeLightCurve(cmd.Context(), star, raw)
			if err != nil {
				return err
			}

			ropts := reportOptions(cfg.Report)
			ropts.SkipPlot = opts.outDir == ""
			art, err := report.Render(obs, ropts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(art.Markdown))

			if opts.outDir != "" {
				exporter, err := export.Open(opts.outDir)
				if err != nil {
					return err
				}
				if err := exporter.WriteReport(cmd.Context(), art); err != nil {
					return err
				}
				fmt.Fprintf(out, "📝 Report written to %s\n", exporter.Path(art.BaseName+".md"))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "光变曲线文件（CSV 或 FITS）")
	cmd.Flags().Int64Var(&opts.ticID, "tic", 0, "目标 TIC 编号，默认读取文件头")
	cmd.Flags().Float64Var(&opts.ra, "ra", 0, "赤经（度）")
	cmd.Flags().Float64Var(&opts.dec, "dec", 0, "赤纬（度）")
	cmd.Flags().Float64Var(&opts.tmag, "tmag", math.NaN(), "TESS 星等")
	cmd.Flags().Float64Var(&opts.radius, "radius", catalog.DefaultRadius, "恒星半径（R☉）")
	cmd.Flags().Float64Var(&opts.teff, "teff", catalog.DefaultTeff, "有效温度（K）")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", "", "写出报告与相位图的目录")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
