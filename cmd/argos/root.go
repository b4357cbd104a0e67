package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"

	"ARGOS/internal/config"
	"ARGOS/pkg/logger"
)

// Banner 在批处理开始时打印。
const Banner = "ARGOS v2.1 - FAULT-TOLERANT DETECTION ENGINE"

type rootOptions struct {
	configPath string
	logLevel   string
	out        io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}
	root := &cobra.Command{
		Use:           "argos",
		Short:         "ARGOS astronomical triage framework",
		Long:          "ARGOS triages TESS targets: EXOLAB searches light curves for exoplanet transits and exports identity cards.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "配置文件路径（默认读取 $"+config.EnvConfigPath+" 或 configs/argos.yaml）")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "覆盖配置中的日志级别")

	root.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newAnalyzeCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
	)
	return root
}

// loadConfig 解析配置并初始化全局日志。
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(o.configPath))
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(o.logLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}
