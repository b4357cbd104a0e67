package main

import (
	"context"
	stdErrors "errors"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ARGOS/internal/api"
	"ARGOS/internal/observability/metrics"
	"ARGOS/internal/task"
	"ARGOS/pkg/logger"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ARGOS daemon with the REST API and job processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "覆盖 server.address")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	log := logger.Named("daemon")
	processor := a.newProcessor(a.cfg.TaskQueue.Worker, func(t *task.Task) {
		log.Info("任务结束", slog.String("task_id", t.ID), slog.String("status", string(t.Status)))
	})

	opts := []api.Option{
		api.WithHistory(a.engine),
		api.WithReports(a.exporter, a.cfg.Report.Version),
	}
	if a.results != nil {
		opts = append(opts, api.WithResults(a.results))
	}
	server := api.NewServer(a.cfg.Server.Address, a.service, opts...)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(processor.Start(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(server.Start(ctx))
	})
	if a.cfg.Metrics.Address != "" {
		g.Go(func() error {
			return ignoreCanceled(metrics.StartServer(ctx, a.cfg.Metrics.Address))
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err == nil || stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
