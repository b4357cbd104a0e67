package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"ARGOS/internal/catalog"
	"ARGOS/internal/config"
	"ARGOS/internal/detection"
	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/export"
	"ARGOS/internal/lightcurve"
	"ARGOS/internal/mast"
	"ARGOS/internal/observability/alerting"
	"ARGOS/internal/pipeline"
	"ARGOS/internal/report"
	"ARGOS/internal/storage/sqlstore"
	"ARGOS/internal/task"
	"ARGOS/pkg/logger"
)

// app 汇总一次运行所需的全部组件。
type app struct {
	cfg      *config.Config
	exporter *export.Exporter
	results  *sqlstore.Results
	engine   *pipeline.Engine
	store    task.Store
	queue    task.Queue
	service  *task.Service
	alerts   alerting.Dispatcher
	logger   *slog.Logger

	closers []func() error
}

// buildApp 按配置装配存储、队列、检测引擎与导出。
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logger.Named("bootstrap")}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	var err error
	var exportOpts []export.Option
	if cfg.Export.MirrorURL != "" {
		mirror, err := export.OpenBlobMirror(ctx, cfg.Export.MirrorURL, "exolab")
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInitializationFailure, err, "初始化报告镜像失败")
		}
		a.closers = append(a.closers, mirror.Close)
		exportOpts = append(exportOpts, export.WithMirror(mirror))
	}
	a.exporter, err = export.Open(cfg.Export.Dir, exportOpts...)
	if err != nil {
		return nil, err
	}

	a.alerts = buildAlerts(cfg.Alerting)

	if cfg.Storage.Results.Driver != "none" {
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver: cfg.Storage.Results.Driver,
			DSN:    cfg.Storage.Results.DSN,
		})
		if err != nil {
			return nil, err
		}
		a.results = sqlstore.NewResults(db)
		a.closers = append(a.closers, a.results.Close)
	}

	lookup, source, err := buildSources(cfg)
	if err != nil {
		return nil, err
	}
	engineOpts := []pipeline.Option{
		pipeline.WithRecorder(a.exporter),
		pipeline.WithAlertDispatcher(a.alerts),
		pipeline.WithPrepareOptions(prepareOptions(cfg.LightCurve)),
		pipeline.WithDetectionOptions(detectionOptions(cfg.Detection)),
		pipeline.WithReports(cfg.Report.IsEnabled(), reportOptions(cfg.Report)),
		pipeline.WithTimeout(cfg.Runtime.TargetTimeout()),
	}
	if a.results != nil {
		engineOpts = append(engineOpts, pipeline.WithResultSink(a.results))
	}
	a.engine = pipeline.NewEngine(lookup, source, engineOpts...)

	a.store, err = buildTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	a.queue, err = buildQueue(ctx, cfg.TaskQueue)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.queue.Close)

	a.service = task.NewService(a.store, a.queue, cfg.Storage.TaskStore.Retries)
	a.logger.Info("组件装配完成",
		slog.String("task_store", cfg.Storage.TaskStore.Driver),
		slog.String("queue", cfg.TaskQueue.Driver),
		slog.String("results", cfg.Storage.Results.Driver),
		slog.String("lightcurve", cfg.LightCurve.Source),
		slog.String("exports", cfg.Export.Dir),
	)
	ready = true
	return a, nil
}

// newProcessor 创建任务处理器；没有光变曲线的目标按跳过处理。
func (a *app) newProcessor(workers int, onComplete func(*task.Task)) *task.Processor {
	return task.NewProcessor(task.AnalyzerExecutor(a.engine), a.store, a.queue, a.queue,
		task.WithWorkerCount(workers),
		task.WithAlertDispatcher(a.alerts),
		task.WithRecoveryHandler(task.SkipRecovery{Codes: []apperrors.Code{lightcurve.CodeNotFound}}),
		task.WithCompletionHook(onComplete),
	)
}

// Close 逆序释放资源。
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return stdErrors.Join(errs...)
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	return alerting.NewFanout(notifiers...).OnlyKinds(cfg.On...)
}

func buildSources(cfg *config.Config) (catalog.Lookup, lightcurve.Source, error) {
	client := mast.NewClient(mast.Config{
		BaseURL:       cfg.MAST.BaseURL,
		Timeout:       cfg.MAST.Timeout(),
		Retries:       cfg.MAST.Retries,
		RatePerSecond: cfg.MAST.RatePerSecond,
		Burst:         cfg.MAST.Burst,
		PageSize:      cfg.MAST.PageSize,
	})
	lookup := catalog.NewCachedLookup(catalog.NewClient(client), cfg.Catalog.CacheSize, cfg.Catalog.CacheTTL())

	switch cfg.LightCurve.Source {
	case "mast":
		return lookup, lightcurve.NewArchiveSource(client, cfg.LightCurve.Author), nil
	case "directory":
		return lookup, lightcurve.DirectorySource{Dir: cfg.LightCurve.Directory}, nil
	default:
		return nil, nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("未知的光变曲线来源: %s", cfg.LightCurve.Source))
	}
}

func prepareOptions(cfg config.LightCurveConfig) lightcurve.PrepareOptions {
	opts := lightcurve.DefaultPrepareOptions()
	opts.QualityBitmask = cfg.Bitmask()
	if cfg.FlattenWindow > 0 {
		opts.Flatten.WindowLength = cfg.FlattenWindow
	}
	if cfg.OutlierSigma > 0 {
		opts.OutlierSigma = cfg.OutlierSigma
	}
	return opts
}

func detectionOptions(cfg config.DetectionConfig) detection.Options {
	return detection.Options{
		MinPeriod:  cfg.MinPeriod,
		MaxPeriod:  cfg.MaxPeriod,
		Periods:    cfg.Periods,
		Durations:  cfg.Durations,
		Oversample: cfg.Oversample,
		Workers:    cfg.Workers,
	}
}

func reportOptions(cfg config.ReportConfig) report.Options {
	return report.Options{
		Version: cfg.Version,
		Plot:    report.PlotOptions{Width: cfg.PlotWidth, Height: cfg.PlotHeight},
	}
}

func buildTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case sqlstore.DriverSQLite, sqlstore.DriverMySQL:
		db, err := sqlstore.Open(ctx, sqlstore.Config{
			Driver:          cfg.Driver,
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return task.NewSQLStore(db), nil
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("未知的任务存储驱动: %s", cfg.Driver))
	}
}

func buildQueue(ctx context.Context, cfg config.TaskQueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, fmt.Sprintf("未知的队列驱动: %s", cfg.Driver))
	}
}
