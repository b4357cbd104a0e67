package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ARGOS/internal/astro"
	"ARGOS/internal/catalog"
	"ARGOS/internal/detection"
	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/lightcurve"
	"ARGOS/internal/observability/alerting"
	"ARGOS/internal/observability/metrics"
	"ARGOS/internal/observation"
	"ARGOS/internal/report"
	"ARGOS/pkg/logger"
)

// Recorder 持久化观测结果并维护处理历史。
type Recorder interface {
	IsProcessed(ticID int64) bool
	Record(ctx context.Context, obs *observation.Observation, art *report.Artifacts) error
}

// ResultSink 接收完成的观测，例如结果数据库。
type ResultSink interface {
	Save(ctx context.Context, obs *observation.Observation) error
}

// Engine 针对单个目标依次执行星表查询、光变曲线检索与预处理、BLS、特征推导、分级、报告与导出。
type Engine struct {
	catalog  catalog.Lookup
	source   lightcurve.Source
	recorder Recorder
	sinks    []ResultSink
	alerts   alerting.Dispatcher
	logger   *slog.Logger

	prepare   lightcurve.PrepareOptions
	detection detection.Options
	report    report.Options
	reports   bool
	timeout   time.Duration
	now       func() time.Time
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithRecorder 设置导出器。
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithResultSink 追加结果接收方。
func WithResultSink(s ResultSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sinks = append(e.sinks, s)
		}
	}
}

// WithAlertDispatcher 设置发现告警分发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// WithPrepareOptions 覆盖预处理参数。
func WithPrepareOptions(o lightcurve.PrepareOptions) Option {
	return func(e *Engine) {
		e.prepare = o
	}
}

// WithDetectionOptions 覆盖 BLS 网格。
func WithDetectionOptions(o detection.Options) Option {
	return func(e *Engine) {
		e.detection = o
	}
}

// WithReports 控制是否生成身份卡。
func WithReports(enabled bool, o report.Options) Option {
	return func(e *Engine) {
		e.reports = enabled
		e.report = o
	}
}

// WithTimeout 设置单目标超时。
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 自定义日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine 创建检测引擎。
func NewEngine(lookup catalog.Lookup, source lightcurve.Source, opts ...Option) *Engine {
	e := &Engine{
		catalog:   lookup,
		source:    source,
		logger:    logger.Named("pipeline"),
		prepare:   lightcurve.DefaultPrepareOptions(),
		detection: detection.DefaultOptions(),
		reports:   true,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Pending 过滤掉处理历史中已存在的目标，force 为真时全部保留。
func (e *Engine) Pending(ids []int64, force bool) (pending, skipped []int64) {
	for _, id := range ids {
		if !force && e.recorder != nil && e.recorder.IsProcessed(id) {
			skipped = append(skipped, id)
			metrics.RecordSkip("history")
			continue
		}
		pending = append(pending, id)
	}
	return pending, skipped
}

// Analyze 对单个目标执行完整流程并写出全部产物。
func (e *Engine) Analyze(ctx context.Context, ticID int64) (*observation.Observation, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	runID := uuid.NewString()
	log := e.logger.With(slog.Int64("tic", ticID), slog.String("run_id", runID))

	obs, err := e.analyze(ctx, ticID, runID, log)
	if err != nil {
		err = e.classify(ctx, err)
		code := apperrors.CodeOf(err)
		if code == lightcurve.CodeNotFound {
			metrics.RecordSkip("no_lightcurve")
			log.Info("没有可用的光变曲线，跳过目标")
		} else {
			metrics.RecordFailure(string(code))
			log.Error("目标处理失败", slog.String("code", string(code)), slog.Any("error", err))
		}
		return nil, err
	}
	return obs, nil
}

func (e *Engine) analyze(ctx context.Context, ticID int64, runID string, log *slog.Logger) (*observation.Observation, error) {
	var star catalog.Star
	if err := e.stage(ctx, "catalog", func(ctx context.Context) error {
		var err error
		star, err = e.catalog.Lookup(ctx, ticID)
		return err
	}); err != nil {
		return nil, err
	}

	var raw *lightcurve.LightCurve
	if err := e.stage(ctx, "lightcurve", func(ctx context.Context) error {
		var err error
		raw, err = e.source.Fetch(ctx, ticID)
		return err
	}); err != nil {
		return nil, err
	}
	log.Debug("光变曲线已获取", slog.Int("points", raw.Len()), slog.Int("sector", raw.Sector), slog.String("author", raw.Author))

	obs, err := e.AnalyzeLightCurve(ctx, star, raw)
	if err != nil {
		return nil, err
	}
	obs.RunID = runID

	var art *report.Artifacts
	if e.reports {
		if err := e.stage(ctx, "report", func(context.Context) error {
			var err error
			art, err = report.Render(obs, e.report)
			return err
		}); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeExportFailure, err, "生成身份卡失败")
		}
	}

	// 先写可重试的 sink，全部成功后才追加日志、CSV 与历史，重试不会留下重复行。
	if err := e.stage(ctx, "export", func(ctx context.Context) error {
		for _, sink := range e.sinks {
			if err := sink.Save(ctx, obs); err != nil {
				return err
			}
		}
		if e.recorder != nil {
			return e.recorder.Record(ctx, obs, art)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	metrics.RecordDetection(string(obs.Confidence), obs.Detection.SDE, obs.Planet.Habitable)
	e.notifyDiscovery(ctx, obs)
	logger.Audit().Info("目标处理完成",
		slog.Int64("tic", ticID),
		slog.String("run_id", runID),
		slog.String("confidence", string(obs.Confidence)),
		slog.Float64("sde", obs.Detection.SDE),
		slog.Float64("period", obs.Detection.Period),
	)
	return obs, nil
}

// AnalyzeLightCurve 对已获取的光变曲线执行预处理、BLS、特征推导与分级，不访问网络也不写文件。
func (e *Engine) AnalyzeLightCurve(ctx context.Context, star catalog.Star, raw *lightcurve.LightCurve) (*observation.Observation, error) {
	var curve *lightcurve.LightCurve
	if err := e.stage(ctx, "prepare", func(context.Context) error {
		var err error
		curve, err = lightcurve.Prepare(raw, e.prepare)
		return err
	}); err != nil {
		return nil, err
	}

	var result *detection.Result
	if err := e.stage(ctx, "bls", func(ctx context.Context) error {
		var err error
		result, err = detection.Search(ctx, curve.Time, curve.Flux, curve.FluxErr, e.detection)
		return err
	}); err != nil {
		return nil, err
	}

	std := curve.Std()
	maxDip := curve.MaxDip()
	planet := astro.Characterize(star, result.Period, result.Depth, result.Duration)
	confidence := astro.Triage(result.SDE, result.Depth, maxDip, std)

	return &observation.Observation{
		Star:        star,
		Sector:      raw.Sector,
		Author:      raw.Author,
		Points:      curve.Len(),
		Detection:   *result,
		Planet:      planet,
		Confidence:  confidence,
		FluxStd:     std,
		NoisePPM:    std * 1e6,
		MaxDip:      maxDip,
		ProcessedAt: e.now(),
		Curve:       curve,
	}, nil
}

func (e *Engine) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx)
	metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// classify 把上下文错误与未编码的错误映射为统一错误码。
func (e *Engine) classify(ctx context.Context, err error) error {
	if _, ok := apperrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.CodeTimeout, err, "目标处理超时")
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.CodeTimeout, err, "目标处理被取消", apperrors.WithRetryable(false), apperrors.WithAlert(false))
	}
	return apperrors.Wrap(apperrors.CodeExecutorFailure, err, "目标处理失败")
}

func (e *Engine) notifyDiscovery(ctx context.Context, obs *observation.Observation) {
	if e.alerts == nil {
		return
	}
	var kinds []alerting.Kind
	switch obs.Confidence {
	case astro.High:
		kinds = append(kinds, alerting.KindHigh)
	case astro.SingleTransit:
		kinds = append(kinds, alerting.KindSingleTransit)
	}
	if obs.Planet.Habitable {
		kinds = append(kinds, alerting.KindHabitable)
	}
	for _, kind := range kinds {
		event := alerting.Event{
			Kind:     kind,
			Message:  obs.Summary(),
			Severity: apperrors.SeverityInfo,
			TICID:    obs.TICID(),
			Metadata: map[string]string{
				"run_id":     obs.RunID,
				"period":     strconv.FormatFloat(obs.Detection.Period, 'f', 4, 64),
				"sde":        strconv.FormatFloat(obs.Detection.SDE, 'f', 1, 64),
				"confidence": string(obs.Confidence),
			},
			OccurredAt: e.now(),
		}
		if err := e.alerts.Notify(ctx, event); err != nil {
			e.logger.Warn("发送发现告警失败", slog.Int64("tic", obs.TICID()), slog.Any("error", err))
		}
	}
}
