package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observability/alerting"
	"ARGOS/internal/observability/metrics"
	"ARGOS/internal/observation"
	"ARGOS/pkg/logger"
)

// Executor 执行单个目标任务。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc 让普通函数满足 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// Analyzer 是检测引擎对外暴露的能力。
type Analyzer interface {
	Analyze(ctx context.Context, ticID int64) (*observation.Observation, error)
}

// AnalyzerExecutor 把检测引擎适配为任务执行器。
func AnalyzerExecutor(a Analyzer) Executor {
	return ExecutorFunc(func(ctx context.Context, task *Task) (*ExecutionResult, error) {
		obs, err := a.Analyze(ctx, task.TICID)
		if err != nil {
			return nil, err
		}
		return &ExecutionResult{
			RunID:      obs.RunID,
			Confidence: string(obs.Confidence),
			Period:     obs.Detection.Period,
			SDE:        obs.Detection.SDE,
			Summary:    obs.Summary(),
		}, nil
	})
}

// Processor 负责从队列消费任务并交给执行器。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	onComplete  func(*Task)

	// requeues 跟踪尚未投递完成的重试，Start 返回前等待它们退出。
	requeues sync.WaitGroup
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithCompletionHook 在任务进入终态后回调，批处理模式用它逐个打印结果。
func WithCompletionHook(fn func(*Task)) ProcessorOption {
	return func(p *Processor) {
		p.onComplete = fn
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 取消或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return apperrors.New(apperrors.CodeInitializationFailure, "未配置任务消费者")
	}
	err := p.consumer.Consume(ctx, p.workerCount, p.handle)
	p.requeues.Wait()
	return err
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return apperrors.New(apperrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) || stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, &Task{ID: taskID}, CodeTaskProcessing, err, "claim")
		return err
	}

	result, execErr := p.execute(ctx, task)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}
	if result == nil {
		result = &ExecutionResult{Summary: fmt.Sprintf("TIC %d processed", task.TICID)}
	}
	return p.succeed(ctx, task, *result)
}

// execute 调用执行器，并把执行器中的 panic 转换为不可重试的错误，避免拖垮整个消费协程。
func (p *Processor) execute(ctx context.Context, task *Task) (result *ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("执行器 panic", slog.String("task_id", task.ID), slog.Any("panic", r))
			result, err = nil, apperrors.New(CodeTaskProcessing, fmt.Sprintf("执行器 panic: %v", r),
				apperrors.WithRetryable(false),
				apperrors.WithMetadata("task_id", task.ID),
			)
		}
	}()
	return p.executor.Execute(ctx, task)
}

// requeue 在独立协程中重新投递任务。消费协程自身不能阻塞在投递上：
// 内存队列缓冲区满时，唯一能腾出空间的就是这些消费协程。
func (p *Processor) requeue(ctx context.Context, task *Task) {
	p.requeues.Add(1)
	go func() {
		defer p.requeues.Done()
		pubErr := p.producer.Publish(ctx, task.ID)
		if pubErr == nil {
			p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
			return
		}
		if ctx.Err() != nil {
			return
		}
		wrapped := apperrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		p.logger.Error("重新排队失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task, CodeTaskPublish, wrapped, "requeue")
		if err := p.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true); err != nil {
			p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
			return
		}
		metrics.RecordTaskOutcome("failed")
		p.complete(ctx, task.ID)
	}()
}

func (p *Processor) succeed(ctx context.Context, task *Task, result ExecutionResult) error {
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		terminal := task.Attempts >= task.MaxRetries
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), terminal); storeErr != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
			return storeErr
		}
		if terminal {
			p.complete(ctx, task.ID)
			return nil
		}
		p.requeue(ctx, task)
		return nil
	}

	outcome := "succeeded"
	if result.Skipped {
		outcome = "skipped"
	}
	metrics.RecordTaskOutcome(outcome)
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.Int64("tic", task.TICID),
		slog.Int("attempts", task.Attempts),
		slog.String("confidence", result.Confidence),
		slog.Bool("skipped", result.Skipped),
	)
	p.complete(ctx, task.ID)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := apperrors.CodeOf(execErr)
	if code == apperrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := apperrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, task, execErr)
		if recErr != nil {
			wrapped := apperrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		} else if fallback != nil {
			return p.succeed(ctx, task, *fallback)
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Int64("tic", task.TICID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
		if !retryable {
			stage = "non_retryable"
		}
	}
	if apperrors.ShouldAlert(execErr) || (terminal && retryable) {
		p.emitAlert(ctx, task, code, execErr, stage)
	}

	if terminal {
		metrics.RecordTaskOutcome("failed")
		p.complete(ctx, task.ID)
		return nil
	}
	metrics.RecordTaskOutcome("retried")
	p.requeue(ctx, task)
	return nil
}

func (p *Processor) complete(ctx context.Context, id string) {
	if p.onComplete == nil {
		return
	}
	task, err := p.store.Get(ctx, id)
	if err != nil {
		p.logger.Warn("读取终态任务失败", slog.String("task_id", id), slog.Any("error", err))
		return
	}
	p.onComplete(task)
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code apperrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	attrs := apperrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Kind:       alerting.KindFailure,
		Code:       code,
		Message:    message,
		Severity:   apperrors.SeverityOf(cause),
		TaskID:     task.ID,
		TICID:      task.TICID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}
