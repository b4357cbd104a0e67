package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observability/metrics"
	"ARGOS/pkg/logger"
)

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 为目标创建任务并推送到队列。同一目标在执行中重复提交时返回已有任务，
// 已结束的任务会被重置后重新排队。
func (s *Service) Submit(ctx context.Context, ticID int64) (*Task, error) {
	if ticID <= 0 {
		return nil, apperrors.New(CodeTaskValidation, "TIC 编号必须为正整数")
	}
	if s.store == nil || s.producer == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := IDForTIC(ticID)
	existing, err := s.store.Get(ctx, taskID)
	switch {
	case err == nil && !existing.Done():
		return existing, nil
	case err == nil:
		task, reqErr := s.store.Requeue(ctx, taskID, s.maxRetries)
		if reqErr != nil {
			if stdErrors.Is(reqErr, ErrTaskConflict) && task != nil {
				return task, nil
			}
			return nil, reqErr
		}
		return s.publish(ctx, task)
	case !stdErrors.Is(err, ErrTaskNotFound):
		return nil, err
	}

	task := &Task{
		ID:         taskID,
		TICID:      ticID,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			return s.store.Get(ctx, taskID)
		}
		return nil, err
	}
	return s.publish(ctx, task)
}

func (s *Service) publish(ctx context.Context, task *Task) (*Task, error) {
	if err := s.producer.Publish(ctx, task.ID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := apperrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, task.ID, CodeTaskPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.Int64("tic", task.TICID),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// SubmitAll 按顺序提交多个目标，遇到第一个错误即返回。
func (s *Service) SubmitAll(ctx context.Context, ticIDs []int64) ([]*Task, error) {
	tasks := make([]*Task, 0, len(ticIDs))
	for _, id := range ticIDs {
		task, err := s.Submit(ctx, id)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, apperrors.New(apperrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回任务统计信息，并同步到状态指标。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, apperrors.New(apperrors.CodeInitializationFailure, "任务存储未初始化")
	}
	stats, err := s.store.Stats(ctx, BuildListOptions(opts...))
	if err != nil {
		return TaskStats{}, err
	}
	metrics.SetTaskStatus(string(StatusPending), stats.Pending)
	metrics.SetTaskStatus(string(StatusRunning), stats.Running)
	metrics.SetTaskStatus(string(StatusSucceeded), stats.Succeeded)
	metrics.SetTaskStatus(string(StatusFailed), stats.Failed)
	return stats, nil
}

// AbandonStale 把上次运行遗留在 pending/running 的任务标记为失败，
// 使随后的 Submit 能够重新排队。仅适用于单进程批处理。
func (s *Service) AbandonStale(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, apperrors.New(apperrors.CodeInitializationFailure, "任务存储未初始化")
	}
	total := 0
	for {
		stale, err := s.store.List(ctx, BuildListOptions(WithStatuses(StatusPending, StatusRunning), WithLimit(maxListLimit)))
		if err != nil {
			return total, err
		}
		for _, t := range stale {
			if err := s.store.MarkFailed(ctx, t.ID, CodeTaskProcessing, "interrupted by a previous run", true); err != nil {
				return total, err
			}
		}
		total += len(stale)
		if len(stale) < maxListLimit {
			return total, nil
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到任务进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitAll 等待全部任务结束，按传入顺序返回。
func (s *Service) WaitAll(ctx context.Context, ids []string, interval time.Duration) ([]*Task, error) {
	out := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.WaitUntilCompleted(ctx, id, interval)
		if err != nil {
			return out, err
		}
		out = append(out, task)
	}
	return out, nil
}
