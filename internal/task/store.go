package task

import (
	"context"

	apperrors "ARGOS/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 把可执行的任务置为运行中并增加尝试次数。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败；非终态失败会把任务放回 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code apperrors.Code, lastError string, terminal bool) error
	// Requeue 把已结束的任务重置为 pending，清空尝试次数与结果。
	Requeue(ctx context.Context, id string, maxRetries int) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
