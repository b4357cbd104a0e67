package task

import (
	"context"
	"fmt"

	apperrors "ARGOS/internal/errors"
)

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行降级。
	// 返回的 ExecutionResult 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*ExecutionResult, error)
}

// SkipRecovery 把指定错误码的失败转换为“已跳过”的成功结果，例如没有光变曲线的目标。
type SkipRecovery struct {
	Codes []apperrors.Code
}

// Recover 实现 RecoveryHandler。
func (s SkipRecovery) Recover(_ context.Context, task *Task, cause error) (*ExecutionResult, error) {
	for _, code := range s.Codes {
		if apperrors.HasCode(cause, code) {
			return &ExecutionResult{
				Skipped: true,
				Summary: fmt.Sprintf("TIC %d skipped: %s", task.TICID, apperrors.AttributesOf(code).Message),
			}, nil
		}
	}
	return nil, nil
}
