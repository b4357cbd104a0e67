package task

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"strings"

	apperrors "ARGOS/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ExecutionResult 保存一次目标分析的摘要。
type ExecutionResult struct {
	RunID      string  `json:"run_id,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
	Period     float64 `json:"period_days,omitempty"`
	SDE        float64 `json:"sde,omitempty"`
	Summary    string  `json:"summary"`
	// Skipped 表示目标没有可分析的数据，未写入处理历史。
	Skipped bool `json:"skipped,omitempty"`
}

// Task 描述排队分析的单个 TIC 目标。
type Task struct {
	ID         string           `json:"id"`
	TICID      int64            `json:"tic_id"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

// Done 判断任务是否处于终态。
func (t *Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// IDForTIC 返回目标对应的任务 ID，同一目标始终映射到同一任务。
func IDForTIC(ticID int64) string {
	return "tic-" + strconv.FormatInt(ticID, 10)
}

// TICFromID 解析任务 ID 中的 TIC 编号。
func TICFromID(id string) (int64, error) {
	raw, ok := strings.CutPrefix(id, "tic-")
	if !ok {
		return 0, fmt.Errorf("任务 ID %q 缺少 tic- 前缀", id)
	}
	tic, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || tic <= 0 {
		return 0, fmt.Errorf("任务 ID %q 中的 TIC 编号无效", id)
	}
	return tic, nil
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = apperrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = apperrors.New(CodeTaskConflict, "task conflict", apperrors.WithSeverity(apperrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = apperrors.New(CodeTaskCompleted, "task already completed", apperrors.WithSeverity(apperrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = apperrors.New(CodeTaskExhausted, "task retries exhausted", apperrors.WithSeverity(apperrors.SeverityCritical))
)

const (
	CodeTaskNotFound   apperrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   apperrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  apperrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  apperrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation apperrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    apperrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing apperrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate apperrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	apperrors.Register(CodeTaskNotFound, apperrors.Attributes{
		Message:  "task not found",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeTaskConflict, apperrors.Attributes{
		Message:  "task conflict",
		Severity: apperrors.SeverityWarning,
	})
	apperrors.Register(CodeTaskCompleted, apperrors.Attributes{
		Message:  "task already completed",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeTaskExhausted, apperrors.Attributes{
		Message:  "task retries exhausted",
		Severity: apperrors.SeverityCritical,
		Alert:    true,
	})
	apperrors.Register(CodeTaskValidation, apperrors.Attributes{
		Message:  "task validation failed",
		Severity: apperrors.SeverityInfo,
	})
	apperrors.Register(CodeTaskPublish, apperrors.Attributes{
		Message:   "failed to publish task",
		Severity:  apperrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	apperrors.Register(CodeTaskProcessing, apperrors.Attributes{
		Message:   "task execution failed",
		Severity:  apperrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	apperrors.Register(CodeTaskCompensate, apperrors.Attributes{
		Message:  "task compensation failed",
		Severity: apperrors.SeverityCritical,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target apperrors.Code) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []*apperrors.Error{ErrTaskNotFound, ErrTaskConflict, ErrTaskCompleted, ErrTaskExhausted} {
		if stdErrors.Is(err, sentinel) {
			return sentinel.Code() == target
		}
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Metadata = cloneMetadata(task.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
