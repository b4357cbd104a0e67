package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/storage/sqlstore"
)

// SQLStore 使用 SQLite 或 MySQL 记录任务状态。
type SQLStore struct {
	db  *sqlstore.DB
	now func() time.Time
}

// NewSQLStore 基于已迁移的连接池创建任务存储。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const taskColumns = `id, tic_id, metadata, status, attempts, max_retries, last_error, error_code,
        result_run_id, result_confidence, result_period, result_sde, result_summary, result_skipped, created_at, updated_at`

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return apperrors.New(apperrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	metadata, err := marshalMetadata(task.Metadata)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
	}

	const stmt = `INSERT INTO task_states
        (id, tic_id, metadata, status, attempts, max_retries, last_error, error_code,
         result_run_id, result_confidence, result_period, result_sde, result_summary, result_skipped, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', '', 0, 0, '', 0, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.TICID,
		metadata,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if sqlstore.IsDuplicate(err) {
			return ErrTaskConflict
		}
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task_states WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, stmt, StatusRunning, s.now().Unix(), id, StatusPending, StatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusSucceeded:
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkSucceeded 将任务标记为成功。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error {
	const stmt = `UPDATE task_states SET status = ?, result_skipped = ?, result_run_id = ?, result_confidence = ?, result_period = ?,
        result_sde = ?, result_summary = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	skipped := 0
	if result.Skipped {
		skipped = 1
	}
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded,
		skipped,
		result.RunID,
		result.Confidence,
		result.Period,
		result.SDE,
		result.Summary,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败，非终态失败回到 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code apperrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt, status, lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Requeue 重置已结束的任务。
func (s *SQLStore) Requeue(ctx context.Context, id string, maxRetries int) (*Task, error) {
	const stmt = `UPDATE task_states SET status = ?, attempts = 0, max_retries = CASE WHEN ? > 0 THEN ? ELSE max_retries END,
        last_error = '', error_code = '', result_skipped = 0, result_run_id = '', result_confidence = '', result_period = 0,
        result_sde = 0, result_summary = '', updated_at = ? WHERE id = ? AND status IN (?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, StatusPending, maxRetries, maxRetries, s.now().Unix(), id, StatusSucceeded, StatusFailed)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "重置任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return task, ErrTaskConflict
	}
	return task, nil
}

// List 返回符合条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM task_states`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM task_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, apperrors.Wrap(apperrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		result    ExecutionResult
		metadata  sql.NullString
		lastError sql.NullString
		summary   sql.NullString
		skipped   int
	)
	if err := row.Scan(
		&task.ID,
		&task.TICID,
		&metadata,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&task.ErrorCode,
		&result.RunID,
		&result.Confidence,
		&result.Period,
		&result.SDE,
		&summary,
		&skipped,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	decoded, err := unmarshalMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("解析任务 metadata 失败: %w", err)
	}
	task.Metadata = decoded
	task.LastError = lastError.String
	result.Summary = summary.String
	if task.Status == StatusSucceeded {
		result.Skipped = skipped != 0
		task.Result = &result
	}
	return &task, nil
}

func marshalMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalMetadata(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, err
	}
	return metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if len(opts.TICIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("tic_id IN (%s)", placeholders(len(opts.TICIDs))))
		for _, id := range opts.TICIDs {
			args = append(args, id)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "status = 'succeeded'")
		} else {
			conditions = append(conditions, "status <> 'succeeded'")
		}
	}
	if opts.Query != "" {
		pattern := "%" + strings.ToLower(opts.Query) + "%"
		conditions = append(conditions, "(LOWER(id) LIKE ? OR LOWER(last_error) LIKE ? OR LOWER(error_code) LIKE ? OR LOWER(result_summary) LIKE ? OR LOWER(result_confidence) LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*SQLStore)(nil)
