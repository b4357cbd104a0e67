package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ARGOS/internal/catalog"
	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observability/metrics"
	"ARGOS/internal/storage/sqlstore"
	"ARGOS/internal/task"
	"ARGOS/pkg/logger"
)

// HistoryFilter 根据处理历史筛出仍需分析的目标。
type HistoryFilter interface {
	Pending(ids []int64, force bool) (pending, skipped []int64)
}

// ResultReader 读取持久化的检测结果。
type ResultReader interface {
	ListLatest(ctx context.Context, limit int) ([]sqlstore.ObservationRecord, error)
	ListByConfidence(ctx context.Context, confidence string, limit int) ([]sqlstore.ObservationRecord, error)
	ListByTarget(ctx context.Context, ticID int64) ([]sqlstore.ObservationRecord, error)
	Stats(ctx context.Context) (sqlstore.ResultStats, error)
}

// ReportReader 读取已导出的 Markdown 报告。
type ReportReader interface {
	ReadReport(ticID int64, version string) ([]byte, error)
}

// Server 负责暴露 REST 接口，供外部提交目标并查看分析进度。
type Server struct {
	addr          string
	tasks         *task.Service
	history       HistoryFilter
	results       ResultReader
	reports       ReportReader
	reportVersion string
	logger        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 启用基于处理历史的去重。
func WithHistory(h HistoryFilter) Option {
	return func(s *Server) { s.history = h }
}

// WithResults 挂载结果库查询接口。
func WithResults(r ResultReader) Option {
	return func(s *Server) { s.results = r }
}

// WithReports 挂载报告读取接口。
func WithReports(r ReportReader, version string) Option {
	return func(s *Server) {
		s.reports = r
		s.reportVersion = version
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks *task.Service, opts ...Option) *Server {
	s := &Server{addr: addr, tasks: tasks, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Routes 返回完整的路由表。
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/targets", s.handleSubmit)
		r.Get("/targets", s.handleListTasks)
		r.Get("/targets/{id}", s.handleTaskDetail)
		r.Get("/stats", s.handleStats)
		r.Get("/observations", s.handleObservations)
		r.Get("/reports/{id}", s.handleReport)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	TICIDs []json.RawMessage `json:"tic_ids"`
	Force  bool              `json:"force"`
}

type submitResponse struct {
	Tasks   []*task.Task `json:"tasks"`
	Skipped []int64      `json:"skipped,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	ids, err := parseTICList(req.TICIDs)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(ids) == 0 {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "tic_ids 不能为空"))
		return
	}

	resp := submitResponse{Tasks: []*task.Task{}}
	if s.history != nil {
		ids, resp.Skipped = s.history.Pending(ids, req.Force)
	}
	tasks, err := s.tasks.SubmitAll(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Tasks = append(resp.Tasks, tasks...)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type taskDetail struct {
	*task.Task
	Observations []sqlstore.ObservationRecord `json:"observations,omitempty"`
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	ticID, err := ticFromPath(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	item, err := s.tasks.Get(r.Context(), task.IDForTIC(ticID))
	if err != nil {
		writeError(w, err)
		return
	}
	detail := taskDetail{Task: item}
	if s.results != nil {
		records, err := s.results.ListByTarget(r.Context(), ticID)
		if err != nil {
			s.logger.Warn("查询检测结果失败", slog.Int64("tic", ticID), slog.Any("error", err))
		} else {
			detail.Observations = records
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	stats, err := s.tasks.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{"tasks": stats}
	if s.results != nil {
		resultStats, err := s.results.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		body["observations"] = resultStats
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "结果库未启用"))
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	var records []sqlstore.ObservationRecord
	if conf := strings.TrimSpace(r.URL.Query().Get("confidence")); conf != "" {
		records, err = s.results.ListByConfidence(r.Context(), strings.ToUpper(conf), limit)
	} else {
		records, err = s.results.ListLatest(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []sqlstore.ObservationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": records})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, apperrors.New(apperrors.CodeInitializationFailure, "报告导出未启用"))
		return
	}
	ticID, err := ticFromPath(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.reports.ReadReport(ticID, s.reportVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption

	limit, err := intParam(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		opts = append(opts, task.WithLimit(limit))
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		opts = append(opts, task.WithOffset(offset))
	}

	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, apperrors.New(apperrors.CodeInvalidArgument, "未知的任务状态 "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}

	switch strings.ToLower(strings.TrimSpace(q.Get("order"))) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "order 仅支持 asc 或 desc")
	}

	if raw := strings.TrimSpace(q.Get("has_result")); raw != "" {
		has, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(has))
	}
	for key, apply := range map[string]func(time.Time) task.ListOption{
		"since": task.WithUpdatedSince,
		"until": task.WithUpdatedUntil,
	} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, key+" 必须为 RFC3339 时间")
		}
		opts = append(opts, apply(ts))
	}
	if query := strings.TrimSpace(q.Get("q")); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func intParam(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, key+" 必须为非负整数")
	}
	return v, nil
}

// parseTICList 同时接受数字与 "TIC 123" 形式的字符串。
func parseTICList(raw []json.RawMessage) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, item := range raw {
		var value string
		if err := json.Unmarshal(item, &value); err != nil {
			value = string(item)
		}
		id, err := catalog.ParseTIC(value)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "tic_ids 含有无效目标")
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func ticFromPath(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "缺少目标编号")
	}
	if id, err := task.TICFromID(raw); err == nil {
		return id, nil
	}
	id, err := catalog.ParseTIC(raw)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "目标编号无效")
	}
	return id, nil
}

func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case apperrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case apperrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case apperrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case apperrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": err.Error(), "code": string(apperrors.CodeOf(err))}
	if e, ok := apperrors.From(err); ok {
		body["error"] = e.Message()
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
