package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	apperrors "ARGOS/internal/errors"
	"ARGOS/internal/observation"
	"ARGOS/internal/report"
	"ARGOS/pkg/logger"
)

const (
	HistoryFile  = "argos_exolab_targets.txt"
	LogFile      = "argos_exolab_observations.log"
	DatabaseFile = "argos_exolab_database.csv"

	// DatabaseHeader 是研究数据库 CSV 的表头。
	DatabaseHeader = "Date;Target;RA;DEC;Hemi;Type;Radius_Re;Dist_AU;T_eq_K;T_eq_C;Insolation;HZ_Status;Dur_Hrs;Noise_PPM;SDE;Mag;Confidence"
)

// Mirror 接收报告产物的副本。
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
}

// Exporter 管理导出目录中的操作日志、CSV 数据库、处理历史与报告文件。
// 所有写操作串行执行，可被多个 worker 共享。
type Exporter struct {
	dir    string
	mirror Mirror
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	history map[int64]struct{}
	order   []int64
}

// Option 定义 Exporter 的可选配置。
type Option func(*Exporter)

// WithMirror 设置报告镜像。
func WithMirror(m Mirror) Option {
	return func(e *Exporter) {
		e.mirror = m
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 自定义日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// Open 创建导出目录（如不存在）并加载处理历史。
func Open(dir string, opts ...Option) (*Exporter, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "导出目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExportFailure, err, "创建导出目录失败")
	}
	e := &Exporter{
		dir:     dir,
		now:     time.Now,
		logger:  logger.Named("export"),
		history: make(map[int64]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.loadHistory(); err != nil {
		return nil, err
	}
	return e, nil
}

// Dir 返回导出目录。
func (e *Exporter) Dir() string {
	return e.dir
}

// Path 返回导出目录中文件的完整路径。
func (e *Exporter) Path(name string) string {
	return filepath.Join(e.dir, name)
}

func (e *Exporter) loadHistory() error {
	f, err := os.Open(e.Path(HistoryFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeExportFailure, err, "读取处理历史失败")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			e.logger.Warn("忽略无法解析的历史记录", slog.String("line", line))
			continue
		}
		if _, ok := e.history[id]; !ok {
			e.history[id] = struct{}{}
			e.order = append(e.order, id)
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Wrap(apperrors.CodeExportFailure, err, "读取处理历史失败")
	}
	return nil
}

// IsProcessed 判断目标是否已出现在处理历史中。
func (e *Exporter) IsProcessed(ticID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.history[ticID]
	return ok
}

// Processed 按写入顺序返回已处理的目标。
func (e *Exporter) Processed() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.order...)
}

// Record 依次写入报告、操作日志、CSV 行与处理历史。
func (e *Exporter) Record(ctx context.Context, obs *observation.Observation, art *report.Artifacts) error {
	if art != nil {
		if err := e.WriteReport(ctx, art); err != nil {
			return err
		}
	}
	if err := e.AppendLog(obs); err != nil {
		return err
	}
	if err := e.AppendDatabase(obs); err != nil {
		return err
	}
	return e.MarkProcessed(obs.TICID())
}

// MarkProcessed 追加处理历史，重复目标只记录一次。
func (e *Exporter) MarkProcessed(ticID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.history[ticID]; ok {
		return nil
	}
	if err := appendLine(e.Path(HistoryFile), strconv.FormatInt(ticID, 10)); err != nil {
		return err
	}
	e.history[ticID] = struct{}{}
	e.order = append(e.order, ticID)
	return nil
}

// LogLine 格式化一条操作日志。
func LogLine(at time.Time, obs *observation.Observation) string {
	return fmt.Sprintf("[%s] %s %s | SDE: %.1f | Conf: %s",
		at.Format("15:04"), obs.Confidence.Icon(), obs.Target(), obs.Detection.SDE, obs.Confidence)
}

// AppendLog 追加一条操作日志。
func (e *Exporter) AppendLog(obs *observation.Observation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return appendLine(e.Path(LogFile), LogLine(e.now(), obs))
}

// DatabaseRow 格式化一行研究数据库记录。
func DatabaseRow(at time.Time, obs *observation.Observation) string {
	star, planet := obs.Star, obs.Planet
	fields := []string{
		at.Format("2006-01-02"),
		obs.Target(),
		observation.Fixed(star.RA, 4),
		observation.Fixed(star.Dec, 4),
		star.Hemisphere(),
		string(star.Spectral),
		observation.Fixed(planet.PlanetRadius, 2),
		observation.Fixed(planet.DistanceAU, 4),
		observation.Fixed(planet.EquilibriumK, 1),
		observation.Fixed(planet.EquilibriumC, 1),
		observation.Fixed(planet.Insolation, 2),
		planet.HZStatus,
		observation.Fixed(planet.DurationHours, 2),
		observation.Fixed(obs.NoisePPM, 0),
		observation.Fixed(obs.Detection.SDE, 1),
		observation.Fixed(star.Tmag, 2),
		string(obs.Confidence),
	}
	return strings.Join(fields, ";")
}

// AppendDatabase 追加一行 CSV，文件不存在时先写表头。
func (e *Exporter) AppendDatabase(obs *observation.Observation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	path := e.Path(DatabaseFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := appendLine(path, DatabaseHeader); err != nil {
			return err
		}
	}
	return appendLine(path, DatabaseRow(e.now(), obs))
}

// WriteReport 原子写入报告文件，并在配置了镜像时上传副本。
func (e *Exporter) WriteReport(ctx context.Context, art *report.Artifacts) error {
	files := map[string][]byte{art.BaseName + ".md": art.Markdown}
	if len(art.PNG) > 0 {
		files[art.BaseName+".png"] = art.PNG
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := renameio.WriteFile(e.Path(name), files[name], 0o644); err != nil {
			return apperrors.Wrap(apperrors.CodeExportFailure, err, "写入报告失败", apperrors.WithMetadata("file", name))
		}
	}
	if e.mirror == nil {
		return nil
	}
	for _, name := range names {
		if err := e.mirror.Upload(ctx, name, files[name], contentType(name)); err != nil {
			// 镜像失败不影响本地导出。
			e.logger.Warn("上传报告镜像失败", slog.String("file", name), slog.Any("error", err))
		}
	}
	return nil
}

// ReadReport 读取已生成的 Markdown 报告。
func (e *Exporter) ReadReport(ticID int64, version string) ([]byte, error) {
	name := report.BaseName(ticID, version) + ".md"
	data, err := os.ReadFile(e.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, err, "报告不存在", apperrors.WithMetadata("file", name))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeExportFailure, err, "读取报告失败")
	}
	return data, nil
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".png") {
		return "image/png"
	}
	return "text/markdown; charset=utf-8"
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeExportFailure, err, "打开导出文件失败", apperrors.WithMetadata("file", filepath.Base(path)))
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return apperrors.Wrap(apperrors.CodeExportFailure, err, "写入导出文件失败", apperrors.WithMetadata("file", filepath.Base(path)))
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrap(apperrors.CodeExportFailure, err, "关闭导出文件失败", apperrors.WithMetadata("file", filepath.Base(path)))
	}
	return nil
}
