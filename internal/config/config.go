package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ARGOS/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "ARGOS_CONFIG"

// DefaultConfigPath 是未显式指定时尝试加载的配置文件。
var DefaultConfigPath = filepath.Join("configs", "argos.yaml")

// DefaultTargets 是 EXOLAB 的基准目标列表。
var DefaultTargets = []int64{261155555, 261259521, 234520440}

// Config 描述 ARGOS 启动阶段需要加载的全部配置。
type Config struct {
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Log        logger.Config    `yaml:"log"`
	Targets    TargetsConfig    `yaml:"targets"`
	MAST       MASTConfig       `yaml:"mast"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	LightCurve LightCurveConfig `yaml:"lightcurve"`
	Detection  DetectionConfig  `yaml:"detection"`
	Report     ReportConfig     `yaml:"report"`
	Export     ExportConfig     `yaml:"export"`
	Storage    StorageConfig    `yaml:"storage"`
	TaskQueue  TaskQueueConfig  `yaml:"task_queue"`
	Server     ServerConfig     `yaml:"server"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// RuntimeConfig 放置运行时的通用参数。
type RuntimeConfig struct {
	// TargetTimeoutSeconds 限制单个目标从检索到导出的总耗时。
	TargetTimeoutSeconds int `yaml:"target_timeout_seconds"`
}

// TargetTimeout 返回单目标超时时间。
func (r RuntimeConfig) TargetTimeout() time.Duration {
	return time.Duration(r.TargetTimeoutSeconds) * time.Second
}

// TargetsConfig 描述批处理的目标来源。
type TargetsConfig struct {
	TICIDs []int64 `yaml:"tic_ids"`
	File   string  `yaml:"file"`
}

// MASTConfig 控制访问 MAST 门户的方式。
type MASTConfig struct {
	BaseURL        string  `yaml:"base_url"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Retries        int     `yaml:"retries"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	PageSize       int     `yaml:"page_size"`
}

// Timeout 返回 HTTP 超时时间。
func (m MASTConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// CatalogConfig 控制 TIC 星表查询。
type CatalogConfig struct {
	CacheSize       int `yaml:"cache_size"`
	CacheTTLSeconds int `yaml:"cache_ttl_seconds"`
}

// CacheTTL 返回缓存有效期。
func (c CatalogConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// LightCurveConfig 控制光变曲线的来源与预处理。
type LightCurveConfig struct {
	// Source 取值 mast 或 directory。
	Source         string  `yaml:"source"`
	Directory      string  `yaml:"directory"`
	Author         string  `yaml:"author"`
	QualityBitmask *int    `yaml:"quality_bitmask"`
	FlattenWindow  int     `yaml:"flatten_window"`
	OutlierSigma   float64 `yaml:"outlier_sigma"`
}

// Bitmask 返回质量掩码，未配置时为 TESS default 掩码 175，显式配置 0 表示不过滤。
func (l LightCurveConfig) Bitmask() int32 {
	if l.QualityBitmask == nil {
		return DefaultQualityBitmask
	}
	return int32(*l.QualityBitmask)
}

// DefaultQualityBitmask 对应 lightkurve 的 default 质量掩码。
const DefaultQualityBitmask = 175

// DetectionConfig 描述 BLS 搜索网格。
type DetectionConfig struct {
	MinPeriod  float64   `yaml:"min_period"`
	MaxPeriod  float64   `yaml:"max_period"`
	Periods    int       `yaml:"periods"`
	Durations  []float64 `yaml:"durations"`
	Oversample int       `yaml:"oversample"`
	Workers    int       `yaml:"workers"`
}

// ReportConfig 控制身份卡生成。
type ReportConfig struct {
	Enabled    *bool  `yaml:"enabled"`
	Version    string `yaml:"version"`
	PlotWidth  int    `yaml:"plot_width"`
	PlotHeight int    `yaml:"plot_height"`
}

// IsEnabled 报告默认开启。
func (r ReportConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ExportConfig 描述导出目录与镜像。
type ExportConfig struct {
	Dir       string `yaml:"dir"`
	MirrorURL string `yaml:"mirror_url"`
}

// StorageConfig 统一描述任务状态与结果库的存储后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
	Results   ResultsConfig   `yaml:"results"`
}

// TaskStoreConfig 支持 memory、sqlite 与 mysql。
type TaskStoreConfig struct {
	Driver                 string `yaml:"driver"`
	DSN                    string `yaml:"dsn"`
	Retries                int    `yaml:"retries"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// ResultsConfig 控制可选的观测结果数据库，driver 取 none、sqlite 或 mysql。
type ResultsConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// TaskQueueConfig 描述任务队列。
type TaskQueueConfig struct {
	Driver   string         `yaml:"driver"`
	Worker   int            `yaml:"worker"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RedisConfig 为 Redis 队列的连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Queue     string `yaml:"queue"`
	BlockWait int    `yaml:"block_wait_seconds"`
}

// RabbitMQConfig 为 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `yaml:"url"`
	Queue      string `yaml:"queue"`
	Prefetch   int    `yaml:"prefetch"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ServerConfig 控制守护进程 API 的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// MetricsConfig 控制 prometheus 指标的暴露地址，为空表示不单独监听。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertingConfig 控制发现告警。
type AlertingConfig struct {
	WebhookURL string   `yaml:"webhook_url"`
	On         []string `yaml:"on"`
}

// ResolvePath 依次使用显式参数、环境变量与默认路径，均不存在时返回空串。
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// Load 解析指定路径的 YAML（或 JSON）配置文件；path 为空时返回默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回以当前工作目录为基准的默认配置。
func Default() *Config {
	cfg := &Config{}
	baseDir, err := os.Getwd()
	if err != nil {
		baseDir = "."
	}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Runtime.TargetTimeoutSeconds <= 0 {
		c.Runtime.TargetTimeoutSeconds = 600
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Audit.Path != "" {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path)
	}

	if len(c.Targets.TICIDs) == 0 && c.Targets.File == "" {
		c.Targets.TICIDs = append([]int64(nil), DefaultTargets...)
	}
	if c.Targets.File != "" {
		c.Targets.File = resolve(baseDir, c.Targets.File)
	}

	if c.MAST.BaseURL == "" {
		c.MAST.BaseURL = "https://mast.stsci.edu"
	}
	c.MAST.BaseURL = strings.TrimRight(c.MAST.BaseURL, "/")
	if c.MAST.TimeoutSeconds <= 0 {
		c.MAST.TimeoutSeconds = 60
	}
	if c.MAST.Retries <= 0 {
		c.MAST.Retries = 3
	}
	if c.MAST.RatePerSecond <= 0 {
		c.MAST.RatePerSecond = 4
	}
	if c.MAST.Burst <= 0 {
		c.MAST.Burst = 4
	}
	if c.MAST.PageSize <= 0 {
		c.MAST.PageSize = 500
	}

	if c.Catalog.CacheSize <= 0 {
		c.Catalog.CacheSize = 1024
	}
	if c.Catalog.CacheTTLSeconds <= 0 {
		c.Catalog.CacheTTLSeconds = 3600
	}

	if c.LightCurve.Source == "" {
		c.LightCurve.Source = "mast"
	}
	if c.LightCurve.Directory != "" {
		c.LightCurve.Directory = resolve(baseDir, c.LightCurve.Directory)
	}
	if c.LightCurve.Author == "" {
		c.LightCurve.Author = "SPOC"
	}
	if c.LightCurve.QualityBitmask == nil {
		mask := DefaultQualityBitmask
		c.LightCurve.QualityBitmask = &mask
	}
	if c.LightCurve.FlattenWindow <= 0 {
		c.LightCurve.FlattenWindow = 401
	}
	if c.LightCurve.OutlierSigma <= 0 {
		c.LightCurve.OutlierSigma = 5
	}

	if c.Detection.MinPeriod <= 0 {
		c.Detection.MinPeriod = 0.5
	}
	if c.Detection.MaxPeriod <= 0 {
		c.Detection.MaxPeriod = 20
	}
	if c.Detection.Periods <= 0 {
		c.Detection.Periods = 5000
	}
	if len(c.Detection.Durations) == 0 {
		c.Detection.Durations = []float64{0.05, 0.10, 0.15, 0.20, 0.25, 0.33}
	}
	if c.Detection.Oversample <= 0 {
		c.Detection.Oversample = 10
	}

	if c.Report.Version == "" {
		c.Report.Version = "v2.1"
	}
	if c.Report.PlotWidth <= 0 {
		c.Report.PlotWidth = 1000
	}
	if c.Report.PlotHeight <= 0 {
		c.Report.PlotHeight = 420
	}

	if c.Export.Dir == "" {
		c.Export.Dir = "exports"
	}
	c.Export.Dir = resolve(baseDir, c.Export.Dir)

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.TaskStore.Retries <= 0 {
		c.Storage.TaskStore.Retries = 3
	}
	if c.Storage.TaskStore.Driver == "sqlite" && c.Storage.TaskStore.DSN == "" {
		c.Storage.TaskStore.DSN = filepath.Join(c.Export.Dir, "argos_tasks.db")
	}
	if c.Storage.Results.Driver == "" {
		c.Storage.Results.Driver = "none"
	}
	if c.Storage.Results.Driver == "sqlite" && c.Storage.Results.DSN == "" {
		c.Storage.Results.DSN = filepath.Join(c.Export.Dir, "argos_exolab.db")
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
	if c.TaskQueue.Size <= 0 {
		c.TaskQueue.Size = 1024
	}

	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
}

// Validate 检查配置取值是否自洽。
func (c *Config) Validate() error {
	switch c.LightCurve.Source {
	case "mast":
	case "directory":
		if c.LightCurve.Directory == "" {
			return errors.New("lightcurve.source=directory 需要配置 lightcurve.directory")
		}
	default:
		return fmt.Errorf("未知的光变曲线来源: %s", c.LightCurve.Source)
	}
	if m := c.LightCurve.QualityBitmask; m != nil && (*m < 0 || *m > math.MaxInt32) {
		return fmt.Errorf("lightcurve.quality_bitmask 取值非法: %d", *m)
	}
	if c.Detection.MinPeriod >= c.Detection.MaxPeriod {
		return fmt.Errorf("detection.min_period (%g) 必须小于 max_period (%g)", c.Detection.MinPeriod, c.Detection.MaxPeriod)
	}
	if c.Detection.Periods < 2 {
		return errors.New("detection.periods 至少为 2")
	}
	for _, d := range c.Detection.Durations {
		if d <= 0 {
			return fmt.Errorf("detection.durations 含非法取值 %g", d)
		}
	}
	switch c.Storage.TaskStore.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	if c.Storage.TaskStore.Driver == "mysql" && c.Storage.TaskStore.DSN == "" {
		return errors.New("storage.task_store.driver=mysql 需要配置 dsn")
	}
	switch c.Storage.Results.Driver {
	case "none", "sqlite", "mysql":
	default:
		return fmt.Errorf("未知的结果库驱动: %s", c.Storage.Results.Driver)
	}
	if c.Storage.Results.Driver == "mysql" && c.Storage.Results.DSN == "" {
		return errors.New("storage.results.driver=mysql 需要配置 dsn")
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	return nil
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
