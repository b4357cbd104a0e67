package main

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"ARGOS/internal/config"
	"ARGOS/internal/targets"
	"ARGOS/internal/task"
)

type runOptions struct {
	targetsFile string
	workers     int
	force       bool
	timeout     time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [TIC...]",
		Short: "Run the EXOLAB transit search over the target list",
		Long: "Run fetches each target from MAST, searches for transits and exports identity cards. " +
			"Targets come from the arguments, --targets, or the configured list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if opts.targetsFile != "" {
				cfg.Targets = config.TargetsConfig{File: opts.targetsFile}
			}
			if opts.workers > 0 {
				cfg.TaskQueue.Worker = opts.workers
			}
			ids, err := targets.Resolve(cfg.Targets, args)
			if err != nil {
				return err
			}
			return runBatch(cmd.Context(), cmd.OutOrStdout(), cfg, ids, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.targetsFile, "targets", "t", "", "目标文件（.txt/.json/.yaml）")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "并行处理的目标数")
	cmd.Flags().BoolVar(&opts.force, "force", false, "忽略处理历史，重新分析全部目标")
	cmd.Flags().DurationVar(&opts.timeout, "deadline", 0, "整批处理的最长时间，0 表示不限")
	return cmd
}

// printer 串行化多个 worker 的终端输出。
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

// outcomeLine 返回任务终态对应的一行终端输出。
func outcomeLine(t *task.Task) string {
	switch {
	case t.Status == task.StatusSucceeded && t.Result != nil && t.Result.Skipped:
		return fmt.Sprintf("⚠️  TIC %d skipped: no light curve available", t.TICID)
	case t.Status == task.StatusSucceeded:
		conf := "UNKNOWN"
		if t.Result != nil && t.Result.Confidence != "" {
			conf = t.Result.Confidence
		}
		return fmt.Sprintf("✅ TIC %d processed (%s)", t.TICID, conf)
	default:
		return fmt.Sprintf("❌ TIC %d Critical Error: %s", t.TICID, t.LastError)
	}
}

func runBatch(ctx context.Context, out io.Writer, cfg *config.Config, ids []int64, opts *runOptions) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	p := &printer{out: out}
	p.printf("%s\n", Banner)

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	abandoned, err := a.service.AbandonStale(ctx)
	if err != nil {
		return err
	}
	if abandoned > 0 {
		a.logger.Warn("重置上次运行遗留的任务", slog.Int("count", abandoned))
	}

	pending, skipped := a.engine.Pending(ids, opts.force)
	for _, id := range skipped {
		p.printf("⏭️  TIC %d already processed, skipping\n", id)
	}
	p.printf("🔭 %d target(s) queued, %d skipped by history\n", len(pending), len(skipped))

	processor := a.newProcessor(cfg.TaskQueue.Worker, func(t *task.Task) {
		p.printf("%s\n", outcomeLine(t))
	})
	procCtx, stopProc := context.WithCancel(ctx)
	procDone := make(chan error, 1)
	go func() { procDone <- processor.Start(procCtx) }()
	defer func() {
		stopProc()
		if err := <-procDone; err != nil && !stdErrors.Is(err, context.Canceled) {
			a.logger.Warn("任务处理器退出异常", slog.Any("error", err))
		}
	}()

	submitted, err := a.service.SubmitAll(ctx, pending)
	if err != nil {
		return err
	}
	taskIDs := make([]string, 0, len(submitted))
	for _, t := range submitted {
		taskIDs = append(taskIDs, t.ID)
	}
	if _, err := a.service.WaitAll(ctx, taskIDs, 200*time.Millisecond); err != nil {
		return err
	}
	if _, err := a.service.Stats(ctx); err != nil {
		a.logger.Warn("统计任务状态失败", slog.Any("error", err))
	}

	p.printf("🎯 Benchmark complete. Results available in: %s\n", a.exporter.Dir())
	return nil
}
