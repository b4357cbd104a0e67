package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ARGOS/pkg/logger"
)

// main 是 ARGOS 命令行与守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout).ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "argos 运行失败: %v\n", err)
		os.Exit(1)
	}
}
