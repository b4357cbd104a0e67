// Package api 提供守护进程模式下的 REST 接口：提交 TIC 目标、查询任务进度、
// 读取检测结果与报告，并暴露 /healthz 与 /metrics。
package api
