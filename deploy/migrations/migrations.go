package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，语句需同时兼容 SQLite 与 MySQL。
//
//go:embed *.sql
var Files embed.FS
