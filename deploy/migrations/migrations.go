package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，MySQL 与 SQLite 共用同一份语法。
//
//go:embed *.sql
var Files embed.FS
