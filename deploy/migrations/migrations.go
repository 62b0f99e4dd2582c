// Package migrations embeds the SQL schema of the observation and proof job
// tables. Files are applied in the order of their numeric prefix.
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
