package migrations

import "embed"

// Files 内嵌全部 SQL 迁移脚本，按文件名前缀的版本号升序应用。
//
//go:embed *.sql
var Files embed.FS
