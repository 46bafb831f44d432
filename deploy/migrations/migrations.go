// Package migrations 嵌入受信任公钥表的 MySQL 迁移脚本。
package migrations

import "embed"

// Files 包含全部迁移文件，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
