// Package cli 实现 hatago-keys 命令行工具：生成签名密钥、为插件产物签名与校验、
// 检查插件清单，以及管理 MySQL 中的受信任公钥。
package cli
