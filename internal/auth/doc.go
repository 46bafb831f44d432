// Package auth 使用静态 Bearer 令牌保护管理接口，并为每个请求记录审计日志。
package auth
