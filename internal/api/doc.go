// Package api 提供插件宿主的管理接口：查询宿主状态与受信任公钥、
// 校验插件签名、上传并加载插件，以及暴露最近事件与 Prometheus 指标。
package api
