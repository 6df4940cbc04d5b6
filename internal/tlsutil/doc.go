// Package tlsutil 集中管理 TLS 设置：模型服务客户端、Redis 连接与 HTTP 服务端
// 共用同一套 TLS 1.2+、仅 AEAD 套件的配置。
package tlsutil
