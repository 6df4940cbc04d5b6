// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 JudgeFlow 服务端程序入口。

# 子命令

  - serve     启动 HTTP API、工作流引擎、调度器与灰度评估循环
  - migrate   数据库迁移（up / down / status / version / reset / goto / force / steps）
  - validate  校验工作流定义目录
  - health    请求运行中实例的 /ready
  - version   打印构建信息

# 中间件链

Recovery、RequestID、SecurityHeaders、OTelTracing、MetricsMiddleware、
RequestLogger、CORS，之后是认证（JWT 优先，否则 API Key）与按租户限流。

Version、BuildTime、GitCommit 通过 ldflags 注入：

	go build -ldflags "-X main.Version=1.2.0 -X main.GitCommit=$(git rev-parse --short HEAD)" ./cmd/judgeflow
*/
package main
