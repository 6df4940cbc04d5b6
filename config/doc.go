// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

// Package config 提供 JudgeFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → JUDGEFLOW_* 环境变量 的顺序加载，
// 覆盖服务端口、Redis、数据库、NATS、LLM、日志、遥测，
// 以及工作流引擎、混合判定、灰度发布和熔断的运行参数。
//
// DirWatcher 轮询工作流定义目录，文件变化后由服务重新注册定义。
package config
