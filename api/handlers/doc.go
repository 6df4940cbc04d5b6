// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 JudgeFlow HTTP API 的请求处理器实现。

# 概述

每个处理器只依赖一个窄接口（WorkflowService、JudgmentService、CanaryService），
由 cmd/judgeflow 注入真实的引擎、评估器与灰度控制器，测试中注入内存实现。

# 核心类型

  - WorkflowHandler: 提交实例、查询状态、取消、审批回调
  - JudgmentHandler: 混合判断评估与候选版本回放
  - LearningHandler: 规则/提示词灰度：部署、调流量、晋升、回滚、反馈
  - HealthHandler: /health、/ready（并行检查，可选检查失败只降级）
  - Response: 统一 JSON 信封（success + data + error + timestamp）

# 错误映射

WriteError 按 types.ErrorCode 映射 HTTP 状态码：VALIDATION_ERROR → 400，
NOT_FOUND → 404，INVALID_TRANSITION/CONFLICT → 409，PERMANENT_NODE → 422，
TRANSIENT_EXTERNAL → 502，CIRCUIT_OPEN/CACHE_UNAVAILABLE → 503，TIMEOUT → 504。
*/
package handlers
