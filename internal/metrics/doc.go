// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、工作流、
判断、缓存、熔断灰度与数据库六个维度。

# 概述

Collector 通过 promauto 注册全部向量指标，按 namespace 隔离。
NewCollectorWith 允许注入独立 Registry，测试中避免重复注册。
所有 Record 方法对 nil 接收者安全，业务组件可选择不注入收集器。

# 主要能力

  - HTTP：请求总数、耗时、响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 工作流：实例终态计数、节点执行计数与耗时、补偿结果。
  - 判断：按 method/degraded/cached 计数、耗时，模型请求计数与耗时。
  - 缓存：命中与未命中。
  - 熔断与灰度：熔断状态迁移、灰度流量 Gauge 与迁移计数。
  - 数据库：连接池 Gauge、查询耗时。
*/
package metrics
