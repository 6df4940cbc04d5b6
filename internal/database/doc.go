// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
包 database 负责打开工作流与灰度存储共用的 gorm 连接，并管理连接池。

# 打开连接

Open 按 config.DatabaseConfig.Driver 选择方言：postgres、mysql 或
纯 Go 的 sqlite（github.com/glebarez/sqlite，无需 cgo，适合单机部署
与测试）。gorm 日志通过 GormLogger 写入 zap，慢查询和失败的 SQL
以 Warn 输出。

# 连接池

PoolManager 应用连接数与生命周期参数，sqlite 固定为单连接。
配置 WithMetrics 后会：

  - 在 gorm 回调中记录每类操作的耗时（RecordDBQuery）
  - 在后台探活时上报打开与空闲连接数（RecordDBConnections）

Ping 供 /ready 健康检查使用。
*/
package database
