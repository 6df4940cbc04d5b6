/*
包 migration 管理 JudgeFlow 的数据库 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

迁移文件以 embed.FS 内嵌在二进制中，按方言分目录存放：

  - 000001_workflow：workflow_instances、workflow_node_executions
  - 000002_canary：canary_versions、canary_pointers、canary_deployments、canary_audit

表结构与 workflow.GormStore、canary.GormStore 的模型一一对应。
SQLite 使用纯 Go 驱动，无需 CGO。

# 核心类型

  - Migrator / DefaultMigrator：Up/Down/Steps/Goto/Force/Version/Status/Info。
  - Config：方言、连接串、版本表名与锁超时。
  - CLI：`judgeflow migrate` 子命令的输出层。
  - NewMigratorFromConfig / NewMigratorFromDatabaseConfig / NewMigratorFromURL：
    从不同配置源创建迁移器。
*/
package migration
