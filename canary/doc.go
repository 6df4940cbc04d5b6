// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package canary 管理规则与提示词的版本发布。

每个目标（rule 或 prompt，按工作流区分）拥有一组不可变 Version 和一个可原子
替换的 Pointer。Deploy 在当前版本旁挂载候选版本并按流量比例分流，
Controller.Tick 按 Criteria 评估观察窗口：违反阈值立即回滚，健康则按
Steps 逐档提升直至晋升。

# 状态机

	RUNNING -> PROMOTED
	RUNNING -> ROLLED_BACK

终态不可再迁移；运行期间流量只增不减，回滚时流量归零并清除候选版本。
每次迁移都会写审计记录并发布 rule.deployed 事件。

# 路由

Resolve 对 (部署ID, 路由键, 时间片) 做 FNV 哈希取模，同一路由键在同一
时间片内命中结果稳定。
*/
package canary
