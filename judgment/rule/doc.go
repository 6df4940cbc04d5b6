// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package rule 提供判断流程中的规则评估能力。

规则以 YAML 脚本描述：先按顺序计算 derive 派生变量，再自上而下匹配
rules，首条 when 为真的规则给出状态与置信度；全部未命中时使用 default。

# 沙箱

Sandbox 是策略接口，默认实现 ExprSandbox 复用 workflow/dsl 的表达式解释器，
脚本按 checksum 编译缓存。单次评估在独立 goroutine 中执行并受墙钟预算与
步数预算约束，panic 会被恢复并以错误返回，调用方据此降级。
*/
package rule
