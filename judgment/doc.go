// Copyright (c) JudgeFlow Authors.
// Licensed under the MIT License.

/*
Package judgment 实现混合判断评估：规则沙箱 + 生成式模型，按策略聚合为
带置信度的单一结论。

# 评估流程

 1. 校验请求，计算路由键（工作流 + 输入），向灰度控制器解析规则与提示词版本。
 2. 以 (工作流, 输入, 规则版本, 提示词版本, 策略) 的规范 JSON 计算指纹，查缓存；
    命中直接返回，不触发任何规则或模型调用。
 3. 未命中时执行规则；策略需要时经熔断器调用模型（目标 llm:<model>）。
 4. Combine 聚合结果，非降级且置信度达标的结果写入缓存，发布 judgment.executed。

总耗时受 Config.Timeout 约束。除请求校验错误外 Evaluate 总是返回结果：
规则失败、模型失败或熔断打开都会降级，两条路径都不可用时返回兜底结论。

# 策略

RULE_ONLY、LLM_ONLY、HYBRID_WEIGHTED、GATE、RULE_FALLBACK、LLM_FALLBACK。
请求未指定时使用规则版本元数据中的 policy，再退回 Config.DefaultPolicy。

# 缓存

Cache 有 Redis（internal/cache）与进程内 LRU 两种实现，均以 JSON 存储，
命中结果与首次评估逐字段一致。是否命中通过 EvaluateWithMeta 返回的 Meta 获取。
*/
package judgment
