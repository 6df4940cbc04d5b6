/*
Package circuitbreaker 为所有出站调用（模型端点、数据源、外部动作）提供共享熔断器。

每个外部目标一个 Breaker：CLOSED 状态统计滚动窗口内的失败率，超过阈值进入
OPEN 并快速失败；冷却时间过后进入 HALF_OPEN，只放行一次试探调用，成功则恢复
CLOSED，失败则重新 OPEN。
*/
package circuitbreaker
