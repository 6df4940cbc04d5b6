// Package api 汇总 JudgeFlow HTTP API 的路由表。
//
// 所有业务端点都挂在根路径下：
//
//   - 工作流：POST /workflows/{id}/execute、GET /workflows/instances/{id}、
//     POST /workflows/instances/{id}/cancel、POST /workflows/instances/{id}/approve
//   - 判断：POST /judgment/execute
//   - 学习与灰度：POST /learning/deploy、/learning/rollback、/learning/promote、
//     /learning/traffic、/learning/feedback、/learning/simulate，
//     GET /learning/deployments、/learning/deployments/{id}
//
// 运维端点 /health、/healthz、/ready、/readyz、/version、/metrics 不需要认证。
// 其余端点由 X-API-Key 或 JWT Bearer 保护（取决于配置）。
package api
