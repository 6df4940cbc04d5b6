/*
包 server 管理 JudgeFlow 的 HTTP 监听端口（API 与 metrics）。

Manager 包装 net/http.Server：Start 绑定端口后在后台服务，配置了
证书时通过 tlsutil.ServerConfig 切换为 HTTPS；Run 阻塞到 context
结束再优雅关闭；RunAll 用 errgroup 并行运行多个端口，任一端口
失败即整体退出。
*/
package server
