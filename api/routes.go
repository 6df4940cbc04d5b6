package api

import (
	"net/http"

	"github.com/BaSui01/judgeflow/api/handlers"
)

// =============================================================================
// 路由表
// =============================================================================

// 健康检查与运维端点，不需要认证
const (
	PathHealth  = "/health"
	PathHealthz = "/healthz"
	PathReady   = "/ready"
	PathReadyz  = "/readyz"
	PathVersion = "/version"
	PathMetrics = "/metrics"
)

// PublicPaths 跳过认证的路径
func PublicPaths() []string {
	return []string{PathHealth, PathHealthz, PathReady, PathReadyz, PathVersion, PathMetrics}
}

// Route 单条路由，Pattern 使用 net/http 的 "METHOD /path/{param}" 语法
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

// Handlers 各业务处理器，nil 的处理器不注册路由
type Handlers struct {
	Health   *handlers.HealthHandler
	Workflow *handlers.WorkflowHandler
	Judgment *handlers.JudgmentHandler
	Learning *handlers.LearningHandler

	Version, BuildTime, GitCommit string
}

// Routes 展开全部路由
func (h Handlers) Routes() []Route {
	var routes []Route
	if h.Health != nil {
		routes = append(routes,
			Route{"GET " + PathHealth, h.Health.HandleHealth},
			Route{"GET " + PathHealthz, h.Health.HandleHealth},
			Route{"GET " + PathReady, h.Health.HandleReady},
			Route{"GET " + PathReadyz, h.Health.HandleReady},
			Route{"GET " + PathVersion, h.Health.HandleVersion(h.Version, h.BuildTime, h.GitCommit)},
		)
	}
	if h.Workflow != nil {
		routes = append(routes,
			Route{"POST /workflows/{id}/execute", h.Workflow.HandleExecute},
			Route{"GET /workflows/instances/{id}", h.Workflow.HandleGetInstance},
			Route{"POST /workflows/instances/{id}/cancel", h.Workflow.HandleCancel},
			Route{"POST /workflows/instances/{id}/approve", h.Workflow.HandleApprove},
		)
	}
	if h.Judgment != nil {
		routes = append(routes,
			Route{"POST /judgment/execute", h.Judgment.HandleExecute},
			Route{"POST /learning/simulate", h.Judgment.HandleSimulate},
		)
	}
	if h.Learning != nil {
		routes = append(routes,
			Route{"POST /learning/deploy", h.Learning.HandleDeploy},
			Route{"POST /learning/rollback", h.Learning.HandleRollback},
			Route{"POST /learning/promote", h.Learning.HandlePromote},
			Route{"POST /learning/traffic", h.Learning.HandleTraffic},
			Route{"POST /learning/feedback", h.Learning.HandleFeedback},
			Route{"GET /learning/deployments", h.Learning.HandleListDeployments},
			Route{"GET /learning/deployments/{id}", h.Learning.HandleGetDeployment},
		)
	}
	return routes
}

// Register 把路由注册到 mux
func Register(mux *http.ServeMux, h Handlers) {
	for _, r := range h.Routes() {
		mux.HandleFunc(r.Pattern, r.Handler)
	}
}
