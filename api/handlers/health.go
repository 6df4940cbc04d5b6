package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 依赖探活
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// checkFunc 把探活函数适配为 HealthCheck
type checkFunc struct {
	name     string
	fn       func(ctx context.Context) error
	optional bool
}

func (c *checkFunc) Name() string                    { return c.name }
func (c *checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// NewCheck 必需依赖（数据库、事件总线），失败时 /ready 返回 503
func NewCheck(name string, fn func(ctx context.Context) error) HealthCheck {
	return &checkFunc{name: name, fn: fn}
}

// NewOptionalCheck 可降级依赖（判断缓存），失败时只标记 degraded
func NewOptionalCheck(name string, fn func(ctx context.Context) error) HealthCheck {
	return &checkFunc{name: name, fn: fn, optional: true}
}

func isOptional(c HealthCheck) bool {
	cf, ok := c.(*checkFunc)
	return ok && cf.optional
}

// DetailFunc 附加在 /ready 响应中的运行时信息（熔断器、缓存统计），不参与就绪判定
type DetailFunc func(ctx context.Context) (any, error)

type detail struct {
	name string
	fn   DetailFunc
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy / degraded / unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Details   map[string]any         `json:"details,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status   string `json:"status"` // pass / fail
	Optional bool   `json:"optional,omitempty"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.RWMutex
	checks  []HealthCheck
	details []detail
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, timeout: 5 * time.Second}
}

// RegisterCheck 注册健康检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RegisterDetail 注册 /ready 附带的运行时信息
func (h *HealthHandler) RegisterDetail(name string, fn DetailFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.details = append(h.details, detail{name: name, fn: fn})
}

// HandleHealth /health 与 /healthz：进程存活即可
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now()})
}

// HandleReady /ready：并行探测全部依赖
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	details := append([]detail(nil), h.details...)
	h.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			res := CheckResult{Status: "pass", Optional: isOptional(c), Latency: time.Since(start).String()}
			if err != nil {
				res.Status, res.Message = "fail", err.Error()
				h.logger.Warn("health check failed",
					zap.String("check", c.Name()),
					zap.Bool("optional", res.Optional),
					zap.Error(err))
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{Status: "healthy", Timestamp: time.Now(), Checks: make(map[string]CheckResult, len(checks))}
	for i, c := range checks {
		res := results[i]
		status.Checks[c.Name()] = res
		if res.Status == "pass" {
			continue
		}
		if res.Optional {
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
			continue
		}
		status.Status = "unhealthy"
	}

	if len(details) > 0 {
		status.Details = make(map[string]any, len(details))
		for _, d := range details {
			v, err := d.fn(ctx)
			if err != nil {
				v = map[string]string{"error": err.Error()}
			}
			status.Details[d.name] = v
		}
	}

	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Names 已注册检查的名称（排序后）
func (h *HealthHandler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.checks))
	for _, c := range h.checks {
		out = append(out, c.Name())
	}
	sort.Strings(out)
	return out
}

// HandleVersion /version
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, r, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}
