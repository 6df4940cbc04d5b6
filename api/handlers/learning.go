package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🐤 Learning Handler（规则与提示词的灰度发布）
// =============================================================================

// CanaryService 灰度控制器（*canary.Controller 实现）
type CanaryService interface {
	Deploy(ctx context.Context, req canary.DeployRequest) (*canary.Deployment, error)
	Promote(ctx context.Context, id, actor string) (*canary.Deployment, error)
	Rollback(ctx context.Context, id, reason, actor string) (*canary.Deployment, error)
	SetTraffic(ctx context.Context, id string, percent int, actor string) (*canary.Deployment, error)
	RecordFeedback(ctx context.Context, deploymentID string, candidate, negative bool) error
	Get(ctx context.Context, id string) (*canary.Deployment, error)
	Audit(ctx context.Context, deploymentID string) ([]canary.AuditRecord, error)
	List() []*canary.Deployment
}

// LearningHandler 部署、回滚、晋升、反馈
type LearningHandler struct {
	controller CanaryService
	logger     *zap.Logger
}

// NewLearningHandler 创建灰度处理器
func NewLearningHandler(controller CanaryService, logger *zap.Logger) *LearningHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LearningHandler{controller: controller, logger: logger.With(zap.String("handler", "learning"))}
}

// DeployRequest POST /learning/deploy
type DeployRequest struct {
	Target                canary.Kind       `json:"target"`
	WorkflowID            string            `json:"workflow_id"`
	Version               string            `json:"version"`
	Body                  string            `json:"body,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	InitialTrafficPercent int               `json:"initial_traffic_percent,omitempty"`
	Criteria              *canary.Criteria  `json:"criteria,omitempty"`
}

// Validate 校验部署请求
func (r *DeployRequest) Validate() error {
	if !r.Target.Valid() {
		return types.NewValidationError("target must be rule or prompt, got %q", r.Target)
	}
	if r.WorkflowID == "" {
		return types.NewValidationError("workflow_id is required")
	}
	if r.Version == "" {
		return types.NewValidationError("version is required")
	}
	if r.InitialTrafficPercent < 0 || r.InitialTrafficPercent > 100 {
		return types.NewValidationError("initial_traffic_percent must be within [0,100], got %d", r.InitialTrafficPercent)
	}
	return nil
}

// RollbackRequest POST /learning/rollback
type RollbackRequest struct {
	DeploymentID string `json:"deployment_id"`
	Reason       string `json:"reason,omitempty"`
}

// PromoteRequest POST /learning/promote
type PromoteRequest struct {
	DeploymentID string `json:"deployment_id"`
}

// TrafficRequest POST /learning/traffic
type TrafficRequest struct {
	DeploymentID   string `json:"deployment_id"`
	TrafficPercent int    `json:"traffic_percent"`
}

// FeedbackRequest POST /learning/feedback
type FeedbackRequest struct {
	DeploymentID string `json:"deployment_id"`
	// Candidate 反馈针对候选版本的结论
	Candidate bool `json:"candidate"`
	Negative  bool `json:"negative"`
}

// DeploymentResponse 部署详情与审计轨迹
type DeploymentResponse struct {
	*canary.Deployment
	Audit []canary.AuditRecord `json:"audit,omitempty"`
}

func actor(r *http.Request) string {
	id, _ := types.UserID(r.Context())
	return id
}

func requireDeploymentID(id string) error {
	if id == "" {
		return types.NewValidationError("deployment_id is required")
	}
	return nil
}

// HandleDeploy 注册版本（提供 body 时）并启动灰度
func (h *LearningHandler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	d, err := h.controller.Deploy(r.Context(), canary.DeployRequest{
		Target:                canary.Target{Kind: req.Target, WorkflowID: req.WorkflowID},
		Version:               req.Version,
		Body:                  req.Body,
		Metadata:              req.Metadata,
		InitialTrafficPercent: req.InitialTrafficPercent,
		Criteria:              req.Criteria,
		Actor:                 actor(r),
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, d)
}

// HandleRollback 手动回滚
func (h *LearningHandler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := requireDeploymentID(req.DeploymentID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	d, err := h.controller.Rollback(r.Context(), req.DeploymentID, req.Reason, actor(r))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, d)
}

// HandlePromote 手动晋升到 100%
func (h *LearningHandler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var req PromoteRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := requireDeploymentID(req.DeploymentID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	d, err := h.controller.Promote(r.Context(), req.DeploymentID, actor(r))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, d)
}

// HandleTraffic 手动提升候选流量
func (h *LearningHandler) HandleTraffic(w http.ResponseWriter, r *http.Request) {
	var req TrafficRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := requireDeploymentID(req.DeploymentID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	d, err := h.controller.SetTraffic(r.Context(), req.DeploymentID, req.TrafficPercent, actor(r))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, d)
}

// HandleFeedback 记录操作员对判断结论的反馈
func (h *LearningHandler) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := requireDeploymentID(req.DeploymentID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.controller.RecordFeedback(r.Context(), req.DeploymentID, req.Candidate, req.Negative); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	writeEnvelope(w, r, http.StatusAccepted, map[string]string{"deployment_id": req.DeploymentID})
}

// HandleGetDeployment 部署详情，附审计记录
func (h *LearningHandler) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := h.controller.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	audit, err := h.controller.Audit(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, DeploymentResponse{Deployment: d, Audit: audit})
}

// HandleListDeployments 列出部署；?status=RUNNING 过滤
func (h *LearningHandler) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	status := canary.DeploymentStatus(r.URL.Query().Get("status"))
	all := h.controller.List()
	out := make([]*canary.Deployment, 0, len(all))
	for _, d := range all {
		if status == "" || d.Status == status {
			out = append(out, d)
		}
	}
	WriteSuccess(w, r, out)
}
