package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🔀 Workflow Handler
// =============================================================================

// WorkflowService 工作流引擎对外操作（*workflow.Engine 实现）
type WorkflowService interface {
	Submit(ctx context.Context, definitionID string, payload map[string]any) (string, error)
	Get(ctx context.Context, instanceID string) (*workflow.Instance, error)
	Executions(ctx context.Context, instanceID string) ([]*workflow.NodeExecution, error)
	Cancel(ctx context.Context, instanceID string) error
	Signal(ctx context.Context, instanceID string, sig workflow.Signal) error
}

// WorkflowHandler 工作流执行、查询、取消与审批回调
type WorkflowHandler struct {
	engine WorkflowService
	logger *zap.Logger
}

// NewWorkflowHandler 创建工作流处理器
func NewWorkflowHandler(engine WorkflowService, logger *zap.Logger) *WorkflowHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkflowHandler{engine: engine, logger: logger.With(zap.String("handler", "workflow"))}
}

// ExecuteRequest POST /workflows/{id}/execute
type ExecuteRequest struct {
	// WorkflowID 可省略；填写时必须与路径一致
	WorkflowID string         `json:"workflow_id,omitempty"`
	InputData  map[string]any `json:"input_data"`
}

// ExecuteResponse 提交结果
type ExecuteResponse struct {
	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
}

// InstanceResponse GET /workflows/instances/{id}
type InstanceResponse struct {
	*workflow.Instance
	Executions []*workflow.NodeExecution `json:"executions,omitempty"`
}

// ApproveRequest POST /workflows/instances/{id}/approve
type ApproveRequest struct {
	NodeID   string         `json:"node_id,omitempty"`
	Approved bool           `json:"approved"`
	Approver string         `json:"approver,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// StatusResponse 取消与审批后的实例状态
type StatusResponse struct {
	InstanceID string          `json:"instance_id"`
	Status     workflow.Status `json:"status"`
}

// HandleExecute 手动触发工作流。实例创建后立即返回，执行在后台推进。
func (h *WorkflowHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	var req ExecuteRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.WorkflowID != "" && req.WorkflowID != workflowID {
		WriteError(w, r, types.NewValidationError("workflow_id %q does not match path %q", req.WorkflowID, workflowID), h.logger)
		return
	}

	id, err := h.engine.Submit(r.Context(), workflowID, req.InputData)
	if err != nil {
		if id == "" {
			WriteError(w, r, err, h.logger)
			return
		}
		// 实例已持久化，首次推进失败由后台扫描继续
		h.logger.Warn("initial advance failed",
			zap.String("instance_id", id),
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
	WriteAccepted(w, r, ExecuteResponse{InstanceID: id, WorkflowID: workflowID})
}

// HandleGetInstance 查询实例状态、上下文与失败来源；?executions=true 附带节点执行记录
func (h *WorkflowHandler) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := h.engine.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	resp := InstanceResponse{Instance: inst}
	if r.URL.Query().Get("executions") == "true" {
		execs, err := h.engine.Executions(r.Context(), id)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		resp.Executions = execs
	}
	WriteSuccess(w, r, resp)
}

// HandleCancel 取消实例
func (h *WorkflowHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.writeStatus(w, r, id)
}

// HandleApprove 审批回调。未填写 approver 时使用令牌中的用户。
func (h *WorkflowHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req ApproveRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.Approver == "" {
		req.Approver, _ = types.UserID(r.Context())
	}
	if req.Approver == "" {
		WriteError(w, r, types.NewValidationError("approver is required"), h.logger)
		return
	}

	sig := workflow.Signal{
		Kind:     workflow.SignalApproval,
		NodeID:   req.NodeID,
		Approved: req.Approved,
		Approver: req.Approver,
		Comment:  req.Comment,
		Payload:  req.Payload,
	}
	if err := h.engine.Signal(r.Context(), id, sig); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	h.logger.Info("approval recorded",
		zap.String("instance_id", id),
		zap.String("approver", req.Approver),
		zap.Bool("approved", req.Approved))
	h.writeStatus(w, r, id)
}

func (h *WorkflowHandler) writeStatus(w http.ResponseWriter, r *http.Request, id string) {
	inst, err := h.engine.Get(r.Context(), id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, StatusResponse{InstanceID: id, Status: inst.Status})
}
