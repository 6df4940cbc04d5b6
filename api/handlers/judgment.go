package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/judgeflow/judgment"
	"go.uber.org/zap"
)

// =============================================================================
// ⚖️ Judgment Handler
// =============================================================================

// JudgmentService 混合判断评估器（*judgment.Evaluator 实现）
type JudgmentService interface {
	EvaluateWithMeta(ctx context.Context, req *judgment.Request) (*judgment.Result, judgment.Meta, error)
	Simulate(ctx context.Context, req judgment.SimulateRequest) (*judgment.SimulationReport, error)
}

// JudgmentHandler 判断评估与离线回放
type JudgmentHandler struct {
	evaluator JudgmentService
	logger    *zap.Logger
}

// NewJudgmentHandler 创建判断处理器
func NewJudgmentHandler(evaluator JudgmentService, logger *zap.Logger) *JudgmentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JudgmentHandler{evaluator: evaluator, logger: logger.With(zap.String("handler", "judgment"))}
}

// JudgmentRequest POST /judgment/execute
type JudgmentRequest struct {
	WorkflowID string           `json:"workflow_id"`
	InputData  map[string]any   `json:"input_data"`
	Policy     judgment.Policy  `json:"policy,omitempty"`
	Options    judgment.Options `json:"options,omitempty"`
}

// JudgmentResponse 评估结果。traces 仅在 options.explain 时返回。
type JudgmentResponse struct {
	Result             string            `json:"result"`
	Confidence         float64           `json:"confidence"`
	MethodUsed         judgment.Method   `json:"method_used"`
	Explanation        string            `json:"explanation"`
	RecommendedActions []string          `json:"recommended_actions"`
	Degraded           bool              `json:"degraded"`
	Cached             bool              `json:"cached"`
	Policy             judgment.Policy   `json:"policy"`
	Versions           judgment.Versions `json:"versions"`
	Fingerprint        string            `json:"fingerprint"`
	Traces             *judgment.Traces  `json:"traces,omitempty"`
	DurationMs         int64             `json:"duration_ms"`
}

// HandleExecute 评估一次判断请求。子路径失败时返回降级结论，不返回错误。
func (h *JudgmentHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req JudgmentRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	res, meta, err := h.evaluator.EvaluateWithMeta(r.Context(), &judgment.Request{
		WorkflowID: req.WorkflowID,
		Input:      req.InputData,
		Policy:     req.Policy,
		Options:    req.Options,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	resp := JudgmentResponse{
		Result:             res.Status,
		Confidence:         res.Confidence,
		MethodUsed:         res.MethodUsed,
		Explanation:        res.Explanation,
		RecommendedActions: res.RecommendedActions,
		Degraded:           res.Degraded,
		Cached:             meta.Cached,
		Policy:             res.Policy,
		Versions:           res.Versions,
		Fingerprint:        res.Fingerprint,
		DurationMs:         meta.Duration.Milliseconds(),
	}
	if req.Options.Explain {
		traces := res.Traces
		resp.Traces = &traces
	}
	WriteSuccess(w, r, resp)
}

// HandleSimulate 用样本回放候选版本，报告与现行版本的一致率
func (h *JudgmentHandler) HandleSimulate(w http.ResponseWriter, r *http.Request) {
	var req judgment.SimulateRequest
	if err := DecodeJSONBody(r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	report, err := h.evaluator.Simulate(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, report)
}
