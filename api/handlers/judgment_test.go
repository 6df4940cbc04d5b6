package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/judgment"
	"github.com/BaSui01/judgeflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEvaluator struct {
	last   *judgment.Request
	cached bool
}

func (f *fakeEvaluator) EvaluateWithMeta(_ context.Context, req *judgment.Request) (*judgment.Result, judgment.Meta, error) {
	if err := req.Validate(); err != nil {
		return nil, judgment.Meta{}, err
	}
	f.last = req
	return &judgment.Result{
		Status:             "REJECT",
		Confidence:         0.92,
		MethodUsed:         judgment.MethodRuleOnly,
		Explanation:        "defect rate above 3%",
		RecommendedActions: []string{"hold_lot"},
		Traces: judgment.Traces{
			Rule: &judgment.SubResult{Status: "REJECT", Confidence: 0.92, MatchedRule: "defect_rate_high"},
		},
		Policy:      judgment.PolicyGate,
		Fingerprint: "fp-1",
	}, judgment.Meta{Cached: f.cached, Duration: 3 * time.Millisecond}, nil
}

func (f *fakeEvaluator) Simulate(_ context.Context, req judgment.SimulateRequest) (*judgment.SimulationReport, error) {
	if req.Kind != canary.KindRule {
		return nil, types.NewValidationError("target must be rule or prompt, got %q", req.Kind)
	}
	return &judgment.SimulationReport{Target: "rule:" + req.WorkflowID, Samples: len(req.Samples), Agreements: len(req.Samples), AgreementRate: 1}, nil
}

func judgmentMux(h *JudgmentHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /judgment/execute", h.HandleExecute)
	mux.HandleFunc("POST /learning/simulate", h.HandleSimulate)
	return mux
}

func TestJudgmentHandler_Execute(t *testing.T) {
	ev := &fakeEvaluator{cached: true}
	mux := judgmentMux(NewJudgmentHandler(ev, zap.NewNop()))

	w := do(mux, jsonRequest(http.MethodPost, "/judgment/execute",
		`{"workflow_id":"defect-check","input_data":{"defect_rate":0.05},"policy":"GATE"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var resp JudgmentResponse
	decodeResponse(t, w, &resp)
	assert.Equal(t, "REJECT", resp.Result)
	assert.InDelta(t, 0.92, resp.Confidence, 1e-9)
	assert.Equal(t, judgment.MethodRuleOnly, resp.MethodUsed)
	assert.Equal(t, []string{"hold_lot"}, resp.RecommendedActions)
	assert.True(t, resp.Cached)
	assert.Equal(t, int64(3), resp.DurationMs)
	assert.Nil(t, resp.Traces, "traces only with explain")
	assert.Equal(t, judgment.PolicyGate, ev.last.Policy)
}

func TestJudgmentHandler_ExecuteExplain(t *testing.T) {
	mux := judgmentMux(NewJudgmentHandler(&fakeEvaluator{}, zap.NewNop()))

	w := do(mux, jsonRequest(http.MethodPost, "/judgment/execute",
		`{"workflow_id":"defect-check","input_data":{"defect_rate":0.05},"options":{"explain":true}}`))
	require.Equal(t, http.StatusOK, w.Code)
	var resp JudgmentResponse
	decodeResponse(t, w, &resp)
	require.NotNil(t, resp.Traces)
	require.NotNil(t, resp.Traces.Rule)
	assert.Equal(t, "defect_rate_high", resp.Traces.Rule.MatchedRule)
}

func TestJudgmentHandler_ExecuteValidation(t *testing.T) {
	mux := judgmentMux(NewJudgmentHandler(&fakeEvaluator{}, zap.NewNop()))

	for _, body := range []string{
		`{"input_data":{}}`,
		`{"workflow_id":"defect-check"}`,
		`{"workflow_id":"defect-check","input_data":{},"policy":"MAJORITY"}`,
	} {
		w := do(mux, jsonRequest(http.MethodPost, "/judgment/execute", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestJudgmentHandler_Simulate(t *testing.T) {
	mux := judgmentMux(NewJudgmentHandler(&fakeEvaluator{}, zap.NewNop()))

	w := do(mux, jsonRequest(http.MethodPost, "/learning/simulate",
		`{"workflow_id":"defect-check","target":"rule","version":"1.1.0","samples":[{"defect_rate":0.01},{"defect_rate":0.09}]}`))
	require.Equal(t, http.StatusOK, w.Code)
	var report judgment.SimulationReport
	decodeResponse(t, w, &report)
	assert.Equal(t, 2, report.Samples)
	assert.Equal(t, "rule:defect-check", report.Target)

	w = do(mux, jsonRequest(http.MethodPost, "/learning/simulate",
		`{"workflow_id":"defect-check","target":"model","version":"1.1.0","samples":[{}]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
