package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// 使用真实控制器 + 内存存储，覆盖完整的部署状态机
func newLearningMux(t *testing.T) (*http.ServeMux, *canary.Controller) {
	t.Helper()
	ctrl := canary.NewController(canary.NewMemoryStore(), zap.NewNop())
	h := NewLearningHandler(ctrl, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /learning/deploy", h.HandleDeploy)
	mux.HandleFunc("POST /learning/rollback", h.HandleRollback)
	mux.HandleFunc("POST /learning/promote", h.HandlePromote)
	mux.HandleFunc("POST /learning/traffic", h.HandleTraffic)
	mux.HandleFunc("POST /learning/feedback", h.HandleFeedback)
	mux.HandleFunc("GET /learning/deployments", h.HandleListDeployments)
	mux.HandleFunc("GET /learning/deployments/{id}", h.HandleGetDeployment)
	return mux, ctrl
}

func deploy(t *testing.T, mux http.Handler, body string) *canary.Deployment {
	t.Helper()
	w := do(mux, jsonRequest(http.MethodPost, "/learning/deploy", body))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d canary.Deployment
	decodeResponse(t, w, &d)
	return &d
}

const (
	bootstrapBody = `{"target":"rule","workflow_id":"defect-check","version":"1.0.0","body":"rules:\n  - name: high\n    when: defect_rate > 0.03\n    status: REJECT\n    confidence: 0.9\n"}`
	candidateBody = `{"target":"rule","workflow_id":"defect-check","version":"1.1.0","body":"rules:\n  - name: high\n    when: defect_rate > 0.02\n    status: REJECT\n    confidence: 0.9\n","initial_traffic_percent":10}`
)

func TestLearningHandler_DeployPromote(t *testing.T) {
	mux, ctrl := newLearningMux(t)

	first := deploy(t, mux, bootstrapBody)
	assert.Equal(t, canary.StatusPromoted, first.Status)

	d := deploy(t, mux, candidateBody)
	assert.Equal(t, canary.StatusRunning, d.Status)
	assert.Equal(t, 10, d.TrafficPercent)

	// 同一目标不能并行两个灰度
	w := do(mux, jsonRequest(http.MethodPost, "/learning/deploy",
		`{"target":"rule","workflow_id":"defect-check","version":"1.2.0","body":"rules: []"}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(mux, jsonRequest(http.MethodPost, "/learning/traffic", `{"deployment_id":"`+d.ID+`","traffic_percent":50}`))
	require.Equal(t, http.StatusOK, w.Code)

	// 流量只增不减
	w = do(mux, jsonRequest(http.MethodPost, "/learning/traffic", `{"deployment_id":"`+d.ID+`","traffic_percent":20}`))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(mux, jsonRequest(http.MethodPost, "/learning/promote", `{"deployment_id":"`+d.ID+`"}`))
	require.Equal(t, http.StatusOK, w.Code)
	var promoted canary.Deployment
	decodeResponse(t, w, &promoted)
	assert.Equal(t, canary.StatusPromoted, promoted.Status)

	ptr, ok := ctrl.Pointer(canary.Target{Kind: canary.KindRule, WorkflowID: "defect-check"})
	require.True(t, ok)
	assert.Equal(t, d.ToVersion, ptr.Current)
	assert.Empty(t, ptr.Candidate)

	w = do(mux, jsonRequest(http.MethodPost, "/learning/rollback", `{"deployment_id":"`+d.ID+`"}`))
	assert.Equal(t, http.StatusConflict, w.Code, "terminal deployment")
}

func TestLearningHandler_RollbackAndAudit(t *testing.T) {
	mux, _ := newLearningMux(t)
	deploy(t, mux, bootstrapBody)
	d := deploy(t, mux, candidateBody)

	r := jsonRequest(http.MethodPost, "/learning/feedback", `{"deployment_id":"`+d.ID+`","candidate":true,"negative":true}`)
	w := do(mux, r)
	assert.Equal(t, http.StatusAccepted, w.Code)

	r = jsonRequest(http.MethodPost, "/learning/rollback", `{"deployment_id":"`+d.ID+`","reason":"false rejects on line 3"}`)
	r = r.WithContext(types.WithUserID(r.Context(), "process-engineer"))
	w = do(mux, r)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(mux, httptest.NewRequest(http.MethodGet, "/learning/deployments/"+d.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp DeploymentResponse
	decodeResponse(t, w, &resp)
	assert.Equal(t, canary.StatusRolledBack, resp.Status)
	assert.Equal(t, "false rejects on line 3", resp.Reason)
	assert.Equal(t, 1, resp.Candidate.NegativeFeedback)
	require.NotEmpty(t, resp.Audit)
	last := resp.Audit[len(resp.Audit)-1]
	assert.Equal(t, "process-engineer", last.Actor)

	w = do(mux, httptest.NewRequest(http.MethodGet, "/learning/deployments?status=ROLLED_BACK", nil))
	var list []*canary.Deployment
	decodeResponse(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, d.ID, list[0].ID)
}

func TestLearningHandler_Validation(t *testing.T) {
	mux, _ := newLearningMux(t)

	for _, tc := range []struct {
		path, body string
		want       int
	}{
		{"/learning/deploy", `{"target":"model","workflow_id":"x","version":"1"}`, http.StatusBadRequest},
		{"/learning/deploy", `{"target":"rule","version":"1"}`, http.StatusBadRequest},
		{"/learning/deploy", `{"target":"rule","workflow_id":"x"}`, http.StatusBadRequest},
		{"/learning/deploy", `{"target":"rule","workflow_id":"x","version":"1","initial_traffic_percent":120}`, http.StatusBadRequest},
		{"/learning/deploy", `{"target":"rule","workflow_id":"x","version":"9.9.9"}`, http.StatusNotFound},
		{"/learning/rollback", `{}`, http.StatusBadRequest},
		{"/learning/promote", `{"deployment_id":"missing"}`, http.StatusNotFound},
		{"/learning/feedback", `{"deployment_id":""}`, http.StatusBadRequest},
	} {
		w := do(mux, jsonRequest(http.MethodPost, tc.path, tc.body))
		assert.Equal(t, tc.want, w.Code, tc.path+" "+tc.body)
	}

	w := do(mux, httptest.NewRequest(http.MethodGet, "/learning/deployments/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLearningHandler_ListEmpty(t *testing.T) {
	mux, _ := newLearningMux(t)
	w := do(mux, httptest.NewRequest(http.MethodGet, "/learning/deployments", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list []*canary.Deployment
	decodeResponse(t, w, &list)
	assert.Empty(t, list)
}
