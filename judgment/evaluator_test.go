package judgment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/circuitbreaker"
	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/testutil"
	"github.com/BaSui01/judgeflow/judgment/llm"
	"github.com/BaSui01/judgeflow/judgment/rule"
	"github.com/BaSui01/judgeflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const defectRules = `
derive:
  - name: defect_rate
    expr: defect_count / production_count
rules:
  - name: high_defect
    when: defect_rate >= 0.05
    status: HIGH_DEFECT
    confidence: 0.95
    explanation: defect rate above 5%
    actions: [stop_line, notify_qa]
  - name: watch
    when: defect_rate >= 0.02
    status: WATCH
    confidence: 0.4
default:
  status: NORMAL
  confidence: 0.9
`

// 没有 default 且规则无法命中，评估必然失败
const brokenRules = `
rules:
  - name: never
    when: defect_count > 1000000
    status: HIGH_DEFECT
    confidence: 0.9
`

const workflowID = "defect-check"

// ---------------------------------------------------------------------------
// 测试替身
// ---------------------------------------------------------------------------

type countingSandbox struct {
	inner rule.Sandbox
	mu    sync.Mutex
	calls int
}

func (s *countingSandbox) Evaluate(ctx context.Context, script string, input map[string]any) (*rule.Outcome, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.inner.Evaluate(ctx, script, input)
}

func (s *countingSandbox) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeModel struct {
	mu      sync.Mutex
	calls   int
	verdict *llm.Verdict
	err     error
}

func (m *fakeModel) Model() string { return "stub" }

func (m *fakeModel) Judge(_ context.Context, _ string, _ string, _ map[string]any) (*llm.Verdict, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, "", m.err
	}
	return m.verdict, "{}", nil
}

func (m *fakeModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type harness struct {
	eval     *Evaluator
	sandbox  *countingSandbox
	model    *fakeModel
	breakers *circuitbreaker.Registry
	canary   *canary.Controller
}

func newHarness(t *testing.T, ruleBody string, metadata map[string]string, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		sandbox: &countingSandbox{inner: rule.NewExprSandbox(rule.SandboxConfig{}, nil)},
		model: &fakeModel{verdict: &llm.Verdict{
			Status: "NORMAL", Confidence: 0.8, Explanation: "within tolerance", RecommendedActions: []string{"continue"},
		}},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			FailureRateThreshold: 0.5,
			MinRequests:          1,
			Window:               time.Minute,
			CoolDown:             time.Hour,
		}, zap.NewNop()),
		canary: canary.NewController(canary.NewMemoryStore(), zap.NewNop()),
	}
	if ruleBody != "" {
		_, err := h.canary.Deploy(context.Background(), canary.DeployRequest{
			Target:   canary.Target{Kind: canary.KindRule, WorkflowID: workflowID},
			Version:  "1.0.0",
			Body:     ruleBody,
			Metadata: metadata,
		})
		require.NoError(t, err)
	}
	base := []Option{WithModel(h.model), WithBreakers(h.breakers), WithVersions(h.canary)}
	h.eval = NewEvaluator(DefaultConfig(), h.sandbox, zap.NewNop(), append(base, opts...)...)
	return h
}

func lineInput() map[string]any {
	return map[string]any{"line": "L01", "defect_count": 5, "production_count": 100}
}

func watchInput() map[string]any {
	return map[string]any{"line": "L02", "defect_count": 3, "production_count": 100}
}

// ---------------------------------------------------------------------------
// 场景
// ---------------------------------------------------------------------------

func TestEvaluator_HighConfidenceRuleSkipsModel(t *testing.T) {
	h := newHarness(t, defectRules, nil)

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)

	assert.Equal(t, "HIGH_DEFECT", res.Status)
	assert.InDelta(t, 0.95, res.Confidence, 1e-9)
	assert.Equal(t, MethodRuleOnly, res.MethodUsed)
	assert.False(t, res.Degraded)
	assert.Equal(t, PolicyGate, res.Policy)
	assert.Equal(t, []string{"stop_line", "notify_qa"}, res.RecommendedActions)
	assert.Equal(t, "high_defect", res.Traces.Rule.MatchedRule)
	assert.NotEmpty(t, res.Versions.Rule)
	assert.NotEmpty(t, res.Fingerprint)
	assert.Zero(t, h.model.Calls())
}

func TestEvaluator_BreakerOpenDegradesToRule(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	_ = h.breakers.Execute(context.Background(), "llm:stub", func(context.Context) error {
		return errors.New("connection refused")
	})
	require.Equal(t, circuitbreaker.StateOpen, h.breakers.State("llm:stub"))

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: watchInput()})
	require.NoError(t, err)

	assert.Equal(t, "WATCH", res.Status)
	assert.Equal(t, MethodRuleOnly, res.MethodUsed)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Traces.LLMError, "circuit")
	assert.Zero(t, h.model.Calls(), "open breaker must not call the model")
}

func TestEvaluator_LowConfidenceConsultsModel(t *testing.T) {
	h := newHarness(t, defectRules, nil)

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: watchInput()})
	require.NoError(t, err)
	assert.Equal(t, "NORMAL", res.Status)
	assert.Equal(t, MethodHybrid, res.MethodUsed)
	assert.Equal(t, "stub", res.Traces.LLM.Model)
	assert.Equal(t, []string{"continue"}, res.RecommendedActions)
	assert.Equal(t, 1, h.model.Calls())
}

func TestEvaluator_MalformedModelResponseTripsBreaker(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	h.model.err = types.NewError(types.ErrTransientExternal, "malformed model response").WithTarget("llm:stub")

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: watchInput()})
	require.NoError(t, err)
	assert.Equal(t, MethodRuleOnly, res.MethodUsed)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Traces.LLMError, "malformed")
	assert.Equal(t, circuitbreaker.StateOpen, h.breakers.State("llm:stub"))
}

func TestEvaluator_RuleCrashFallsBackToDefault(t *testing.T) {
	h := newHarness(t, brokenRules, nil)

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput(), Policy: PolicyRuleOnly})
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, res.MethodUsed)
	assert.Equal(t, "NEEDS_REVIEW", res.Status)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Traces.RuleError)
}

func TestEvaluator_BothPathsFail(t *testing.T) {
	h := newHarness(t, "", nil)
	h.model.err = types.NewTransientError("llm:stub", errors.New("503"))

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)
	assert.Equal(t, MethodFallback, res.MethodUsed)
	assert.True(t, res.Degraded)
	assert.Contains(t, res.Traces.RuleError, "NOT_FOUND")
}

func TestEvaluator_PolicyFromVersionMetadata(t *testing.T) {
	h := newHarness(t, defectRules, map[string]string{"policy": "HYBRID_WEIGHTED"})

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)
	assert.Equal(t, PolicyHybridWeighted, res.Policy)
	assert.Equal(t, MethodHybrid, res.MethodUsed)
	// 0.95*0.6 > 0.8*0.4
	assert.Equal(t, "HIGH_DEFECT", res.Status)
	assert.InDelta(t, 0.95*0.6+0.8*0.4, res.Confidence, 1e-9)

	// 请求显式策略优先
	res, err = h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput(), Policy: PolicyLLMOnly})
	require.NoError(t, err)
	assert.Equal(t, MethodLLMOnly, res.MethodUsed)
}

func TestEvaluator_ValidationErrors(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	ctx := context.Background()

	for _, req := range []*Request{
		nil,
		{Input: lineInput()},
		{WorkflowID: workflowID},
		{WorkflowID: workflowID, Input: lineInput(), Policy: "MAJORITY"},
		{WorkflowID: workflowID, Input: map[string]any{"bad": make(chan int)}},
	} {
		res, err := h.eval.Evaluate(ctx, req)
		assert.Nil(t, res)
		assert.True(t, types.IsErrorCode(err, types.ErrValidation), "%v", err)
	}
	assert.Zero(t, h.sandbox.Calls())
}

// ---------------------------------------------------------------------------
// 缓存
// ---------------------------------------------------------------------------

func newRedisCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr, m := testutil.NewRedisManager(t)
	return mr, NewRedisCache(m)
}

func TestEvaluator_CacheHitIsBitIdentical(t *testing.T) {
	_, rc := newRedisCache(t)
	h := newHarness(t, defectRules, map[string]string{"policy": "HYBRID_WEIGHTED"}, WithCache(rc))
	ctx := context.Background()
	req := &Request{WorkflowID: workflowID, Input: lineInput()}

	first, meta, err := h.eval.EvaluateWithMeta(ctx, req)
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	ruleCalls, modelCalls := h.sandbox.Calls(), h.model.Calls()
	require.Equal(t, 1, ruleCalls)
	require.Equal(t, 1, modelCalls)

	second, meta, err := h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.Equal(t, first, second)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))

	assert.Equal(t, ruleCalls, h.sandbox.Calls(), "cache hit must not run the rule")
	assert.Equal(t, modelCalls, h.model.Calls(), "cache hit must not call the model")

	// skip_cache 强制重新评估
	_, meta, err = h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: lineInput(), Options: Options{SkipCache: true}})
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.Equal(t, ruleCalls+1, h.sandbox.Calls())
}

func TestEvaluator_DegradedResultsAreNotCached(t *testing.T) {
	mc := NewMemoryCache(16)
	h := newHarness(t, defectRules, nil, WithCache(mc))
	h.model.err = types.NewTransientError("llm:stub", errors.New("timeout"))

	res, err := h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: watchInput()})
	require.NoError(t, err)
	require.True(t, res.Degraded)
	assert.Zero(t, mc.Len())
}

func TestEvaluator_LowConfidenceResultsAreCachedByDefault(t *testing.T) {
	mc := NewMemoryCache(16)
	h := newHarness(t, defectRules, nil, WithCache(mc))
	ctx := context.Background()

	first, meta, err := h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: watchInput(), Policy: PolicyRuleOnly})
	require.NoError(t, err)
	require.False(t, first.Degraded)
	assert.Equal(t, "WATCH", first.Status)
	assert.InDelta(t, 0.4, first.Confidence, 1e-9)
	assert.False(t, meta.Cached)

	second, meta, err := h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: watchInput(), Policy: PolicyRuleOnly})
	require.NoError(t, err)
	assert.True(t, meta.Cached)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.sandbox.Calls())
	assert.Zero(t, h.model.Calls())
}

func TestEvaluator_CacheMinConfidenceIsOptIn(t *testing.T) {
	mc := NewMemoryCache(16)
	h := newHarness(t, defectRules, nil, WithCache(mc))
	cfg := DefaultConfig()
	cfg.CacheMinConfidence = 0.7
	h.eval = NewEvaluator(cfg, h.sandbox, zap.NewNop(), WithVersions(h.canary), WithCache(mc))

	for i := 0; i < 2; i++ {
		_, meta, err := h.eval.EvaluateWithMeta(context.Background(), &Request{WorkflowID: workflowID, Input: watchInput(), Policy: PolicyRuleOnly})
		require.NoError(t, err)
		assert.False(t, meta.Cached)
	}
	assert.Equal(t, 2, h.sandbox.Calls())
	assert.Zero(t, mc.Len())
}

// gatedSandbox 在 release 关闭前阻塞，遵守 ctx 取消
type gatedSandbox struct {
	inner   rule.Sandbox
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedSandbox) Evaluate(ctx context.Context, script string, input map[string]any) (*rule.Outcome, error) {
	s.once.Do(func() { close(s.entered) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.inner.Evaluate(ctx, script, input)
}

func TestEvaluator_CoalescedCallersSurviveFirstCallerCancel(t *testing.T) {
	h := newHarness(t, defectRules, nil, WithCache(NewMemoryCache(16)))
	gate := &gatedSandbox{inner: h.sandbox.inner, entered: make(chan struct{}), release: make(chan struct{})}
	h.sandbox.inner = gate

	type outcome struct {
		res  *Result
		meta Meta
		err  error
	}
	run := func(ctx context.Context, out chan<- outcome) {
		res, meta, err := h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: lineInput(), Policy: PolicyRuleOnly})
		out <- outcome{res, meta, err}
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	first := make(chan outcome, 1)
	go run(ctx1, first)
	_, ok := testutil.WaitForChannel[struct{}](gate.entered, 2*time.Second)
	require.True(t, ok)

	second := make(chan outcome, 1)
	go run(context.Background(), second)
	time.Sleep(50 * time.Millisecond)

	cancel1()
	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	for _, ch := range []chan outcome{first, second} {
		select {
		case o := <-ch:
			require.NoError(t, o.err)
			assert.False(t, o.res.Degraded)
			assert.Equal(t, MethodRuleOnly, o.res.MethodUsed)
			assert.Equal(t, "HIGH_DEFECT", o.res.Status)
			assert.Empty(t, o.res.Traces.RuleError)
		case <-time.After(3 * time.Second):
			t.Fatal("evaluation did not return")
		}
	}
	assert.Equal(t, 1, h.sandbox.Calls())
}

func TestEvaluator_CancelledCallerNotCountedAsCanaryFailure(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	ctx := context.Background()
	d, err := h.canary.Deploy(ctx, canary.DeployRequest{
		Target:                canary.Target{Kind: canary.KindRule, WorkflowID: workflowID},
		Version:               "2.0.0",
		Body:                  defectRules + "\n# v2\n",
		InitialTrafficPercent: 50,
	})
	require.NoError(t, err)
	// 不放行的闸门：评估只能以 ctx 取消结束
	h.sandbox.inner = &gatedSandbox{inner: h.sandbox.inner, entered: make(chan struct{}), release: make(chan struct{})}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for i := 0; i < 10; i++ {
		input := map[string]any{"defect_count": i, "production_count": 1000}
		res, err := h.eval.Evaluate(cancelled, &Request{WorkflowID: workflowID, Input: input, Policy: PolicyRuleOnly})
		require.NoError(t, err)
		assert.True(t, res.Degraded)
	}

	got, err := h.canary.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Candidate.Samples)
	assert.Zero(t, got.Incumbent.Samples)
}

func TestEvaluator_CacheUnavailableIsBypassed(t *testing.T) {
	mr, rc := newRedisCache(t)
	h := newHarness(t, defectRules, nil, WithCache(rc))
	mr.SetError("LOADING redis is loading")

	for i := 0; i < 2; i++ {
		res, meta, err := h.eval.EvaluateWithMeta(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput()})
		require.NoError(t, err)
		assert.Equal(t, "HIGH_DEFECT", res.Status)
		assert.False(t, meta.Cached)
	}
	assert.Equal(t, 2, h.sandbox.Calls())
}

func TestEvaluator_VersionChangeChangesFingerprint(t *testing.T) {
	mc := NewMemoryCache(16)
	h := newHarness(t, defectRules, nil, WithCache(mc))
	ctx := context.Background()

	first, err := h.eval.Evaluate(ctx, &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)

	d, err := h.canary.Deploy(ctx, canary.DeployRequest{
		Target:                canary.Target{Kind: canary.KindRule, WorkflowID: workflowID},
		Version:               "2.0.0",
		Body:                  defectRules + "\n# v2\n",
		InitialTrafficPercent: 50,
	})
	require.NoError(t, err)
	_, err = h.canary.Promote(ctx, d.ID, "test")
	require.NoError(t, err)

	second, meta, err := h.eval.EvaluateWithMeta(ctx, &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)
	assert.False(t, meta.Cached)
	assert.NotEqual(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, d.ToVersion, second.Versions.Rule)
}

// ---------------------------------------------------------------------------
// 灰度与事件
// ---------------------------------------------------------------------------

func TestEvaluator_RecordsCanaryOutcomes(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	ctx := context.Background()
	d, err := h.canary.Deploy(ctx, canary.DeployRequest{
		Target:                canary.Target{Kind: canary.KindRule, WorkflowID: workflowID},
		Version:               "2.0.0",
		Body:                  brokenRules,
		InitialTrafficPercent: 99,
	})
	require.NoError(t, err)

	for i := 0; i < 30; i++ {
		input := map[string]any{"defect_count": i, "production_count": 1000}
		_, err := h.eval.Evaluate(ctx, &Request{WorkflowID: workflowID, Input: input, Policy: PolicyRuleOnly})
		require.NoError(t, err)
	}

	got, err := h.canary.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, got.Candidate.Samples+got.Incumbent.Samples)
	assert.Equal(t, got.Candidate.Samples, got.Candidate.Errors, "every candidate evaluation fails")
	assert.Zero(t, got.Incumbent.Errors)
	assert.Greater(t, got.Candidate.Samples, 0)
}

func TestEvaluator_PublishesJudgmentExecuted(t *testing.T) {
	bus := eventbus.NewMemoryBus(zap.NewNop())
	defer bus.Close()
	events := make(chan eventbus.Event, 4)
	_, err := bus.Subscribe(eventbus.TopicJudgmentExecuted, func(_ context.Context, ev eventbus.Event) {
		events <- ev
	})
	require.NoError(t, err)

	h := newHarness(t, defectRules, nil, WithBus(bus))
	_, err = h.eval.Evaluate(context.Background(), &Request{WorkflowID: workflowID, Input: lineInput()})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, workflowID, ev.Data["workflow_id"])
		assert.Equal(t, "RULE_ONLY", ev.Data["method_used"])
		assert.Equal(t, "HIGH_DEFECT", ev.Data["status"])
	case <-time.After(time.Second):
		t.Fatal("judgment.executed not published")
	}
}

// ---------------------------------------------------------------------------
// 模拟回放
// ---------------------------------------------------------------------------

func TestEvaluator_Simulate(t *testing.T) {
	h := newHarness(t, defectRules, nil)
	ctx := context.Background()
	target := canary.Target{Kind: canary.KindRule, WorkflowID: workflowID}

	stricter := `
derive:
  - name: defect_rate
    expr: defect_count / production_count
rules:
  - name: high_defect
    when: defect_rate >= 0.03
    status: HIGH_DEFECT
    confidence: 0.95
default:
  status: NORMAL
  confidence: 0.9
`
	v2, err := h.canary.Register(ctx, target, "1.1.0", stricter, nil)
	require.NoError(t, err)

	report, err := h.eval.Simulate(ctx, SimulateRequest{
		WorkflowID: workflowID,
		Kind:       canary.KindRule,
		Version:    "1.1.0",
		Policy:     PolicyRuleOnly,
		Samples: []map[string]any{
			{"defect_count": 6, "production_count": 100},
			{"defect_count": 4, "production_count": 100},
			{"defect_count": 1, "production_count": 100},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, v2.ID, report.CandidateVersion)
	assert.NotEmpty(t, report.IncumbentVersion)
	assert.Equal(t, 3, report.Samples)
	assert.Equal(t, 2, report.Agreements)
	assert.InDelta(t, 2.0/3.0, report.AgreementRate, 1e-9)
	require.Len(t, report.Diffs, 1)
	assert.Equal(t, 1, report.Diffs[0].Index)
	assert.Equal(t, "WATCH", report.Diffs[0].IncumbentStatus)
	assert.Equal(t, "HIGH_DEFECT", report.Diffs[0].CandidateStatus)
	assert.Zero(t, h.model.Calls())

	// 模拟不影响路由
	p, _ := h.canary.Pointer(target)
	assert.Empty(t, p.Candidate)

	_, err = h.eval.Simulate(ctx, SimulateRequest{WorkflowID: workflowID, Kind: canary.KindRule, Version: "9.9.9", Samples: []map[string]any{{}}})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = h.eval.Simulate(ctx, SimulateRequest{WorkflowID: workflowID, Kind: canary.KindRule, Version: "1.1.0"})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

// ---------------------------------------------------------------------------
// 指纹与内存缓存
// ---------------------------------------------------------------------------

func TestFingerprint_Canonical(t *testing.T) {
	a := map[string]any{"line": "L01", "defect_count": 5, "nested": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"nested": map[string]any{"a": 2, "b": 1}, "defect_count": 5.0, "line": "L01"}

	fa, err := Fingerprint(workflowID, a, "r1", "p1", "")
	require.NoError(t, err)
	fb, err := Fingerprint(workflowID, b, "r1", "p1", "")
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	fc, _ := Fingerprint(workflowID, a, "r2", "p1", "")
	fd, _ := Fingerprint(workflowID, a, "r1", "p1", PolicyRuleOnly)
	assert.NotEqual(t, fa, fc)
	assert.NotEqual(t, fa, fd)
}

func TestMemoryCache_TTLAndEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryCache(2)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprint(i), &Result{Status: fmt.Sprint(i)}, time.Minute))
	}
	assert.Equal(t, 2, c.Len())
	_, ok, _ := c.Get(ctx, "0")
	assert.False(t, ok, "oldest entry evicted")

	res, ok, err := c.Get(ctx, "2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", res.Status)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "2")
	assert.False(t, ok, "expired entry")
}
