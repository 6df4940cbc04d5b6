package judgment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/circuitbreaker"
	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/internal/metrics"
	"github.com/BaSui01/judgeflow/judgment/llm"
	"github.com/BaSui01/judgeflow/judgment/rule"
	"github.com/BaSui01/judgeflow/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/BaSui01/judgeflow/judgment"

// =============================================================================
// 协作者接口
// =============================================================================

// ModelJudge 模型判断路径，由 llm.Adapter 实现
type ModelJudge interface {
	Model() string
	Judge(ctx context.Context, templateBody, workflowID string, input map[string]any) (*llm.Verdict, string, error)
}

// VersionSource 版本解析与灰度观测，由 canary.Controller 实现
type VersionSource interface {
	Resolve(target canary.Target, routingKey string) (canary.Resolution, bool)
	RecordOutcome(res canary.Resolution, failed bool)
	Pointer(target canary.Target) (canary.Pointer, bool)
	Version(id string) (*canary.Version, bool)
	VersionBySemVer(target canary.Target, semver string) (*canary.Version, bool)
}

// =============================================================================
// 配置
// =============================================================================

// Config 评估器配置
type Config struct {
	// Timeout 单次评估的总墙钟预算
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// CacheTTL 结果缓存时间
	CacheTTL time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// CacheMinConfidence 低于该置信度的结果不缓存；默认 0，所有非降级结果都缓存
	CacheMinConfidence float64 `yaml:"cache_min_confidence" json:"cache_min_confidence"`
	// DefaultPolicy 请求与版本元数据都未指定策略时使用
	DefaultPolicy Policy           `yaml:"default_policy" json:"default_policy"`
	Aggregator    AggregatorConfig `yaml:"aggregator" json:"aggregator"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:            3 * time.Second,
		CacheTTL:           10 * time.Minute,
		CacheMinConfidence: 0,
		DefaultPolicy:      PolicyGate,
		Aggregator:         DefaultAggregatorConfig(),
	}
}

// Meta 评估的附加信息，不属于结果本身
type Meta struct {
	Cached   bool
	Shared   bool
	Duration time.Duration
}

// Option 评估器选项
type Option func(*Evaluator)

// WithModel 启用模型路径
func WithModel(m ModelJudge) Option { return func(e *Evaluator) { e.model = m } }

// WithBreakers 模型调用经过熔断器
func WithBreakers(r *circuitbreaker.Registry) Option { return func(e *Evaluator) { e.breakers = r } }

// WithVersions 版本来源
func WithVersions(v VersionSource) Option { return func(e *Evaluator) { e.versions = v } }

// WithCache 结果缓存
func WithCache(c Cache) Option { return func(e *Evaluator) { e.cache = c } }

// WithBus 发布 judgment.executed
func WithBus(b eventbus.Bus) Option { return func(e *Evaluator) { e.bus = b } }

// WithMetrics 指标收集器
func WithMetrics(m *metrics.Collector) Option { return func(e *Evaluator) { e.metrics = m } }

// WithTracer 自定义 tracer
func WithTracer(t trace.Tracer) Option { return func(e *Evaluator) { e.tracer = t } }

// =============================================================================
// Evaluator
// =============================================================================

// Evaluator 混合判断评估器
type Evaluator struct {
	cfg      Config
	sandbox  rule.Sandbox
	model    ModelJudge
	breakers *circuitbreaker.Registry
	versions VersionSource
	cache    Cache
	bus      eventbus.Bus
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger

	flight singleflight.Group
}

// NewEvaluator 创建评估器
func NewEvaluator(cfg Config, sandbox rule.Sandbox, logger *zap.Logger, opts ...Option) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = d.CacheTTL
	}
	if !cfg.DefaultPolicy.Valid() {
		cfg.DefaultPolicy = d.DefaultPolicy
	}
	if cfg.Aggregator.Default.Status == "" {
		cfg.Aggregator.Default = d.Aggregator.Default
	}
	e := &Evaluator{
		cfg:     cfg,
		sandbox: sandbox,
		logger:  logger.With(zap.String("component", "judgment")),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e
}

// selection 一次评估使用的规则与提示词版本
type selection struct {
	rule   canary.Resolution
	prompt canary.Resolution
}

func (s selection) ruleVersionID() string {
	if s.rule.Version == nil {
		return ""
	}
	return s.rule.Version.ID
}

func (s selection) promptVersionID() string {
	if s.prompt.Version == nil {
		return ""
	}
	return s.prompt.Version.ID
}

// Evaluate 评估一次判断请求。除请求校验失败外总是返回结果。
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Result, error) {
	res, _, err := e.EvaluateWithMeta(ctx, req)
	return res, err
}

// EvaluateWithMeta 同 Evaluate，额外返回是否命中缓存与耗时
func (e *Evaluator) EvaluateWithMeta(ctx context.Context, req *Request) (*Result, Meta, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, Meta{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "judgment.Evaluate",
		trace.WithAttributes(attribute.String("judgment.workflow_id", req.WorkflowID)))
	defer span.End()

	key, err := RoutingKey(req.WorkflowID, req.Input)
	if err != nil {
		return nil, Meta{}, types.NewValidationError("input_data is not serializable: %v", err)
	}
	sel := e.resolve(req.WorkflowID, key)
	fp, err := Fingerprint(req.WorkflowID, req.Input, sel.ruleVersionID(), sel.promptVersionID(), req.Policy)
	if err != nil {
		return nil, Meta{}, types.NewValidationError("input_data is not serializable: %v", err)
	}

	useCache := e.cache != nil && !req.Options.SkipCache
	if useCache {
		if res, ok := e.lookup(ctx, fp); ok {
			meta := Meta{Cached: true, Duration: time.Since(start)}
			e.observe(span, res, meta)
			return res, meta, nil
		}
	}

	var (
		res    *Result
		shared bool
	)
	if useCache {
		v, _, sh := e.flight.Do(fp, func() (any, error) {
			// 合并的调用方共享同一结果，不随首个调用方取消
			fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
			defer fcancel()
			return e.evaluateLive(fctx, req, sel, fp, true), nil
		})
		res, shared = v.(*Result), sh
	} else {
		res = e.evaluateLive(ctx, req, sel, fp, false)
	}

	meta := Meta{Shared: shared, Duration: time.Since(start)}
	e.observe(span, res, meta)
	return res, meta, nil
}

func (e *Evaluator) lookup(ctx context.Context, fp string) (*Result, bool) {
	res, ok, err := e.cache.Get(ctx, fp)
	if err != nil {
		e.logger.Warn("judgment cache bypassed", zap.String("fingerprint", fp), zap.Error(err))
		e.metrics.RecordCacheMiss("judgment")
		return nil, false
	}
	if !ok {
		e.metrics.RecordCacheMiss("judgment")
		return nil, false
	}
	e.metrics.RecordCacheHit("judgment")
	return res, true
}

// evaluateLive 真实流量评估：计入灰度观测、写缓存、发布事件
func (e *Evaluator) evaluateLive(ctx context.Context, req *Request, sel selection, fp string, store bool) *Result {
	res := e.compute(ctx, req, sel, fp, true)

	if store && !res.Degraded && res.Confidence >= e.cfg.CacheMinConfidence {
		if err := e.cache.Set(ctx, fp, res, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("judgment cache write skipped", zap.String("fingerprint", fp), zap.Error(err))
		}
	}

	if err := eventbus.Publish(ctx, e.bus, eventbus.TopicJudgmentExecuted, "judgment", map[string]any{
		"workflow_id":    req.WorkflowID,
		"fingerprint":    fp,
		"status":         res.Status,
		"confidence":     res.Confidence,
		"method_used":    string(res.MethodUsed),
		"degraded":       res.Degraded,
		"policy":         string(res.Policy),
		"rule_version":   res.Versions.Rule,
		"prompt_version": res.Versions.Prompt,
	}); err != nil {
		e.logger.Warn("failed to publish judgment event", zap.Error(err))
	}
	return res
}

// compute 执行规则与模型路径并聚合。live 为 false 时不影响灰度统计（模拟回放）。
func (e *Evaluator) compute(ctx context.Context, req *Request, sel selection, fp string, live bool) *Result {
	policy := e.policyFor(req.Policy, sel)

	ruleSub, ruleErr := e.runRule(ctx, req, sel)
	// 调用方取消不代表版本失败，不计入灰度统计
	if live && sel.rule.Version != nil && !errors.Is(ruleErr, context.Canceled) {
		e.record(sel.rule, ruleErr != nil)
	}

	var (
		llmSub *SubResult
		llmErr error
	)
	wantLLM := NeedsLLM(policy, ruleSub, e.cfg.Aggregator.GateThreshold) ||
		(req.Options.ForceLLM && policy != PolicyRuleOnly)
	if wantLLM {
		llmSub, llmErr = e.runModel(ctx, req, sel)
		// 熔断打开时候选版本并未参与，不计入灰度统计
		if live && sel.prompt.Version != nil && !circuitbreaker.IsOpen(llmErr) && !errors.Is(llmErr, context.Canceled) {
			e.record(sel.prompt, llmErr != nil)
		}
	}

	res := Combine(ruleSub, llmSub, policy, e.cfg.Aggregator)
	res.Traces = Traces{Rule: ruleSub, LLM: llmSub, RuleError: errString(ruleErr), LLMError: errString(llmErr)}
	res.Versions = Versions{
		Rule:             sel.ruleVersionID(),
		Prompt:           sel.promptVersionID(),
		RuleDeployment:   sel.rule.DeploymentID,
		PromptDeployment: sel.prompt.DeploymentID,
		RuleCandidate:    sel.rule.Candidate,
		PromptCandidate:  sel.prompt.Candidate,
	}
	res.Fingerprint = fp

	if res.Degraded {
		e.logger.Warn("judgment degraded",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("method_used", string(res.MethodUsed)),
			zap.String("rule_error", res.Traces.RuleError),
			zap.String("llm_error", res.Traces.LLMError))
	}
	return res
}

func (e *Evaluator) record(res canary.Resolution, failed bool) {
	if e.versions != nil {
		e.versions.RecordOutcome(res, failed)
	}
}

func (e *Evaluator) runRule(ctx context.Context, req *Request, sel selection) (*SubResult, error) {
	if sel.rule.Version == nil {
		return nil, types.NewNotFoundError("rule version", string(canary.KindRule)+":"+req.WorkflowID)
	}
	if e.sandbox == nil {
		return nil, types.NewInternalError("no rule sandbox configured", nil)
	}
	out, err := e.sandbox.Evaluate(ctx, sel.rule.Version.Body, req.Input)
	if err != nil {
		return nil, err
	}
	return &SubResult{
		Status:      out.Status,
		Confidence:  out.Confidence,
		Explanation: out.Explanation,
		Actions:     out.Actions,
		MatchedRule: out.MatchedRule,
	}, nil
}

func (e *Evaluator) runModel(ctx context.Context, req *Request, sel selection) (*SubResult, error) {
	if e.model == nil {
		return nil, types.NewError(types.ErrTransientExternal, "no model client configured")
	}
	var template string
	if sel.prompt.Version != nil {
		template = sel.prompt.Version.Body
	}

	model := e.model.Model()
	call := func(ctx context.Context) (*llm.Verdict, error) {
		v, _, err := e.model.Judge(ctx, template, req.WorkflowID, req.Input)
		return v, err
	}

	start := time.Now()
	var (
		v   *llm.Verdict
		err error
	)
	if e.breakers != nil {
		v, err = circuitbreaker.ExecuteTyped(ctx, e.breakers, "llm:"+model, call)
	} else {
		v, err = call(ctx)
	}

	status := "ok"
	switch {
	case circuitbreaker.IsOpen(err):
		status = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	e.metrics.RecordLLMRequest(model, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	return &SubResult{
		Status:      v.Status,
		Confidence:  v.Confidence,
		Explanation: v.Explanation,
		Actions:     v.RecommendedActions,
		Model:       model,
	}, nil
}

// policyFor 请求显式策略优先，其次是规则版本元数据，最后是默认策略
func (e *Evaluator) policyFor(requested Policy, sel selection) Policy {
	if requested != "" {
		return requested
	}
	if p := Policy(sel.rule.Version.Policy()); p.Valid() {
		return p
	}
	return e.cfg.DefaultPolicy
}

func (e *Evaluator) resolve(workflowID, routingKey string) selection {
	if e.versions == nil {
		return selection{}
	}
	var sel selection
	sel.rule, _ = e.versions.Resolve(canary.Target{Kind: canary.KindRule, WorkflowID: workflowID}, routingKey)
	sel.prompt, _ = e.versions.Resolve(canary.Target{Kind: canary.KindPrompt, WorkflowID: workflowID}, routingKey)
	return sel
}

func (e *Evaluator) observe(span trace.Span, res *Result, meta Meta) {
	span.SetAttributes(
		attribute.String("judgment.method_used", string(res.MethodUsed)),
		attribute.String("judgment.status", res.Status),
		attribute.Float64("judgment.confidence", res.Confidence),
		attribute.Bool("judgment.degraded", res.Degraded),
		attribute.Bool("judgment.cached", meta.Cached),
	)
	e.metrics.RecordJudgment(string(res.MethodUsed), res.Degraded, meta.Cached, meta.Duration)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// 模拟回放
// =============================================================================

// SimulateRequest 用样本回放候选版本，不分流真实流量
type SimulateRequest struct {
	WorkflowID string           `json:"workflow_id"`
	Kind       canary.Kind      `json:"target"`
	Version    string           `json:"version"`
	Samples    []map[string]any `json:"samples"`
	Policy     Policy           `json:"policy,omitempty"`
}

// SimulationDiff 候选与现行结论不一致的样本
type SimulationDiff struct {
	Index               int     `json:"index"`
	IncumbentStatus     string  `json:"incumbent_status"`
	CandidateStatus     string  `json:"candidate_status"`
	IncumbentConfidence float64 `json:"incumbent_confidence"`
	CandidateConfidence float64 `json:"candidate_confidence"`
}

// SimulationReport 回放报告
type SimulationReport struct {
	Target           string           `json:"target"`
	IncumbentVersion string           `json:"incumbent_version"`
	CandidateVersion string           `json:"candidate_version"`
	Samples          int              `json:"samples"`
	Agreements       int              `json:"agreements"`
	AgreementRate    float64          `json:"agreement_rate"`
	CandidateErrors  int              `json:"candidate_errors"`
	Diffs            []SimulationDiff `json:"diffs"`
}

// Simulate 对每个样本分别用现行版本和候选版本评估，统计结论一致率。
// 不读写缓存、不发布事件、不计入灰度统计。
func (e *Evaluator) Simulate(ctx context.Context, req SimulateRequest) (*SimulationReport, error) {
	if req.WorkflowID == "" {
		return nil, types.NewValidationError("workflow_id is required")
	}
	if !req.Kind.Valid() {
		return nil, types.NewValidationError("target must be rule or prompt, got %q", req.Kind)
	}
	if len(req.Samples) == 0 {
		return nil, types.NewValidationError("at least one sample is required")
	}
	if req.Policy != "" && !req.Policy.Valid() {
		return nil, types.NewValidationError("unknown policy %q", req.Policy)
	}
	if e.versions == nil {
		return nil, types.NewInternalError("no version source configured", nil)
	}

	target := canary.Target{Kind: req.Kind, WorkflowID: req.WorkflowID}
	candidate, ok := e.versions.VersionBySemVer(target, req.Version)
	if !ok {
		return nil, types.NewNotFoundError("version", target.Key()+"@"+req.Version)
	}

	base := selection{
		rule:   e.current(canary.Target{Kind: canary.KindRule, WorkflowID: req.WorkflowID}),
		prompt: e.current(canary.Target{Kind: canary.KindPrompt, WorkflowID: req.WorkflowID}),
	}
	trial := base
	if req.Kind == canary.KindRule {
		trial.rule = canary.Resolution{Version: candidate, Candidate: true}
	} else {
		trial.prompt = canary.Resolution{Version: candidate, Candidate: true}
	}

	report := &SimulationReport{
		Target:           target.Key(),
		CandidateVersion: candidate.ID,
		Samples:          len(req.Samples),
	}
	if v := e.current(target).Version; v != nil {
		report.IncumbentVersion = v.ID
	}

	for i, input := range req.Samples {
		if err := ctx.Err(); err != nil {
			return nil, types.NewTimeoutError(fmt.Sprintf("simulation interrupted at sample %d", i)).WithCause(err)
		}
		sample := &Request{WorkflowID: req.WorkflowID, Input: input, Policy: req.Policy}
		inc := e.compute(ctx, sample, base, "", false)
		cand := e.compute(ctx, sample, trial, "", false)

		if cand.Degraded {
			report.CandidateErrors++
		}
		if inc.Status == cand.Status {
			report.Agreements++
			continue
		}
		report.Diffs = append(report.Diffs, SimulationDiff{
			Index:               i,
			IncumbentStatus:     inc.Status,
			CandidateStatus:     cand.Status,
			IncumbentConfidence: inc.Confidence,
			CandidateConfidence: cand.Confidence,
		})
	}
	report.AgreementRate = float64(report.Agreements) / float64(report.Samples)

	e.logger.Info("simulation finished",
		zap.String("target", report.Target),
		zap.String("candidate_version", report.CandidateVersion),
		zap.Int("samples", report.Samples),
		zap.Float64("agreement_rate", report.AgreementRate))
	return report, nil
}

// current 目标的现行版本（不考虑候选）
func (e *Evaluator) current(target canary.Target) canary.Resolution {
	p, ok := e.versions.Pointer(target)
	if !ok || p.Current == "" {
		return canary.Resolution{}
	}
	v, ok := e.versions.Version(p.Current)
	if !ok {
		return canary.Resolution{}
	}
	return canary.Resolution{Version: v}
}
