package judgment

import (
	"github.com/BaSui01/judgeflow/types"
)

// Policy 聚合策略
type Policy string

const (
	PolicyRuleOnly       Policy = "RULE_ONLY"
	PolicyLLMOnly        Policy = "LLM_ONLY"
	PolicyHybridWeighted Policy = "HYBRID_WEIGHTED"
	PolicyGate           Policy = "GATE"
	PolicyRuleFallback   Policy = "RULE_FALLBACK"
	PolicyLLMFallback    Policy = "LLM_FALLBACK"
)

// Valid 是否为已知策略
func (p Policy) Valid() bool {
	switch p {
	case PolicyRuleOnly, PolicyLLMOnly, PolicyHybridWeighted, PolicyGate, PolicyRuleFallback, PolicyLLMFallback:
		return true
	}
	return false
}

// Method 最终结论的来源
type Method string

const (
	MethodRuleOnly Method = "RULE_ONLY"
	MethodLLMOnly  Method = "LLM_ONLY"
	MethodHybrid   Method = "HYBRID"
	MethodFallback Method = "FALLBACK"
)

// Options 评估选项
type Options struct {
	Explain   bool `json:"explain,omitempty"`
	ForceLLM  bool `json:"force_llm,omitempty"`
	SkipCache bool `json:"skip_cache,omitempty"`
}

// Request 判断请求，发出后不再修改
type Request struct {
	WorkflowID string         `json:"workflow_id"`
	Input      map[string]any `json:"input_data"`
	Policy     Policy         `json:"policy,omitempty"`
	Options    Options        `json:"options,omitempty"`
}

// Validate 校验请求
func (r *Request) Validate() error {
	if r == nil {
		return types.NewValidationError("judgment request is required")
	}
	if r.WorkflowID == "" {
		return types.NewValidationError("workflow_id is required")
	}
	if r.Input == nil {
		return types.NewValidationError("input_data is required")
	}
	if r.Policy != "" && !r.Policy.Valid() {
		return types.NewValidationError("unknown policy %q", r.Policy)
	}
	return nil
}

// SubResult 单一路径（规则或模型）的结论
type SubResult struct {
	Status      string   `json:"status"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation"`
	Actions     []string `json:"actions"`
	// MatchedRule 仅规则路径
	MatchedRule string `json:"matched_rule"`
	// Model 仅模型路径
	Model string `json:"model"`
}

// Traces 子路径原始结论与失败原因
type Traces struct {
	Rule      *SubResult `json:"rule"`
	LLM       *SubResult `json:"llm"`
	RuleError string     `json:"rule_error"`
	LLMError  string     `json:"llm_error"`
}

// Versions 本次评估解析到的版本
type Versions struct {
	Rule             string `json:"rule"`
	Prompt           string `json:"prompt"`
	RuleDeployment   string `json:"rule_deployment"`
	PromptDeployment string `json:"prompt_deployment"`
	RuleCandidate    bool   `json:"rule_candidate"`
	PromptCandidate  bool   `json:"prompt_candidate"`
}

// Result 判断结果。创建后不可修改；缓存命中返回与首次评估逐字段一致的结果。
type Result struct {
	Status             string   `json:"status"`
	Confidence         float64  `json:"confidence"`
	MethodUsed         Method   `json:"method_used"`
	Degraded           bool     `json:"degraded"`
	Explanation        string   `json:"explanation"`
	RecommendedActions []string `json:"recommended_actions"`
	Traces             Traces   `json:"traces"`
	Versions           Versions `json:"versions"`
	Fingerprint        string   `json:"fingerprint"`
	Policy             Policy   `json:"policy"`
}

// Verdict 默认结论（两条路径都失败时使用）
type Verdict struct {
	Status      string   `yaml:"status" json:"status"`
	Confidence  float64  `yaml:"confidence" json:"confidence"`
	Explanation string   `yaml:"explanation" json:"explanation"`
	Actions     []string `yaml:"actions" json:"actions"`
}

// DefaultVerdict 兜底结论：转人工复核
func DefaultVerdict() Verdict {
	return Verdict{
		Status:      "NEEDS_REVIEW",
		Confidence:  0,
		Explanation: "automatic judgment unavailable, manual review required",
		Actions:     []string{"manual_review"},
	}
}
