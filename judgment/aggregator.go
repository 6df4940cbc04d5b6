package judgment

// AggregatorConfig 聚合参数
type AggregatorConfig struct {
	// RuleWeight / LLMWeight HYBRID_WEIGHTED 的权重，使用前归一化
	RuleWeight float64 `yaml:"rule_weight" json:"rule_weight"`
	LLMWeight  float64 `yaml:"llm_weight" json:"llm_weight"`
	// GateThreshold 规则置信度低于该值时才参考模型（GATE）
	GateThreshold float64 `yaml:"gate_threshold" json:"gate_threshold"`
	// Default 两条路径都不可用时的兜底结论
	Default Verdict `yaml:"default" json:"default"`
}

// DefaultAggregatorConfig 默认聚合参数
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		RuleWeight:    0.6,
		LLMWeight:     0.4,
		GateThreshold: 0.7,
		Default:       DefaultVerdict(),
	}
}

// weights 归一化权重；非法配置退化为等权
func (c AggregatorConfig) weights() (float64, float64) {
	r, l := c.RuleWeight, c.LLMWeight
	if r < 0 {
		r = 0
	}
	if l < 0 {
		l = 0
	}
	if r+l == 0 {
		return 0.5, 0.5
	}
	return r / (r + l), l / (r + l)
}

// NeedsLLM 在给定策略和规则结论下，是否需要调用模型
func NeedsLLM(policy Policy, rule *SubResult, threshold float64) bool {
	switch policy {
	case PolicyRuleOnly:
		return false
	case PolicyGate:
		return rule == nil || rule.Confidence < threshold
	case PolicyRuleFallback:
		return rule == nil
	default:
		return true
	}
}

// Combine 按策略合并规则与模型结论。纯函数：相同输入总是得到相同输出。
// 策略需要的路径缺失时结果带 degraded 标记；两条路径都缺失时返回兜底结论。
func Combine(rule, llm *SubResult, policy Policy, cfg AggregatorConfig) *Result {
	var res *Result
	switch policy {
	case PolicyRuleOnly:
		if rule != nil {
			res = fromSub(rule, MethodRuleOnly, false)
		}

	case PolicyLLMOnly, PolicyLLMFallback:
		switch {
		case llm != nil:
			res = fromSub(llm, MethodLLMOnly, false)
		case rule != nil:
			res = fromSub(rule, MethodRuleOnly, true)
		}

	case PolicyRuleFallback:
		switch {
		case rule != nil:
			res = fromSub(rule, MethodRuleOnly, false)
		case llm != nil:
			res = fromSub(llm, MethodLLMOnly, true)
		}

	case PolicyHybridWeighted:
		switch {
		case rule != nil && llm != nil:
			res = weighted(rule, llm, cfg)
		case rule != nil:
			res = fromSub(rule, MethodRuleOnly, true)
		case llm != nil:
			res = fromSub(llm, MethodLLMOnly, true)
		}

	default: // GATE
		switch {
		case rule != nil && rule.Confidence >= cfg.GateThreshold:
			res = fromSub(rule, MethodRuleOnly, false)
		case llm != nil && rule != nil:
			res = fromSub(llm, MethodHybrid, false)
			res.RecommendedActions = unionActions(llm.Actions, rule.Actions)
		case llm != nil:
			res = fromSub(llm, MethodLLMOnly, true)
		case rule != nil:
			res = fromSub(rule, MethodRuleOnly, true)
		}
		policy = PolicyGate
	}

	if res == nil {
		d := cfg.Default
		res = &Result{
			Status:             d.Status,
			Confidence:         clamp(d.Confidence),
			MethodUsed:         MethodFallback,
			Degraded:           true,
			Explanation:        d.Explanation,
			RecommendedActions: append([]string(nil), d.Actions...),
		}
	}
	res.Policy = policy
	return res
}

func weighted(rule, llm *SubResult, cfg AggregatorConfig) *Result {
	wr, wl := cfg.weights()
	sr, sl := rule.Confidence*wr, llm.Confidence*wl

	winner, other := rule, llm
	if sl > sr {
		winner, other = llm, rule
	}
	res := fromSub(winner, MethodHybrid, false)
	res.Confidence = clamp(sr + sl)
	res.RecommendedActions = unionActions(winner.Actions, other.Actions)
	return res
}

func fromSub(s *SubResult, method Method, degraded bool) *Result {
	return &Result{
		Status:             s.Status,
		Confidence:         clamp(s.Confidence),
		MethodUsed:         method,
		Degraded:           degraded,
		Explanation:        s.Explanation,
		RecommendedActions: append([]string(nil), s.Actions...),
	}
}

// unionActions 合并建议动作并去重，保持先后顺序
func unionActions(first, second []string) []string {
	if len(first)+len(second) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(first)+len(second))
	out := make([]string, 0, len(first)+len(second))
	for _, list := range [][]string{first, second} {
		for _, a := range list {
			if _, ok := seen[a]; ok {
				continue
			}
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
