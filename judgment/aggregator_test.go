package judgment

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func sub(status string, conf float64, actions ...string) *SubResult {
	return &SubResult{Status: status, Confidence: conf, Explanation: status + " explanation", Actions: actions}
}

func TestCombine_PolicyTable(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	high := sub("HIGH_DEFECT", 0.95, "stop_line")
	low := sub("WATCH", 0.4, "inspect")
	model := sub("NORMAL", 0.8, "continue")

	tests := []struct {
		name         string
		rule, llm    *SubResult
		policy       Policy
		wantStatus   string
		wantMethod   Method
		wantDegraded bool
	}{
		{"rule only ignores llm", high, model, PolicyRuleOnly, "HIGH_DEFECT", MethodRuleOnly, false},
		{"rule only without rule", nil, model, PolicyRuleOnly, "NEEDS_REVIEW", MethodFallback, true},
		{"llm only ignores rule", high, model, PolicyLLMOnly, "NORMAL", MethodLLMOnly, false},
		{"llm only degrades to rule", high, nil, PolicyLLMOnly, "HIGH_DEFECT", MethodRuleOnly, true},
		{"gate rule above threshold", high, nil, PolicyGate, "HIGH_DEFECT", MethodRuleOnly, false},
		{"gate consults llm below threshold", low, model, PolicyGate, "NORMAL", MethodHybrid, false},
		{"gate llm unavailable", low, nil, PolicyGate, "WATCH", MethodRuleOnly, true},
		{"gate rule crashed", nil, model, PolicyGate, "NORMAL", MethodLLMOnly, true},
		{"gate both missing", nil, nil, PolicyGate, "NEEDS_REVIEW", MethodFallback, true},
		{"hybrid rule wins", high, model, PolicyHybridWeighted, "HIGH_DEFECT", MethodHybrid, false},
		{"hybrid llm missing", high, nil, PolicyHybridWeighted, "HIGH_DEFECT", MethodRuleOnly, true},
		{"rule fallback primary", low, model, PolicyRuleFallback, "WATCH", MethodRuleOnly, false},
		{"rule fallback secondary", nil, model, PolicyRuleFallback, "NORMAL", MethodLLMOnly, true},
		{"llm fallback primary", high, model, PolicyLLMFallback, "NORMAL", MethodLLMOnly, false},
		{"llm fallback secondary", high, nil, PolicyLLMFallback, "HIGH_DEFECT", MethodRuleOnly, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Combine(tt.rule, tt.llm, tt.policy, cfg)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantMethod, res.MethodUsed)
			assert.Equal(t, tt.wantDegraded, res.Degraded)
			assert.Equal(t, tt.policy, res.Policy)
		})
	}
}

func TestCombine_UnknownPolicyBehavesAsGate(t *testing.T) {
	res := Combine(sub("OK", 0.9), nil, "", DefaultAggregatorConfig())
	assert.Equal(t, PolicyGate, res.Policy)
	assert.Equal(t, MethodRuleOnly, res.MethodUsed)
}

func TestCombine_HybridWeights(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.RuleWeight, cfg.LLMWeight = 3, 1 // 归一化为 0.75 / 0.25

	res := Combine(sub("A", 0.4, "x"), sub("B", 0.9, "y", "x"), PolicyHybridWeighted, cfg)
	// 0.4*0.75=0.30 > 0.9*0.25=0.225
	assert.Equal(t, "A", res.Status)
	assert.InDelta(t, 0.525, res.Confidence, 1e-9)
	assert.Equal(t, []string{"x", "y"}, res.RecommendedActions)

	cfg.RuleWeight, cfg.LLMWeight = 1, 3
	res = Combine(sub("A", 0.4), sub("B", 0.9), PolicyHybridWeighted, cfg)
	assert.Equal(t, "B", res.Status)
}

func TestCombine_HybridTieFavorsRule(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.RuleWeight, cfg.LLMWeight = 1, 1
	res := Combine(sub("RULE", 0.6), sub("MODEL", 0.6), PolicyHybridWeighted, cfg)
	assert.Equal(t, "RULE", res.Status)

	cfg.RuleWeight, cfg.LLMWeight = 0, 0 // 非法权重退化为等权
	res = Combine(sub("RULE", 0.6), sub("MODEL", 0.6), PolicyHybridWeighted, cfg)
	assert.Equal(t, "RULE", res.Status)
}

func TestCombine_FallbackUsesConfiguredDefault(t *testing.T) {
	cfg := DefaultAggregatorConfig()
	cfg.Default = Verdict{Status: "HOLD", Confidence: 1.5, Explanation: "hold batch", Actions: []string{"quarantine"}}

	res := Combine(nil, nil, PolicyHybridWeighted, cfg)
	assert.Equal(t, "HOLD", res.Status)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, []string{"quarantine"}, res.RecommendedActions)
	assert.True(t, res.Degraded)

	// 结果不与配置共享切片
	res.RecommendedActions[0] = "changed"
	assert.Equal(t, "quarantine", cfg.Default.Actions[0])
}

func TestNeedsLLM(t *testing.T) {
	assert.False(t, NeedsLLM(PolicyRuleOnly, nil, 0.7))
	assert.True(t, NeedsLLM(PolicyGate, sub("x", 0.69), 0.7))
	assert.False(t, NeedsLLM(PolicyGate, sub("x", 0.7), 0.7))
	assert.True(t, NeedsLLM(PolicyGate, nil, 0.7))
	assert.False(t, NeedsLLM(PolicyRuleFallback, sub("x", 0.1), 0.7))
	assert.True(t, NeedsLLM(PolicyRuleFallback, nil, 0.7))
	assert.True(t, NeedsLLM(PolicyHybridWeighted, sub("x", 1), 0.7))
	assert.True(t, NeedsLLM(PolicyLLMOnly, nil, 0.7))
}

func TestCombine_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	policies := []Policy{PolicyRuleOnly, PolicyLLMOnly, PolicyHybridWeighted, PolicyGate, PolicyRuleFallback, PolicyLLMFallback}
	cfg := DefaultAggregatorConfig()

	properties.Property("confidence stays in [0,1] and combine is deterministic", prop.ForAll(
		func(rc, lc float64, hasRule, hasLLM bool, pi int) bool {
			var r, l *SubResult
			if hasRule {
				r = sub("R", rc)
			}
			if hasLLM {
				l = sub("L", lc)
			}
			p := policies[pi]
			a := Combine(r, l, p, cfg)
			b := Combine(r, l, p, cfg)
			if a.Confidence < 0 || a.Confidence > 1 {
				return false
			}
			if a.Status != b.Status || a.Confidence != b.Confidence || a.MethodUsed != b.MethodUsed {
				return false
			}
			// 缺少任一路径都不可能产生 HYBRID
			if (!hasRule || !hasLLM) && a.MethodUsed == MethodHybrid {
				return false
			}
			return hasRule || hasLLM || a.MethodUsed == MethodFallback
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Bool(),
		gen.Bool(),
		gen.IntRange(0, len(policies)-1),
	))

	properties.TestingRun(t)
}
