package rule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"gopkg.in/yaml.v3"
)

// Script 规则脚本（YAML 格式，按顺序匹配，首个命中生效）
//
// 示例:
//
//	derive:
//	  - name: defect_rate
//	    expr: defect_count / production_count
//	rules:
//	  - name: high_defect
//	    when: defect_rate >= 0.05
//	    status: HIGH_DEFECT
//	    confidence: 0.95
//	    explanation: defect rate above 5%
//	    actions: [stop_line]
//	default:
//	  status: NORMAL
//	  confidence: 0.6
type Script struct {
	Derive  []Derivation `yaml:"derive,omitempty" json:"derive,omitempty"`
	Rules   []Rule       `yaml:"rules" json:"rules"`
	Default *Verdict     `yaml:"default,omitempty" json:"default,omitempty"`
}

// Derivation 派生变量，按声明顺序计算，后续表达式可引用
type Derivation struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Rule 单条规则
type Rule struct {
	Name        string   `yaml:"name" json:"name"`
	When        string   `yaml:"when" json:"when"`
	Status      string   `yaml:"status" json:"status"`
	Confidence  float64  `yaml:"confidence" json:"confidence"`
	Explanation string   `yaml:"explanation,omitempty" json:"explanation,omitempty"`
	Actions     []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// Verdict 无规则命中时的默认结论
type Verdict struct {
	Status      string   `yaml:"status" json:"status"`
	Confidence  float64  `yaml:"confidence" json:"confidence"`
	Explanation string   `yaml:"explanation,omitempty" json:"explanation,omitempty"`
	Actions     []string `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// compiledScript 预编译后的脚本
type compiledScript struct {
	checksum string
	derive   []compiledDerivation
	rules    []compiledRule
	fallback *Verdict
}

type compiledDerivation struct {
	name string
	expr *dsl.Expr
}

type compiledRule struct {
	Rule
	when *dsl.Expr
}

// Checksum 计算脚本体的 sha256
func Checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// ParseScript 解析并校验规则脚本
func ParseScript(body string) (*Script, error) {
	if strings.TrimSpace(body) == "" {
		return nil, types.NewValidationError("rule script is empty")
	}
	var s Script
	if err := yaml.Unmarshal([]byte(body), &s); err != nil {
		return nil, types.NewValidationError("invalid rule script: %v", err).WithCause(err)
	}
	if len(s.Rules) == 0 && s.Default == nil {
		return nil, types.NewValidationError("rule script needs at least one rule or a default")
	}
	return &s, nil
}

// compile 编译脚本中的全部表达式
func compile(body string) (*compiledScript, error) {
	s, err := ParseScript(body)
	if err != nil {
		return nil, err
	}
	cs := &compiledScript{checksum: Checksum(body), fallback: s.Default}

	for i, d := range s.Derive {
		if d.Name == "" {
			return nil, types.NewValidationError("derive[%d]: name is required", i)
		}
		e, err := dsl.Compile(d.Expr)
		if err != nil {
			return nil, types.NewValidationError("derive %s: %v", d.Name, err)
		}
		cs.derive = append(cs.derive, compiledDerivation{name: d.Name, expr: e})
	}
	for i, r := range s.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule[%d]", i)
			r.Name = name
		}
		if r.Status == "" {
			return nil, types.NewValidationError("%s: status is required", name)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, types.NewValidationError("%s: confidence must be within [0,1]", name)
		}
		e, err := dsl.Compile(r.When)
		if err != nil {
			return nil, types.NewValidationError("%s: %v", name, err)
		}
		cs.rules = append(cs.rules, compiledRule{Rule: r, when: e})
	}
	if s.Default != nil && (s.Default.Confidence < 0 || s.Default.Confidence > 1) {
		return nil, types.NewValidationError("default: confidence must be within [0,1]")
	}
	return cs, nil
}
