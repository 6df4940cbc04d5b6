package rule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"go.uber.org/zap"
)

// Outcome 规则评估结果
type Outcome struct {
	Status      string         `json:"status"`
	Confidence  float64        `json:"confidence"`
	Explanation string         `json:"explanation,omitempty"`
	Actions     []string       `json:"actions,omitempty"`
	MatchedRule string         `json:"matched_rule,omitempty"`
	Derived     map[string]any `json:"derived,omitempty"`
	Steps       int            `json:"steps"`
}

// Sandbox 规则沙箱策略接口，可替换为其它脚本引擎实现
type Sandbox interface {
	Evaluate(ctx context.Context, script string, input map[string]any) (*Outcome, error)
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	// Timeout 单次评估的墙钟预算
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxSteps 单个表达式的求值步数上限
	MaxSteps int `yaml:"max_steps" json:"max_steps"`
	// CacheSize 编译缓存容量（按脚本 checksum）
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// DefaultSandboxConfig 默认沙箱配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Timeout:   500 * time.Millisecond,
		MaxSteps:  dsl.DefaultMaxSteps,
		CacheSize: 256,
	}
}

// ExprSandbox 基于表达式解释器的规则沙箱：
// 无 IO、无反射调用，只能读取输入变量；超时、步数超限和 panic 都会转为错误返回。
type ExprSandbox struct {
	config SandboxConfig
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]*compiledScript
	order []string
}

// NewExprSandbox 创建表达式沙箱
func NewExprSandbox(config SandboxConfig, logger *zap.Logger) *ExprSandbox {
	d := DefaultSandboxConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.MaxSteps <= 0 {
		config.MaxSteps = d.MaxSteps
	}
	if config.CacheSize <= 0 {
		config.CacheSize = d.CacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExprSandbox{
		config: config,
		logger: logger.With(zap.String("component", "rule_sandbox")),
		cache:  make(map[string]*compiledScript),
	}
}

// Compile 预编译脚本（部署前校验用）
func (s *ExprSandbox) Compile(script string) error {
	_, err := s.compiled(script)
	return err
}

func (s *ExprSandbox) compiled(script string) (*compiledScript, error) {
	key := Checksum(script)

	s.mu.Lock()
	if cs, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cs, nil
	}
	s.mu.Unlock()

	cs, err := compile(script)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[key]; !ok {
		if len(s.order) >= s.config.CacheSize {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.cache, oldest)
		}
		s.cache[key] = cs
		s.order = append(s.order, key)
	}
	return cs, nil
}

type evalResult struct {
	outcome *Outcome
	err     error
}

// Evaluate 在独立 goroutine 中评估脚本，受超时预算约束
func (s *ExprSandbox) Evaluate(ctx context.Context, script string, input map[string]any) (*Outcome, error) {
	cs, err := s.compiled(script)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	done := make(chan evalResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("rule evaluation panicked", zap.Any("panic", r))
				done <- evalResult{err: types.NewInternalError("rule evaluation panicked", fmt.Errorf("%v", r))}
			}
		}()
		out, err := s.run(cs, input)
		done <- evalResult{outcome: out, err: err}
	}()

	select {
	case res := <-done:
		return res.outcome, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, types.NewTimeoutError(fmt.Sprintf("rule evaluation exceeded %s", s.config.Timeout))
		}
		return nil, ctx.Err()
	}
}

func (s *ExprSandbox) run(cs *compiledScript, input map[string]any) (*Outcome, error) {
	vars := make(map[string]any, len(input)+len(cs.derive)+1)
	for k, v := range input {
		vars[k] = v
	}
	vars["input"] = input

	steps := 0
	var derived map[string]any
	for _, d := range cs.derive {
		v, err := d.expr.EvalWithBudget(vars, s.config.MaxSteps)
		if err != nil {
			return nil, s.evalError("derive "+d.name, err)
		}
		steps++
		vars[d.name] = v
		if derived == nil {
			derived = make(map[string]any, len(cs.derive))
		}
		derived[d.name] = v
	}

	for _, r := range cs.rules {
		v, err := r.when.EvalWithBudget(vars, s.config.MaxSteps)
		if err != nil {
			return nil, s.evalError(r.Name, err)
		}
		steps++
		if !dsl.Truthy(v) {
			continue
		}
		return &Outcome{
			Status:      r.Status,
			Confidence:  r.Confidence,
			Explanation: r.Explanation,
			Actions:     append([]string(nil), r.Actions...),
			MatchedRule: r.Name,
			Derived:     derived,
			Steps:       steps,
		}, nil
	}

	if cs.fallback == nil {
		return nil, types.NewPermanentError("no rule matched and script has no default", nil)
	}
	return &Outcome{
		Status:      cs.fallback.Status,
		Confidence:  cs.fallback.Confidence,
		Explanation: cs.fallback.Explanation,
		Actions:     append([]string(nil), cs.fallback.Actions...),
		Derived:     derived,
		Steps:       steps,
	}, nil
}

func (s *ExprSandbox) evalError(where string, err error) error {
	if errors.Is(err, dsl.ErrStepBudgetExceeded) {
		return types.NewTimeoutError(where + ": " + err.Error())
	}
	return types.NewPermanentError(where+": evaluation failed", err)
}
