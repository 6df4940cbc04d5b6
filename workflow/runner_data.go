package workflow

import (
	"context"
	"sync"

	"github.com/BaSui01/judgeflow/judgment"
	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// =============================================================================
// DATA
// =============================================================================

// DataSource 数据源接入点。连接器的实现不在本仓库范围内。
type DataSource interface {
	Fetch(ctx context.Context, source string, params map[string]any) (map[string]any, error)
}

// DataSourceFunc 函数适配器
type DataSourceFunc func(ctx context.Context, source string, params map[string]any) (map[string]any, error)

func (f DataSourceFunc) Fetch(ctx context.Context, source string, params map[string]any) (map[string]any, error) {
	return f(ctx, source, params)
}

// StaticSources 固定数据集，单机演示与测试使用
type StaticSources struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewStaticSources 创建静态数据源
func NewStaticSources() *StaticSources {
	return &StaticSources{data: make(map[string]map[string]any)}
}

// Set 设置数据集
func (s *StaticSources) Set(source string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[source] = data
}

func (s *StaticSources) Fetch(_ context.Context, source string, _ map[string]any) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[source]
	if !ok {
		return nil, types.NewNotFoundError("data source", source)
	}
	return copyMap(data), nil
}

// dataRunner 读取数据。source 为 input 时直接取触发负载。
type dataRunner struct {
	sources DataSource
}

func (r *dataRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	source := configString(in, "source")
	if source == "input" {
		return &NodeResult{Output: copyMap(in.Input)}, nil
	}
	if r.sources == nil {
		return nil, missingDependency(dsl.NodeData, "data source")
	}
	params := resolveParams(in.Node.ConfigMap("params"), in.Vars())
	out, err := r.sources.Fetch(ctx, source, params)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	if fields := configStrings(in.Node, "fields"); len(fields) > 0 {
		projected := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := out[f]; ok {
				projected[f] = v
			}
		}
		out = projected
	}
	return &NodeResult{Output: out}, nil
}

// =============================================================================
// JUDGMENT
// =============================================================================

// Judge 判断评估入口，由 judgment.Evaluator 实现
type Judge interface {
	Evaluate(ctx context.Context, req *judgment.Request) (*judgment.Result, error)
}

type judgmentRunner struct {
	judge Judge
}

func (r *judgmentRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.judge == nil {
		return nil, missingDependency(dsl.NodeJudgment, "judgment evaluator")
	}

	workflowID := configString(in, "workflow_id")
	if workflowID == "" {
		workflowID = in.WorkflowID
	}
	req := &judgment.Request{
		WorkflowID: workflowID,
		Input:      judgmentInput(in),
		Policy:     judgment.Policy(in.Node.ConfigString("policy")),
		Options: judgment.Options{
			Explain:   configBool(in.Node, "explain"),
			ForceLLM:  configBool(in.Node, "force_llm"),
			SkipCache: configBool(in.Node, "skip_cache"),
		},
	}

	res, err := r.judge.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: judgmentOutput(res)}, nil
}

// judgmentInput 判断输入：config.from 指定节点输出，config.input 显式映射，
// 否则为触发负载与直接前驱输出的合并
func judgmentInput(in *NodeInput) map[string]any {
	if from := in.Node.ConfigString("from"); from != "" {
		if m, ok := in.Context[from].(map[string]any); ok {
			return copyMap(m)
		}
		return map[string]any{}
	}
	if mapping := in.Node.ConfigMap("input"); mapping != nil {
		return resolveParams(mapping, in.Vars())
	}
	out := copyMap(in.Input)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range in.Upstream {
		out[k] = v
	}
	return out
}

func judgmentOutput(res *judgment.Result) map[string]any {
	actions := make([]any, len(res.RecommendedActions))
	for i, a := range res.RecommendedActions {
		actions[i] = a
	}
	return map[string]any{
		"status":              res.Status,
		"confidence":          res.Confidence,
		"method_used":         string(res.MethodUsed),
		"degraded":            res.Degraded,
		"explanation":         res.Explanation,
		"recommended_actions": actions,
		"fingerprint":         res.Fingerprint,
		"policy":              string(res.Policy),
		"rule_version":        res.Versions.Rule,
		"prompt_version":      res.Versions.Prompt,
	}
}
