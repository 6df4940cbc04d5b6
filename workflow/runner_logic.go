package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// codeRunner 按名称顺序求值 expressions，每个结果写入输出的同名字段。
// 表达式无副作用，后面的表达式可以引用前面的结果。
type codeRunner struct{}

func (codeRunner) Run(_ context.Context, in *NodeInput) (*NodeResult, error) {
	exprs := in.Node.ConfigMap("expressions")
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	vars := in.Vars()
	out := make(map[string]any, len(names))
	for _, name := range names {
		src, _ := exprs[name].(string)
		v, err := dsl.EvaluateValue(src, vars)
		if err != nil {
			return nil, types.NewPermanentError(fmt.Sprintf("expression %s", name), err)
		}
		out[name] = v
		vars[name] = v
	}
	return &NodeResult{Output: out}, nil
}

// switchRunner 第一个为真的 case 决定分支，都不满足时走 default
type switchRunner struct{}

func (switchRunner) Run(_ context.Context, in *NodeInput) (*NodeResult, error) {
	vars := in.Vars()
	for i, c := range in.Node.Cases() {
		ok, err := dsl.Evaluate(c.When, vars)
		if err != nil {
			return nil, types.NewPermanentError(fmt.Sprintf("case #%d", i), err)
		}
		if ok {
			return branch(c.Next, i), nil
		}
	}
	if d := in.Node.ConfigString("default"); d != "" {
		return branch(d, -1), nil
	}
	return nil, types.NewPermanentError("no switch case matched and no default branch", nil)
}

func branch(next string, caseIndex int) *NodeResult {
	return &NodeResult{
		Output:   map[string]any{"branch": next, "case": float64(caseIndex)},
		Branches: []string{next},
	}
}

// parallelRunner 只负责扇出，汇合策略由引擎在后继完成时处理
type parallelRunner struct{}

func (parallelRunner) Run(_ context.Context, in *NodeInput) (*NodeResult, error) {
	branches := make([]any, len(in.Node.Next))
	for i, n := range in.Node.Next {
		branches[i] = n
	}
	return &NodeResult{Output: map[string]any{
		"branches": branches,
		"join":     string(joinPolicy(in.Node)),
	}}, nil
}

func joinPolicy(n *dsl.NodeSpec) dsl.JoinPolicy {
	if n.Join == "" {
		return dsl.JoinAll
	}
	return n.Join
}
