package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// =============================================================================
// 节点执行契约
// =============================================================================

// NodeInput 传给节点执行器的快照，执行期间不会被引擎修改
type NodeInput struct {
	InstanceID string
	WorkflowID string
	Node       *dsl.NodeSpec
	Attempt    int
	// Input 实例触发负载
	Input map[string]any
	// Context 已完成节点的输出，按节点 ID 索引
	Context map[string]any
	// Upstream 直接前驱输出的合并（按定义顺序，后者覆盖前者）
	Upstream map[string]any
	// Output 补偿时携带该节点自身的输出
	Output map[string]any
	// Now 引擎时钟下的调度时间
	Now time.Time
}

// Vars 表达式与插值变量：节点 ID → 输出，外加 input
func (in *NodeInput) Vars() map[string]any {
	vars := make(map[string]any, len(in.Context)+1)
	for k, v := range in.Context {
		vars[k] = v
	}
	vars["input"] = in.Input
	return vars
}

// Suspension 节点要求挂起实例
type Suspension struct {
	Kind      WaitKind
	WakeAt    *time.Time
	Approvers []string
}

// NodeResult 节点执行结果
type NodeResult struct {
	Output map[string]any
	// Branches 仅 SWITCH 使用：被激活的后继
	Branches []string
	Suspend  *Suspension
}

// Runner 节点执行器。返回的错误按 types.ErrorCode 分类决定是否重试。
type Runner interface {
	Run(ctx context.Context, in *NodeInput) (*NodeResult, error)
}

// Compensator 节点类型自带的补偿钩子。
// Compensates 为 false 的节点没有可撤销的副作用，补偿阶段保持 SUCCEEDED。
type Compensator interface {
	Compensates(node *dsl.NodeSpec, output map[string]any) bool
	Compensate(ctx context.Context, in *NodeInput) error
}

// Resumer 处理挂起节点收到的信号，返回节点输出或失败原因
type Resumer interface {
	Resume(in *NodeInput, wait *Wait, sig Signal) (map[string]any, error)
}

// RunnerFunc 函数适配器
type RunnerFunc func(ctx context.Context, in *NodeInput) (*NodeResult, error)

func (f RunnerFunc) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) { return f(ctx, in) }

// =============================================================================
// 注册表
// =============================================================================

// Registry 按节点类型索引执行器
type Registry struct {
	mu      sync.RWMutex
	runners map[dsl.NodeType]Runner
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{runners: make(map[dsl.NodeType]Runner)}
}

// Register 注册执行器，同类型覆盖
func (r *Registry) Register(t dsl.NodeType, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[t] = runner
}

// Get 查找执行器
func (r *Registry) Get(t dsl.NodeType) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[t]
	return runner, ok
}

// Dependencies 内置执行器依赖的外部能力，缺失的能力在运行时报 PERMANENT_NODE
type Dependencies struct {
	Sources   DataSource
	Judge     Judge
	Actions   ActionHandler
	Deployer  Deployer
	Simulator Simulator
}

// DefaultRegistry 注册全部 12 种内置节点
func DefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry()
	r.Register(dsl.NodeData, &dataRunner{sources: deps.Sources})
	r.Register(dsl.NodeJudgment, &judgmentRunner{judge: deps.Judge})
	r.Register(dsl.NodeCode, codeRunner{})
	r.Register(dsl.NodeSwitch, switchRunner{})
	r.Register(dsl.NodeAction, &actionRunner{actions: deps.Actions})
	r.Register(dsl.NodeWait, waitRunner{})
	r.Register(dsl.NodeApproval, approvalRunner{})
	r.Register(dsl.NodeParallel, parallelRunner{})
	r.Register(dsl.NodeCompensation, &compensationRunner{actions: deps.Actions})
	r.Register(dsl.NodeDeploy, &deployRunner{deployer: deps.Deployer})
	r.Register(dsl.NodeRollback, &rollbackRunner{deployer: deps.Deployer})
	r.Register(dsl.NodeSimulate, &simulateRunner{simulator: deps.Simulator})
	return r
}

// =============================================================================
// 公共辅助
// =============================================================================

func missingDependency(t dsl.NodeType, what string) error {
	return types.NewPermanentError(fmt.Sprintf("%s node has no %s configured", t, what), nil)
}

// resolveParams 解析参数中的 ${path} 引用。整串恰好是一个引用时保留原始类型。
func resolveParams(params map[string]any, vars map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveValue(v, vars)
	}
	return out
}

func resolveValue(v any, vars map[string]any) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, vars)
	case map[string]any:
		return resolveParams(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = resolveValue(item, vars)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, vars map[string]any) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") && strings.Count(trimmed, "${") == 1 {
		return dsl.ResolvePath(strings.TrimSpace(trimmed[2:len(trimmed)-1]), vars)
	}
	if strings.Contains(s, "${") {
		return dsl.Interpolate(s, vars)
	}
	return s
}

// configString 读取字符串配置并做插值
func configString(in *NodeInput, key string) string {
	raw := in.Node.ConfigString(key)
	if raw == "" || !strings.Contains(raw, "${") {
		return raw
	}
	return dsl.Interpolate(raw, in.Vars())
}

func configBool(n *dsl.NodeSpec, key string) bool {
	if n.Config == nil {
		return false
	}
	b, _ := n.Config[key].(bool)
	return b
}

func configInt(n *dsl.NodeSpec, key string) (int, bool) {
	f, ok := n.ConfigFloat(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func configStrings(n *dsl.NodeSpec, key string) []string {
	var out []string
	for _, raw := range n.ConfigList(key) {
		if s, ok := raw.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
