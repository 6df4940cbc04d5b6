package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"go.uber.org/zap"
)

// ActionRequest 动作调用。InstanceID + NodeID + Attempt 可作为幂等键。
type ActionRequest struct {
	InstanceID string
	NodeID     string
	Action     string
	Attempt    int
	Params     map[string]any
}

// ActionHandler 执行副作用动作（停线、通知、工单等）
type ActionHandler interface {
	Execute(ctx context.Context, req ActionRequest) (map[string]any, error)
}

// ActionFunc 单个动作实现
type ActionFunc func(ctx context.Context, req ActionRequest) (map[string]any, error)

// ActionRegistry 按名称分发动作，内置 noop、log 两个动作
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]ActionFunc
	logger  *zap.Logger
}

// NewActionRegistry 创建动作注册表
func NewActionRegistry(logger *zap.Logger) *ActionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ActionRegistry{
		actions: make(map[string]ActionFunc),
		logger:  logger.With(zap.String("component", "actions")),
	}
	r.Register("noop", func(context.Context, ActionRequest) (map[string]any, error) {
		return map[string]any{}, nil
	})
	r.Register("log", r.logAction)
	return r
}

// Register 注册动作，同名覆盖
func (r *ActionRegistry) Register(name string, fn ActionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = fn
}

// Names 已注册的动作名
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *ActionRegistry) Execute(ctx context.Context, req ActionRequest) (map[string]any, error) {
	r.mu.RLock()
	fn, ok := r.actions[req.Action]
	r.mu.RUnlock()
	if !ok {
		return nil, types.NewPermanentError(fmt.Sprintf("unknown action %q", req.Action), nil)
	}
	out, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (r *ActionRegistry) logAction(_ context.Context, req ActionRequest) (map[string]any, error) {
	r.logger.Info("workflow action",
		zap.String("instance_id", req.InstanceID),
		zap.String("node_id", req.NodeID),
		zap.Any("params", req.Params))
	return map[string]any{"logged": true}, nil
}

// PublishAction 把参数作为事件发布到 params.topic（缺省 defaultTopic）
func PublishAction(bus eventbus.Bus, defaultTopic string) ActionFunc {
	return func(ctx context.Context, req ActionRequest) (map[string]any, error) {
		topic, _ := req.Params["topic"].(string)
		if topic == "" {
			topic = defaultTopic
		}
		if topic == "" {
			return nil, types.NewPermanentError("publish action requires params.topic", nil)
		}
		data := map[string]any{}
		for k, v := range req.Params {
			if k != "topic" {
				data[k] = v
			}
		}
		data["instance_id"] = req.InstanceID
		data["node_id"] = req.NodeID
		ev := eventbus.NewEvent(topic, "workflow", data)
		if err := bus.Publish(ctx, ev); err != nil {
			return nil, types.NewTransientError("eventbus", err)
		}
		return map[string]any{"event_id": ev.ID, "topic": topic}, nil
	}
}

// =============================================================================
// ACTION / COMPENSATION
// =============================================================================

type actionRunner struct {
	actions ActionHandler
}

func (r *actionRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.actions == nil {
		return nil, missingDependency(dsl.NodeAction, "action handler")
	}
	out, err := r.actions.Execute(ctx, ActionRequest{
		InstanceID: in.InstanceID,
		NodeID:     in.Node.ID,
		Action:     configString(in, "action"),
		Attempt:    in.Attempt,
		Params:     resolveParams(in.Node.ConfigMap("params"), in.Vars()),
	})
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: out}, nil
}

// Compensate 执行 config.compensate 声明的逆向动作
func (r *actionRunner) Compensates(node *dsl.NodeSpec, _ map[string]any) bool {
	return r.actions != nil && node.ConfigString("compensate") != ""
}

func (r *actionRunner) Compensate(ctx context.Context, in *NodeInput) error {
	action := in.Node.ConfigString("compensate")
	if action == "" || r.actions == nil {
		return nil
	}
	vars := in.Vars()
	vars["output"] = in.Output
	_, err := r.actions.Execute(ctx, ActionRequest{
		InstanceID: in.InstanceID,
		NodeID:     in.Node.ID,
		Action:     action,
		Attempt:    in.Attempt,
		Params:     resolveParams(in.Node.ConfigMap("compensate_params"), vars),
	})
	return err
}

// compensationRunner 只在补偿阶段由引擎调用。
// 参数中可以通过 ${compensated.xxx} 引用被补偿节点的输出。
type compensationRunner struct {
	actions ActionHandler
}

func (r *compensationRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.actions == nil {
		return nil, missingDependency(dsl.NodeCompensation, "action handler")
	}
	vars := in.Vars()
	vars["compensated"] = in.Output
	out, err := r.actions.Execute(ctx, ActionRequest{
		InstanceID: in.InstanceID,
		NodeID:     in.Node.ID,
		Action:     in.Node.ConfigString("action"),
		Attempt:    in.Attempt,
		Params:     resolveParams(in.Node.ConfigMap("params"), vars),
	})
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: out}, nil
}
