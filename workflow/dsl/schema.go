package dsl

import "time"

// NodeType 节点类型
type NodeType string

const (
	NodeData         NodeType = "DATA"
	NodeJudgment     NodeType = "JUDGMENT"
	NodeCode         NodeType = "CODE"
	NodeSwitch       NodeType = "SWITCH"
	NodeAction       NodeType = "ACTION"
	NodeWait         NodeType = "WAIT"
	NodeApproval     NodeType = "APPROVAL"
	NodeParallel     NodeType = "PARALLEL"
	NodeCompensation NodeType = "COMPENSATION"
	NodeDeploy       NodeType = "DEPLOY"
	NodeRollback     NodeType = "ROLLBACK"
	NodeSimulate     NodeType = "SIMULATE"
)

// NodeTypes 全部合法节点类型
var NodeTypes = []NodeType{
	NodeData, NodeJudgment, NodeCode, NodeSwitch, NodeAction, NodeWait,
	NodeApproval, NodeParallel, NodeCompensation, NodeDeploy, NodeRollback, NodeSimulate,
}

// Valid 是否为合法节点类型
func (t NodeType) Valid() bool {
	for _, nt := range NodeTypes {
		if nt == t {
			return true
		}
	}
	return false
}

// JoinPolicy 并行分支汇合策略
type JoinPolicy string

const (
	// JoinAll 所有分支成功后继续，任一分支最终失败则工作流失败
	JoinAll JoinPolicy = "all"
	// JoinAny 第一个完整走完（到达汇合点）的分支胜出，其余分支被取消
	JoinAny JoinPolicy = "any"
)

// TriggerType 触发方式
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerEvent    TriggerType = "event"
	TriggerSchedule TriggerType = "schedule"
)

// Definition 工作流定义（不可变，按 id + version 寻址）
type Definition struct {
	// ID 工作流标识
	ID string `yaml:"id" json:"id"`
	// Version 定义版本
	Version string `yaml:"version" json:"version"`
	// Name 工作流名称
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
	// Description 描述
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Trigger 触发方式
	Trigger Trigger `yaml:"trigger" json:"trigger"`
	// Nodes 节点列表
	Nodes []NodeSpec `yaml:"nodes" json:"nodes"`
	// CompensateOnCancel 取消时是否执行补偿
	CompensateOnCancel bool `yaml:"compensate_on_cancel,omitempty" json:"compensate_on_cancel,omitempty"`
	// Metadata 元数据
	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	index map[string]int
	preds map[string][]string
}

// Trigger 触发器定义
type Trigger struct {
	Type TriggerType `yaml:"type" json:"type"`
	// Topic 事件触发订阅的主题
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
	// Interval 定时触发间隔（Go duration，例如 "15m"）
	Interval string `yaml:"interval,omitempty" json:"interval,omitempty"`
	// Payload 定时触发时附带的负载
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// NodeSpec 节点定义
type NodeSpec struct {
	ID      string         `yaml:"id" json:"id"`
	Type    NodeType       `yaml:"type" json:"type"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	Next    []string       `yaml:"next,omitempty" json:"next,omitempty"`
	Retry   *RetrySpec     `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	// Join 仅对 PARALLEL 节点有效
	Join JoinPolicy `yaml:"join,omitempty" json:"join,omitempty"`
}

// RetrySpec 节点重试配置
type RetrySpec struct {
	MaxRetry     int    `yaml:"max_retry" json:"max_retry"`
	InitialDelay string `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// Key 定义的唯一键
func (d *Definition) Key() string {
	return d.ID + "@" + d.Version
}

// Node 按 ID 查找节点
func (d *Definition) Node(id string) (*NodeSpec, bool) {
	d.ensureIndex()
	i, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return &d.Nodes[i], true
}

// Predecessors 返回节点的直接前驱（按定义顺序）
func (d *Definition) Predecessors(id string) []string {
	d.ensureIndex()
	return d.preds[id]
}

// Prepare 构建节点索引。定义在注册前调用一次，之后只读，可并发访问。
func (d *Definition) Prepare() {
	d.index = nil
	d.ensureIndex()
}

func (d *Definition) ensureIndex() {
	if d.index != nil {
		return
	}
	index := make(map[string]int, len(d.Nodes))
	preds := make(map[string][]string, len(d.Nodes))
	for i, n := range d.Nodes {
		index[n.ID] = i
	}
	for _, n := range d.Nodes {
		for _, next := range n.Next {
			preds[next] = append(preds[next], n.ID)
		}
	}
	d.preds = preds
	d.index = index
}

// TimeoutDuration 解析节点超时，未配置时返回 fallback
func (n *NodeSpec) TimeoutDuration(fallback time.Duration) time.Duration {
	if n.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(n.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ConfigString 读取字符串配置
func (n *NodeSpec) ConfigString(key string) string {
	if n.Config == nil {
		return ""
	}
	s, _ := n.Config[key].(string)
	return s
}

// ConfigMap 读取 map 配置
func (n *NodeSpec) ConfigMap(key string) map[string]any {
	if n.Config == nil {
		return nil
	}
	m, _ := n.Config[key].(map[string]any)
	return m
}

// ConfigFloat 读取数值配置
func (n *NodeSpec) ConfigFloat(key string) (float64, bool) {
	if n.Config == nil {
		return 0, false
	}
	return ToFloat64(n.Config[key])
}

// ConfigList 读取列表配置
func (n *NodeSpec) ConfigList(key string) []any {
	if n.Config == nil {
		return nil
	}
	l, _ := n.Config[key].([]any)
	return l
}

// Case SWITCH 节点的一个分支
type Case struct {
	When string
	Next string
}

// Cases 解析 SWITCH 节点的 cases 配置
func (n *NodeSpec) Cases() []Case {
	var out []Case
	for _, raw := range n.ConfigList("cases") {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		when, _ := m["when"].(string)
		next, _ := m["next"].(string)
		out = append(out, Case{When: when, Next: next})
	}
	return out
}
