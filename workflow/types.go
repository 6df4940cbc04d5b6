package workflow

import (
	"time"

	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// Status 工作流实例状态
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusWaiting      Status = "WAITING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensating Status = "COMPENSATING"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal 是否终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NodeStatus 节点执行状态
type NodeStatus string

const (
	NodeQueued      NodeStatus = "QUEUED"
	NodeRunning     NodeStatus = "RUNNING"
	NodeSucceeded   NodeStatus = "SUCCEEDED"
	NodeFailed      NodeStatus = "FAILED"
	NodeSkipped     NodeStatus = "SKIPPED"
	NodeCompensated NodeStatus = "COMPENSATED"
)

// resolved 对后继而言已经结束的状态
func (s NodeStatus) resolved() bool {
	return s == NodeSucceeded || s == NodeSkipped || s == NodeCompensated
}

// NodeState 实例内单个节点的当前状态
type NodeState struct {
	Status   NodeStatus     `json:"status"`
	Attempts int            `json:"attempts"`
	Output   map[string]any `json:"output,omitempty"`
	// Branches SWITCH 节点选中的后继；nil 表示全部后继都被激活
	Branches []string        `json:"branches,omitempty"`
	Error    string          `json:"error,omitempty"`
	Category types.ErrorCode `json:"category,omitempty"`
	// RetryAt 等待退避重试的时间点
	RetryAt   *time.Time `json:"retry_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// activates 该节点成功后是否激活到 next 的边
func (s *NodeState) activates(next string) bool {
	if s == nil || s.Status != NodeSucceeded {
		return false
	}
	if s.Branches == nil {
		return true
	}
	for _, b := range s.Branches {
		if b == next {
			return true
		}
	}
	return false
}

// WaitKind 挂起类型
type WaitKind string

const (
	WaitTimer    WaitKind = "timer"
	WaitApproval WaitKind = "approval"
)

// Wait 持久化的挂起记录，进程重启后据此恢复
type Wait struct {
	NodeID string   `json:"node_id"`
	Kind   WaitKind `json:"kind"`
	// WakeAt 定时器唤醒时间或审批截止时间
	WakeAt      *time.Time `json:"wake_at,omitempty"`
	ApprovalKey string     `json:"approval_key,omitempty"`
	Approvers   []string   `json:"approvers,omitempty"`
	Since       time.Time  `json:"since"`
}

// due 是否已到唤醒/截止时间
func (w *Wait) due(now time.Time) bool {
	return w.WakeAt != nil && !now.Before(*w.WakeAt)
}

// Failure 失败来源
type Failure struct {
	NodeID   string          `json:"node_id"`
	Category types.ErrorCode `json:"category"`
	Message  string          `json:"message"`
}

// Instance 工作流实例。所有修改都在实例的单写者锁内完成并整体持久化。
type Instance struct {
	ID                string                `json:"id"`
	DefinitionID      string                `json:"definition_id"`
	DefinitionVersion string                `json:"definition_version"`
	Status            Status                `json:"status"`
	Input             map[string]any        `json:"input"`
	Context           map[string]any        `json:"context"`
	Nodes             map[string]*NodeState `json:"nodes"`
	Waiting           map[string]*Wait      `json:"waiting,omitempty"`
	// Completed 成功节点的完成顺序，补偿按其逆序执行
	Completed []string `json:"completed"`
	Failure   *Failure `json:"failure,omitempty"`
	// CancelRequested 取消触发的补偿结束后进入 CANCELLED 而不是 FAILED
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

func newInstance(id string, def *dsl.Definition, input map[string]any, now time.Time) *Instance {
	if input == nil {
		input = map[string]any{}
	}
	return &Instance{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		Status:            StatusPending,
		Input:             input,
		Context:           map[string]any{},
		Nodes:             map[string]*NodeState{},
		Waiting:           map[string]*Wait{},
		Completed:         []string{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// DefinitionKey 实例所属定义的键
func (i *Instance) DefinitionKey() string {
	return i.DefinitionID + "@" + i.DefinitionVersion
}

// Node 节点状态，未开始时返回 nil
func (i *Instance) Node(id string) *NodeState {
	return i.Nodes[id]
}

// ensureMaps 反序列化后补齐 nil map
func (i *Instance) ensureMaps() {
	if i.Input == nil {
		i.Input = map[string]any{}
	}
	if i.Context == nil {
		i.Context = map[string]any{}
	}
	if i.Nodes == nil {
		i.Nodes = map[string]*NodeState{}
	}
	if i.Waiting == nil {
		i.Waiting = map[string]*Wait{}
	}
	if i.Completed == nil {
		i.Completed = []string{}
	}
}

// Clone 拷贝实例。节点输出视为不可变，只拷贝外层结构。
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Input = copyMap(i.Input)
	cp.Context = copyMap(i.Context)
	cp.Nodes = make(map[string]*NodeState, len(i.Nodes))
	for k, v := range i.Nodes {
		st := *v
		if v.Branches != nil {
			st.Branches = append(make([]string, 0, len(v.Branches)), v.Branches...)
		}
		cp.Nodes[k] = &st
	}
	cp.Waiting = make(map[string]*Wait, len(i.Waiting))
	for k, v := range i.Waiting {
		w := *v
		cp.Waiting[k] = &w
	}
	cp.Completed = append([]string{}, i.Completed...)
	if i.Failure != nil {
		f := *i.Failure
		cp.Failure = &f
	}
	return &cp
}

// NodeExecution 节点执行记录（追加写）。Attempt ≤ max_retry + 1。
type NodeExecution struct {
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id"`
	NodeType   dsl.NodeType    `json:"node_type"`
	Attempt    int             `json:"attempt"`
	Status     NodeStatus      `json:"status"`
	Input      map[string]any  `json:"input,omitempty"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Category   types.ErrorCode `json:"category,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// SignalKind 外部信号类型
type SignalKind string

const (
	SignalApproval SignalKind = "approval"
	SignalTimer    SignalKind = "timer"
)

// Signal 恢复挂起节点的外部信号
type Signal struct {
	// NodeID 为空时作用于唯一的挂起节点
	NodeID   string         `json:"node_id,omitempty"`
	Kind     SignalKind     `json:"kind"`
	Approved bool           `json:"approved"`
	Approver string         `json:"approver,omitempty"`
	Comment  string         `json:"comment,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
