package dsl

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/judgeflow/types"
)

// ReservedInputID 表达式中 input 指向触发负载，不能用作节点 ID
const ReservedInputID = "input"

// Validator DSL 验证器
type Validator struct{}

// NewValidator 创建验证器
func NewValidator() *Validator {
	return &Validator{}
}

// Validate 验证工作流定义，返回所有发现的问题
func (v *Validator) Validate(def *Definition) []error {
	var errs []error

	if def.ID == "" {
		errs = append(errs, fmt.Errorf("id is required"))
	}
	if def.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
	}
	errs = append(errs, v.validateTrigger(def.Trigger)...)

	// 收集所有节点 ID
	nodeIDs := make(map[string]*NodeSpec, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			errs = append(errs, fmt.Errorf("node #%d: id is required", i))
			continue
		}
		if node.ID == ReservedInputID {
			errs = append(errs, fmt.Errorf("node id %q is reserved for the trigger payload", node.ID))
		}
		if _, dup := nodeIDs[node.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate node ID: %s", node.ID))
		}
		nodeIDs[node.ID] = node
	}

	for i := range def.Nodes {
		errs = append(errs, v.validateNode(&def.Nodes[i], nodeIDs)...)
	}

	if len(errs) == 0 {
		if cycle := findCycle(def); len(cycle) > 0 {
			errs = append(errs, fmt.Errorf("workflow graph contains a cycle: %s", strings.Join(cycle, " -> ")))
		}
	}

	return errs
}

// ValidateDefinition 验证并把所有问题合并为一个 VALIDATION_ERROR
func ValidateDefinition(def *Definition) error {
	errs := NewValidator().Validate(def)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return types.NewValidationError("invalid workflow definition %q: %s", def.ID, strings.Join(msgs, "; "))
}

func (v *Validator) validateTrigger(t Trigger) []error {
	var errs []error
	switch t.Type {
	case "", TriggerManual:
	case TriggerEvent:
		if t.Topic == "" {
			errs = append(errs, fmt.Errorf("trigger: event trigger requires topic"))
		}
	case TriggerSchedule:
		d, err := time.ParseDuration(t.Interval)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("trigger: schedule trigger requires a positive interval"))
		}
	default:
		errs = append(errs, fmt.Errorf("trigger: invalid type %q", t.Type))
	}
	return errs
}

// validateNode 验证单个节点
func (v *Validator) validateNode(node *NodeSpec, nodeIDs map[string]*NodeSpec) []error {
	var errs []error

	if !node.Type.Valid() {
		errs = append(errs, fmt.Errorf("node %s: invalid type %q", node.ID, node.Type))
	}

	for _, nextID := range node.Next {
		target, ok := nodeIDs[nextID]
		if !ok {
			errs = append(errs, fmt.Errorf("node %s: next node %q does not exist", node.ID, nextID))
			continue
		}
		if target.Type == NodeCompensation {
			errs = append(errs, fmt.Errorf("node %s: COMPENSATION node %q cannot be a successor", node.ID, nextID))
		}
	}

	if node.Timeout != "" {
		if d, err := time.ParseDuration(node.Timeout); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("node %s: invalid timeout %q", node.ID, node.Timeout))
		}
	}
	if node.Retry != nil {
		if node.Retry.MaxRetry < 0 {
			errs = append(errs, fmt.Errorf("node %s: retry.max_retry must be >= 0", node.ID))
		}
		for _, d := range []string{node.Retry.InitialDelay, node.Retry.MaxDelay} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				errs = append(errs, fmt.Errorf("node %s: invalid retry delay %q", node.ID, d))
			}
		}
	}
	if node.Join != "" && node.Type != NodeParallel {
		errs = append(errs, fmt.Errorf("node %s: join is only valid on PARALLEL nodes", node.ID))
	}

	requireConfig := func(keys ...string) {
		for _, k := range keys {
			if node.ConfigString(k) == "" {
				errs = append(errs, fmt.Errorf("node %s: %s node requires config.%s", node.ID, node.Type, k))
			}
		}
	}
	checkExpr := func(field, expr string) {
		if _, err := Compile(expr); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %s: %v", node.ID, field, err))
		}
	}

	switch node.Type {
	case NodeData:
		requireConfig("source")

	case NodeJudgment:
		if p := node.ConfigString("policy"); p != "" && !validPolicy(p) {
			errs = append(errs, fmt.Errorf("node %s: unknown judgment policy %q", node.ID, p))
		}

	case NodeCode:
		exprs := node.ConfigMap("expressions")
		if len(exprs) == 0 {
			errs = append(errs, fmt.Errorf("node %s: CODE node requires config.expressions", node.ID))
		}
		for name, raw := range exprs {
			s, ok := raw.(string)
			if !ok {
				errs = append(errs, fmt.Errorf("node %s: expression %q must be a string", node.ID, name))
				continue
			}
			checkExpr("expression "+name, s)
		}

	case NodeSwitch:
		cases := node.Cases()
		if len(cases) == 0 && node.ConfigString("default") == "" {
			errs = append(errs, fmt.Errorf("node %s: SWITCH node requires config.cases or config.default", node.ID))
		}
		nextSet := make(map[string]bool, len(node.Next))
		for _, n := range node.Next {
			nextSet[n] = true
		}
		for i, c := range cases {
			if c.When == "" || c.Next == "" {
				errs = append(errs, fmt.Errorf("node %s: case #%d requires when and next", node.ID, i))
				continue
			}
			checkExpr(fmt.Sprintf("case #%d", i), c.When)
			if !nextSet[c.Next] {
				errs = append(errs, fmt.Errorf("node %s: case target %q must be listed in next", node.ID, c.Next))
			}
		}
		if d := node.ConfigString("default"); d != "" && !nextSet[d] {
			errs = append(errs, fmt.Errorf("node %s: default target %q must be listed in next", node.ID, d))
		}

	case NodeAction:
		requireConfig("action")

	case NodeWait:
		dur, until := node.ConfigString("duration"), node.ConfigString("until")
		switch {
		case dur == "" && until == "":
			errs = append(errs, fmt.Errorf("node %s: WAIT node requires config.duration or config.until", node.ID))
		case dur != "":
			if d, err := time.ParseDuration(dur); err != nil || d < 0 {
				errs = append(errs, fmt.Errorf("node %s: invalid wait duration %q", node.ID, dur))
			}
		default:
			if _, err := time.Parse(time.RFC3339, until); err != nil {
				errs = append(errs, fmt.Errorf("node %s: invalid wait until %q", node.ID, until))
			}
		}

	case NodeApproval:
		if t := node.ConfigString("timeout"); t != "" {
			if d, err := time.ParseDuration(t); err != nil || d <= 0 {
				errs = append(errs, fmt.Errorf("node %s: invalid approval timeout %q", node.ID, t))
			}
		}

	case NodeParallel:
		if len(node.Next) < 2 {
			errs = append(errs, fmt.Errorf("node %s: PARALLEL node requires at least 2 branches", node.ID))
		}
		if node.Join != "" && node.Join != JoinAll && node.Join != JoinAny {
			errs = append(errs, fmt.Errorf("node %s: invalid join policy %q", node.ID, node.Join))
		}

	case NodeCompensation:
		requireConfig("action")
		if len(node.Next) > 0 {
			errs = append(errs, fmt.Errorf("node %s: COMPENSATION node cannot have successors", node.ID))
		}
		if f := node.ConfigString("for"); f != "" {
			if _, ok := nodeIDs[f]; !ok {
				errs = append(errs, fmt.Errorf("node %s: compensated node %q does not exist", node.ID, f))
			}
		}

	case NodeDeploy:
		requireConfig("kind")
		if k := node.ConfigString("kind"); k != "" && k != "rule" && k != "prompt" {
			errs = append(errs, fmt.Errorf("node %s: deploy kind must be rule or prompt", node.ID))
		}
		if node.ConfigString("version") == "" && node.ConfigString("body") == "" {
			errs = append(errs, fmt.Errorf("node %s: DEPLOY node requires config.version or config.body", node.ID))
		}

	case NodeRollback:
		if node.ConfigString("deployment_id") == "" && node.ConfigString("kind") == "" {
			errs = append(errs, fmt.Errorf("node %s: ROLLBACK node requires config.deployment_id or config.kind", node.ID))
		}

	case NodeSimulate:
		requireConfig("kind", "version")
	}

	return errs
}

func validPolicy(p string) bool {
	switch p {
	case "RULE_ONLY", "LLM_ONLY", "HYBRID_WEIGHTED", "GATE", "RULE_FALLBACK", "LLM_FALLBACK":
		return true
	}
	return false
}

// findCycle 使用 Kahn 拓扑排序检测环；存在环时返回环上的节点
func findCycle(def *Definition) []string {
	inDegree := make(map[string]int, len(def.Nodes))
	for _, n := range def.Nodes {
		if _, ok := inDegree[n.ID]; !ok {
			inDegree[n.ID] = 0
		}
		for _, next := range n.Next {
			inDegree[next]++
		}
	}

	queue := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		node, _ := def.Node(id)
		for _, next := range node.Next {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(def.Nodes) {
		return nil
	}
	var cycle []string
	for _, n := range def.Nodes {
		if inDegree[n.ID] > 0 {
			cycle = append(cycle, n.ID)
		}
	}
	return cycle
}
