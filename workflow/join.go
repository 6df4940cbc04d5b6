package workflow

import (
	"time"

	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// joinWinnerKey PARALLEL join any 节点输出中记录胜出分支头的字段
const joinWinnerKey = "join_winner"

// joinBranch join any 的一个分支：分支头及只能经由它到达的节点。
// 多个分支头都能到达的节点是汇合点及其下游，不属于任何分支。
type joinBranch struct {
	head  string
	nodes []string
}

type branchOutcome int

const (
	branchPending branchOutcome = iota
	branchDone
	branchFailed
)

func joinAnyBranches(def *dsl.Definition, parallel *dsl.NodeSpec) []joinBranch {
	reach := make(map[string]map[string]bool, len(parallel.Next))
	for _, head := range parallel.Next {
		reach[head] = reachable(def, head)
	}

	branches := make([]joinBranch, 0, len(parallel.Next))
	for _, head := range parallel.Next {
		b := joinBranch{head: head, nodes: []string{head}}
		for i := range def.Nodes {
			id := def.Nodes[i].ID
			if id == head || !reach[head][id] {
				continue
			}
			shared := false
			for _, other := range parallel.Next {
				if other != head && reach[other][id] {
					shared = true
					break
				}
			}
			if !shared {
				b.nodes = append(b.nodes, id)
			}
		}
		branches = append(branches, b)
	}
	return branches
}

func reachable(def *dsl.Definition, from string) map[string]bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		node, ok := def.Node(id)
		if !ok {
			continue
		}
		for _, next := range node.Next {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// outcome 分支内任一节点失败即失败；全部节点结束且分支头成功即走完
func (b joinBranch) outcome(inst *Instance) branchOutcome {
	done := true
	for _, id := range b.nodes {
		st := inst.Nodes[id]
		switch {
		case st == nil:
			done = false
		case failedInBranch(st):
			return branchFailed
		case !st.Status.resolved():
			done = false
		}
	}
	if !done {
		return branchPending
	}
	if hs := inst.Nodes[b.head]; hs.Status != NodeSucceeded && hs.Status != NodeCompensated {
		return branchFailed
	}
	return branchDone
}

func (b joinBranch) contains(id string) bool {
	for _, n := range b.nodes {
		if n == id {
			return true
		}
	}
	return false
}

// failedInBranch 失败节点，或被 join any 容忍后标记为 SKIPPED 的失败节点
func failedInBranch(st *NodeState) bool {
	return st.Status == NodeFailed || (st.Status == NodeSkipped && st.Category != "")
}

// joinMembership 节点所在的 join any 分支
type joinMembership struct {
	parallel *dsl.NodeSpec
	branches []joinBranch
	index    int
}

func joinAnyParents(def *dsl.Definition, id string) []joinMembership {
	var out []joinMembership
	for i := range def.Nodes {
		p := &def.Nodes[i]
		if p.Type != dsl.NodeParallel || joinPolicy(p) != dsl.JoinAny {
			continue
		}
		branches := joinAnyBranches(def, p)
		for j, b := range branches {
			if b.contains(id) {
				out = append(out, joinMembership{parallel: p, branches: branches, index: j})
				break
			}
		}
	}
	return out
}

// tolerated join any 分支内的失败：只要还有兄弟分支可能走完就不升级
func tolerated(inst *Instance, def *dsl.Definition, id string) bool {
	for _, jp := range joinAnyParents(def, id) {
		if st := inst.Nodes[jp.parallel.ID]; st != nil && st.Output[joinWinnerKey] != nil {
			continue
		}
		for j, b := range jp.branches {
			if j != jp.index && b.outcome(inst) != branchFailed {
				return true
			}
		}
	}
	return false
}

// resolveJoins 第一个完整走完的分支胜出并取消其余分支；失败分支的剩余节点被跳过。
// 返回是否有节点状态变化。
func (e *Engine) resolveJoins(inst *Instance, def *dsl.Definition, a *actor, now time.Time, fx *effects) bool {
	changed := false
	for i := range def.Nodes {
		p := &def.Nodes[i]
		if p.Type != dsl.NodeParallel || joinPolicy(p) != dsl.JoinAny {
			continue
		}
		pst := inst.Nodes[p.ID]
		if pst == nil || pst.Status != NodeSucceeded || pst.Output[joinWinnerKey] != nil {
			continue
		}

		branches := joinAnyBranches(def, p)
		winner := -1
		for j, b := range branches {
			if b.outcome(inst) == branchDone {
				winner = j
				break
			}
		}
		if winner >= 0 {
			head := branches[winner].head
			if pst.Output == nil {
				pst.Output = map[string]any{}
			}
			pst.Output[joinWinnerKey] = head
			if out, ok := inst.Context[p.ID].(map[string]any); ok {
				out[joinWinnerKey] = head
			} else {
				inst.Context[p.ID] = pst.Output
			}
			fx.dirty = true
		}

		for j, b := range branches {
			var reason string
			switch {
			case j == winner:
				continue
			case winner >= 0:
				reason = "branch " + branches[winner].head + " won the join"
			case b.outcome(inst) == branchFailed:
				reason = "branch " + b.head + " failed"
			default:
				continue
			}
			for _, id := range b.nodes {
				if node, ok := def.Node(id); ok && e.skip(inst, a, node, reason, now, fx) {
					changed = true
				}
			}
		}
	}
	return changed
}
