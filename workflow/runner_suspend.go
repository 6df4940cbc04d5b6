package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/judgeflow/types"
)

// waitRunner 定时挂起。唤醒时间写入实例记录，重启后由定时扫描恢复。
type waitRunner struct{}

func (waitRunner) Run(_ context.Context, in *NodeInput) (*NodeResult, error) {
	var wake time.Time
	if d := in.Node.ConfigString("duration"); d != "" {
		dur, err := time.ParseDuration(d)
		if err != nil {
			return nil, types.NewPermanentError(fmt.Sprintf("invalid wait duration %q", d), err)
		}
		wake = in.Now.Add(dur)
	} else {
		until := configString(in, "until")
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, types.NewPermanentError(fmt.Sprintf("invalid wait until %q", until), err)
		}
		wake = t
	}

	if !wake.After(in.Now) {
		return &NodeResult{Output: map[string]any{
			"wake_at":    wake.UTC().Format(time.RFC3339Nano),
			"resumed_at": in.Now.UTC().Format(time.RFC3339Nano),
		}}, nil
	}
	return &NodeResult{Suspend: &Suspension{Kind: WaitTimer, WakeAt: &wake}}, nil
}

func (waitRunner) Resume(_ *NodeInput, wait *Wait, sig Signal) (map[string]any, error) {
	out := map[string]any{"resumed_at": sig.At.UTC().Format(time.RFC3339Nano)}
	if wait.WakeAt != nil {
		out["wake_at"] = wait.WakeAt.UTC().Format(time.RFC3339Nano)
	}
	return out, nil
}

// approvalRunner 人工审批挂起，可选截止时间。拒绝与超时都是不可重试的失败。
type approvalRunner struct{}

func (approvalRunner) Run(_ context.Context, in *NodeInput) (*NodeResult, error) {
	s := &Suspension{Kind: WaitApproval, Approvers: configStrings(in.Node, "approvers")}
	if t := in.Node.ConfigString("timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return nil, types.NewPermanentError(fmt.Sprintf("invalid approval timeout %q", t), err)
		}
		deadline := in.Now.Add(d)
		s.WakeAt = &deadline
	}
	return &NodeResult{Suspend: s}, nil
}

func (approvalRunner) Resume(_ *NodeInput, wait *Wait, sig Signal) (map[string]any, error) {
	if sig.Kind == SignalTimer {
		return nil, types.NewPermanentError(
			fmt.Sprintf("approval %s timed out after %s", wait.NodeID, sig.At.Sub(wait.Since).Round(time.Millisecond)), nil)
	}
	if !sig.Approved {
		msg := fmt.Sprintf("approval %s rejected", wait.NodeID)
		if sig.Approver != "" {
			msg += " by " + sig.Approver
		}
		if sig.Comment != "" {
			msg += ": " + sig.Comment
		}
		return nil, types.NewPermanentError(msg, nil)
	}
	out := map[string]any{
		"approved":    true,
		"approver":    sig.Approver,
		"comment":     sig.Comment,
		"approved_at": sig.At.UTC().Format(time.RFC3339Nano),
	}
	if len(sig.Payload) > 0 {
		out["payload"] = copyMap(sig.Payload)
	}
	return out, nil
}
