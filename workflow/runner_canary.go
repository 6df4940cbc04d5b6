package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/judgeflow/canary"
	"github.com/BaSui01/judgeflow/judgment"
	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
)

// Deployer 灰度控制入口，由 canary.Controller 实现
type Deployer interface {
	Deploy(ctx context.Context, req canary.DeployRequest) (*canary.Deployment, error)
	Rollback(ctx context.Context, id, reason, actor string) (*canary.Deployment, error)
	Running(target canary.Target) (*canary.Deployment, bool)
	Get(ctx context.Context, id string) (*canary.Deployment, error)
}

// Simulator 候选版本回放，由 judgment.Evaluator 实现
type Simulator interface {
	Simulate(ctx context.Context, req judgment.SimulateRequest) (*judgment.SimulationReport, error)
}

func deployActor(in *NodeInput) string {
	return "workflow:" + in.InstanceID + "/" + in.Node.ID
}

func canaryTarget(in *NodeInput) canary.Target {
	wf := configString(in, "workflow_id")
	if wf == "" {
		wf = in.WorkflowID
	}
	return canary.Target{Kind: canary.Kind(in.Node.ConfigString("kind")), WorkflowID: wf}
}

func deploymentOutput(d *canary.Deployment) map[string]any {
	return map[string]any{
		"deployment_id":   d.ID,
		"target":          d.Target.Key(),
		"status":          string(d.Status),
		"from_version":    d.FromVersion,
		"to_version":      d.ToVersion,
		"traffic_percent": float64(d.TrafficPercent),
	}
}

// =============================================================================
// DEPLOY
// =============================================================================

type deployRunner struct {
	deployer Deployer
}

func (r *deployRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.deployer == nil {
		return nil, missingDependency(dsl.NodeDeploy, "canary controller")
	}
	req := canary.DeployRequest{
		Target:  canaryTarget(in),
		Version: configString(in, "version"),
		Body:    in.Node.ConfigString("body"),
		Actor:   deployActor(in),
	}
	if pct, ok := configInt(in.Node, "initial_traffic_percent"); ok {
		req.InitialTrafficPercent = pct
	}
	if meta := in.Node.ConfigMap("metadata"); len(meta) > 0 {
		req.Metadata = make(map[string]string, len(meta))
		for k, v := range meta {
			req.Metadata[k] = fmt.Sprintf("%v", v)
		}
	}
	d, err := r.deployer.Deploy(ctx, req)
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: deploymentOutput(d)}, nil
}

// Compensate 撤销本节点发起的部署：进行中的灰度回滚，
// 已经晋升的部署以全量流量恢复原版本。首个版本没有可恢复的对象。
func (r *deployRunner) Compensates(_ *dsl.NodeSpec, output map[string]any) bool {
	id, _ := output["deployment_id"].(string)
	return r.deployer != nil && id != ""
}

func (r *deployRunner) Compensate(ctx context.Context, in *NodeInput) error {
	if r.deployer == nil {
		return nil
	}
	id, _ := in.Output["deployment_id"].(string)
	if id == "" {
		return nil
	}
	d, err := r.deployer.Get(ctx, id)
	if err != nil {
		return err
	}
	reason := fmt.Sprintf("compensating workflow instance %s", in.InstanceID)
	switch {
	case d.Status == canary.StatusRunning:
		_, err = r.deployer.Rollback(ctx, id, reason, deployActor(in))
		return err
	case d.Status == canary.StatusPromoted && d.FromVersion != "":
		_, err = r.deployer.Deploy(ctx, canary.DeployRequest{
			Target:                d.Target,
			Version:               d.FromVersion,
			InitialTrafficPercent: 100,
			Actor:                 deployActor(in),
		})
		return err
	}
	return nil
}

// =============================================================================
// ROLLBACK
// =============================================================================

type rollbackRunner struct {
	deployer Deployer
}

func (r *rollbackRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.deployer == nil {
		return nil, missingDependency(dsl.NodeRollback, "canary controller")
	}
	id := configString(in, "deployment_id")
	if id == "" {
		target := canaryTarget(in)
		running, ok := r.deployer.Running(target)
		if !ok {
			return nil, types.NewNotFoundError("running deployment", target.Key())
		}
		id = running.ID
	}
	reason := configString(in, "reason")
	if reason == "" {
		reason = "rollback requested by workflow " + in.WorkflowID
	}
	d, err := r.deployer.Rollback(ctx, id, reason, deployActor(in))
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: deploymentOutput(d)}, nil
}

// =============================================================================
// SIMULATE
// =============================================================================

type simulateRunner struct {
	simulator Simulator
}

func (r *simulateRunner) Run(ctx context.Context, in *NodeInput) (*NodeResult, error) {
	if r.simulator == nil {
		return nil, missingDependency(dsl.NodeSimulate, "simulator")
	}
	target := canaryTarget(in)
	report, err := r.simulator.Simulate(ctx, judgment.SimulateRequest{
		WorkflowID: target.WorkflowID,
		Kind:       target.Kind,
		Version:    configString(in, "version"),
		Samples:    simulationSamples(in),
		Policy:     judgment.Policy(in.Node.ConfigString("policy")),
	})
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"target":            report.Target,
		"incumbent_version": report.IncumbentVersion,
		"candidate_version": report.CandidateVersion,
		"samples":           float64(report.Samples),
		"agreements":        float64(report.Agreements),
		"agreement_rate":    report.AgreementRate,
		"candidate_errors":  float64(report.CandidateErrors),
		"diffs":             float64(len(report.Diffs)),
	}
	if floor, ok := in.Node.ConfigFloat("min_agreement"); ok && report.AgreementRate < floor {
		return nil, types.NewPermanentError(
			fmt.Sprintf("simulation agreement %.2f is below the required %.2f", report.AgreementRate, floor), nil)
	}
	return &NodeResult{Output: out}, nil
}

// simulationSamples 样本来自 config.samples 或 config.samples_from 节点输出的 samples 字段
func simulationSamples(in *NodeInput) []map[string]any {
	raw := in.Node.ConfigList("samples")
	if from := in.Node.ConfigString("samples_from"); from != "" {
		if m, ok := in.Context[from].(map[string]any); ok {
			raw, _ = m["samples"].([]any)
		}
	}
	samples := make([]map[string]any, 0, len(raw))
	for _, s := range raw {
		if m, ok := s.(map[string]any); ok {
			samples = append(samples, m)
		}
	}
	return samples
}
