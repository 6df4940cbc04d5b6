package canary

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/internal/metrics"
	"github.com/BaSui01/judgeflow/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 审计动作
const (
	ActionBootstrap = "bootstrap"
	ActionDeploy    = "deploy"
	ActionStep      = "step"
	ActionPromote   = "promote"
	ActionRollback  = "rollback"
)

// Option 控制器选项
type Option func(*Controller)

// WithBus 注入事件总线（发布 rule.deployed）
func WithBus(bus eventbus.Bus) Option { return func(c *Controller) { c.bus = bus } }

// WithMetrics 注入指标收集器
func WithMetrics(m *metrics.Collector) Option { return func(c *Controller) { c.metrics = m } }

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// WithValidator 注入版本体校验函数，例如规则脚本预编译
func WithValidator(fn func(kind Kind, body string) error) Option {
	return func(c *Controller) { c.validate = fn }
}

// WithRoutingSlot 设置路由粘滞时间片长度
func WithRoutingSlot(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.slot = d
		}
	}
}

// WithDefaultCriteria 设置部署未指定阈值时使用的默认值
func WithDefaultCriteria(cr Criteria) Option {
	return func(c *Controller) { c.defaults = cr.normalized() }
}

// Controller 灰度控制器：版本仓库 + 指针记录 + 部署状态机
type Controller struct {
	store    Store
	bus      eventbus.Bus
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
	validate func(kind Kind, body string) error
	slot     time.Duration
	defaults Criteria

	// mu 串行化部署迁移，持有期间访问存储
	mu sync.Mutex
	// smu 保护 deployments 与窗口统计，不跨存储调用持有
	smu         sync.Mutex
	deployments map[string]*Deployment

	vmu      sync.RWMutex
	versions map[string]*Version

	pmu      sync.RWMutex
	pointers map[Target]*atomic.Pointer[Pointer]
}

// NewController 创建灰度控制器
func NewController(store Store, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:       store,
		logger:      logger.With(zap.String("component", "canary")),
		now:         time.Now,
		slot:        time.Minute,
		defaults:    DefaultCriteria(),
		deployments: make(map[string]*Deployment),
		versions:    make(map[string]*Version),
		pointers:    make(map[Target]*atomic.Pointer[Pointer]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load 从存储恢复版本、指针与部署
func (c *Controller) Load(ctx context.Context) error {
	versions, err := c.store.ListVersions(ctx)
	if err != nil {
		return err
	}
	pointers, err := c.store.LoadPointers(ctx)
	if err != nil {
		return err
	}
	deployments, err := c.store.ListDeployments(ctx)
	if err != nil {
		return err
	}

	c.vmu.Lock()
	for _, v := range versions {
		c.versions[v.ID] = v
	}
	c.vmu.Unlock()

	c.smu.Lock()
	running := 0
	for _, d := range deployments {
		c.deployments[d.ID] = d
		if d.Status == StatusRunning {
			running++
		}
	}
	c.smu.Unlock()

	for t, p := range pointers {
		// 候选指针必须对应运行中的部署，否则只保留当前版本
		if p.Candidate != "" {
			if d, ok := c.lookup(p.DeploymentID); !ok || d.Status != StatusRunning {
				c.logger.Warn("dropping candidate pointer without a running deployment",
					zap.String("target", t.Key()),
					zap.String("deployment_id", p.DeploymentID))
				p = Pointer{Current: p.Current}
			}
		}
		c.swapPointer(t, p)
	}

	c.logger.Info("canary state loaded",
		zap.Int("versions", len(versions)),
		zap.Int("pointers", len(pointers)),
		zap.Int("running_deployments", running))
	return nil
}

// =============================================================================
// 版本
// =============================================================================

// Register 登记不可变版本。相同目标与版本号、相同内容时幂等返回已有版本。
func (c *Controller) Register(ctx context.Context, target Target, semver, body string, metadata map[string]string) (*Version, error) {
	if !target.Kind.Valid() {
		return nil, types.NewValidationError("target must be rule or prompt, got %q", target.Kind)
	}
	if target.WorkflowID == "" {
		return nil, types.NewValidationError("workflow_id is required")
	}
	if semver == "" {
		return nil, types.NewValidationError("version is required")
	}
	if body == "" {
		return nil, types.NewValidationError("version body is required")
	}
	if c.validate != nil {
		if err := c.validate(target.Kind, body); err != nil {
			return nil, types.NewValidationError("invalid %s body: %v", target.Kind, err).WithCause(err)
		}
	}

	sum := checksum(body)
	c.vmu.Lock()
	defer c.vmu.Unlock()
	for _, v := range c.versions {
		if v.Target == target && v.SemVer == semver {
			if v.Checksum == sum {
				return v, nil
			}
			return nil, types.NewError(types.ErrConflict,
				fmt.Sprintf("%s version %s already exists with different content", target.Key(), semver)).
				WithHTTPStatus(409)
		}
	}

	meta := make(map[string]string, len(metadata))
	for k, val := range metadata {
		meta[k] = val
	}
	v := &Version{
		ID:        uuid.NewString(),
		Target:    target,
		SemVer:    semver,
		Body:      body,
		Checksum:  sum,
		Metadata:  meta,
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.SaveVersion(ctx, v); err != nil {
		return nil, err
	}
	c.versions[v.ID] = v
	c.logger.Info("version registered",
		zap.String("target", target.Key()),
		zap.String("version", semver),
		zap.String("version_id", v.ID))
	return v, nil
}

// Version 按 ID 获取版本
func (c *Controller) Version(id string) (*Version, bool) {
	c.vmu.RLock()
	defer c.vmu.RUnlock()
	v, ok := c.versions[id]
	return v, ok
}

// VersionBySemVer 按目标与版本号查找
func (c *Controller) VersionBySemVer(target Target, semver string) (*Version, bool) {
	c.vmu.RLock()
	defer c.vmu.RUnlock()
	for _, v := range c.versions {
		if v.Target == target && (v.SemVer == semver || v.ID == semver) {
			return v, true
		}
	}
	return nil, false
}

// Versions 列出目标下的全部版本（按创建时间）
func (c *Controller) Versions(target Target) []*Version {
	c.vmu.RLock()
	defer c.vmu.RUnlock()
	var out []*Version
	for _, v := range c.versions {
		if v.Target == target {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// =============================================================================
// 指针与路由
// =============================================================================

// Pointer 返回目标当前指针记录
func (c *Controller) Pointer(target Target) (Pointer, bool) {
	c.pmu.RLock()
	ap, ok := c.pointers[target]
	c.pmu.RUnlock()
	if !ok {
		return Pointer{}, false
	}
	p := ap.Load()
	if p == nil {
		return Pointer{}, false
	}
	return *p, true
}

func (c *Controller) swapPointer(target Target, p Pointer) {
	c.pmu.Lock()
	ap, ok := c.pointers[target]
	if !ok {
		ap = &atomic.Pointer[Pointer]{}
		c.pointers[target] = ap
	}
	c.pmu.Unlock()
	cp := p
	ap.Store(&cp)
}

// Resolve 为一次请求选择版本。候选版本按流量比例命中，
// 同一路由键在同一时间片内结果稳定。
func (c *Controller) Resolve(target Target, routingKey string) (Resolution, bool) {
	p, ok := c.Pointer(target)
	if !ok || p.Current == "" {
		return Resolution{}, false
	}

	id, candidate := p.Current, false
	if p.Candidate != "" && p.TrafficPercent > 0 {
		if p.TrafficPercent >= 100 || c.bucket(p.DeploymentID, routingKey) < p.TrafficPercent {
			id, candidate = p.Candidate, true
		}
	}
	v, ok := c.Version(id)
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Version: v, DeploymentID: p.DeploymentID, Candidate: candidate}, true
}

func (c *Controller) bucket(deploymentID, routingKey string) int {
	slot := c.now().UnixNano() / int64(c.slot)
	h := fnv.New32a()
	_, _ = h.Write([]byte(deploymentID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(routingKey))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(strconv.FormatInt(slot, 10)))
	return int(h.Sum32() % 100)
}

// =============================================================================
// 部署状态机
// =============================================================================

// DeployRequest 部署请求
type DeployRequest struct {
	Target                Target            `json:"target"`
	Version               string            `json:"version"`
	Body                  string            `json:"body,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	InitialTrafficPercent int               `json:"initial_traffic_percent"`
	Criteria              *Criteria         `json:"criteria,omitempty"`
	Actor                 string            `json:"actor,omitempty"`
}

// Deploy 启动灰度。目标没有当前版本时直接作为首个版本生效。
func (c *Controller) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	var (
		v   *Version
		err error
	)
	if req.Body != "" {
		v, err = c.Register(ctx, req.Target, req.Version, req.Body, req.Metadata)
		if err != nil {
			return nil, err
		}
	} else {
		var ok bool
		v, ok = c.VersionBySemVer(req.Target, req.Version)
		if !ok {
			return nil, types.NewNotFoundError("version", req.Target.Key()+"@"+req.Version)
		}
	}

	c.mu.Lock()
	if running := c.runningLocked(req.Target); running != nil {
		c.mu.Unlock()
		return nil, types.NewError(types.ErrConflict,
			fmt.Sprintf("deployment %s is already running for %s", running.ID, req.Target.Key())).
			WithHTTPStatus(409)
	}

	now := c.now().UTC()
	ptr, _ := c.Pointer(req.Target)
	d := &Deployment{
		ID:          uuid.NewString(),
		Target:      req.Target,
		FromVersion: ptr.Current,
		ToVersion:   v.ID,
		StartedAt:   now,
		LastStepAt:  now,
	}

	var (
		action  string
		reason  string
		nextPtr Pointer
	)
	switch {
	case ptr.Current == "":
		ended := now
		d.Status, d.TrafficPercent, d.EndedAt = StatusPromoted, 100, &ended
		d.Criteria = c.defaults
		action, reason = ActionBootstrap, "initial version"
		nextPtr = Pointer{Current: v.ID}
	case ptr.Current == v.ID:
		c.mu.Unlock()
		return nil, types.NewValidationError("version %s is already current for %s", req.Version, req.Target.Key())
	default:
		cr := c.defaults
		if req.Criteria != nil {
			cr = req.Criteria.normalized()
		}
		traffic := req.InitialTrafficPercent
		if traffic == 0 {
			traffic = cr.nextStep(0)
		}
		if traffic < 0 || traffic > 100 {
			c.mu.Unlock()
			return nil, types.NewValidationError("initial_traffic_percent must be within [1,100], got %d", traffic)
		}
		d.Criteria = cr
		d.Status, d.TrafficPercent = StatusRunning, traffic
		action = ActionDeploy
		nextPtr = Pointer{Current: ptr.Current, Candidate: v.ID, DeploymentID: d.ID, TrafficPercent: traffic}
		if traffic == 100 {
			ended := now
			d.Status, d.EndedAt = StatusPromoted, &ended
			action, reason = ActionPromote, "deployed at full traffic"
			nextPtr = Pointer{Current: v.ID}
		}
	}
	d.Reason = reason

	ev, err := c.commitLocked(ctx, d, nextPtr, action, reason, req.Actor)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publish(ctx, ev)
	return d.clone(), nil
}

// Promote 手动晋升
func (c *Controller) Promote(ctx context.Context, id, actor string) (*Deployment, error) {
	return c.terminate(ctx, id, StatusPromoted, "manual promotion", actor)
}

// Rollback 手动回滚
func (c *Controller) Rollback(ctx context.Context, id, reason, actor string) (*Deployment, error) {
	if reason == "" {
		reason = "manual rollback"
	}
	return c.terminate(ctx, id, StatusRolledBack, reason, actor)
}

func (c *Controller) terminate(ctx context.Context, id string, to DeploymentStatus, reason, actor string) (*Deployment, error) {
	c.mu.Lock()
	d, err := c.snapshot(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if d.Status != StatusRunning {
		c.mu.Unlock()
		return nil, types.NewInvalidTransitionError("deployment", id, d.Status, to)
	}
	nd, ptr, action := c.finalize(d, to, reason)
	ev, err := c.commitLocked(ctx, nd, ptr, action, reason, actor)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publish(ctx, ev)
	return nd.clone(), nil
}

// SetTraffic 提升候选流量；流量在运行期间只增不减，到 100 时晋升
func (c *Controller) SetTraffic(ctx context.Context, id string, percent int, actor string) (*Deployment, error) {
	if percent < 1 || percent > 100 {
		return nil, types.NewValidationError("traffic percent must be within [1,100], got %d", percent)
	}
	c.mu.Lock()
	d, err := c.snapshot(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if d.Status != StatusRunning {
		c.mu.Unlock()
		return nil, types.NewInvalidTransitionError("deployment", id, d.Status, "traffic change")
	}
	if percent <= d.TrafficPercent {
		c.mu.Unlock()
		return nil, types.NewInvalidTransitionError("deployment", id,
			fmt.Sprintf("%d%%", d.TrafficPercent), fmt.Sprintf("%d%%", percent))
	}

	var (
		nd     *Deployment
		ptr    Pointer
		action string
		reason = "manual traffic change"
	)
	if percent == 100 {
		nd, ptr, action = c.finalize(d, StatusPromoted, reason)
	} else {
		nd, ptr, action = c.step(d, percent)
	}
	ev, err := c.commitLocked(ctx, nd, ptr, action, reason, actor)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.publish(ctx, ev)
	return nd.clone(), nil
}

// finalize 构造终态部署及对应指针（不修改入参）
func (c *Controller) finalize(d *Deployment, to DeploymentStatus, reason string) (*Deployment, Pointer, string) {
	nd := d.clone()
	ended := c.now().UTC()
	nd.Status, nd.EndedAt, nd.Reason = to, &ended, reason
	if to == StatusPromoted {
		nd.TrafficPercent = 100
		return nd, Pointer{Current: d.ToVersion}, ActionPromote
	}
	nd.TrafficPercent = 0
	return nd, Pointer{Current: d.FromVersion}, ActionRollback
}

// step 提升到新流量档位，并开启新的观察窗口
func (c *Controller) step(d *Deployment, percent int) (*Deployment, Pointer, string) {
	nd := d.clone()
	nd.TrafficPercent = percent
	nd.LastStepAt = c.now().UTC()
	nd.Candidate = WindowStats{}
	nd.Incumbent = WindowStats{}
	return nd, Pointer{Current: d.FromVersion, Candidate: d.ToVersion, DeploymentID: d.ID, TrafficPercent: percent}, ActionStep
}

// commitLocked 持久化指针、部署与审计记录，然后原子切换内存指针。
// 调用方持有 mu；部署写入失败时恢复存储中的旧指针。
func (c *Controller) commitLocked(ctx context.Context, d *Deployment, ptr Pointer, action, reason, actor string) (map[string]any, error) {
	prev, _ := c.Pointer(d.Target)
	if err := c.store.SavePointer(ctx, d.Target, ptr); err != nil {
		return nil, err
	}
	if err := c.store.SaveDeployment(ctx, d); err != nil {
		if rerr := c.store.SavePointer(ctx, d.Target, prev); rerr != nil {
			c.logger.Error("failed to restore pointer after deployment write error",
				zap.String("target", d.Target.Key()),
				zap.String("deployment_id", d.ID),
				zap.Error(rerr))
		}
		return nil, err
	}
	c.swapPointer(d.Target, ptr)
	c.smu.Lock()
	c.deployments[d.ID] = d
	c.smu.Unlock()

	rec := AuditRecord{
		ID:           uuid.NewString(),
		DeploymentID: d.ID,
		Target:       d.Target.Key(),
		Action:       action,
		FromVersion:  d.FromVersion,
		ToVersion:    d.ToVersion,
		Traffic:      d.TrafficPercent,
		Reason:       reason,
		Actor:        actor,
		At:           c.now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, rec); err != nil {
		c.logger.Warn("failed to write audit record", zap.String("deployment_id", d.ID), zap.Error(err))
	}

	c.logger.Info("canary transition",
		zap.String("deployment_id", d.ID),
		zap.String("target", d.Target.Key()),
		zap.String("action", action),
		zap.String("status", string(d.Status)),
		zap.String("from_version", d.FromVersion),
		zap.String("to_version", d.ToVersion),
		zap.Int("traffic_percent", d.TrafficPercent),
		zap.String("reason", reason))
	c.metrics.RecordCanary(d.Target.Key(), action, ptr.TrafficPercent)

	return map[string]any{
		"deployment_id":   d.ID,
		"target":          d.Target.Key(),
		"kind":            string(d.Target.Kind),
		"workflow_id":     d.Target.WorkflowID,
		"action":          action,
		"status":          string(d.Status),
		"from_version":    d.FromVersion,
		"to_version":      d.ToVersion,
		"traffic_percent": d.TrafficPercent,
		"reason":          reason,
	}, nil
}

func (c *Controller) publish(ctx context.Context, data map[string]any) {
	if err := eventbus.Publish(ctx, c.bus, eventbus.TopicRuleDeployed, "canary", data); err != nil {
		c.logger.Warn("failed to publish deployment event", zap.Error(err))
	}
}

// runningLocked 返回目标上运行中部署的副本
func (c *Controller) runningLocked(target Target) *Deployment {
	c.smu.Lock()
	defer c.smu.Unlock()
	for _, d := range c.deployments {
		if d.Target == target && d.Status == StatusRunning {
			return d.clone()
		}
	}
	return nil
}

// lookup 返回内存中部署的副本
func (c *Controller) lookup(id string) (*Deployment, bool) {
	c.smu.Lock()
	defer c.smu.Unlock()
	d, ok := c.deployments[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// snapshot 返回部署副本；内存中没有时从存储加载并缓存
func (c *Controller) snapshot(ctx context.Context, id string) (*Deployment, error) {
	if d, ok := c.lookup(id); ok {
		return d, nil
	}
	d, err := c.store.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	c.smu.Lock()
	if cur, ok := c.deployments[id]; ok {
		d = cur
	} else {
		c.deployments[id] = d
	}
	out := d.clone()
	c.smu.Unlock()
	return out, nil
}

// =============================================================================
// 观测与评估
// =============================================================================

// RecordOutcome 记录一次判断结果（失败包括规则崩溃与模型不可用）
func (c *Controller) RecordOutcome(res Resolution, failed bool) {
	if res.DeploymentID == "" {
		return
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	d, ok := c.deployments[res.DeploymentID]
	if !ok || d.Status != StatusRunning {
		return
	}
	s := &d.Incumbent
	if res.Candidate {
		s = &d.Candidate
	}
	s.Samples++
	if failed {
		s.Errors++
		s.ConsecutiveFailures++
	} else {
		s.ConsecutiveFailures = 0
	}
}

// RecordFeedback 记录人工反馈
func (c *Controller) RecordFeedback(ctx context.Context, deploymentID string, candidate, negative bool) error {
	if _, err := c.snapshot(ctx, deploymentID); err != nil {
		return err
	}
	c.smu.Lock()
	defer c.smu.Unlock()
	d := c.deployments[deploymentID]
	if d.Status != StatusRunning {
		return types.NewInvalidTransitionError("deployment", deploymentID, d.Status, "feedback")
	}
	s := &d.Incumbent
	if candidate {
		s = &d.Candidate
	}
	s.Feedback++
	if negative {
		s.NegativeFeedback++
	}
	return nil
}

// breach 检查失败条件，返回原因
func breach(d *Deployment) (string, bool) {
	cr, cand, inc := d.Criteria, d.Candidate, d.Incumbent
	if cand.ConsecutiveFailures >= cr.ConsecutiveFailureThreshold {
		return fmt.Sprintf("%d consecutive candidate failures", cand.ConsecutiveFailures), true
	}
	if cand.Samples >= cr.MinSamples {
		if rate := cand.ErrorRate(); rate > cr.MaxErrorRate {
			return fmt.Sprintf("error rate %.2f%% exceeds %.2f%% (samples: %d)", rate*100, cr.MaxErrorRate*100, cand.Samples), true
		}
		if inc.Samples >= cr.MinSamples && inc.ErrorRate() > 0 &&
			cand.ErrorRate() > inc.ErrorRate()*cr.RelativeErrorThreshold {
			return fmt.Sprintf("error rate %.2f%% is over %.1fx the incumbent %.2f%%",
				cand.ErrorRate()*100, cr.RelativeErrorThreshold, inc.ErrorRate()*100), true
		}
	}
	if cand.Feedback >= cr.MinSamples {
		if rate := cand.NegativeRate(); rate > cr.MaxNegativeFeedbackRate {
			return fmt.Sprintf("negative feedback rate %.2f%% exceeds %.2f%%", rate*100, cr.MaxNegativeFeedbackRate*100), true
		}
	}
	return "", false
}

// Tick 评估所有运行中的部署：违反阈值则回滚，健康且允许自动晋升则按档位提升流量
func (c *Controller) Tick(ctx context.Context) error {
	c.mu.Lock()
	c.smu.Lock()
	running := make([]*Deployment, 0)
	for _, d := range c.deployments {
		if d.Status == StatusRunning {
			running = append(running, d.clone())
		}
	}
	c.smu.Unlock()
	sort.Slice(running, func(i, j int) bool { return running[i].StartedAt.Before(running[j].StartedAt) })

	now := c.now()
	var (
		events   []map[string]any
		firstErr error
	)
	for _, d := range running {
		var (
			nd     *Deployment
			ptr    Pointer
			action string
			reason string
		)
		if why, bad := breach(d); bad {
			reason = "auto rollback: " + why
			nd, ptr, action = c.finalize(d, StatusRolledBack, reason)
		} else if d.Criteria.AutoPromote &&
			d.Candidate.Samples >= d.Criteria.MinSamples &&
			now.Sub(d.LastStepAt) >= d.Criteria.ObservationWindow {
			next := d.Criteria.nextStep(d.TrafficPercent)
			reason = fmt.Sprintf("healthy over %d samples", d.Candidate.Samples)
			if next >= 100 {
				nd, ptr, action = c.finalize(d, StatusPromoted, "auto promotion: "+reason)
			} else {
				nd, ptr, action = c.step(d, next)
			}
		} else {
			// 仅持久化窗口统计
			if err := c.store.SaveDeployment(ctx, d); err != nil && firstErr == nil {
				firstErr = err
			}
			continue
		}

		ev, err := c.commitLocked(ctx, nd, ptr, action, reason, "controller")
		if err != nil {
			c.logger.Error("canary transition failed", zap.String("deployment_id", d.ID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		events = append(events, ev)
	}
	c.mu.Unlock()

	for _, ev := range events {
		c.publish(ctx, ev)
	}
	return firstErr
}

// Start 周期性执行 Tick，直到 ctx 取消
func (c *Controller) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("canary evaluation loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("canary evaluation loop stopped")
			return
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				c.logger.Warn("canary tick failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// 查询
// =============================================================================

// Get 获取部署
func (c *Controller) Get(ctx context.Context, id string) (*Deployment, error) {
	return c.snapshot(ctx, id)
}

// Running 返回目标上正在运行的部署
func (c *Controller) Running(target Target) (*Deployment, bool) {
	d := c.runningLocked(target)
	return d, d != nil
}

// List 列出内存中的全部部署（按开始时间）
func (c *Controller) List() []*Deployment {
	c.smu.Lock()
	defer c.smu.Unlock()
	out := make([]*Deployment, 0, len(c.deployments))
	for _, d := range c.deployments {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Audit 查询审计记录
func (c *Controller) Audit(ctx context.Context, deploymentID string) ([]AuditRecord, error) {
	return c.store.ListAudit(ctx, deploymentID)
}
