package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/internal/metrics"
	"github.com/BaSui01/judgeflow/internal/pool"
	"github.com/BaSui01/judgeflow/retry"
	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/BaSui01/judgeflow/workflow"

// Config 引擎配置
type Config struct {
	// NodeTimeout 节点未声明 timeout 时的执行上限
	NodeTimeout time.Duration `yaml:"node_timeout" json:"node_timeout"`
	// Retry 退避参数；重试次数由节点的 retry.max_retry 决定
	Retry retry.Policy `yaml:"retry" json:"retry"`
	// SweepInterval 定时扫描挂起实例的间隔
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	// SweepConcurrency 扫描时并发推进的实例数
	SweepConcurrency int `yaml:"sweep_concurrency" json:"sweep_concurrency"`
	MaxWorkers       int `yaml:"max_workers" json:"max_workers"`
	QueueSize        int `yaml:"queue_size" json:"queue_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		NodeTimeout:      30 * time.Second,
		Retry:            retry.DefaultPolicy(),
		SweepInterval:    time.Second,
		SweepConcurrency: 8,
		MaxWorkers:       64,
		QueueSize:        1024,
	}
}

// Option 引擎选项
type Option func(*Engine)

// WithPool 使用外部协程池（引擎关闭时不会关闭它）
func WithPool(p *pool.Pool) Option { return func(e *Engine) { e.pool = p } }

// WithBus 发布 workflow.completed 事件
func WithBus(b eventbus.Bus) Option { return func(e *Engine) { e.bus = b } }

// WithMetrics 记录实例与节点指标
func WithMetrics(m *metrics.Collector) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer 自定义 tracer
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithClock 注入时钟
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// Engine 工作流引擎。每个实例同一时刻只有一个写者，
// 节点执行在协程池中进行且不持有任何锁。
type Engine struct {
	cfg      Config
	store    Store
	runners  *Registry
	pool     *pool.Pool
	ownsPool bool
	bus      eventbus.Bus
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool
	seq     atomic.Uint64

	defsMu sync.RWMutex
	defs   map[string]*dsl.Definition
	latest map[string]*dsl.Definition

	actorsMu sync.Mutex
	actors   map[string]*actor

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// actor 实例的单写者：锁、执行中的节点与完成通知
type actor struct {
	mu           sync.Mutex
	inflight     map[string]*dispatch
	compensating bool
	done         chan struct{}
	finished     bool
}

type dispatch struct {
	token   uint64
	attempt int
	cancel  context.CancelFunc
}

type task struct {
	ctx        context.Context
	instanceID string
	node       *dsl.NodeSpec
	token      uint64
	input      *NodeInput
}

// effects 锁内产生、解锁后执行的副作用
type effects struct {
	dirty      bool
	terminal   bool
	compensate bool
	tasks      []*task
	wakeups    []time.Time
	events     []eventbus.Event
	execs      []*NodeExecution
}

var errNothingToDo = errors.New("nothing to do")

// NewEngine 创建引擎
func NewEngine(cfg Config, store Store, runners *Registry, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = d.NodeTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = d.SweepConcurrency
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = d.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	cfg.Retry = cfg.Retry.Normalize()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   store,
		runners: runners,
		logger:  logger.With(zap.String("component", "workflow_engine")),
		now:     time.Now,
		baseCtx: ctx,
		stop:    cancel,
		defs:    make(map[string]*dsl.Definition),
		latest:  make(map[string]*dsl.Definition),
		actors:  make(map[string]*actor),
		timers:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pool == nil {
		pc := pool.DefaultConfig()
		pc.MaxWorkers, pc.QueueSize = cfg.MaxWorkers, cfg.QueueSize
		pc.OnPanic = func(r any) {
			e.logger.Error("workflow task panicked", zap.Any("panic", r))
		}
		e.pool = pool.New(pc)
		e.ownsPool = true
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}
	return e
}

// Close 停止定时器与执行中的节点
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.timersMu.Lock()
	for k, t := range e.timers {
		t.Stop()
		delete(e.timers, k)
	}
	e.timersMu.Unlock()
	e.stop()
	if e.ownsPool {
		e.pool.Close()
	}
}

// =============================================================================
// 定义
// =============================================================================

// RegisterDefinition 校验并注册定义。同 id 后注册的版本成为新提交使用的版本，
// 已有实例继续使用创建时的版本。
func (e *Engine) RegisterDefinition(def *dsl.Definition) error {
	if def == nil {
		return types.NewValidationError("definition is required")
	}
	if err := dsl.ValidateDefinition(def); err != nil {
		return err
	}
	def.Prepare()

	e.defsMu.Lock()
	defer e.defsMu.Unlock()
	e.defs[def.Key()] = def
	e.latest[def.ID] = def
	e.logger.Info("workflow definition registered",
		zap.String("workflow_id", def.ID),
		zap.String("version", def.Version),
		zap.Int("nodes", len(def.Nodes)))
	return nil
}

// Definition 返回 id 的最新定义
func (e *Engine) Definition(id string) (*dsl.Definition, bool) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	def, ok := e.latest[id]
	return def, ok
}

// Definitions 全部定义的最新版本（按 id 排序）
func (e *Engine) Definitions() []*dsl.Definition {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	out := make([]*dsl.Definition, 0, len(e.latest))
	for _, d := range e.latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) definitionFor(inst *Instance) (*dsl.Definition, error) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()
	def, ok := e.defs[inst.DefinitionKey()]
	if !ok {
		return nil, types.NewInternalError(
			fmt.Sprintf("definition %s of instance %s is not registered", inst.DefinitionKey(), inst.ID), nil)
	}
	return def, nil
}

// =============================================================================
// 对外操作
// =============================================================================

// Submit 创建实例并开始推进，返回实例 ID
func (e *Engine) Submit(ctx context.Context, definitionID string, payload map[string]any) (string, error) {
	def, ok := e.Definition(definitionID)
	if !ok {
		return "", types.NewNotFoundError("workflow definition", definitionID)
	}
	if err := dsl.ValidateDefinition(def); err != nil {
		return "", err
	}

	ctx, span := e.tracer.Start(ctx, "workflow.Submit",
		trace.WithAttributes(attribute.String("workflow.id", def.ID)))
	defer span.End()

	inst := newInstance(uuid.NewString(), def, copyMap(payload), e.now().UTC())
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return "", types.NewInternalError("failed to persist workflow instance", err)
	}
	span.SetAttributes(attribute.String("workflow.instance_id", inst.ID))
	e.logger.Info("workflow instance submitted",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", def.ID),
		zap.String("version", def.Version))

	if err := e.Advance(ctx, inst.ID); err != nil {
		return inst.ID, err
	}
	return inst.ID, nil
}

// Advance 推进实例：派发就绪节点、重新派发遗留节点、处理到期的定时与重试。
// 幂等，可在崩溃恢复后重复调用。
func (e *Engine) Advance(ctx context.Context, instanceID string) error {
	return e.advanceAt(ctx, instanceID, e.now())
}

func (e *Engine) advanceAt(ctx context.Context, instanceID string, now time.Time) error {
	return e.withInstance(ctx, instanceID, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		return e.advanceLocked(inst, def, a, now, fx)
	})
}

// Cancel 取消实例。定义声明 compensate_on_cancel 时先补偿已完成节点。
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	return e.withInstance(ctx, instanceID, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		if inst.Status.Terminal() || inst.Status == StatusCompensating {
			return types.NewInvalidTransitionError("workflow instance", inst.ID, inst.Status, StatusCancelled)
		}
		now := e.now()
		inst.CancelRequested = true
		e.logger.Info("workflow instance cancel requested", zap.String("instance_id", inst.ID))
		if def.CompensateOnCancel && len(inst.Completed) > 0 {
			e.beginCompensation(inst, a, "cancelled", now, fx)
			return nil
		}
		e.halt(inst, a, "cancelled", now, fx)
		e.finish(inst, StatusCancelled, now, fx)
		return nil
	})
}

// Signal 恢复挂起节点：审批结果或提前触发定时器
func (e *Engine) Signal(ctx context.Context, instanceID string, sig Signal) error {
	if sig.Kind == "" {
		sig.Kind = SignalApproval
	}
	if sig.At.IsZero() {
		sig.At = e.now()
	}
	return e.withInstance(ctx, instanceID, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		if inst.Status.Terminal() || inst.Status == StatusCompensating {
			return types.NewInvalidTransitionError("workflow instance", inst.ID, inst.Status, "signalled")
		}
		w, err := pickWait(inst, sig)
		if err != nil {
			return err
		}
		if w.Kind == WaitApproval && len(w.Approvers) > 0 && !containsString(w.Approvers, sig.Approver) {
			return types.NewValidationError("approver %q may not sign off node %s", sig.Approver, w.NodeID)
		}
		node, _ := def.Node(w.NodeID)
		e.logger.Info("signal received",
			zap.String("instance_id", inst.ID),
			zap.String("node_id", w.NodeID),
			zap.String("kind", string(sig.Kind)),
			zap.Bool("approved", sig.Approved),
			zap.String("approver", sig.Approver))
		e.resume(inst, def, a, node, w, sig, fx)
		return e.advanceLocked(inst, def, a, sig.At, fx)
	})
}

// Get 读取实例
func (e *Engine) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// Executions 实例的节点执行记录
func (e *Engine) Executions(ctx context.Context, instanceID string) ([]*NodeExecution, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(ctx, instanceID)
}

// Wait 阻塞到实例进入终态
func (e *Engine) Wait(ctx context.Context, instanceID string) (*Instance, error) {
	for {
		a := e.actor(instanceID)
		a.mu.Lock()
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil || inst.Status.Terminal() {
			a.mu.Unlock()
			e.evict(instanceID, a)
			return inst, err
		}
		done := a.done
		a.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ResumeDue 推进所有未结束的实例，处理截至 now 到期的定时器、审批截止与重试。
// 也用于进程重启后恢复执行中的节点。返回推进的实例数。
func (e *Engine) ResumeDue(ctx context.Context, now time.Time) (int, error) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	var advanced atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.SweepConcurrency)
	for _, inst := range active {
		id := inst.ID
		g.Go(func() error {
			if err := e.advanceAt(gctx, id, now); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				e.logger.Warn("failed to advance instance", zap.String("instance_id", id), zap.Error(err))
				return nil
			}
			advanced.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(advanced.Load()), err
}

// Run 按 SweepInterval 周期调用 ResumeDue，直到 ctx 结束
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ResumeDue(ctx, e.now()); err != nil && ctx.Err() == nil {
				e.logger.Warn("timer sweep failed", zap.Error(err))
			}
		}
	}
}

// =============================================================================
// 单写者
// =============================================================================

func (e *Engine) actor(id string) *actor {
	e.actorsMu.Lock()
	defer e.actorsMu.Unlock()
	a, ok := e.actors[id]
	if !ok {
		a = &actor{inflight: make(map[string]*dispatch), done: make(chan struct{})}
		e.actors[id] = a
	}
	return a
}

func (e *Engine) evict(id string, a *actor) {
	e.actorsMu.Lock()
	defer e.actorsMu.Unlock()
	if e.actors[id] == a {
		delete(e.actors, id)
	}
}

// withInstance 在实例锁内加载、修改、保存，解锁后执行副作用
func (e *Engine) withInstance(ctx context.Context, id string, fn func(*Instance, *dsl.Definition, *actor, *effects) error) error {
	a := e.actor(id)
	a.mu.Lock()

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		a.mu.Unlock()
		if types.IsErrorCode(err, types.ErrNotFound) {
			e.evict(id, a)
		}
		return err
	}
	def, err := e.definitionFor(inst)
	if err != nil {
		a.mu.Unlock()
		return err
	}

	fx := &effects{}
	if err := fn(inst, def, a, fx); err != nil {
		a.mu.Unlock()
		if errors.Is(err, errNothingToDo) {
			return nil
		}
		return err
	}

	if fx.dirty {
		inst.UpdatedAt = e.now().UTC()
		if err := e.store.SaveInstance(ctx, inst); err != nil {
			for _, t := range fx.tasks {
				if d, ok := a.inflight[t.node.ID]; ok && d.token == t.token {
					d.cancel()
					delete(a.inflight, t.node.ID)
				}
			}
			a.mu.Unlock()
			return types.NewInternalError("failed to persist workflow instance", err)
		}
	}
	for _, ex := range fx.execs {
		if err := e.store.AppendExecution(ctx, ex); err != nil {
			e.logger.Warn("failed to record node execution",
				zap.String("instance_id", ex.InstanceID),
				zap.String("node_id", ex.NodeID),
				zap.Error(err))
		}
	}
	if fx.terminal && !a.finished {
		a.finished = true
		close(a.done)
	}
	a.mu.Unlock()

	e.apply(id, fx)
	if fx.terminal {
		e.evict(id, a)
	}
	return nil
}

func (e *Engine) apply(id string, fx *effects) {
	for _, t := range fx.tasks {
		e.submit(t)
	}
	for _, at := range fx.wakeups {
		e.schedule(id, at)
	}
	if fx.compensate {
		if err := e.pool.Submit(e.baseCtx, func(context.Context) error {
			e.compensate(id)
			return nil
		}); err != nil {
			go e.compensate(id)
		}
	}
	for _, ev := range fx.events {
		if e.bus == nil {
			break
		}
		if err := e.bus.Publish(e.baseCtx, ev); err != nil {
			e.logger.Warn("failed to publish workflow event", zap.String("topic", ev.Topic), zap.Error(err))
		}
	}
}

func (e *Engine) submit(t *task) {
	err := e.pool.Submit(t.ctx, func(ctx context.Context) error {
		e.execute(ctx, t)
		return nil
	})
	if err == nil {
		return
	}
	e.logger.Warn("node dispatch rejected, will retry",
		zap.String("instance_id", t.instanceID),
		zap.String("node_id", t.node.ID),
		zap.Error(err))
	a := e.actor(t.instanceID)
	a.mu.Lock()
	if d, ok := a.inflight[t.node.ID]; ok && d.token == t.token {
		d.cancel()
		delete(a.inflight, t.node.ID)
	}
	a.mu.Unlock()
	e.schedule(t.instanceID, e.now().Add(100*time.Millisecond))
}

// schedule 在 at 时刻再次推进实例
func (e *Engine) schedule(id string, at time.Time) {
	if e.closed.Load() {
		return
	}
	key := id + "|" + strconv.FormatInt(at.UnixNano(), 10)
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if _, ok := e.timers[key]; ok {
		return
	}
	delay := at.Sub(e.now())
	if delay < 0 {
		delay = 0
	}
	e.timers[key] = time.AfterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, key)
		e.timersMu.Unlock()
		if err := e.Advance(e.baseCtx, id); err != nil && !types.IsErrorCode(err, types.ErrNotFound) && e.baseCtx.Err() == nil {
			e.logger.Warn("scheduled advance failed", zap.String("instance_id", id), zap.Error(err))
		}
	})
}

// =============================================================================
// 推进
// =============================================================================

func (e *Engine) advanceLocked(inst *Instance, def *dsl.Definition, a *actor, now time.Time, fx *effects) error {
	switch {
	case inst.Status.Terminal():
		return nil
	case inst.Status == StatusCompensating:
		// 补偿过程中进程重启，由本进程接手
		if !a.compensating {
			fx.compensate = true
		}
		return nil
	case inst.Status == StatusPending:
		inst.Status = StatusRunning
		inst.StartedAt = timePtr(now)
		fx.dirty = true
	}

	for changed := true; changed; {
		changed = false
		for i := range def.Nodes {
			node := &def.Nodes[i]
			if node.Type == dsl.NodeCompensation {
				continue
			}
			st := inst.Nodes[node.ID]
			if st == nil {
				ready, skip := readiness(inst, def, node.ID)
				switch {
				case skip:
					e.skip(inst, a, node, "no active incoming edge", now, fx)
					changed = true
				case ready:
					inst.Nodes[node.ID] = &NodeState{Status: NodeQueued}
					e.dispatch(inst, def, a, node, true, now, fx)
				}
				continue
			}

			switch st.Status {
			case NodeQueued:
				if _, running := a.inflight[node.ID]; running {
					continue
				}
				if st.RetryAt != nil && now.Before(*st.RetryAt) {
					fx.wakeups = append(fx.wakeups, *st.RetryAt)
					continue
				}
				e.dispatch(inst, def, a, node, true, now, fx)
			case NodeRunning:
				if w, waiting := inst.Waiting[node.ID]; waiting {
					if w.due(now) {
						// 审批截止时间到达按超时处理
						e.resume(inst, def, a, node, w, Signal{Kind: SignalTimer, At: now}, fx)
						if inst.Status == StatusCompensating {
							return nil
						}
						changed = true
					} else if w.WakeAt != nil {
						fx.wakeups = append(fx.wakeups, *w.WakeAt)
					}
					continue
				}
				if _, running := a.inflight[node.ID]; !running {
					// 上一个进程派发后未完成的节点，以同一次尝试重新派发
					e.logger.Info("redispatching orphaned node",
						zap.String("instance_id", inst.ID),
						zap.String("node_id", node.ID),
						zap.Int("attempt", st.Attempts))
					e.dispatch(inst, def, a, node, false, now, fx)
				}
			}
		}
		if e.resolveJoins(inst, def, a, now, fx) {
			changed = true
		}
	}

	return e.settle(inst, def, a, now, fx)
}

// settle 根据节点状态确定实例状态
func (e *Engine) settle(inst *Instance, def *dsl.Definition, a *actor, now time.Time, fx *effects) error {
	allResolved, active := true, false
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Type == dsl.NodeCompensation {
			continue
		}
		st := inst.Nodes[node.ID]
		if st == nil {
			allResolved = false
			continue
		}
		if !st.Status.resolved() {
			allResolved = false
		}
		if (st.Status == NodeQueued || st.Status == NodeRunning) && inst.Waiting[node.ID] == nil {
			active = true
		}
	}

	switch {
	case allResolved:
		e.finish(inst, StatusCompleted, now, fx)
	case active:
		e.setStatus(inst, StatusRunning, fx)
	case len(inst.Waiting) > 0:
		if inst.Status != StatusWaiting {
			e.metrics.RecordWorkflowInstance(inst.DefinitionID, string(StatusWaiting))
		}
		e.setStatus(inst, StatusWaiting, fx)
	default:
		e.logger.Error("workflow instance has no runnable nodes",
			zap.String("instance_id", inst.ID),
			zap.String("workflow_id", inst.DefinitionID))
		inst.Failure = &Failure{Category: types.ErrInternalError, Message: "no runnable nodes left"}
		e.beginCompensation(inst, a, "stalled", now, fx)
	}
	return nil
}

func (e *Engine) setStatus(inst *Instance, s Status, fx *effects) {
	if inst.Status != s {
		inst.Status = s
		fx.dirty = true
	}
}

// readiness 所有前驱都已结束时：至少一条入边被激活则就绪，否则跳过
func readiness(inst *Instance, def *dsl.Definition, id string) (ready, skip bool) {
	preds := def.Predecessors(id)
	if len(preds) == 0 {
		return true, false
	}
	active := false
	for _, p := range preds {
		pst := inst.Nodes[p]
		if pst == nil || !pst.Status.resolved() {
			return false, false
		}
		if pst.activates(id) {
			active = true
		}
	}
	return active, !active
}

func (e *Engine) dispatch(inst *Instance, def *dsl.Definition, a *actor, node *dsl.NodeSpec, newAttempt bool, now time.Time, fx *effects) {
	st := inst.Nodes[node.ID]
	if newAttempt || st.Attempts == 0 {
		st.Attempts++
	}
	st.Status = NodeRunning
	st.RetryAt = nil
	st.StartedAt = timePtr(now)
	fx.dirty = true

	ctx, cancel := context.WithCancel(e.baseCtx)
	token := e.seq.Add(1)
	a.inflight[node.ID] = &dispatch{token: token, attempt: st.Attempts, cancel: cancel}
	fx.tasks = append(fx.tasks, &task{
		ctx:        ctx,
		instanceID: inst.ID,
		node:       node,
		token:      token,
		input:      nodeInput(inst, def, node, st.Attempts, now),
	})
}

func nodeInput(inst *Instance, def *dsl.Definition, node *dsl.NodeSpec, attempt int, now time.Time) *NodeInput {
	upstream := map[string]any{}
	for _, p := range def.Predecessors(node.ID) {
		if out, ok := inst.Context[p].(map[string]any); ok {
			for k, v := range out {
				upstream[k] = v
			}
		}
	}
	return &NodeInput{
		InstanceID: inst.ID,
		WorkflowID: inst.DefinitionID,
		Node:       node,
		Attempt:    attempt,
		Input:      copyMap(inst.Input),
		Context:    copyMap(inst.Context),
		Upstream:   upstream,
		Now:        now,
	}
}

// =============================================================================
// 节点执行与完成
// =============================================================================

func (e *Engine) execute(ctx context.Context, t *task) {
	ctx, span := e.tracer.Start(ctx, "workflow.node",
		trace.WithAttributes(
			attribute.String("workflow.instance_id", t.instanceID),
			attribute.String("workflow.node_id", t.node.ID),
			attribute.String("workflow.node_type", string(t.node.Type)),
			attribute.Int("workflow.attempt", t.input.Attempt),
		))
	defer span.End()

	start := time.Now()
	res, err := e.run(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.complete(t, res, err, start)
}

func (e *Engine) run(ctx context.Context, t *task) (res *NodeResult, err error) {
	runner, ok := e.runners.Get(t.node.Type)
	if !ok {
		return nil, types.NewPermanentError(fmt.Sprintf("no runner registered for node type %s", t.node.Type), nil)
	}
	rctx, cancel := context.WithTimeout(ctx, t.node.TimeoutDuration(e.cfg.NodeTimeout))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, types.NewInternalError(fmt.Sprintf("node %s panicked: %v", t.node.ID, r), nil)
		}
	}()

	res, err = runner.Run(rctx, t.input)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && types.GetErrorCode(err) == "" {
		err = types.NewTimeoutError(fmt.Sprintf("node %s timed out", t.node.ID)).WithCause(err)
	}
	if err == nil && res == nil {
		res = &NodeResult{}
	}
	return res, err
}

// complete 应用一次节点完成。已取消或被替代的派发直接丢弃。
func (e *Engine) complete(t *task, res *NodeResult, runErr error, start time.Time) {
	if e.closed.Load() {
		// 引擎关闭时节点被中断，保留 RUNNING 由下次 ResumeDue 重新派发
		return
	}
	err := e.withInstance(e.baseCtx, t.instanceID, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		d, ok := a.inflight[t.node.ID]
		if !ok || d.token != t.token {
			return errNothingToDo
		}
		delete(a.inflight, t.node.ID)
		d.cancel()
		if inst.Status.Terminal() || inst.Status == StatusCompensating {
			return errNothingToDo
		}
		st := inst.Nodes[t.node.ID]
		if st == nil || st.Status != NodeRunning || st.Attempts != d.attempt {
			return errNothingToDo
		}

		now := e.now()
		elapsed := time.Since(start)
		switch {
		case runErr != nil:
			fx.execs = append(fx.execs, execution(inst.ID, t.node, t.input, st, NodeFailed, nil, runErr, now))
			e.metrics.RecordNodeExecution(string(t.node.Type), string(NodeFailed), elapsed)
			e.fail(inst, def, a, t.node, st, runErr, now, fx)
		case res.Suspend != nil:
			e.suspend(inst, t.node, res.Suspend, now, fx)
		default:
			fx.execs = append(fx.execs, execution(inst.ID, t.node, t.input, st, NodeSucceeded, res.Output, nil, now))
			e.metrics.RecordNodeExecution(string(t.node.Type), string(NodeSucceeded), elapsed)
			e.succeed(inst, def, a, t.node, st, res.Output, res.Branches, now, fx)
		}
		return e.advanceLocked(inst, def, a, now, fx)
	})
	if err != nil && e.baseCtx.Err() == nil {
		e.logger.Error("failed to apply node completion",
			zap.String("instance_id", t.instanceID),
			zap.String("node_id", t.node.ID),
			zap.Error(err))
	}
}

func execution(instanceID string, node *dsl.NodeSpec, in *NodeInput, st *NodeState, status NodeStatus, out map[string]any, err error, now time.Time) *NodeExecution {
	ex := &NodeExecution{
		ID:         uuid.NewString(),
		InstanceID: instanceID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Attempt:    st.Attempts,
		Status:     status,
		Output:     out,
		StartedAt:  now,
		EndedAt:    timePtr(now),
	}
	if st.StartedAt != nil {
		ex.StartedAt = *st.StartedAt
	}
	if in != nil {
		ex.Input = in.Upstream
	}
	if err != nil {
		ex.Error = err.Error()
		ex.Category = types.Classify(err)
	}
	return ex
}

func (e *Engine) succeed(inst *Instance, def *dsl.Definition, a *actor, node *dsl.NodeSpec, st *NodeState, out map[string]any, branches []string, now time.Time, fx *effects) {
	if out == nil {
		out = map[string]any{}
	}
	st.Status = NodeSucceeded
	st.Output = out
	st.Branches = branches
	st.Error, st.Category = "", ""
	st.RetryAt = nil
	st.EndedAt = timePtr(now)
	inst.Context[node.ID] = out
	inst.Completed = append(inst.Completed, node.ID)
	delete(inst.Waiting, node.ID)
	fx.dirty = true
}

func (e *Engine) fail(inst *Instance, def *dsl.Definition, a *actor, node *dsl.NodeSpec, st *NodeState, err error, now time.Time, fx *effects) {
	st.Error = err.Error()
	st.Category = types.Classify(err)
	delete(inst.Waiting, node.ID)
	fx.dirty = true

	maxRetry := 0
	if node.Retry != nil {
		maxRetry = node.Retry.MaxRetry
	}
	if retry.Retryable(err) && st.Attempts <= maxRetry {
		at := now.Add(e.backoff(node, st.Attempts))
		st.Status = NodeQueued
		st.RetryAt = &at
		fx.wakeups = append(fx.wakeups, at)
		e.logger.Warn("node failed, retry scheduled",
			zap.String("instance_id", inst.ID),
			zap.String("node_id", node.ID),
			zap.Int("attempt", st.Attempts),
			zap.Int("max_retry", maxRetry),
			zap.Time("retry_at", at),
			zap.Error(err))
		return
	}

	st.Status = NodeFailed
	st.RetryAt = nil
	st.EndedAt = timePtr(now)

	if tolerated(inst, def, node.ID) {
		st.Status = NodeSkipped
		e.logger.Info("branch failed, join any continues with sibling branches",
			zap.String("instance_id", inst.ID),
			zap.String("node_id", node.ID),
			zap.Error(err))
		return
	}

	e.logger.Error("node failed",
		zap.String("instance_id", inst.ID),
		zap.String("node_id", node.ID),
		zap.String("category", string(st.Category)),
		zap.Int("attempts", st.Attempts),
		zap.Error(err))
	inst.Failure = &Failure{NodeID: node.ID, Category: st.Category, Message: err.Error()}
	e.beginCompensation(inst, a, "failure of node "+node.ID, now, fx)
}

func (e *Engine) backoff(node *dsl.NodeSpec, attempt int) time.Duration {
	p := e.cfg.Retry
	if node.Retry != nil {
		if d, err := time.ParseDuration(node.Retry.InitialDelay); err == nil && d > 0 {
			p.InitialDelay = d
			if p.MaxDelay < d {
				p.MaxDelay = d
			}
		}
		if d, err := time.ParseDuration(node.Retry.MaxDelay); err == nil && d > 0 {
			p.MaxDelay = d
		}
	}
	return p.Normalize().Backoff(attempt)
}

// skip 把未结束的节点标记为 SKIPPED，并取消其执行或挂起
func (e *Engine) skip(inst *Instance, a *actor, node *dsl.NodeSpec, reason string, now time.Time, fx *effects) bool {
	st := inst.Nodes[node.ID]
	if st == nil {
		st = &NodeState{}
		inst.Nodes[node.ID] = st
	} else if st.Status != NodeQueued && st.Status != NodeRunning {
		return false
	}
	if d, ok := a.inflight[node.ID]; ok {
		d.cancel()
		delete(a.inflight, node.ID)
	}
	delete(inst.Waiting, node.ID)
	st.Status = NodeSkipped
	st.Error = reason
	st.Category = ""
	st.RetryAt = nil
	st.EndedAt = timePtr(now)
	fx.dirty = true
	fx.execs = append(fx.execs, execution(inst.ID, node, nil, st, NodeSkipped, nil, nil, now))
	fx.execs[len(fx.execs)-1].Error = reason
	return true
}

// =============================================================================
// 挂起与恢复
// =============================================================================

func (e *Engine) suspend(inst *Instance, node *dsl.NodeSpec, s *Suspension, now time.Time, fx *effects) {
	w := &Wait{
		NodeID:    node.ID,
		Kind:      s.Kind,
		WakeAt:    s.WakeAt,
		Approvers: s.Approvers,
		Since:     now,
	}
	if s.Kind == WaitApproval {
		w.ApprovalKey = inst.ID + "/" + node.ID
	}
	inst.Waiting[node.ID] = w
	fx.dirty = true
	if w.WakeAt != nil {
		fx.wakeups = append(fx.wakeups, *w.WakeAt)
	}
	e.logger.Info("node suspended",
		zap.String("instance_id", inst.ID),
		zap.String("node_id", node.ID),
		zap.String("kind", string(s.Kind)))
}

func (e *Engine) resume(inst *Instance, def *dsl.Definition, a *actor, node *dsl.NodeSpec, w *Wait, sig Signal, fx *effects) {
	st := inst.Nodes[node.ID]
	delete(inst.Waiting, node.ID)
	fx.dirty = true

	in := nodeInput(inst, def, node, st.Attempts, sig.At)
	out := map[string]any{}
	var err error
	if runner, ok := e.runners.Get(node.Type); ok {
		if r, ok := runner.(Resumer); ok {
			out, err = r.Resume(in, w, sig)
		}
	}

	elapsed := sig.At.Sub(w.Since)
	if err != nil {
		fx.execs = append(fx.execs, execution(inst.ID, node, in, st, NodeFailed, nil, err, sig.At))
		e.metrics.RecordNodeExecution(string(node.Type), string(NodeFailed), elapsed)
		e.fail(inst, def, a, node, st, err, sig.At, fx)
		return
	}
	fx.execs = append(fx.execs, execution(inst.ID, node, in, st, NodeSucceeded, out, nil, sig.At))
	e.metrics.RecordNodeExecution(string(node.Type), string(NodeSucceeded), elapsed)
	e.succeed(inst, def, a, node, st, out, nil, sig.At, fx)
}

func pickWait(inst *Instance, sig Signal) (*Wait, error) {
	want := WaitApproval
	if sig.Kind == SignalTimer {
		want = WaitTimer
	}
	if sig.NodeID != "" {
		w, ok := inst.Waiting[sig.NodeID]
		if !ok {
			return nil, types.NewInvalidTransitionError("node", sig.NodeID, "not waiting", "resumed")
		}
		if w.Kind != want {
			return nil, types.NewValidationError("node %s waits for %s, got a %s signal", sig.NodeID, w.Kind, sig.Kind)
		}
		return w, nil
	}
	var found *Wait
	for _, w := range inst.Waiting {
		if w.Kind != want {
			continue
		}
		if found != nil {
			return nil, types.NewValidationError("node_id is required: several nodes are waiting for %s", want)
		}
		found = w
	}
	if found == nil {
		return nil, types.NewInvalidTransitionError("workflow instance", inst.ID, "no pending "+string(want), "resumed")
	}
	return found, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// 终止与补偿
// =============================================================================

// halt 取消所有执行中、排队与挂起的节点
func (e *Engine) halt(inst *Instance, a *actor, reason string, now time.Time, fx *effects) {
	for id, d := range a.inflight {
		d.cancel()
		delete(a.inflight, id)
	}
	for _, st := range inst.Nodes {
		if st.Status == NodeQueued || st.Status == NodeRunning {
			st.Status = NodeSkipped
			st.Error = reason
			st.RetryAt = nil
			st.EndedAt = timePtr(now)
		}
	}
	inst.Waiting = map[string]*Wait{}
	fx.dirty = true
}

func (e *Engine) beginCompensation(inst *Instance, a *actor, reason string, now time.Time, fx *effects) {
	e.halt(inst, a, "cancelled: "+reason, now, fx)
	inst.Status = StatusCompensating
	fx.compensate = true
	e.logger.Warn("workflow instance compensating",
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", inst.DefinitionID),
		zap.String("reason", reason),
		zap.Int("completed_nodes", len(inst.Completed)))
}

func (e *Engine) finish(inst *Instance, status Status, now time.Time, fx *effects) {
	inst.Status = status
	inst.EndedAt = timePtr(now)
	fx.dirty = true
	fx.terminal = true

	data := map[string]any{
		"instance_id": inst.ID,
		"workflow_id": inst.DefinitionID,
		"version":     inst.DefinitionVersion,
		"status":      string(status),
	}
	fields := []zap.Field{
		zap.String("instance_id", inst.ID),
		zap.String("workflow_id", inst.DefinitionID),
		zap.String("status", string(status)),
	}
	if inst.Failure != nil {
		data["failure_node"] = inst.Failure.NodeID
		data["failure_category"] = string(inst.Failure.Category)
		data["failure_message"] = inst.Failure.Message
		fields = append(fields, zap.String("failure_node", inst.Failure.NodeID))
	}
	fx.events = append(fx.events, eventbus.NewEvent(eventbus.TopicWorkflowCompleted, "workflow", data))
	e.metrics.RecordWorkflowInstance(inst.DefinitionID, string(status))
	e.logger.Info("workflow instance finished", fields...)
}

type compensationStep struct {
	// target 被补偿的节点；全局补偿钩子时为钩子自身
	target      string
	hook        *dsl.NodeSpec
	compensator Compensator
	input       *NodeInput
}

// compensate 按完成顺序的逆序执行补偿钩子，结束后进入 FAILED（取消触发时为 CANCELLED）
func (e *Engine) compensate(id string) {
	ctx := e.baseCtx
	var (
		plan       []compensationStep
		workflowID string
	)
	err := e.withInstance(ctx, id, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		if inst.Status != StatusCompensating || a.compensating {
			return errNothingToDo
		}
		a.compensating = true
		workflowID = inst.DefinitionID
		plan = e.compensationPlan(inst, def)
		return nil
	})
	if err != nil {
		e.logger.Error("failed to start compensation", zap.String("instance_id", id), zap.Error(err))
		return
	}
	if plan == nil && workflowID == "" {
		return
	}

	for _, step := range plan {
		started := e.now()
		stepErr := e.runCompensation(ctx, id, step)
		e.metrics.RecordCompensation(workflowID, stepErr == nil)
		if stepErr != nil {
			e.logger.Error("compensation hook failed",
				zap.String("instance_id", id),
				zap.String("node_id", step.target),
				zap.String("hook", step.hook.ID),
				zap.Error(stepErr))
		}
		_ = e.withInstance(ctx, id, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
			now := e.now()
			status := NodeCompensated
			if stepErr != nil {
				status = NodeFailed
			}
			st := inst.Nodes[step.target]
			switch {
			case st == nil:
				// 全局补偿钩子
				st = &NodeState{Status: status, Attempts: 1, StartedAt: timePtr(started), EndedAt: timePtr(now)}
				inst.Nodes[step.target] = st
			case stepErr == nil:
				st.Status = NodeCompensated
				st.EndedAt = timePtr(now)
			}
			ex := execution(inst.ID, step.hook, nil, st, status, nil, stepErr, now)
			ex.StartedAt = started
			fx.execs = append(fx.execs, ex)
			fx.dirty = true
			return nil
		})
	}

	err = e.withInstance(ctx, id, func(inst *Instance, def *dsl.Definition, a *actor, fx *effects) error {
		a.compensating = false
		if inst.Status != StatusCompensating {
			return errNothingToDo
		}
		status := StatusFailed
		if inst.CancelRequested && inst.Failure == nil {
			status = StatusCancelled
		}
		e.finish(inst, status, e.now(), fx)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Error("failed to finish compensation", zap.String("instance_id", id), zap.Error(err))
	}
}

func (e *Engine) compensationPlan(inst *Instance, def *dsl.Definition) []compensationStep {
	hooks := make(map[string]*dsl.NodeSpec)
	var global []*dsl.NodeSpec
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Type != dsl.NodeCompensation {
			continue
		}
		if target := n.ConfigString("for"); target != "" {
			hooks[target] = n
		} else {
			global = append(global, n)
		}
	}

	now := e.now()
	plan := make([]compensationStep, 0)
	for i := len(inst.Completed) - 1; i >= 0; i-- {
		id := inst.Completed[i]
		st := inst.Nodes[id]
		if st == nil || st.Status != NodeSucceeded {
			continue
		}
		node, ok := def.Node(id)
		if !ok {
			continue
		}
		in := nodeInput(inst, def, node, st.Attempts, now)
		in.Output = st.Output

		if hook, ok := hooks[id]; ok {
			hin := *in
			hin.Node = hook
			plan = append(plan, compensationStep{target: id, hook: hook, input: &hin})
			continue
		}
		if runner, ok := e.runners.Get(node.Type); ok {
			if c, ok := runner.(Compensator); ok && c.Compensates(node, st.Output) {
				plan = append(plan, compensationStep{target: id, hook: node, compensator: c, input: in})
			}
		}
	}
	for _, g := range global {
		if inst.Nodes[g.ID] != nil {
			continue
		}
		plan = append(plan, compensationStep{target: g.ID, hook: g, input: nodeInput(inst, def, g, 1, now)})
	}
	return plan
}

func (e *Engine) runCompensation(ctx context.Context, instanceID string, step compensationStep) (err error) {
	ctx, span := e.tracer.Start(ctx, "workflow.compensate",
		trace.WithAttributes(
			attribute.String("workflow.instance_id", instanceID),
			attribute.String("workflow.node_id", step.target),
			attribute.String("workflow.hook", step.hook.ID),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, step.hook.TimeoutDuration(e.cfg.NodeTimeout))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = types.NewInternalError(fmt.Sprintf("compensation %s panicked: %v", step.hook.ID, r), nil)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if step.compensator != nil {
		return step.compensator.Compensate(ctx, step.input)
	}
	runner, ok := e.runners.Get(dsl.NodeCompensation)
	if !ok {
		return types.NewPermanentError("no runner registered for COMPENSATION nodes", nil)
	}
	_, err = runner.Run(ctx, step.input)
	return err
}
