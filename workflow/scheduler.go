package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/types"
	"github.com/BaSui01/judgeflow/workflow/dsl"
	"go.uber.org/zap"
)

// Scheduler 把触发器接到引擎上：定时触发、事件触发、审批事件，
// 以及挂起实例的周期扫描。
type Scheduler struct {
	engine *Engine
	bus    eventbus.Bus
	logger *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	subs    []eventbus.Subscription
	wg      sync.WaitGroup
	started bool
}

// NewScheduler 创建调度器，bus 为 nil 时只处理定时触发与扫描
func NewScheduler(engine *Engine, bus eventbus.Bus, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		engine: engine,
		bus:    bus,
		logger: logger.With(zap.String("component", "workflow_scheduler")),
	}
}

// Start 按已注册定义的触发器启动调度
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return types.NewError(types.ErrConflict, "scheduler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, def := range s.engine.Definitions() {
		switch def.Trigger.Type {
		case dsl.TriggerSchedule:
			interval, err := time.ParseDuration(def.Trigger.Interval)
			if err != nil || interval <= 0 {
				s.stopLocked()
				return types.NewValidationError("workflow %s: invalid schedule interval %q", def.ID, def.Trigger.Interval)
			}
			s.wg.Add(1)
			go s.every(ctx, def.ID, interval, def.Trigger.Payload)
		case dsl.TriggerEvent:
			if s.bus == nil {
				s.logger.Warn("event trigger ignored without an event bus", zap.String("workflow_id", def.ID))
				continue
			}
			id := def.ID
			sub, err := s.bus.Subscribe(def.Trigger.Topic, func(ctx context.Context, ev eventbus.Event) {
				s.submit(ctx, id, ev.Data, "event")
			})
			if err != nil {
				s.stopLocked()
				return err
			}
			s.subs = append(s.subs, sub)
		}
	}

	if s.bus != nil {
		sub, err := s.bus.Subscribe(eventbus.TopicApprovalReceived, s.onApproval)
		if err != nil {
			s.stopLocked()
			return err
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.Run(ctx)
	}()

	s.started = true
	s.logger.Info("workflow scheduler started",
		zap.Int("subscriptions", len(s.subs)),
		zap.Duration("sweep_interval", s.engine.cfg.SweepInterval))
	return nil
}

// Stop 停止所有触发器并等待后台协程退出
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.started = false
}

// Reload 定义重新注册后重建触发器
func (s *Scheduler) Reload(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

func (s *Scheduler) stopLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	s.subs = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}

func (s *Scheduler) every(ctx context.Context, workflowID string, interval time.Duration, payload map[string]any) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.submit(ctx, workflowID, copyMap(payload), "schedule")
		}
	}
}

func (s *Scheduler) submit(ctx context.Context, workflowID string, payload map[string]any, trigger string) {
	id, err := s.engine.Submit(ctx, workflowID, payload)
	if err != nil {
		s.logger.Error("triggered submission failed",
			zap.String("workflow_id", workflowID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return
	}
	s.logger.Debug("workflow triggered",
		zap.String("workflow_id", workflowID),
		zap.String("instance_id", id),
		zap.String("trigger", trigger))
}

// onApproval 处理 approval.received：
// {instance_id, node_id?, approved, approver, comment, payload?}
func (s *Scheduler) onApproval(ctx context.Context, ev eventbus.Event) {
	instanceID, _ := ev.Data["instance_id"].(string)
	if instanceID == "" {
		s.logger.Warn("approval event without instance_id", zap.String("event_id", ev.ID))
		return
	}
	sig := Signal{Kind: SignalApproval}
	sig.NodeID, _ = ev.Data["node_id"].(string)
	sig.Approved, _ = ev.Data["approved"].(bool)
	sig.Approver, _ = ev.Data["approver"].(string)
	sig.Comment, _ = ev.Data["comment"].(string)
	sig.Payload, _ = ev.Data["payload"].(map[string]any)

	if err := s.engine.Signal(ctx, instanceID, sig); err != nil {
		s.logger.Warn("approval signal rejected",
			zap.String("instance_id", instanceID),
			zap.String("node_id", sig.NodeID),
			zap.Error(err))
	}
}
