package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 平台内置主题
const (
	TopicJudgmentExecuted  = "judgment.executed"
	TopicRuleDeployed      = "rule.deployed"
	TopicWorkflowCompleted = "workflow.completed"
	TopicApprovalReceived  = "approval.received"
)

// Event 事件信封
type Event struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent 创建事件
func NewEvent(topic, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Handler 事件处理函数
type Handler func(ctx context.Context, ev Event)

// Subscription 订阅句柄
type Subscription interface {
	Unsubscribe() error
}

// Bus 事件总线：进程内实现用于单机与测试，NATS 实现用于多实例部署
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(topic string, handler Handler) (Subscription, error)
	Close() error
}

// =============================================================================
// MemoryBus
// =============================================================================

// MemoryBus 进程内事件总线，异步投递，每个订阅者一个有序队列
type MemoryBus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*memorySub
	closed bool
}

type memorySub struct {
	id      string
	topic   string
	bus     *MemoryBus
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBus 创建进程内事件总线
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		logger: logger.With(zap.String("component", "eventbus")),
		subs:   make(map[string]map[string]*memorySub),
	}
}

// Publish 投递事件；订阅者队列满时丢弃并记录告警，不阻塞发布者
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	for _, s := range b.subs[ev.Topic] {
		select {
		case s.queue <- ev:
		default:
			b.logger.Warn("subscriber queue full, dropping event",
				zap.String("topic", ev.Topic),
				zap.String("event_id", ev.ID))
		}
	}
	return nil
}

// Subscribe 订阅主题
func (b *MemoryBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}
	s := &memorySub{
		id:      uuid.NewString(),
		topic:   topic,
		bus:     b,
		handler: handler,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*memorySub)
	}
	b.subs[topic][s.id] = s
	go s.loop(b.logger)
	return s, nil
}

func (s *memorySub) loop(logger *zap.Logger) {
	for {
		select {
		case ev := <-s.queue:
			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Error("event handler panicked",
							zap.String("topic", ev.Topic),
							zap.Any("panic", r))
					}
				}()
				s.handler(context.Background(), ev)
			}()
		case <-s.done:
			return
		}
	}
}

// Unsubscribe 取消订阅
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s.id)
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Close 关闭总线并停止所有订阅者
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, m := range b.subs {
		for _, s := range m {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[string]*memorySub)
	b.mu.Unlock()

	for _, s := range all {
		s.once.Do(func() { close(s.done) })
	}
	return nil
}

// Publish 便捷函数：构造并发布事件；bus 为 nil 时为空操作
func Publish(ctx context.Context, bus Bus, topic, source string, data map[string]any) error {
	if bus == nil {
		return nil
	}
	return bus.Publish(ctx, NewEvent(topic, source, data))
}
