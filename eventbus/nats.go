package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSConfig NATS 事件总线配置
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	SubjectPrefix string        `yaml:"subject_prefix" json:"subject_prefix"`
	StreamName    string        `yaml:"stream_name" json:"stream_name"`
	JetStream     bool          `yaml:"jetstream" json:"jetstream"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	QueueGroup    string        `yaml:"queue_group" json:"queue_group"`
}

// NATSBus 基于 NATS 的事件总线，可选 JetStream 持久化
type NATSBus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    NATSConfig
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSBus 连接 NATS 并（可选）确保 JetStream 流存在
func NewNATSBus(cfg NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "judgeflow"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "JUDGEFLOW"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.With(zap.String("component", "eventbus_nats"))

	nc, err := nats.Connect(cfg.URL,
		nats.Name("judgeflow"),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b := &NATSBus{conn: nc, cfg: cfg, logger: logger}

	if cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		b.js = js
		if err := b.ensureStream(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream: %w", err)
		}
	}

	logger.Info("connected to NATS",
		zap.String("url", cfg.URL),
		zap.Bool("jetstream", cfg.JetStream))
	return b, nil
}

// ensureStream 创建或更新 JetStream 流
func (b *NATSBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.cfg.StreamName,
		Subjects:  []string{b.cfg.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}
	if _, err := b.js.StreamInfo(b.cfg.StreamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

func (b *NATSBus) subject(topic string) string {
	return b.cfg.SubjectPrefix + "." + topic
}

func (b *NATSBus) topic(subject string) string {
	return strings.TrimPrefix(subject, b.cfg.SubjectPrefix+".")
}

// Publish 发布事件
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := b.subject(ev.Topic)
	if b.js != nil {
		if _, err := b.js.Publish(subject, data, nats.Context(ctx), nats.MsgId(ev.ID)); err != nil {
			return fmt.Errorf("failed to publish event to %s: %w", subject, err)
		}
		return nil
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	return nil
}

// Subscribe 订阅主题；配置了 QueueGroup 时多实例间负载均衡
func (b *NATSBus) Subscribe(topic string, handler Handler) (Subscription, error) {
	subject := b.subject(topic)
	cb := func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			b.logger.Warn("failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			if b.js != nil {
				_ = msg.Term()
			}
			return
		}
		if ev.Topic == "" {
			ev.Topic = b.topic(msg.Subject)
		}
		handler(context.Background(), ev)
		if b.js != nil {
			_ = msg.Ack()
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	switch {
	case b.js != nil:
		durable := strings.NewReplacer(".", "-", "*", "all", ">", "rest").Replace(b.cfg.SubjectPrefix + "-" + topic)
		opts := []nats.SubOpt{nats.Durable(durable), nats.AckExplicit(), nats.MaxDeliver(3), nats.AckWait(30 * time.Second)}
		if b.cfg.QueueGroup != "" {
			sub, err = b.js.QueueSubscribe(subject, b.cfg.QueueGroup, cb, opts...)
		} else {
			sub, err = b.js.Subscribe(subject, cb, opts...)
		}
	case b.cfg.QueueGroup != "":
		sub, err = b.conn.QueueSubscribe(subject, b.cfg.QueueGroup, cb)
	default:
		sub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	b.logger.Info("subscribed", zap.String("subject", subject))
	return sub, nil
}

// Ping 检查连接状态（健康检查用）
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close 排空订阅并关闭连接
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
