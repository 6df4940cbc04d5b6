package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"go.uber.org/zap"
)

// ErrCircuitOpen 熔断器打开时快速失败返回的哨兵错误
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（只放行一次试探调用）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureRateThreshold 滚动窗口内失败率阈值（0~1），达到后熔断
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`

	// MinRequests 窗口内至少多少次调用才计算失败率
	MinRequests int `yaml:"min_requests" json:"min_requests"`

	// Window 滚动窗口长度
	Window time.Duration `yaml:"window" json:"window"`

	// CoolDown 熔断后等待多久进入半开
	CoolDown time.Duration `yaml:"cool_down" json:"cool_down"`

	// ConsecutiveFailures 连续失败次数达到后直接熔断（0 表示不启用）
	ConsecutiveFailures int `yaml:"consecutive_failures" json:"consecutive_failures"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureRateThreshold: 0.5,
		MinRequests:          5,
		Window:               60 * time.Second,
		CoolDown:             30 * time.Second,
		ConsecutiveFailures:  5,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.MinRequests <= 0 {
		c.MinRequests = d.MinRequests
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CoolDown <= 0 {
		c.CoolDown = d.CoolDown
	}
	if c.ConsecutiveFailures < 0 {
		c.ConsecutiveFailures = 0
	}
	return c
}

// Event 熔断器状态变更事件
type Event struct {
	Target    string    `json:"target"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot 熔断器状态快照
type Snapshot struct {
	Target         string    `json:"target"`
	State          string    `json:"state"`
	WindowRequests int       `json:"window_requests"`
	WindowFailures int       `json:"window_failures"`
	OpenedAt       time.Time `json:"opened_at,omitempty"`
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker 单个外部目标的熔断器
type Breaker struct {
	target  string
	config  Config
	now     func() time.Time
	onEvent func(Event)
	logger  *zap.Logger

	mu            sync.Mutex
	state         State
	outcomes      []outcome
	consecutive   int
	openedAt      time.Time
	trialInFlight bool
}

func newBreaker(target string, config Config, now func() time.Time, onEvent func(Event), logger *zap.Logger) *Breaker {
	return &Breaker{
		target:  target,
		config:  config,
		now:     now,
		onEvent: onEvent,
		logger:  logger.With(zap.String("target", target)),
		state:   StateClosed,
	}
}

// State 获取当前状态（会根据冷却时间推导 OPEN → HALF_OPEN 的可见状态）
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.CoolDown {
		return StateHalfOpen
	}
	return b.state
}

// allow 判断是否放行；返回 true 时调用方必须随后调用 record 或 release
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.CoolDown {
			return false
		}
		b.transitionTo(StateHalfOpen, "cool-down elapsed")
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// record 记录一次调用结果
func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		if failed {
			b.openedAt = now
			b.transitionTo(StateOpen, "trial call failed")
			return
		}
		b.outcomes = b.outcomes[:0]
		b.consecutive = 0
		b.transitionTo(StateClosed, "trial call succeeded")
	case StateClosed:
		b.outcomes = append(b.outcomes, outcome{at: now, failed: failed})
		b.prune(now)
		if !failed {
			b.consecutive = 0
			return
		}
		b.consecutive++
		if n := b.config.ConsecutiveFailures; n > 0 && b.consecutive >= n {
			b.openedAt = now
			b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.consecutive))
			return
		}
		total, failures := b.counts()
		if total >= b.config.MinRequests && float64(failures)/float64(total) >= b.config.FailureRateThreshold {
			b.openedAt = now
			b.transitionTo(StateOpen, fmt.Sprintf("%d/%d failures in window", failures, total))
		}
	case StateOpen:
		// 熔断前发出的调用迟到的结果，忽略
	}
}

// release 放弃一次已放行但未产生有效结果的调用（例如调用方主动取消）
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[i:]...)
	}
}

func (b *Breaker) counts() (total, failures int) {
	for _, o := range b.outcomes {
		total++
		if o.failed {
			failures++
		}
	}
	return total, failures
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	b.logger.Info("circuit breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason))

	if b.onEvent != nil {
		ev := Event{Target: b.target, From: from, To: to, Reason: reason, Timestamp: b.now()}
		go b.onEvent(ev)
	}
}

func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.now())
	total, failures := b.counts()
	s := Snapshot{
		Target:         b.target,
		State:          b.state.String(),
		WindowRequests: total,
		WindowFailures: failures,
	}
	if b.state != StateClosed {
		s.OpenedAt = b.openedAt
	}
	return s
}

// =============================================================================
// Registry
// =============================================================================

// Option 注册表选项
type Option func(*Registry)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithEventHandler 注册状态变更回调（异步调用）
func WithEventHandler(fn func(Event)) Option {
	return func(r *Registry) { r.onEvent = fn }
}

// Registry 按外部目标维护熔断器，所有出站调用共享同一注册表
type Registry struct {
	config  Config
	now     func() time.Time
	onEvent func(Event)
	logger  *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config Config, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		config:   config.normalized(),
		now:      time.Now,
		logger:   logger.With(zap.String("component", "circuit_breaker")),
		breakers: make(map[string]*Breaker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get 获取或创建目标的熔断器
func (r *Registry) Get(target string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[target]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b := newBreaker(target, r.config, r.now, r.onEvent, r.logger)
	r.breakers[target] = b
	return b
}

// Execute 通过目标熔断器执行 fn。熔断打开时不调用 fn，直接返回 CIRCUIT_OPEN 错误。
// 调用方自身取消 context 不计入失败。
func (r *Registry) Execute(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	b := r.Get(target)
	if !b.allow() {
		return types.NewError(types.ErrCircuitOpen, "circuit open for "+target).
			WithCause(ErrCircuitOpen).
			WithTarget(target).
			WithRetryable(true).
			WithHTTPStatus(http.StatusServiceUnavailable)
	}

	// fn panic 时归还试探名额，否则半开状态将永远拒绝调用
	settled := false
	defer func() {
		if !settled {
			b.release()
		}
	}()

	err := fn(ctx)
	settled = true
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		b.release()
		return err
	}
	b.record(err != nil && countsAsFailure(err))
	return err
}

// countsAsFailure 校验/永久性错误是调用方的问题，不代表目标不健康
func countsAsFailure(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrValidation, types.ErrPermanentNode, types.ErrNotFound:
		return false
	}
	return true
}

// State 获取目标当前状态
func (r *Registry) State(target string) State {
	return r.Get(target).State()
}

// Snapshots 获取所有熔断器快照
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.snapshot())
	}
	return out
}

// IsOpen reports whether err came from an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}
