// Package pool 提供工作流节点派发使用的有界协程池。
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed    = errors.New("worker pool is closed")
	ErrQueueFull = errors.New("worker pool queue is full")
)

// Task 一次节点执行或补偿
type Task func(ctx context.Context) error

// Config 协程池配置
type Config struct {
	// MaxWorkers 同时运行的 worker 上限
	MaxWorkers int `json:"max_workers"`
	// QueueSize 等待队列长度，满了之后 Submit 直接拒绝
	QueueSize int `json:"queue_size"`
	// IdleTimeout 空闲 worker 退出前的等待时间，最后一个 worker 常驻
	IdleTimeout time.Duration `json:"idle_timeout"`
	// OnPanic 任务 panic 时回调
	OnPanic func(recovered any) `json:"-"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers:  8,
		QueueSize:   1024,
		IdleTimeout: 30 * time.Second,
	}
}

type job struct {
	ctx context.Context
	fn  Task
}

// Pool 按需扩容的 worker 集合
type Pool struct {
	cfg   Config
	queue chan job

	// mu 保证 Close 与投递互斥，避免向已关闭的 channel 发送
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	workers atomic.Int32
	busy    atomic.Int32

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New 创建协程池，非法配置回落到默认值
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &Pool{cfg: cfg, queue: make(chan job, cfg.QueueSize)}
}

// Submit 非阻塞投递；队列已满且无法扩容时返回 ErrQueueFull
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.submitted.Add(1)

	j := job{ctx: ctx, fn: fn}
	p.grow()
	select {
	case p.queue <- j:
		return nil
	default:
	}
	p.rejected.Add(1)
	return ErrQueueFull
}

// grow 在忙碌 worker 占满且未达上限时补一个 worker
func (p *Pool) grow() {
	for {
		n := p.workers.Load()
		if n >= int32(p.cfg.MaxWorkers) {
			return
		}
		if n > 0 && p.busy.Load() < n && len(p.queue) == 0 {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return
		}
	}
}

func (p *Pool) work() {
	defer p.wg.Done()

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.workers.Add(-1)
				return
			}
			p.busy.Add(1)
			err := p.run(j)
			p.busy.Add(-1)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.succeeded.Add(1)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			// 至少保留一个 worker
			if n := p.workers.Load(); n > 1 && p.workers.CompareAndSwap(n, n-1) {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.OnPanic != nil {
				p.cfg.OnPanic(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return j.fn(j.ctx)
}

// Close 停止接收任务，已入队的任务执行完后返回
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats 协程池统计
type Stats struct {
	Workers   int   `json:"workers"`
	Busy      int   `json:"busy"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   int(p.workers.Load()),
		Busy:      int(p.busy.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
