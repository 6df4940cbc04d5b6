package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SubmitRunsTasks(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 16})
	defer p.Close()

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			defer wg.Done()
			ran.Add(1)
			return nil
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())
	assert.LessOrEqual(t, p.Stats().Workers, 4)
}

func TestPool_FailedTasksCounted(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return assert.AnError }))
	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestPool_QueueFull(t *testing.T) {
	p := New(Config{MaxWorkers: 1, QueueSize: 1})
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	// 唯一的 worker 被占住，队列只能再放一个
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrQueueFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)
	close(release)
}

func TestPool_PanicRecovered(t *testing.T) {
	var recovered atomic.Value
	p := New(Config{MaxWorkers: 1, QueueSize: 1, OnPanic: func(r any) { recovered.Store(r) }})
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	assert.Eventually(t, func() bool { return p.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "boom", recovered.Load())

	// panic 之后池仍可用
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { close(done); return nil }))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pool stopped running tasks after a panic")
	}
}

func TestPool_Close(t *testing.T) {
	p := New(Config{MaxWorkers: 2, QueueSize: 4})
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}))
	}
	p.Close()
	assert.Equal(t, int32(3), ran.Load(), "queued tasks drain before Close returns")
	assert.ErrorIs(t, p.Submit(context.Background(), func(context.Context) error { return nil }), ErrClosed)
	p.Close()
}

func TestPool_IdleWorkersRetire(t *testing.T) {
	p := New(Config{MaxWorkers: 4, QueueSize: 8, IdleTimeout: 20 * time.Millisecond})
	defer p.Close()

	var wg sync.WaitGroup
	block := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			defer wg.Done()
			<-block
			return nil
		}))
	}
	close(block)
	wg.Wait()
	assert.Eventually(t, func() bool { return p.Stats().Workers == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDefaultConfig(t *testing.T) {
	p := New(Config{})
	defer p.Close()
	assert.Equal(t, DefaultConfig().MaxWorkers, p.cfg.MaxWorkers)
	assert.Equal(t, DefaultConfig().IdleTimeout, p.cfg.IdleTimeout)
}
