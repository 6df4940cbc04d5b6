package canary

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// hookStore 在内存存储外包一层，用于注入延迟与写入失败
type hookStore struct {
	*MemoryStore

	mu             sync.Mutex
	saveDeployment func(d *Deployment) error
}

func (s *hookStore) SaveDeployment(ctx context.Context, d *Deployment) error {
	s.mu.Lock()
	hook := s.saveDeployment
	s.mu.Unlock()
	if hook != nil {
		if err := hook(d); err != nil {
			return err
		}
	}
	return s.MemoryStore.SaveDeployment(ctx, d)
}

func (s *hookStore) setHook(fn func(d *Deployment) error) {
	s.mu.Lock()
	s.saveDeployment = fn
	s.mu.Unlock()
}

func newHookController(t *testing.T) (*Controller, *hookStore) {
	t.Helper()
	store := &hookStore{MemoryStore: NewMemoryStore()}
	return NewController(store, zap.NewNop(), WithClock(newFakeClock().Now)), store
}

func TestController_FullTrafficDeployKeepsReason(t *testing.T) {
	c, _, store := newTestController(t)
	d := startCanary(t, c, 100, nil)

	assert.Equal(t, StatusPromoted, d.Status)
	assert.Equal(t, "deployed at full traffic", d.Reason)

	persisted, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, "deployed at full traffic", persisted.Reason)
}

func TestController_OutcomesNotBlockedByStoreWrites(t *testing.T) {
	c, store := newHookController(t)
	d := startCanary(t, c, 10, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	store.setHook(func(*Deployment) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	tickDone := make(chan error, 1)
	go func() { tickDone <- c.Tick(context.Background()) }()
	<-entered

	recorded := make(chan struct{})
	go func() {
		c.RecordOutcome(Resolution{DeploymentID: d.ID, Candidate: true}, false)
		close(recorded)
	}()
	select {
	case <-recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("RecordOutcome blocked while the store write was in flight")
	}

	close(release)
	require.NoError(t, <-tickDone)
	got, err := c.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Candidate.Samples)
}

func TestController_FailedDeploymentWriteRestoresPointer(t *testing.T) {
	c, store := newHookController(t)
	d := startCanary(t, c, 10, nil)
	before, ok := c.Pointer(defectRules)
	require.True(t, ok)

	store.setHook(func(*Deployment) error { return errors.New("disk full") })
	_, err := c.Rollback(context.Background(), d.ID, "bad verdicts", "bob")
	require.Error(t, err)

	// 内存与存储都保持灰度进行中
	after, _ := c.Pointer(defectRules)
	assert.Equal(t, before, after)
	stored, err := store.LoadPointers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, stored[defectRules])

	got, err := c.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	store.setHook(nil)
	rolled, err := c.Rollback(context.Background(), d.ID, "bad verdicts", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rolled.Status)
}

func TestController_LoadDropsOrphanCandidatePointer(t *testing.T) {
	c, clock, store := newTestController(t)
	d := startCanary(t, c, 10, nil)

	// 模拟指针已写入、部署记录停留在旧状态的崩溃现场
	stale, err := store.GetDeployment(context.Background(), d.ID)
	require.NoError(t, err)
	ended := clock.Now()
	stale.Status, stale.EndedAt = StatusRolledBack, &ended
	require.NoError(t, store.SaveDeployment(context.Background(), stale))

	restored := NewController(store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, restored.Load(context.Background()))

	p, ok := restored.Pointer(defectRules)
	require.True(t, ok)
	assert.Equal(t, d.FromVersion, p.Current)
	assert.Empty(t, p.Candidate)
	assert.Zero(t, p.TrafficPercent)
}
