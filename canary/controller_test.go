package canary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/judgeflow/eventbus"
	"github.com/BaSui01/judgeflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var defectRules = Target{Kind: KindRule, WorkflowID: "defect-check"}

func newTestController(t *testing.T, opts ...Option) (*Controller, *fakeClock, *MemoryStore) {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewController(store, zap.NewNop(), opts...), clock, store
}

// bootstrap 部署 v1 并以 v2 启动灰度
func startCanary(t *testing.T, c *Controller, traffic int, cr *Criteria) *Deployment {
	t.Helper()
	ctx := context.Background()
	_, err := c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "1.0.0", Body: "rules: v1"})
	require.NoError(t, err)
	d, err := c.Deploy(ctx, DeployRequest{
		Target:                defectRules,
		Version:               "1.1.0",
		Body:                  "rules: v2",
		InitialTrafficPercent: traffic,
		Criteria:              cr,
		Actor:                 "alice",
	})
	require.NoError(t, err)
	return d
}

func TestController_RegisterIdempotentAndConflict(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	v1, err := c.Register(ctx, defectRules, "1.0.0", "rules: a", map[string]string{"policy": "GATE"})
	require.NoError(t, err)
	assert.Equal(t, "GATE", v1.Policy())

	again, err := c.Register(ctx, defectRules, "1.0.0", "rules: a", nil)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, again.ID)

	_, err = c.Register(ctx, defectRules, "1.0.0", "rules: b", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))

	_, err = c.Register(ctx, Target{Kind: "model", WorkflowID: "x"}, "1", "b", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestController_ValidatorRejectsBody(t *testing.T) {
	c, _, _ := newTestController(t, WithValidator(func(kind Kind, body string) error {
		if kind == KindRule && body == "broken" {
			return errors.New("parse error")
		}
		return nil
	}))
	_, err := c.Register(context.Background(), defectRules, "1.0.0", "broken", nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.Empty(t, c.Versions(defectRules))
}

func TestController_BootstrapPromotesImmediately(t *testing.T) {
	c, _, _ := newTestController(t)
	d, err := c.Deploy(context.Background(), DeployRequest{Target: defectRules, Version: "1.0.0", Body: "rules: v1"})
	require.NoError(t, err)

	assert.Equal(t, StatusPromoted, d.Status)
	assert.Equal(t, 100, d.TrafficPercent)
	assert.Equal(t, "initial version", d.Reason)

	res, ok := c.Resolve(defectRules, "req-1")
	require.True(t, ok)
	assert.Equal(t, d.ToVersion, res.Version.ID)
	assert.False(t, res.Candidate)
	assert.Empty(t, res.DeploymentID)
}

func TestController_ResolveUnknownTarget(t *testing.T) {
	c, _, _ := newTestController(t)
	_, ok := c.Resolve(defectRules, "k")
	assert.False(t, ok)
}

func TestController_DeployConflictsAndValidation(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	d := startCanary(t, c, 10, nil)
	assert.Equal(t, StatusRunning, d.Status)
	assert.Equal(t, 10, d.TrafficPercent)

	_, err := c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "1.2.0", Body: "rules: v3"})
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))

	_, err = c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "9.9.9"})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	_, err = c.Rollback(ctx, d.ID, "", "bob")
	require.NoError(t, err)

	_, err = c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "1.0.0"})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation), "deploying the current version is rejected")
}

func TestController_TrafficIsMonotonic(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	d := startCanary(t, c, 10, nil)

	_, err := c.SetTraffic(ctx, d.ID, 5, "bob")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, err = c.SetTraffic(ctx, d.ID, 10, "bob")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, err = c.SetTraffic(ctx, d.ID, 101, "bob")
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	d, err = c.SetTraffic(ctx, d.ID, 50, "bob")
	require.NoError(t, err)
	assert.Equal(t, 50, d.TrafficPercent)
	p, _ := c.Pointer(defectRules)
	assert.Equal(t, 50, p.TrafficPercent)

	d, err = c.SetTraffic(ctx, d.ID, 100, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusPromoted, d.Status)

	p, _ = c.Pointer(defectRules)
	assert.Equal(t, Pointer{Current: d.ToVersion}, p)
}

func TestController_RollbackResetsTrafficAndStopsRouting(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()
	d := startCanary(t, c, 50, nil)

	candidateHits := 0
	for i := 0; i < 200; i++ {
		res, ok := c.Resolve(defectRules, fmt.Sprintf("req-%d", i))
		require.True(t, ok)
		if res.Candidate {
			candidateHits++
			assert.Equal(t, d.ToVersion, res.Version.ID)
		}
	}
	assert.Greater(t, candidateHits, 50)
	assert.Less(t, candidateHits, 150)

	rolled, err := c.Rollback(ctx, d.ID, "bad verdicts", "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, rolled.Status)
	assert.Equal(t, 0, rolled.TrafficPercent)
	require.NotNil(t, rolled.EndedAt)

	for i := 0; i < 200; i++ {
		res, ok := c.Resolve(defectRules, fmt.Sprintf("req-%d", i))
		require.True(t, ok)
		assert.False(t, res.Candidate)
		assert.Equal(t, d.FromVersion, res.Version.ID)
	}

	_, err = c.Rollback(ctx, d.ID, "", "bob")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	_, err = c.Promote(ctx, d.ID, "bob")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))

	records, err := c.Audit(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ActionDeploy, records[0].Action)
	assert.Equal(t, ActionRollback, records[1].Action)
	assert.Equal(t, "bad verdicts", records[1].Reason)
}

func TestController_ResolveIsStickyWithinSlot(t *testing.T) {
	c, clock, _ := newTestController(t, WithRoutingSlot(time.Minute))
	startCanary(t, c, 30, nil)

	first, _ := c.Resolve(defectRules, "line-7")
	for i := 0; i < 20; i++ {
		clock.Advance(time.Second)
		res, _ := c.Resolve(defectRules, "line-7")
		assert.Equal(t, first.Candidate, res.Candidate)
	}
}

func TestController_TickRollsBackOnConsecutiveFailures(t *testing.T) {
	bus := eventbus.NewMemoryBus(zap.NewNop())
	defer bus.Close()

	var (
		mu      sync.Mutex
		actions []string
	)
	_, err := bus.Subscribe(eventbus.TopicRuleDeployed, func(_ context.Context, ev eventbus.Event) {
		mu.Lock()
		actions = append(actions, ev.Data["action"].(string))
		mu.Unlock()
	})
	require.NoError(t, err)

	c, _, _ := newTestController(t, WithBus(bus))
	cr := DefaultCriteria()
	cr.ConsecutiveFailureThreshold = 3
	d := startCanary(t, c, 100-1, &cr)

	res := Resolution{DeploymentID: d.ID, Candidate: true}
	for i := 0; i < 3; i++ {
		c.RecordOutcome(res, true)
	}
	require.NoError(t, c.Tick(context.Background()))

	got, err := c.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Contains(t, got.Reason, "consecutive")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(actions) == 3
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{ActionBootstrap, ActionDeploy, ActionRollback}, actions)
	mu.Unlock()

	// 终态后的结果不再计入
	c.RecordOutcome(res, true)
	got, _ = c.Get(context.Background(), d.ID)
	assert.Equal(t, 3, got.Candidate.Errors)
}

func TestController_TickRollsBackOnRelativeErrorRate(t *testing.T) {
	c, _, _ := newTestController(t)
	cr := Criteria{MinSamples: 10, MaxErrorRate: 0.5, RelativeErrorThreshold: 2, ConsecutiveFailureThreshold: 100}
	d := startCanary(t, c, 50, &cr)

	for i := 0; i < 10; i++ {
		c.RecordOutcome(Resolution{DeploymentID: d.ID, Candidate: false}, i == 0) // 10%
		c.RecordOutcome(Resolution{DeploymentID: d.ID, Candidate: true}, i%3 == 0) // 40%
	}
	require.NoError(t, c.Tick(context.Background()))

	got, _ := c.Get(context.Background(), d.ID)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Contains(t, got.Reason, "incumbent")
}

func TestController_TickRollsBackOnNegativeFeedback(t *testing.T) {
	c, _, _ := newTestController(t)
	cr := Criteria{MinSamples: 4, MaxNegativeFeedbackRate: 0.25}
	d := startCanary(t, c, 10, &cr)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, c.RecordFeedback(ctx, d.ID, true, i < 2))
	}
	require.NoError(t, c.Tick(ctx))

	got, _ := c.Get(ctx, d.ID)
	assert.Equal(t, StatusRolledBack, got.Status)
	assert.Contains(t, got.Reason, "negative feedback")

	err := c.RecordFeedback(ctx, d.ID, true, true)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition))
	err = c.RecordFeedback(ctx, "missing", true, true)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestController_TickStepsUpAndPromotes(t *testing.T) {
	c, clock, _ := newTestController(t)
	cr := Criteria{MinSamples: 2, Steps: []int{10, 50, 100}, AutoPromote: true, ObservationWindow: time.Minute}
	d := startCanary(t, c, 0, &cr)
	require.Equal(t, 10, d.TrafficPercent)
	ctx := context.Background()

	healthy := func() {
		for i := 0; i < 2; i++ {
			c.RecordOutcome(Resolution{DeploymentID: d.ID, Candidate: true}, false)
		}
	}

	healthy()
	require.NoError(t, c.Tick(ctx))
	got, _ := c.Get(ctx, d.ID)
	assert.Equal(t, 10, got.TrafficPercent, "observation window has not elapsed")

	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Tick(ctx))
	got, _ = c.Get(ctx, d.ID)
	assert.Equal(t, 50, got.TrafficPercent)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Zero(t, got.Candidate.Samples, "stats reset on each step")

	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Tick(ctx))
	got, _ = c.Get(ctx, d.ID)
	assert.Equal(t, 50, got.TrafficPercent, "needs fresh samples after a step")

	healthy()
	require.NoError(t, c.Tick(ctx))
	got, _ = c.Get(ctx, d.ID)
	assert.Equal(t, StatusPromoted, got.Status)
	assert.Equal(t, 100, got.TrafficPercent)

	res, ok := c.Resolve(defectRules, "any")
	require.True(t, ok)
	assert.Equal(t, d.ToVersion, res.Version.ID)
	assert.False(t, res.Candidate)
}

func TestController_LoadRestoresState(t *testing.T) {
	c, clock, store := newTestController(t)
	d := startCanary(t, c, 10, nil)

	restored := NewController(store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, restored.Load(context.Background()))

	p, ok := restored.Pointer(defectRules)
	require.True(t, ok)
	assert.Equal(t, d.ID, p.DeploymentID)
	assert.Equal(t, 10, p.TrafficPercent)

	running, ok := restored.Running(defectRules)
	require.True(t, ok)
	assert.Equal(t, d.ID, running.ID)
	assert.Len(t, restored.Versions(defectRules), 2)
	assert.Len(t, restored.List(), 2)
}

// 随机的流量调整序列下，运行中流量单调不减，终态不再变化
func TestController_TrafficMonotonicProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock()
		c := NewController(NewMemoryStore(), zap.NewNop(), WithClock(clock.Now))
		ctx := context.Background()
		_, err := c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "1", Body: "a"})
		if err != nil {
			rt.Fatal(err)
		}
		d, err := c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "2", Body: "b", InitialTrafficPercent: 1})
		if err != nil {
			rt.Fatal(err)
		}

		last := d.TrafficPercent
		var terminal DeploymentStatus
		ops := rapid.SliceOfN(rapid.IntRange(0, 101), 1, 30).Draw(rt, "ops")
		for _, op := range ops {
			switch {
			case op == 0:
				_, _ = c.Rollback(ctx, d.ID, "", "prop")
			default:
				_, _ = c.SetTraffic(ctx, d.ID, op, "prop")
			}
			got, _ := c.Get(ctx, d.ID)
			if terminal != "" {
				if got.Status != terminal {
					rt.Fatalf("terminal status changed from %s to %s", terminal, got.Status)
				}
				continue
			}
			if got.Status.Terminal() {
				terminal = got.Status
				if p, _ := c.Pointer(defectRules); p.Candidate != "" {
					rt.Fatalf("candidate still routed after %s", got.Status)
				}
				continue
			}
			if got.TrafficPercent < last {
				rt.Fatalf("traffic decreased from %d to %d", last, got.TrafficPercent)
			}
			last = got.TrafficPercent
		}
	})
}
