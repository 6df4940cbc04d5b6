package canary

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/judgeflow/testutil"
	"github.com/BaSui01/judgeflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) *GormStore {
	t.Helper()
	store := NewGormStore(testutil.NewSQLiteDB(t))
	require.NoError(t, store.AutoMigrate())
	return store
}

func TestGormStore_ControllerRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	clock := newFakeClock()
	ctx := context.Background()

	c := NewController(store, zap.NewNop(), WithClock(clock.Now))
	_, err := c.Deploy(ctx, DeployRequest{
		Target:   defectRules,
		Version:  "1.0.0",
		Body:     "rules: v1",
		Metadata: map[string]string{"policy": "HYBRID_WEIGHTED"},
	})
	require.NoError(t, err)
	clock.Advance(time.Second)
	cr := DefaultCriteria()
	cr.MinSamples = 7
	d, err := c.Deploy(ctx, DeployRequest{Target: defectRules, Version: "1.1.0", Body: "rules: v2", InitialTrafficPercent: 25, Criteria: &cr})
	require.NoError(t, err)

	c.RecordOutcome(Resolution{DeploymentID: d.ID, Candidate: true}, true)
	require.NoError(t, c.Tick(ctx))

	restored := NewController(store, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, restored.Load(ctx))

	got, err := restored.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 25, got.TrafficPercent)
	assert.Equal(t, 7, got.Criteria.MinSamples)
	assert.Equal(t, []int{10, 50, 100}, got.Criteria.Steps)
	assert.Equal(t, 1, got.Candidate.Errors, "window stats are persisted on tick")

	p, ok := restored.Pointer(defectRules)
	require.True(t, ok)
	assert.Equal(t, d.ToVersion, p.Candidate)
	assert.Equal(t, 25, p.TrafficPercent)

	versions := restored.Versions(defectRules)
	require.Len(t, versions, 2)
	assert.Equal(t, "HYBRID_WEIGHTED", versions[0].Policy())

	_, err = restored.Rollback(ctx, d.ID, "operator", "bob")
	require.NoError(t, err)

	pointers, err := store.LoadPointers(ctx)
	require.NoError(t, err)
	assert.Equal(t, Pointer{Current: d.FromVersion}, pointers[defectRules])

	audit, err := store.ListAudit(ctx, "")
	require.NoError(t, err)
	assert.Len(t, audit, 3)
}

func TestGormStore_GetDeploymentNotFound(t *testing.T) {
	store := newSQLiteStore(t)
	_, err := store.GetDeployment(context.Background(), "nope")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}
