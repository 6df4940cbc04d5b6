package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/judgeflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_Success(t *testing.T) {
	r := New(fastPolicy(), zap.NewNop())

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount, "应该只调用一次")
}

func TestRetryer_RetryAndSuccess(t *testing.T) {
	r := New(fastPolicy(), zap.NewNop())

	callCount := 0
	transient := types.NewTransientError("mes", errors.New("reset"))
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		if callCount < 3 {
			return transient
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestRetryer_PermanentErrorStops(t *testing.T) {
	r := New(fastPolicy(), zap.NewNop())

	callCount := 0
	err := r.Do(context.Background(), func(context.Context) error {
		callCount++
		return types.NewPermanentError("bad rule", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, callCount)
	assert.True(t, types.IsErrorCode(err, types.ErrPermanentNode))
}

func TestRetryer_Exhausted(t *testing.T) {
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }
	r := New(p, zap.NewNop())

	boom := errors.New("upstream 503")
	_, err := DoWithResult(context.Background(), r, func(context.Context) (string, error) {
		return "", boom
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []int{1, 2, 3}, retries)
}

func TestRetryer_ContextCancelled(t *testing.T) {
	p := fastPolicy()
	p.InitialDelay = time.Second
	p.MaxDelay = time.Second
	r := New(p, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, func(context.Context) error { return errors.New("flaky") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPolicy_Normalize(t *testing.T) {
	p := Policy{MaxRetries: -1, Multiplier: 0.5}.Normalize()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
}

func TestProperty_BackoffBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff stays within [initial, max*1.25]", prop.ForAll(
		func(attempt int, jitter bool) bool {
			p := Policy{
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     time.Second,
				Multiplier:   2,
				Jitter:       jitter,
			}.Normalize()
			d := p.Backoff(attempt)
			return d >= p.InitialDelay && d <= time.Duration(float64(p.MaxDelay)*1.25)
		},
		gen.IntRange(1, 40),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
