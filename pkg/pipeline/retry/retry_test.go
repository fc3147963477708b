package retry_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func TestDo_RetryableExhaustsAttempts(t *testing.T) {
	t.Parallel()

	want := core.NewNetworkError("connection reset", nil)
	calls := 0
	rec := &sleepRecorder{}

	_, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second},
		func(context.Context) (string, error) {
			calls++
			return "", want
		},
		retry.WithSleep(rec.sleep),
	)

	assert.Equal(t, 3, calls)
	assert.Same(t, want, err, "final error must be the original error value")
	assert.Len(t, rec.waits, 2)
}

func TestDo_BackoffSchedule(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	_, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 150 * time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			return 0, core.NewScrapingError("element detached", "DETACHED", nil)
		},
		retry.WithSleep(rec.sleep),
	)

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 150 * time.Millisecond}, rec.waits)
}

func TestDo_NonRetryableShortCircuits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "scraping not found", err: core.NewScrapingError("no such field", core.ReasonNotFound, nil)},
		{name: "validation", err: core.NewValidationError("Email", "invalid")},
		{name: "configuration", err: core.NewConfigurationError("surface", "unsupported page")},
		{name: "unclassified", err: errors.New("permanent")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &sleepRecorder{}
			calls := 0
			_, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 10, BaseDelay: time.Millisecond},
				func(context.Context) (string, error) {
					calls++
					return "", tt.err
				},
				retry.WithSleep(rec.sleep),
			)
			assert.Equal(t, 1, calls)
			assert.Same(t, tt.err, err)
			assert.Empty(t, rec.waits)
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	calls := 0
	var retries []retry.Attempt
	out, err := retry.Do(context.Background(), retry.DefaultPolicy,
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", core.NewNetworkError("try again", nil)
			}
			return "ok", nil
		},
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
		retry.OnRetry(func(a retry.Attempt) { retries = append(retries, a) }),
	)

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Number)
	assert.Equal(t, time.Second, retries[0].Delay)
	assert.Equal(t, 2*time.Second, retries[1].Delay)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry.Do(ctx, retry.Policy{MaxAttempts: 5, BaseDelay: time.Hour},
		func(context.Context) (string, error) {
			calls++
			cancel()
			return "", core.NewNetworkError("reset", nil)
		},
	)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	out, err := retry.Do(context.Background(), retry.Policy{MaxAttempts: 2},
		func(ctx context.Context) (string, error) {
			calls++
			if calls == 1 {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "ok", nil
		},
		retry.WithAttemptTimeout(10*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 2, calls)
}

func TestPolicyDelay(t *testing.T) {
	p := retry.DefaultPolicy
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(60))

	uncapped := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	assert.Equal(t, 4*time.Millisecond, uncapped.Delay(3))

	uncapped = retry.Policy{MaxAttempts: 100, BaseDelay: time.Second}
	prevUncapped := time.Duration(0)
	for n := 1; n <= 100; n++ {
		d := uncapped.Delay(n)
		require.Positive(t, d, "retry %d", n)
		assert.GreaterOrEqual(t, d, prevUncapped, "retry %d", n)
		prevUncapped = d
	}
	assert.Equal(t, time.Duration(math.MaxInt64), uncapped.Delay(100))

	prev := time.Duration(0)
	for n := 1; n < 20; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev, "delay must not decrease")
		prev = d
	}
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, retry.DefaultPolicy.Validate())
	err := retry.Policy{MaxAttempts: 0}.Validate()
	assert.True(t, core.IsFatal(err))
	assert.Error(t, retry.Policy{MaxAttempts: 1, BaseDelay: -time.Second}.Validate())
	assert.True(t, retry.Policy{}.IsZero())
}
