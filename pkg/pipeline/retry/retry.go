// Package retry runs an operation under exponential backoff, retrying only the
// failures the error taxonomy marks as transient.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// Policy bounds how often and how patiently an operation is reattempted.
type Policy struct {
	// MaxAttempts counts the first call. Must be >= 1.
	MaxAttempts int
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps exponential growth. <=0 disables the cap.
	MaxDelay time.Duration
}

// DefaultPolicy is used when a caller leaves the policy unset.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    10 * time.Second,
}

// IsZero reports whether p was left unset.
func (p Policy) IsZero() bool {
	return p == Policy{}
}

// Validate rejects policies that cannot run.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return core.NewConfigurationError("retry.max_attempts", "retry policy needs at least one attempt")
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return core.NewConfigurationError("retry.delay", "retry delays must not be negative")
	}
	return nil
}

// Delay returns the wait before retry number n (n starts at 1):
// min(BaseDelay * 2^(n-1), MaxDelay). Without a cap it saturates at the
// largest Duration instead of overflowing.
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Attempt describes a failed call that is about to be retried.
type Attempt struct {
	// Number is the attempt that just failed, starting at 1.
	Number int
	Delay  time.Duration
	Err    error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type options struct {
	classify       func(error) bool
	sleep          SleepFunc
	onRetry        func(Attempt)
	jitterFrac     float64
	attemptTimeout time.Duration
}

// Option customises Do.
type Option func(*options)

// WithClassifier replaces core.IsRetryable.
func WithClassifier(fn func(error) bool) Option {
	return func(o *options) { o.classify = fn }
}

// WithSleep replaces the timer-based wait. Tests use it to observe delays.
func WithSleep(fn SleepFunc) Option {
	return func(o *options) { o.sleep = fn }
}

// OnRetry is called before each backoff wait.
func OnRetry(fn func(Attempt)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithJitter applies +/- frac to every backoff wait (0.2 = +/-20%).
func WithJitter(frac float64) Option {
	return func(o *options) { o.jitterFrac = frac }
}

// WithAttemptTimeout bounds each call. A call that hits this deadline while the
// parent context is still live is reported as a network error, so it is retried.
func WithAttemptTimeout(d time.Duration) Option {
	return func(o *options) { o.attemptTimeout = d }
}

// Do calls op until it succeeds, fails with a non-retryable error, or runs out
// of attempts. The error returned is the last one op produced, unchanged.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		classify: core.IsRetryable,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	var last T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		out, err := call(ctx, op, o.attemptTimeout)
		last = out
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return last, ctx.Err()
		}
		if attempt >= p.MaxAttempts || !o.classify(err) {
			return last, err
		}

		d := jitter(p.Delay(attempt), o.jitterFrac)
		if o.onRetry != nil {
			o.onRetry(Attempt{Number: attempt, Delay: d, Err: err})
		}
		if err := o.sleep(ctx, d); err != nil {
			return last, err
		}
	}
}

func call[T any](ctx context.Context, op func(context.Context) (T, error), timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := op(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		if _, classified := core.KindOf(err); !classified {
			err = core.NewNetworkError("attempt timed out after "+timeout.String(), err)
		}
	}
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	j := float64(d) * (1 + (rand.Float64()*2-1)*frac)
	if j >= math.MaxInt64 {
		return math.MaxInt64
	}
	return time.Duration(j)
}
