package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Options struct {
	Workers int

	// RateLimitRPS is a global limit across all workers. Set to <=0 to disable.
	RateLimitRPS float64

	// Delay is waited before the next dispatch whenever the item that freed a
	// worker reported itself as paced. It is skipped after the last item.
	Delay time.Duration

	// Stop is consulted between items, after any Delay. Returning true stops
	// dispatch; items already running finish normally.
	Stop func() bool
}

// SetupFunc prepares per-worker state (for example a dedicated browser). The
// returned release func, if non-nil, runs when the worker exits.
type SetupFunc[S any] func(ctx context.Context, worker int) (S, func(), error)

// ProcessFunc handles one item. paced asks the dispatcher to honour Delay before
// the next item; a non-nil error is fatal to the whole run.
type ProcessFunc[S any, In any, Out any] func(ctx context.Context, state S, idx int, in In) (out Out, paced bool, err error)

// Result holds the output for one input item. Processed is false for items that
// were never dispatched.
type Result[Out any] struct {
	Index     int
	Output    Out
	Processed bool
}

func (o Options) withDefaults(n int) Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Workers > n {
		o.Workers = n
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Run processes items on a bounded pool of workers, each owning the state its
// setup produced. With one worker items run strictly in order.
//
// On a fatal error the run is cancelled and the error returned together with
// whatever had completed. Cancellation of ctx behaves the same way with ctx.Err().
func Run[S any, In any, Out any](
	ctx context.Context,
	items []In,
	setup SetupFunc[S],
	process ProcessFunc[S, In, Out],
	opts Options,
) ([]Result[Out], error) {
	out := make([]Result[Out], len(items))
	for i := range out {
		out[i].Index = i
	}
	if len(items) == 0 {
		return out, ctx.Err()
	}
	opts = opts.withDefaults(len(items))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), 1)
	}

	type job struct {
		idx int
		in  In
	}
	// A token is handed back by a worker each time it becomes free.
	type token struct {
		paced bool
	}

	jobs := make(chan job)
	idle := make(chan token, opts.Workers)

	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error
	fail := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		if firstErr == nil {
			firstErr = err
			cancel()
		}
		mu.Unlock()
	}

	workerFn := func(id int) {
		defer wg.Done()
		var state S
		if setup != nil {
			s, release, err := setup(runCtx, id)
			if err != nil {
				fail(err)
				return
			}
			if release != nil {
				defer release()
			}
			state = s
		}
		idle <- token{}
		for j := range jobs {
			if limiter != nil {
				if err := limiter.Wait(runCtx); err != nil {
					return
				}
			}
			o, paced, err := process(runCtx, state, j.idx, j.in)
			if err != nil {
				fail(err)
				return
			}
			out[j.idx].Output = o
			out[j.idx].Processed = true
			select {
			case idle <- token{paced: paced}:
			case <-runCtx.Done():
				return
			}
		}
	}

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go workerFn(i)
	}

	func() {
		defer close(jobs)
		for i, item := range items {
			var tok token
			select {
			case tok = <-idle:
			case <-runCtx.Done():
				return
			}
			if tok.paced && opts.Delay > 0 && !sleepCtx(runCtx, opts.Delay) {
				return
			}
			if opts.Stop != nil && opts.Stop() {
				return
			}
			select {
			case jobs <- job{idx: i, in: item}:
			case <-runCtx.Done():
				return
			}
		}
	}()

	wg.Wait()

	mu.Lock()
	err := firstErr
	mu.Unlock()
	if err != nil {
		return out, err
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
