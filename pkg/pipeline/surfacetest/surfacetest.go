// Package surfacetest provides an in-memory core.Surface for tests.
package surfacetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
)

// Fake records every call. FillFunc and CaptureFunc override the defaults,
// which fill every field and capture {"status": "submitted"} after delay.
type Fake struct {
	FillFunc    func(ctx context.Context, rec core.Record, cfg core.FillConfig) (core.FillOutcome, error)
	CaptureFunc func(ctx context.Context, delay time.Duration) (core.CapturedData, error)
	NotReady    bool

	mu       sync.Mutex
	fills    []string
	captures int
	closed   bool
}

func (f *Fake) FillRecord(ctx context.Context, rec core.Record, cfg core.FillConfig) (core.FillOutcome, error) {
	f.mu.Lock()
	f.fills = append(f.fills, rec.ID)
	fn := f.FillFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, rec, cfg)
	}
	names := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return core.FillOutcome{Filled: names}, nil
}

func (f *Fake) WaitAndCapture(ctx context.Context, delay time.Duration) (core.CapturedData, error) {
	f.mu.Lock()
	f.captures++
	fn := f.CaptureFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, delay)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return core.CapturedData{}, ctx.Err()
		}
	}
	return core.CapturedData{Fields: map[string]string{"status": "submitted"}}, nil
}

func (f *Fake) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.NotReady && !f.closed
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Fills returns the record ID of every fill attempt, in call order.
func (f *Fake) Fills() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fills...)
}

// Captures returns how many times WaitAndCapture ran.
func (f *Fake) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Factory hands out one surface per worker.
type Factory struct {
	// New builds the surface for a worker; nil means a default Fake.
	New func(worker int) *Fake
	// Err, when set, is returned instead of a surface.
	Err error

	mu   sync.Mutex
	made []*Fake
}

func (fa *Factory) NewSurface(_ context.Context, worker int) (core.Surface, error) {
	if fa.Err != nil {
		return nil, fa.Err
	}
	var s *Fake
	if fa.New != nil {
		s = fa.New(worker)
	} else {
		s = &Fake{}
	}
	fa.mu.Lock()
	fa.made = append(fa.made, s)
	fa.mu.Unlock()
	return s, nil
}

// Surfaces returns every surface created so far.
func (fa *Factory) Surfaces() []*Fake {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]*Fake(nil), fa.made...)
}

// Fills returns fill attempts across all surfaces.
func (fa *Factory) Fills() []string {
	var out []string
	for _, s := range fa.Surfaces() {
		out = append(out, s.Fills()...)
	}
	return out
}
