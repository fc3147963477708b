package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
)

// tracedFactory wraps every surface it builds in a tracedSurface.
type tracedFactory struct {
	next   core.SurfaceFactory
	logger *slog.Logger
}

func newTracedFactory(next core.SurfaceFactory, logger *slog.Logger) core.SurfaceFactory {
	return &tracedFactory{next: next, logger: logger}
}

func (f *tracedFactory) NewSurface(ctx context.Context, worker int) (core.Surface, error) {
	start := time.Now()
	s, err := f.next.NewSurface(ctx, worker)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		f.logger.Error("surface setup failed", "worker", worker, "duration", elapsed, "error", redact.Secrets(err.Error()))
		return nil, err
	}
	f.logger.Info("surface ready", "worker", worker, "duration", elapsed)
	return &tracedSurface{
		next:     s,
		logger:   f.logger.With("worker", worker),
		attempts: make(map[string]int),
	}, nil
}

// tracedSurface logs every fill and capture with the attempt number and
// deadline headroom.
type tracedSurface struct {
	next   core.Surface
	logger *slog.Logger

	mu       sync.Mutex
	attempts map[string]int
}

func (t *tracedSurface) FillRecord(ctx context.Context, rec core.Record, cfg core.FillConfig) (core.FillOutcome, error) {
	attempt := t.nextAttempt(rec.ID)
	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug("fill request",
		"record_id", rec.ID,
		"attempt", attempt,
		"fields", len(rec.Fields),
		"submit", cfg.Submit,
		"deadline_in", deadlineIn,
	)

	start := time.Now()
	out, err := t.next.FillRecord(ctx, rec, cfg)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		kind, _ := core.KindOf(err)
		t.logger.Warn("fill response",
			"record_id", rec.ID,
			"attempt", attempt,
			"duration", elapsed,
			"status", "error",
			"kind", string(kind),
			"retryable", core.IsRetryable(err),
			"error", redact.Secrets(err.Error()),
		)
		return out, err
	}

	respJSON, _ := json.Marshal(out)
	t.logger.Debug("fill response",
		"record_id", rec.ID,
		"attempt", attempt,
		"duration", elapsed,
		"status", "ok",
		"response", string(respJSON),
	)
	return out, nil
}

func (t *tracedSurface) WaitAndCapture(ctx context.Context, delay time.Duration) (core.CapturedData, error) {
	start := time.Now()
	data, err := t.next.WaitAndCapture(ctx, delay)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		t.logger.Warn("capture incomplete", "duration", elapsed, "fields", len(data.Fields), "error", redact.Secrets(err.Error()))
		return data, err
	}
	t.logger.Debug("capture complete", "duration", elapsed, "fields", len(data.Fields), "partial", data.Partial)
	return data, nil
}

func (t *tracedSurface) Ready() bool { return t.next.Ready() }

func (t *tracedSurface) Close() error { return core.CloseSurface(t.next) }

func (t *tracedSurface) nextAttempt(recordID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[recordID]++
	return t.attempts[recordID]
}
