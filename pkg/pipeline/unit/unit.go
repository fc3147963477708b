// Package unit drives a single record through the fill and capture stages of
// an automation surface.
package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
)

// State is a step of the unit lifecycle.
type State string

const (
	StatePending        State = "PENDING"
	StateValidating     State = "VALIDATING"
	StateInvalid        State = "INVALID"
	StateFilling        State = "FILLING"
	StateFillFailed     State = "FILL_FAILED"
	StateCapturing      State = "CAPTURING"
	StateComplete       State = "COMPLETE"
	StateCaptureTimeout State = "CAPTURE_TIMEOUT"
	// StateAborted ends a unit that hit a configuration-class failure; the
	// batch stops with it.
	StateAborted State = "ABORTED"
)

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	switch s {
	case StateInvalid, StateFillFailed, StateComplete, StateCaptureTimeout, StateAborted:
		return true
	default:
		return false
	}
}

// DefaultCaptureGrace is added to the capture delay to bound WaitAndCapture.
const DefaultCaptureGrace = 10 * time.Second

// Config holds per-batch settings for a unit.
type Config struct {
	// CaptureDelay is how long the surface waits before reading back results.
	CaptureDelay time.Duration
	// CaptureGrace bounds how much longer than CaptureDelay a capture may take.
	CaptureGrace time.Duration
	// AttemptTimeout bounds each fill attempt. Zero means unbounded.
	AttemptTimeout time.Duration

	Retry retry.Policy
	Fill  core.FillConfig
}

func (c Config) withDefaults() Config {
	if c.CaptureGrace <= 0 {
		c.CaptureGrace = DefaultCaptureGrace
	}
	if c.Retry.IsZero() {
		c.Retry = retry.DefaultPolicy
	}
	return c
}

// Processor runs records against one surface. A Processor must not be shared
// between goroutines that process records concurrently.
type Processor struct {
	surface   core.Surface
	cfg       Config
	validator *validate.Validator
	logger    *slog.Logger
	retryOpts []retry.Option
	now       func() time.Time
}

// Option customises a Processor.
type Option func(*Processor)

// WithValidator re-checks the record inside the VALIDATING state.
func WithValidator(v *validate.Validator) Option {
	return func(p *Processor) { p.validator = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// WithRetryOptions passes extra options to every fill retry loop.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(p *Processor) { p.retryOpts = append(p.retryOpts, opts...) }
}

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

func New(surface core.Surface, cfg Config, opts ...Option) *Processor {
	p := &Processor{
		surface: surface,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit receives the unit's events. It may be nil.
type Emit func(progress.Event)

type run struct {
	p     *Processor
	rec   core.Record
	emit  Emit
	state State
	log   *slog.Logger
}

// Process runs rec to a terminal state and returns its single result.
//
// Fill failures are retried according to the configured policy. Capture never
// fails the unit: errors and timeouts degrade to partial data.
func (p *Processor) Process(ctx context.Context, rec core.Record, emit Emit) core.UnitResult {
	r := &run{
		p:     p,
		rec:   rec,
		emit:  emit,
		state: StatePending,
		log:   p.logger.With("record_id", rec.ID),
	}
	r.event(progress.TypeStart, "Processing record "+rec.ID, nil)

	r.transition(StateValidating, "Validating record")
	if err := r.validate(); err != nil {
		return r.fail(StateInvalid, err)
	}

	r.transition(StateFilling, "Filling form")
	outcome, err := r.fill(ctx)
	if err != nil {
		return r.fail(StateFillFailed, err)
	}

	r.transition(StateCapturing, fmt.Sprintf("Waiting %s before capture", p.cfg.CaptureDelay))
	captured, err := r.capture(ctx)
	final := StateComplete
	if err != nil {
		final = StateCaptureTimeout
		captured.Partial = true
		r.state = final
		r.log.Warn("capture incomplete", "error", redact.Secrets(err.Error()))
		r.event(progress.TypeWarning, "Capture incomplete, keeping partial data: "+redact.Secrets(err.Error()), nil)
	}

	r.event(progress.TypeDataCaptured, fmt.Sprintf("Captured %d fields", len(captured.Fields)), func(e *progress.Event) {
		data := captured
		e.Data = &data
	})

	r.state = final
	r.log.Debug("record complete", "state", final)
	r.event(progress.TypeComplete, "Record "+rec.ID+" complete", nil)
	return core.Succeeded(rec.ID, core.UnitData{
		State:    string(final),
		Fill:     outcome,
		Captured: captured,
	}, p.now())
}

func (r *run) validate() error {
	if r.p.surface == nil || !r.p.surface.Ready() {
		return core.NewConfigurationError("surface", "automation surface is not ready")
	}
	if r.p.validator == nil {
		return nil
	}
	res := r.p.validator.ValidateRecord(r.rec)
	return res.Err()
}

func (r *run) fill(ctx context.Context) (core.FillOutcome, error) {
	opts := make([]retry.Option, 0, len(r.p.retryOpts)+2)
	opts = append(opts, r.p.retryOpts...)
	if r.p.cfg.AttemptTimeout > 0 {
		opts = append(opts, retry.WithAttemptTimeout(r.p.cfg.AttemptTimeout))
	}
	opts = append(opts, retry.OnRetry(func(a retry.Attempt) {
		msg := redact.Secrets(a.Err.Error())
		r.log.Warn("fill attempt failed, retrying", "attempt", a.Number, "delay", a.Delay, "error", msg)
		r.event(progress.TypeWarning,
			fmt.Sprintf("Fill attempt %d failed: %s; retrying in %s", a.Number, msg, a.Delay),
			func(e *progress.Event) { e.Attempt = a.Number })
	}))

	return retry.Do(ctx, r.p.cfg.Retry, func(ctx context.Context) (core.FillOutcome, error) {
		return r.p.surface.FillRecord(ctx, r.rec, r.p.cfg.Fill)
	}, opts...)
}

func (r *run) capture(ctx context.Context) (core.CapturedData, error) {
	capCtx, cancel := context.WithTimeout(ctx, r.p.cfg.CaptureDelay+r.p.cfg.CaptureGrace)
	defer cancel()
	data, err := r.p.surface.WaitAndCapture(capCtx, r.p.cfg.CaptureDelay)
	if err == nil && capCtx.Err() != nil {
		err = capCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("capture exceeded %s: %w", r.p.cfg.CaptureDelay+r.p.cfg.CaptureGrace, err)
	}
	return data, err
}

func (r *run) transition(s State, msg string) {
	r.state = s
	r.log.Debug("state transition", "state", s)
	r.event(progress.TypeInfo, msg, nil)
}

func (r *run) fail(s State, err error) core.UnitResult {
	if core.IsFatal(err) {
		s = StateAborted
	}
	r.state = s
	msg := redact.Secrets(err.Error())
	r.log.Error("record failed", "state", s, "error", msg)
	r.event(progress.TypeError, fmt.Sprintf("Record %s failed (%s): %s", r.rec.ID, s, msg), nil)
	return core.Failed(r.rec.ID, err, r.p.now())
}

func (r *run) event(t progress.Type, msg string, set func(*progress.Event)) {
	if r.emit == nil {
		return
	}
	e := progress.Event{
		Type:      t,
		Message:   msg,
		RecordID:  r.rec.ID,
		State:     string(r.state),
		Timestamp: r.p.now(),
	}
	if set != nil {
		set(&e)
	}
	r.emit(e)
}
