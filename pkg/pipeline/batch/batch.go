// Package batch sequences records through validation and per-record units,
// publishing progress and a final summary.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/unit"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/worker"
)

// Config is shared by every record of a batch.
type Config struct {
	// Workers is the pool size. 0 means 1 (strictly serial).
	Workers int
	// InterRecordDelay is waited after a processed record when another follows.
	// Records rejected by validation do not consume it.
	InterRecordDelay time.Duration

	CaptureDelay   time.Duration
	CaptureGrace   time.Duration
	AttemptTimeout time.Duration

	// Retry applies to the fill stage only. Zero means retry.DefaultPolicy.
	Retry retry.Policy

	// RateLimitRPS limits record starts across workers. <=0 disables.
	RateLimitRPS float64

	Fill core.FillConfig

	// SubscriberBuffer sizes the channel of every attached reporter.
	SubscriberBuffer int
}

// Validate rejects configurations that can never run.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return core.NewConfigurationError("workers", "workers must not be negative")
	}
	if c.InterRecordDelay < 0 || c.CaptureDelay < 0 || c.CaptureGrace < 0 || c.AttemptTimeout < 0 {
		return core.NewConfigurationError("delay", "delays and timeouts must not be negative")
	}
	if !c.Retry.IsZero() {
		if err := c.Retry.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) unitConfig() unit.Config {
	return unit.Config{
		CaptureDelay:   c.CaptureDelay,
		CaptureGrace:   c.CaptureGrace,
		AttemptTimeout: c.AttemptTimeout,
		Retry:          c.Retry,
		Fill:           c.Fill,
	}
}

// Coordinator starts batches against surfaces built by its factory. Each batch
// gets its own surfaces, so concurrent batches never share one.
type Coordinator struct {
	factory   core.SurfaceFactory
	validator *validate.Validator
	logger    *slog.Logger
	reporters []progress.Reporter
	busOpts   []progress.BroadcasterOption
	retryOpts []retry.Option
	unitOpts  []unit.Option
	newID     func() string
	now       func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithValidator replaces the default rule table validator.
func WithValidator(v *validate.Validator) Option {
	return func(c *Coordinator) { c.validator = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithReporter attaches r to every batch the coordinator starts.
func WithReporter(r progress.Reporter) Option {
	return func(c *Coordinator) { c.reporters = append(c.reporters, r) }
}

// WithBroadcasterOptions customises each batch's event broadcaster.
func WithBroadcasterOptions(opts ...progress.BroadcasterOption) Option {
	return func(c *Coordinator) { c.busOpts = append(c.busOpts, opts...) }
}

// WithRetryOptions passes extra options to every fill retry loop.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Coordinator) { c.retryOpts = append(c.retryOpts, opts...) }
}

// WithUnitOptions passes extra options to every unit processor.
func WithUnitOptions(opts ...unit.Option) Option {
	return func(c *Coordinator) { c.unitOpts = append(c.unitOpts, opts...) }
}

func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(factory core.SurfaceFactory, opts ...Option) *Coordinator {
	c := &Coordinator{
		factory: factory,
		logger:  slog.Default(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.validator == nil {
		c.validator = validate.New(nil)
	}
	return c
}

// ValidateRecord checks rec against the coordinator's rule table.
func (c *Coordinator) ValidateRecord(rec core.Record) validate.Result {
	return c.validator.ValidateRecord(rec)
}

// Run submits records and waits for the batch. onProgress, if set, receives
// every event in order on its own goroutine.
func (c *Coordinator) Run(ctx context.Context, records []core.Record, cfg Config, onProgress func(progress.Event)) ([]core.UnitResult, error) {
	var reporters []progress.Reporter
	if onProgress != nil {
		reporters = append(reporters, progress.ReporterFunc(onProgress))
	}
	b, err := c.Submit(ctx, records, cfg, reporters...)
	if err != nil {
		return nil, err
	}
	return b.Wait()
}

// Submit starts a batch and returns its handle immediately. Records are copied
// so the caller may reuse them.
func (c *Coordinator) Submit(ctx context.Context, records []core.Record, cfg Config, reporters ...progress.Reporter) (*Batch, error) {
	if c.factory == nil {
		return nil, core.NewConfigurationError("surface_factory", "no automation surface configured")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	recs := make([]core.Record, len(records))
	for i := range records {
		recs[i] = records[i].Clone()
	}

	b := &Batch{
		id:    c.newID(),
		total: len(recs),
		bus:   progress.NewBroadcaster(c.busOpts...),
		done:  make(chan struct{}),
		now:   c.now,
	}
	for _, r := range c.reporters {
		b.bus.Attach(r, cfg.SubscriberBuffer)
	}
	for _, r := range reporters {
		b.bus.Attach(r, cfg.SubscriberBuffer)
	}

	go c.run(ctx, b, recs, cfg)
	return b, nil
}

func (c *Coordinator) run(ctx context.Context, b *Batch, records []core.Record, cfg Config) {
	defer close(b.done)
	defer b.bus.Close()

	log := c.logger.With("batch_id", b.id)
	log.Info("batch started", "records", b.total, "workers", max(cfg.Workers, 1))
	b.publish(progress.Event{
		Type:    progress.TypeBatchStart,
		Message: fmt.Sprintf("Starting batch of %d records", b.total),
		Total:   b.total,
	})

	ucfg := cfg.unitConfig()
	setup := func(ctx context.Context, id int) (*unit.Processor, func(), error) {
		s, err := c.factory.NewSurface(ctx, id)
		if err != nil {
			if _, classified := core.KindOf(err); !classified {
				err = core.NewError(core.KindConfiguration, core.CodeConfiguration,
					"create automation surface: "+redact.Secrets(err.Error()),
					map[string]any{"key": "surface"}, err)
			}
			return nil, nil, err
		}
		wlog := log.With("worker", id)
		opts := []unit.Option{
			unit.WithLogger(wlog),
			unit.WithRetryOptions(c.retryOpts...),
			unit.WithClock(c.now),
		}
		opts = append(opts, c.unitOpts...)
		release := func() {
			if err := core.CloseSurface(s); err != nil {
				wlog.Warn("close surface", "error", err)
			}
		}
		return unit.New(s, ucfg, opts...), release, nil
	}

	var started atomic.Int64
	process := func(ctx context.Context, p *unit.Processor, idx int, rec core.Record) (core.UnitResult, bool, error) {
		current := int(started.Add(1))
		b.publish(progress.Event{
			Type:     progress.TypeProgress,
			Message:  fmt.Sprintf("Processing record %d of %d", current, b.total),
			RecordID: rec.ID,
			Index:    idx + 1,
			Total:    b.total,
			Current:  current,
			Percent:  progress.Percent(current, b.total),
		})
		emit := func(e progress.Event) {
			e.Index = idx + 1
			e.Total = b.total
			b.publish(e)
		}

		if vr := c.validator.ValidateRecord(rec); !vr.Valid {
			err := vr.Err()
			log.Warn("record failed validation", "record_id", rec.ID, "errors", len(vr.Errors), "missing", vr.MissingRequired)
			emit(progress.Event{
				Type:     progress.TypeError,
				Message:  fmt.Sprintf("Record %s failed validation: %s", rec.ID, err),
				RecordID: rec.ID,
				State:    string(unit.StateInvalid),
			})
			return core.Failed(rec.ID, err, c.now()), false, nil
		}

		res := p.Process(ctx, rec, emit)
		if !res.Success && core.IsFatal(res.Err) {
			return res, true, res.Err
		}
		return res, true, nil
	}

	out, err := worker.Run(ctx, records, setup, process, worker.Options{
		Workers:      cfg.Workers,
		RateLimitRPS: cfg.RateLimitRPS,
		Delay:        cfg.InterRecordDelay,
		Stop:         b.cancelled.Load,
	})

	if err != nil && core.IsFatal(err) {
		msg := redact.Secrets(err.Error())
		log.Error("batch aborted", "error", msg)
		b.publish(progress.Event{
			Type:    progress.TypeError,
			Message: "Batch aborted: " + msg,
			Total:   b.total,
		})
		b.err = err
		return
	}

	results := make([]core.UnitResult, 0, len(out))
	for _, r := range out {
		if r.Processed {
			results = append(results, r.Output)
		}
	}
	summary := core.Summarize(b.total, results, len(results) < b.total && (b.cancelled.Load() || err != nil))

	b.results = results
	b.summary = summary
	b.err = err
	b.finished.Store(true)

	log.Info("batch complete",
		"total", summary.Total,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
	)
	b.publish(progress.Event{
		Type:    progress.TypeBatchComplete,
		Message: completionMessage(summary),
		Total:   b.total,
		Summary: &summary,
		Results: results,
	})
}

func completionMessage(s core.Summary) string {
	msg := fmt.Sprintf("Batch complete: %d of %d succeeded, %d failed", s.Successful, s.Total, s.Failed)
	if s.Cancelled {
		msg += fmt.Sprintf(", %d not started (cancelled)", s.Skipped)
	}
	return msg
}
