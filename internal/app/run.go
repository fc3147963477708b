// Package app wires configuration, input, surfaces, stores and reporters into
// a batch run.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shpitdev/formfill-pipeline/internal/config"
	"github.com/shpitdev/formfill-pipeline/internal/normalize/gemini"
	"github.com/shpitdev/formfill-pipeline/internal/store/postgres"
	redisstore "github.com/shpitdev/formfill-pipeline/internal/store/redis"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/batch"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	localio "github.com/shpitdev/formfill-pipeline/pkg/pipeline/io/local"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/metrics"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/progress"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/schema"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
	"github.com/shpitdev/formfill-pipeline/pkg/surface/browser"
)

// Normalizer rewrites records before they are submitted.
type Normalizer interface {
	NormalizeAll(ctx context.Context, records []core.Record) ([]core.Record, error)
}

// ResultSink stores the outcome of a finished batch.
type ResultSink interface {
	Persist(ctx context.Context, batchID string, results []core.UnitResult, sum core.Summary, at time.Time) error
}

// RunOptions selects input, output and the optional collaborators of a run.
// Nil collaborators are built from Config.
type RunOptions struct {
	Config     config.Config
	InputPath  string
	OutputPath string
	IDColumn   string
	OutputMode schema.OutputMode

	Logger     *slog.Logger
	Registerer prometheus.Registerer
	Factory    core.SurfaceFactory
	Normalizer Normalizer
	Reporters  []progress.Reporter
	// Results receives the final results. When nil, a configured Postgres
	// store is used.
	Results ResultSink

	// OnSubmit receives the batch handle as soon as the batch starts.
	OnSubmit func(*batch.Batch)
}

// Run loads records, runs them as one batch and writes the results.
// The summary is returned even when the batch ends early.
func Run(ctx context.Context, opts RunOptions) (core.Summary, error) {
	cfg := opts.Config
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	runStart := time.Now()

	records, err := localio.CSVInput{Path: opts.InputPath, IDColumn: opts.IDColumn}.Load(ctx)
	if err != nil {
		return core.Summary{}, err
	}
	log.Info("loaded records", "count", len(records), "input", opts.InputPath)

	normalizer := opts.Normalizer
	if normalizer == nil && cfg.Normalize.Enabled {
		gcfg := cfg.Normalize.Config
		gcfg.Retry = cfg.Retry()
		n, err := gemini.New(ctx, gcfg, log.With("component", "normalize"))
		if err != nil {
			return core.Summary{}, err
		}
		normalizer = n
	}
	if normalizer != nil {
		start := time.Now()
		if records, err = normalizer.NormalizeAll(ctx, records); err != nil {
			return core.Summary{}, err
		}
		log.Info("normalised records", "duration", time.Since(start).Round(time.Millisecond))
	}

	rules, err := cfg.Rules()
	if err != nil {
		return core.Summary{}, err
	}

	factory := opts.Factory
	if factory == nil {
		f, err := browser.NewFactory(cfg.Surface, log.With("component", "browser"))
		if err != nil {
			return core.Summary{}, err
		}
		factory = f
	}

	reporters := append([]progress.Reporter(nil), opts.Reporters...)
	reporters = append(reporters, progress.ReporterFunc(logEvent(log)))
	var busOpts []progress.BroadcasterOption
	if opts.Registerer != nil {
		m := metrics.New(opts.Registerer)
		reporters = append(reporters, m)
		busOpts = append(busOpts, progress.OnDrop(m.EventDropped))
	}

	stores, sink, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return core.Summary{}, err
	}
	defer closeStores()
	reporters = append(reporters, stores...)
	if opts.Results != nil {
		sink = opts.Results
	}

	coord := batch.New(newTracedFactory(factory, log.With("component", "surface")),
		batch.WithValidator(validate.New(rules)),
		batch.WithLogger(log),
		batch.WithBroadcasterOptions(busOpts...),
	)
	b, err := coord.Submit(ctx, records, cfg.Batch(), reporters...)
	if err != nil {
		return core.Summary{}, err
	}
	if opts.OnSubmit != nil {
		opts.OnSubmit(b)
	}

	results, waitErr := b.Wait()
	summary, _ := b.Summary()
	if waitErr != nil && results == nil {
		return summary, waitErr
	}

	if opts.OutputPath != "" {
		out := localio.CSVOutput{Path: opts.OutputPath, Mode: opts.OutputMode}
		// Results are written even after cancellation.
		if err := out.Store(context.WithoutCancel(ctx), results); err != nil {
			return summary, err
		}
	}
	if sink != nil {
		if err := sink.Persist(context.WithoutCancel(ctx), b.ID(), results, summary, time.Now()); err != nil {
			return summary, err
		}
	}
	log.Info("run finished",
		"batch_id", b.ID(),
		"duration", time.Since(runStart).Round(time.Millisecond),
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, waitErr
}

// openStores connects the configured progress and result stores.
func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) ([]progress.Reporter, ResultSink, func(), error) {
	var (
		reporters []progress.Reporter
		sink      ResultSink
		closers   []io.Closer
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	if cfg.Store.RedisURL != "" {
		rdb, err := redisstore.NewClient(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, rdb)
		reporters = append(reporters, redisstore.NewProgressStore(rdb,
			redisstore.WithPrefix(cfg.Store.RedisPrefix),
			redisstore.WithLogger(log.With("component", "redis")),
		))
	}

	if cfg.Store.Postgres.URL != "" {
		db, err := postgres.Open(ctx, cfg.Store.Postgres)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, db)
		if err := postgres.Migrate(ctx, db); err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		sink = postgres.NewResultStore(db, log.With("component", "postgres"))
	}
	return reporters, sink, closeAll, nil
}

// logEvent mirrors batch-level events into the log; per-record detail is
// logged by the coordinator and the traced surface.
func logEvent(log *slog.Logger) func(progress.Event) {
	return func(e progress.Event) {
		switch e.Type {
		case progress.TypeProgress:
			log.Info(e.Message, "batch_id", e.BatchID, "record_id", e.RecordID, "percent", e.Percent)
		case progress.TypeWarning:
			log.Warn(e.Message, "batch_id", e.BatchID, "record_id", e.RecordID, "attempt", e.Attempt)
		case progress.TypeError:
			log.Warn(e.Message, "batch_id", e.BatchID, "record_id", e.RecordID, "state", e.State)
		default:
			log.Debug(e.Message, "batch_id", e.BatchID, "type", string(e.Type))
		}
	}
}

// ValidateFile checks every record of inputPath against rules and writes a
// report per invalid record to w. It returns the number of invalid records.
func ValidateFile(ctx context.Context, inputPath, idColumn string, rules *validate.RuleSet, w io.Writer) (int, error) {
	records, err := localio.CSVInput{Path: inputPath, IDColumn: idColumn}.Load(ctx)
	if err != nil {
		return 0, err
	}
	v := validate.New(rules)
	invalid := 0
	for _, rec := range records {
		res := v.ValidateRecord(rec)
		if res.Valid && len(res.Warnings) == 0 {
			continue
		}
		if !res.Valid {
			invalid++
		}
		if _, err := fmt.Fprintf(w, "== %s ==\n%s\n", rec.ID, res.Report()); err != nil {
			return invalid, err
		}
	}
	_, err = fmt.Fprintf(w, "%d of %d records valid\n", len(records)-invalid, len(records))
	return invalid, err
}
