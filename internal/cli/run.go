package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shpitdev/formfill-pipeline/internal/app"
	"github.com/shpitdev/formfill-pipeline/internal/config"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/batch"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/schema"
)

var runFlags struct {
	input      string
	output     string
	idColumn   string
	outputMode string
	workers    int
	rateLimit  float64
	submit     bool
	formURL    string
	metrics    string
	normalize  bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Validate and submit every record of a CSV file",
	Example: `  formfill run --input records.csv --output results.csv
  formfill run --config formfill.yaml --input records.csv --workers 2 --metrics-addr :9090`,
	RunE: runBatch,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.input, "input", "", "input CSV with a header row (required)")
	f.StringVar(&runFlags.output, "output", "", "results CSV path")
	f.StringVar(&runFlags.idColumn, "id-column", "id", "column holding record IDs; rows without one get row-N")
	f.StringVar(&runFlags.outputMode, "output-mode", "batch", "batch replaces the output file, stream appends to it")
	f.IntVar(&runFlags.workers, "workers", 0, "concurrent browser workers (env: WORKERS)")
	f.Float64Var(&runFlags.rateLimit, "rate-limit-rps", 0, "global record start rate, 0 disables (env: RATE_LIMIT_RPS)")
	f.BoolVar(&runFlags.submit, "submit", true, "submit each form after filling (env: SUBMIT)")
	f.StringVar(&runFlags.formURL, "form-url", "", "form URL (env: FORM_URL)")
	f.StringVar(&runFlags.metrics, "metrics-addr", "", "serve Prometheus metrics on this address (env: METRICS_ADDR)")
	f.BoolVar(&runFlags.normalize, "normalize-addresses", false, "split Full Address with Gemini before validation (env: NORMALIZE_ADDRESSES)")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides cfg with flags the user set explicitly.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Pipeline.Workers = runFlags.workers
	}
	if f.Changed("rate-limit-rps") {
		cfg.Pipeline.RateLimitRPS = runFlags.rateLimit
	}
	if f.Changed("submit") {
		cfg.Pipeline.Submit = runFlags.submit
	}
	if f.Changed("form-url") {
		cfg.Surface.FormURL = runFlags.formURL
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Addr = runFlags.metrics
	}
	if f.Changed("normalize-addresses") {
		cfg.Normalize.Enabled = runFlags.normalize
	}
	return cfg.Validate()
}

func runBatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, &cfg); err != nil {
		return configError(err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg, logger)
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// First signal cancels between records; a second one aborts.
	var current atomic.Pointer[batch.Batch]
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for n := 0; ; n++ {
			select {
			case sig := <-sigChan:
				b := current.Load()
				if n == 0 && b != nil {
					res := b.Cancel()
					logger.Warn("Received signal, finishing current records", "signal", sig, "cancelled", res.Cancelled)
					continue
				}
				logger.Warn("Received signal, aborting", "signal", sig)
				cancel()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	summary, err := app.Run(ctx, app.RunOptions{
		Config:     cfg,
		InputPath:  runFlags.input,
		OutputPath: runFlags.output,
		IDColumn:   runFlags.idColumn,
		OutputMode: schema.NormalizeMode(runFlags.outputMode),
		Logger:     logger,
		Registerer: reg,
		OnSubmit:   func(b *batch.Batch) { current.Store(b) },
	})
	if err != nil {
		return exitFor(err)
	}

	logger.Info("Batch finished",
		"total", summary.Total,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"cancelled", summary.Cancelled,
	)
	if summary.Cancelled {
		return runError(fmt.Errorf("batch cancelled: %d of %d records processed", summary.Successful+summary.Failed, summary.Total))
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	return srv
}
