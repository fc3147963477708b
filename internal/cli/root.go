// Package cli implements the formfill command tree.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/shpitdev/formfill-pipeline/internal/config"
	"github.com/shpitdev/formfill-pipeline/internal/version"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/redact"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
)

var (
	cfgPath string
	envFile string
	isDebug bool
	logJSON bool
)

var rootCmd = &cobra.Command{
	Use:           "formfill",
	Short:         "Fill web forms from CSV records",
	Long:          `formfill validates CSV records against a rule table and submits each one through a browser-driven form, with retries, progress reporting and cooperative cancellation.`,
	Version:       version.Current,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a process exit code: 2 for configuration problems,
// 1 for failed runs.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: 2, err: err} }
func runError(err error) error    { return &exitError{code: 1, err: err} }

// exitFor picks the exit code for an error coming out of a run: anything that
// says the run could never succeed is a configuration problem.
func exitFor(err error) error {
	if errors.Is(err, config.ErrInvalid) || errors.Is(err, validate.ErrRulesInvalid) || core.IsFatal(err) {
		return configError(err)
	}
	return runError(err)
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", redact.Secrets(err.Error()))
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(2)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (YAML); env vars override it")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded if present")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "log as JSON instead of text")
}

// loadConfig reads .env, the config file and the environment, then installs
// the logger the config asks for.
func loadConfig() (config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return config.Config{}, nil, configError(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, configError(err)
	}
	if logJSON {
		cfg.Log.Format = "json"
	}
	if isDebug {
		cfg.Log.Level = "debug"
	}
	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, cfg config.Log) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
