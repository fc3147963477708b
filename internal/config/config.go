// Package config loads formfill settings from a YAML file, the environment
// and .env files, in that order of increasing precedence. Flags are applied
// by the CLI on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shpitdev/formfill-pipeline/internal/normalize/gemini"
	"github.com/shpitdev/formfill-pipeline/internal/store/postgres"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/batch"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/core"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/validate"
	"github.com/shpitdev/formfill-pipeline/pkg/surface/browser"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Pipeline  Pipeline       `yaml:"pipeline"`
	Surface   browser.Config `yaml:"surface"`
	RulesFile string         `yaml:"rules_file"`
	Normalize Normalize      `yaml:"normalize"`
	Store     Store          `yaml:"store"`
	Metrics   Metrics        `yaml:"metrics"`
	Log       Log            `yaml:"log"`
}

type Pipeline struct {
	Workers          int               `yaml:"workers"`
	InterRecordDelay time.Duration     `yaml:"inter_record_delay"`
	CaptureDelay     time.Duration     `yaml:"capture_delay"`
	CaptureGrace     time.Duration     `yaml:"capture_grace"`
	AttemptTimeout   time.Duration     `yaml:"attempt_timeout"`
	MaxAttempts      int               `yaml:"max_attempts"`
	BaseDelay        time.Duration     `yaml:"base_delay"`
	MaxDelay         time.Duration     `yaml:"max_delay"`
	RateLimitRPS     float64           `yaml:"rate_limit_rps"`
	Submit           bool              `yaml:"submit"`
	Params           map[string]string `yaml:"params"`
	SubscriberBuffer int               `yaml:"subscriber_buffer"`
}

type Normalize struct {
	gemini.Config `yaml:",inline"`

	Enabled bool `yaml:"enabled"`
}

type Store struct {
	Postgres    postgres.Config `yaml:"postgres"`
	RedisURL    string          `yaml:"redis_url"`
	RedisPrefix string          `yaml:"redis_prefix"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Pipeline: Pipeline{
			Workers:          1,
			InterRecordDelay: 2 * time.Second,
			CaptureDelay:     3 * time.Second,
			CaptureGrace:     10 * time.Second,
			AttemptTimeout:   60 * time.Second,
			MaxAttempts:      retry.DefaultPolicy.MaxAttempts,
			BaseDelay:        retry.DefaultPolicy.BaseDelay,
			MaxDelay:         retry.DefaultPolicy.MaxDelay,
			Submit:           true,
		},
		Surface: browser.Config{
			Headless:        true,
			NavigateTimeout: 30 * time.Second,
		},
		Normalize: Normalize{Config: gemini.Config{SourceField: gemini.DefaultSourceField}},
		Store:     Store{RedisPrefix: "formfill"},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// LoadDotEnv loads .env style files that exist. Variables already set in the
// environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads path (optional), expands ${VAR} references, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with any of the supported environment variables.
func ApplyEnv(cfg *Config) error {
	p := &cfg.Pipeline
	var err error
	if p.Workers, err = envInt("WORKERS", p.Workers); err != nil {
		return err
	}
	if p.MaxAttempts, err = envInt("MAX_ATTEMPTS", p.MaxAttempts); err != nil {
		return err
	}
	if p.BaseDelay, err = envDuration("RETRY_BASE_DELAY", p.BaseDelay); err != nil {
		return err
	}
	if p.MaxDelay, err = envDuration("RETRY_MAX_DELAY", p.MaxDelay); err != nil {
		return err
	}
	if p.InterRecordDelay, err = envDuration("INTER_RECORD_DELAY", p.InterRecordDelay); err != nil {
		return err
	}
	if p.CaptureDelay, err = envDuration("CAPTURE_DELAY", p.CaptureDelay); err != nil {
		return err
	}
	if p.AttemptTimeout, err = envDuration("REQUEST_TIMEOUT", p.AttemptTimeout); err != nil {
		return err
	}
	if p.RateLimitRPS, err = envFloat("RATE_LIMIT_RPS", p.RateLimitRPS); err != nil {
		return err
	}
	if p.Submit, err = envBool("SUBMIT", p.Submit); err != nil {
		return err
	}
	if cfg.Surface.Headless, err = envBool("HEADLESS", cfg.Surface.Headless); err != nil {
		return err
	}
	if cfg.Normalize.Enabled, err = envBool("NORMALIZE_ADDRESSES", cfg.Normalize.Enabled); err != nil {
		return err
	}

	envString("FORM_URL", &cfg.Surface.FormURL)
	envString("CHROME_PATH", &cfg.Surface.ExecPath)
	envString("RULES_FILE", &cfg.RulesFile)
	envString("DATABASE_URL", &cfg.Store.Postgres.URL)
	envString("REDIS_URL", &cfg.Store.RedisURL)
	envString("METRICS_ADDR", &cfg.Metrics.Addr)
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("GEMINI_API_KEY", &cfg.Normalize.APIKey)
	envString("GEMINI_MODEL", &cfg.Normalize.Model)
	envString("GEMINI_BASE_URL", &cfg.Normalize.BaseURL)
	return nil
}

// Validate reports settings that can never work. Surface settings are
// checked when the surface is built, so validate-only runs need none.
func (c Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.Workers < 1:
		return fmt.Errorf("%w: workers must be >= 1, got %d", ErrInvalid, p.Workers)
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", ErrInvalid, p.MaxAttempts)
	case p.BaseDelay < 0 || p.MaxDelay < 0 || p.InterRecordDelay < 0 || p.CaptureDelay < 0 || p.CaptureGrace < 0 || p.AttemptTimeout < 0:
		return fmt.Errorf("%w: delays and timeouts must not be negative", ErrInvalid)
	case p.RateLimitRPS < 0:
		return fmt.Errorf("%w: rate_limit_rps must not be negative", ErrInvalid)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, c.Log.Format)
	}
	if c.Normalize.Enabled && (strings.TrimSpace(c.Normalize.APIKey) == "" || strings.TrimSpace(c.Normalize.Model) == "") {
		return fmt.Errorf("%w: address normalisation needs GEMINI_API_KEY and GEMINI_MODEL", ErrInvalid)
	}
	return nil
}

// Retry returns the fill retry policy.
func (c Config) Retry() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Pipeline.MaxAttempts,
		BaseDelay:   c.Pipeline.BaseDelay,
		MaxDelay:    c.Pipeline.MaxDelay,
	}
}

// Batch returns the per-batch coordinator settings.
func (c Config) Batch() batch.Config {
	p := c.Pipeline
	return batch.Config{
		Workers:          p.Workers,
		InterRecordDelay: p.InterRecordDelay,
		CaptureDelay:     p.CaptureDelay,
		CaptureGrace:     p.CaptureGrace,
		AttemptTimeout:   p.AttemptTimeout,
		Retry:            c.Retry(),
		RateLimitRPS:     p.RateLimitRPS,
		Fill:             core.FillConfig{Params: p.Params, Submit: p.Submit},
		SubscriberBuffer: p.SubscriberBuffer,
	}
}

// Rules loads RulesFile, or the built-in table when it is unset.
func (c Config) Rules() (*validate.RuleSet, error) {
	if c.RulesFile == "" {
		return validate.DefaultRules(), nil
	}
	f, err := os.Open(c.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("%w: open rules: %w", ErrInvalid, err)
	}
	defer func() { _ = f.Close() }()
	return validate.LoadRulesYAML(f)
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s=%q: %v", ErrInvalid, varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s=%q: %v", ErrInvalid, varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s=%q: %v", ErrInvalid, varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: invalid %s=%q: %v", ErrInvalid, varName, v, err)
	}
	return out, nil
}
