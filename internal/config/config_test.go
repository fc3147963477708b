package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shpitdev/formfill-pipeline/pkg/pipeline/retry"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	assert.Equal(t, retry.DefaultPolicy, cfg.Retry())
	assert.True(t, cfg.Surface.Headless)
	assert.Equal(t, "formfill", cfg.Store.RedisPrefix)
}

func TestLoad_YAMLWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_FORM_HOST", "forms.example.test")
	path := writeFile(t, "formfill.yaml", `
pipeline:
  workers: 3
  inter_record_delay: 500ms
  max_attempts: 5
  base_delay: 100ms
  submit: false
  params:
    campaign: spring
surface:
  form_url: https://${TEST_FORM_HOST}/intake
  fields:
    Email: "#email || input[name='email']"
  capture:
    confirmation: .confirmation
  navigate_timeout: 5s
store:
  postgres:
    url: postgres://localhost/formfill
    max_conns: 4
normalize:
  enabled: true
  api_key: k
  model: gemini-2.5-flash
log:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pipeline.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.InterRecordDelay)
	assert.Equal(t, retry.Policy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: retry.DefaultPolicy.MaxDelay}, cfg.Retry())
	assert.Equal(t, "https://forms.example.test/intake", cfg.Surface.FormURL)
	assert.Equal(t, 5*time.Second, cfg.Surface.NavigateTimeout)
	assert.True(t, cfg.Surface.Headless, "defaults survive partial sections")
	assert.Equal(t, 4, cfg.Store.Postgres.MaxConns)
	assert.Equal(t, "gemini-2.5-flash", cfg.Normalize.Model)
	assert.Equal(t, "Full Address", cfg.Normalize.SourceField)

	b := cfg.Batch()
	assert.Equal(t, 3, b.Workers)
	assert.False(t, b.Fill.Submit)
	assert.Equal(t, "spring", b.Fill.Params["campaign"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "formfill.yaml", "pipeline:\n  workers: 2\n")
	t.Setenv("WORKERS", "6")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("HEADLESS", "false")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Pipeline.Workers)
	assert.Equal(t, 2.5, cfg.Pipeline.RateLimitRPS)
	assert.False(t, cfg.Surface.Headless)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Store.RedisURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		yaml string
	}{
		{name: "bad int", env: map[string]string{"WORKERS": "many"}},
		{name: "bad duration", env: map[string]string{"CAPTURE_DELAY": "soon"}},
		{name: "zero workers", yaml: "pipeline:\n  workers: 0\n"},
		{name: "zero attempts", yaml: "pipeline:\n  max_attempts: 0\n"},
		{name: "negative delay", yaml: "pipeline:\n  inter_record_delay: -1s\n"},
		{name: "log format", yaml: "log:\n  format: xml\n"},
		{name: "normalize without key", yaml: "normalize:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "c.yaml", tt.yaml)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalid))
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "FORMFILL_DOTENV_PROBE=from-file\nWORKERS_PROBE_KEEP=file\n")
	t.Setenv("WORKERS_PROBE_KEEP", "env")
	t.Cleanup(func() { _ = os.Unsetenv("FORMFILL_DOTENV_PROBE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-file", os.Getenv("FORMFILL_DOTENV_PROBE"))
	assert.Equal(t, "env", os.Getenv("WORKERS_PROBE_KEEP"))
}

func TestRules(t *testing.T) {
	rs, err := Config{}.Rules()
	require.NoError(t, err)
	assert.Contains(t, rs.Fields(), "Email")

	path := writeFile(t, "rules.yaml", "fields:\n  - name: Code\n    type: string\n    required: true\n")
	rs, err = Config{RulesFile: path}.Rules()
	require.NoError(t, err)
	assert.Equal(t, []string{"Code"}, rs.Fields())
}
