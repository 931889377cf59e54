package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/task"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ProviderHeuristic, cfg.Reasoner.Provider)
	assert.Equal(t, task.DefaultMaxRetries, cfg.Tasks.MaxRetries)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: DEBUG
pool:
  capacity: 2
  max_uses: 20
  headless: false
planner:
  max_iterations: 4
  step_retry_delay: 250ms
validator:
  max_steps: 20
  blocked_urls: ["*://*.bank.example/*"]
tasks:
  max_retries: 5
  backoff_strategy: linear
  backoff_base: 2s
  backoff_max: 10s
  approval_timeout: 15m
executor:
  capture_evidence: true
  evidence_dir: /tmp/evidence
reasoner:
  provider: openai
  model: gpt-4o-mini
store:
  path: /tmp/pilot.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Pool.Capacity)
	assert.False(t, cfg.Pool.Headless)
	assert.True(t, cfg.Pool.HealthCheck, "unset fields keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Planner.StepRetryDelay)
	assert.Equal(t, 15*time.Minute, cfg.Tasks.ApprovalTimeout)
	assert.Equal(t, "gpt-4o-mini", cfg.Reasoner.Model)
	assert.Equal(t, "OPENAI_API_KEY", cfg.Reasoner.APIKeyEnv)

	po := cfg.PoolOptions()
	assert.Equal(t, 2, po.Capacity)
	assert.Equal(t, 20, po.MaxUses)
	require.NotNil(t, po.Rotator)

	gc := cfg.GeneratorConfig()
	assert.Equal(t, 4, gc.MaxIterations)
	assert.Equal(t, 250*time.Millisecond, gc.Defaults.RetryDelay)

	policy := cfg.ValidatorPolicy()
	assert.Equal(t, 20, policy.MaxSteps)
	assert.Equal(t, plan.DefaultPolicy().ErrorPenalty, policy.ErrorPenalty)
	assert.Equal(t, []string{"*://*.bank.example/*"}, policy.BlockedURLs)
	_, err = plan.NewValidator(policy)
	assert.NoError(t, err)

	tc := cfg.TaskConfig(nil, nil)
	assert.Equal(t, 5, tc.MaxRetries)
	assert.Equal(t, task.Backoff{Strategy: task.BackoffLinear, Base: 2 * time.Second, Max: 10 * time.Second}, tc.Backoff)

	ec := cfg.EngineConfig()
	assert.True(t, ec.CaptureEvidence)
	assert.Equal(t, "/tmp/evidence", cfg.PlaywrightOptions().ArtifactDir)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero capacity", func(c *Config) { c.Pool.Capacity = 0 }, "pool.capacity"},
		{"max available above capacity", func(c *Config) { c.Pool.MaxAvailable = 10 }, "pool.max_available"},
		{"warm above capacity", func(c *Config) { c.Pool.Warm = 10 }, "pool.warm"},
		{"zero step timeout", func(c *Config) { c.Planner.StepTimeout = 0 }, "planner.step_timeout"},
		{"negative retries", func(c *Config) { c.Tasks.MaxRetries = -1 }, "tasks.max_retries"},
		{"unknown backoff", func(c *Config) { c.Tasks.BackoffStrategy = "random" }, "backoff strategy"},
		{"backoff max below base", func(c *Config) { c.Tasks.BackoffMax = time.Millisecond }, "backoff max"},
		{"bad url glob", func(c *Config) { c.Validator.AllowedURLs = []string{"https://[a-"} }, "url patterns"},
		{"unknown provider", func(c *Config) { c.Reasoner.Provider = "magic" }, "reasoner.provider"},
		{"openai without key env", func(c *Config) {
			c.Reasoner.Provider = ProviderOpenAI
			c.Reasoner.APIKeyEnv = ""
		}, "api_key_env"},
		{"confidence out of range", func(c *Config) { c.Planner.DefaultConfidence = 1.5 }, "default_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pool: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "tasks:\n  stale_timeout: soon\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "pool:\n  capacity: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.capacity")
}

func TestAPIKey(t *testing.T) {
	t.Setenv("PILOT_TEST_KEY", "sk-test")
	cfg := Default()
	cfg.Reasoner.APIKeyEnv = "PILOT_TEST_KEY"
	assert.Equal(t, "sk-test", cfg.APIKey())

	cfg.Reasoner.APIKeyEnv = ""
	assert.Empty(t, cfg.APIKey())
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".pilot", "pilot.db"), ExpandHome("~/.pilot/pilot.db"))
	assert.Equal(t, "/var/lib/pilot.db", ExpandHome("/var/lib/pilot.db"))
	assert.Equal(t, "~user/x", ExpandHome("~user/x"))
}
