// Package config loads pilot's YAML configuration.
//
// A file is decoded over Default(), so any field it omits keeps its default.
// Durations are Go duration strings ("30s", "5m"). Each section converts into
// the options of the package that owns it; no package reads configuration
// on its own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/pilot/pkg/browser"
	"github.com/entrhq/pilot/pkg/engine"
	"github.com/entrhq/pilot/pkg/logging"
	"github.com/entrhq/pilot/pkg/plan"
	"github.com/entrhq/pilot/pkg/pool"
	"github.com/entrhq/pilot/pkg/task"
)

// Reasoner providers
const (
	ProviderOpenAI    = "openai"
	ProviderHeuristic = "heuristic"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel string `yaml:"log_level" json:"log_level"`
	LogDir   string `yaml:"log_dir" json:"log_dir"`

	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	Planner   PlannerConfig   `yaml:"planner" json:"planner"`
	Validator ValidatorConfig `yaml:"validator" json:"validator"`
	Tasks     TasksConfig     `yaml:"tasks" json:"tasks"`
	Executor  ExecutorConfig  `yaml:"executor" json:"executor"`
	Reasoner  ReasonerConfig  `yaml:"reasoner" json:"reasoner"`
	Store     StoreConfig     `yaml:"store" json:"store"`
}

// PoolConfig configures the browser session pool and the browser it drives.
type PoolConfig struct {
	Capacity           int           `yaml:"capacity" json:"capacity"`
	MaxAvailable       int           `yaml:"max_available" json:"max_available"` // defaults to capacity
	MaxAge             time.Duration `yaml:"max_age" json:"max_age"`
	MaxUses            int           `yaml:"max_uses" json:"max_uses"` // 0 = unlimited
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	ResetTimeout       time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HealthCheck        bool          `yaml:"health_check" json:"health_check"`
	HealthCheckURL     string        `yaml:"health_check_url" json:"health_check_url"`
	RotateFingerprints bool          `yaml:"rotate_fingerprints" json:"rotate_fingerprints"`
	Headless           bool          `yaml:"headless" json:"headless"`
	InstallBrowsers    bool          `yaml:"install_browsers" json:"install_browsers"`
	BrowserTimeout     time.Duration `yaml:"browser_timeout" json:"browser_timeout"`
	Warm               int           `yaml:"warm" json:"warm"`
}

// PlannerConfig configures plan generation and the defaults of generated steps.
type PlannerConfig struct {
	MaxIterations     int           `yaml:"max_iterations" json:"max_iterations"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	StepTimeout       time.Duration `yaml:"step_timeout" json:"step_timeout"`
	StepMaxRetries    int           `yaml:"step_max_retries" json:"step_max_retries"`
	StepRetryDelay    time.Duration `yaml:"step_retry_delay" json:"step_retry_delay"`
	DefaultConfidence float64       `yaml:"default_confidence" json:"default_confidence"`
}

// ValidatorConfig holds the tunable validator thresholds. Zero values take
// the validator defaults.
type ValidatorConfig struct {
	MaxSteps            int      `yaml:"max_steps" json:"max_steps"`
	ErrorPenalty        float64  `yaml:"error_penalty" json:"error_penalty"`
	WarningPenalty      float64  `yaml:"warning_penalty" json:"warning_penalty"`
	DivergenceThreshold float64  `yaml:"divergence_threshold" json:"divergence_threshold"`
	ApprovalConfidence  float64  `yaml:"approval_confidence" json:"approval_confidence"`
	MaxInputLength      int      `yaml:"max_input_length" json:"max_input_length"`
	MaxFallbacks        int      `yaml:"max_fallbacks" json:"max_fallbacks"`
	DestructiveKeywords []string `yaml:"destructive_keywords" json:"destructive_keywords"`
	AllowedURLs         []string `yaml:"allowed_urls" json:"allowed_urls"`
	BlockedURLs         []string `yaml:"blocked_urls" json:"blocked_urls"`
}

// TasksConfig configures the task lifecycle manager.
type TasksConfig struct {
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	MaxConcurrent   int           `yaml:"max_concurrent" json:"max_concurrent"`
	BackoffStrategy string        `yaml:"backoff_strategy" json:"backoff_strategy"` // linear or exponential
	BackoffBase     time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max" json:"backoff_max"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout" json:"approval_timeout"` // 0 disables
	StaleTimeout    time.Duration `yaml:"stale_timeout" json:"stale_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// ExecutorConfig configures the execution engine.
type ExecutorConfig struct {
	AcquireTimeout     time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" json:"default_step_timeout"`
	CaptureEvidence    bool          `yaml:"capture_evidence" json:"capture_evidence"`
	EvidenceDir        string        `yaml:"evidence_dir" json:"evidence_dir"`
}

// ReasonerConfig selects and configures the goal reasoner.
type ReasonerConfig struct {
	Provider        string  `yaml:"provider" json:"provider"`
	APIKeyEnv       string  `yaml:"api_key_env" json:"api_key_env"`
	BaseURL         string  `yaml:"base_url" json:"base_url"`
	Model           string  `yaml:"model" json:"model"`
	Temperature     float64 `yaml:"temperature" json:"temperature"`
	MaxPromptTokens int     `yaml:"max_prompt_tokens" json:"max_prompt_tokens"`
}

// StoreConfig configures persistence. An empty path disables it.
type StoreConfig struct {
	Path              string        `yaml:"path" json:"path"`
	PoolStatsInterval time.Duration `yaml:"pool_stats_interval" json:"pool_stats_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Pool: PoolConfig{
			Capacity:           pool.DefaultCapacity,
			MaxAge:             pool.DefaultMaxAge,
			AcquireTimeout:     pool.DefaultAcquireTimeout,
			ResetTimeout:       pool.DefaultResetTimeout,
			HealthCheck:        true,
			HealthCheckURL:     "about:blank",
			RotateFingerprints: true,
			Headless:           true,
			BrowserTimeout:     browser.DefaultTimeout,
		},
		Planner: PlannerConfig{
			MaxIterations:     plan.DefaultMaxIterations,
			CallTimeout:       plan.DefaultCallTimeout,
			StepTimeout:       10 * time.Second,
			StepMaxRetries:    2,
			StepRetryDelay:    time.Second,
			DefaultConfidence: plan.DefaultStatedConfidence,
		},
		Tasks: TasksConfig{
			MaxRetries:      task.DefaultMaxRetries,
			MaxConcurrent:   task.DefaultMaxConcurrent,
			BackoffStrategy: string(task.BackoffExponential),
			BackoffBase:     task.DefaultBackoffBase,
			BackoffMax:      task.DefaultBackoffMax,
			StaleTimeout:    task.DefaultStaleTimeout,
			SweepInterval:   task.DefaultSweepInterval,
		},
		Executor: ExecutorConfig{
			AcquireTimeout:     engine.DefaultAcquireTimeout,
			DefaultStepTimeout: engine.DefaultStepTimeout,
		},
		Reasoner: ReasonerConfig{
			Provider:        ProviderHeuristic,
			APIKeyEnv:       "OPENAI_API_KEY",
			Model:           "gpt-4o",
			Temperature:     0.2,
			MaxPromptTokens: 6000,
		},
		Store: StoreConfig{
			PoolStatsInterval: time.Minute,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate returns the first violation found.
func (c *Config) Validate() error {
	c.LogLevel = logging.NormalizeLevel(c.LogLevel)

	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool.capacity must be at least 1")
	}
	if c.Pool.MaxAvailable < 0 || c.Pool.MaxAvailable > c.Pool.Capacity {
		return fmt.Errorf("pool.max_available must be between 0 and capacity (%d)", c.Pool.Capacity)
	}
	if c.Pool.MaxUses < 0 {
		return fmt.Errorf("pool.max_uses cannot be negative")
	}
	if c.Pool.Warm < 0 || c.Pool.Warm > c.Pool.Capacity {
		return fmt.Errorf("pool.warm must be between 0 and capacity (%d)", c.Pool.Capacity)
	}
	for name, d := range map[string]time.Duration{
		"pool.max_age":                  c.Pool.MaxAge,
		"pool.acquire_timeout":          c.Pool.AcquireTimeout,
		"pool.reset_timeout":            c.Pool.ResetTimeout,
		"planner.call_timeout":          c.Planner.CallTimeout,
		"planner.step_timeout":          c.Planner.StepTimeout,
		"tasks.stale_timeout":           c.Tasks.StaleTimeout,
		"tasks.sweep_interval":          c.Tasks.SweepInterval,
		"executor.acquire_timeout":      c.Executor.AcquireTimeout,
		"executor.default_step_timeout": c.Executor.DefaultStepTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.Planner.MaxIterations < 1 {
		return fmt.Errorf("planner.max_iterations must be at least 1")
	}
	if c.Planner.StepMaxRetries < 0 {
		return fmt.Errorf("planner.step_max_retries cannot be negative")
	}
	if c.Planner.StepRetryDelay < 0 {
		return fmt.Errorf("planner.step_retry_delay cannot be negative")
	}
	if c.Planner.DefaultConfidence <= 0 || c.Planner.DefaultConfidence > 1 {
		return fmt.Errorf("planner.default_confidence must be in (0,1]")
	}

	if c.Validator.MaxSteps < 0 || c.Validator.MaxInputLength < 0 || c.Validator.MaxFallbacks < 0 {
		return fmt.Errorf("validator limits cannot be negative")
	}
	if c.Validator.ApprovalConfidence < 0 || c.Validator.ApprovalConfidence > 1 {
		return fmt.Errorf("validator.approval_confidence must be in [0,1]")
	}
	if _, err := plan.NewURLMatcher(c.Validator.AllowedURLs, c.Validator.BlockedURLs); err != nil {
		return fmt.Errorf("validator url patterns: %w", err)
	}

	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries cannot be negative")
	}
	if c.Tasks.MaxConcurrent < 1 {
		return fmt.Errorf("tasks.max_concurrent must be at least 1")
	}
	if c.Tasks.ApprovalTimeout < 0 {
		return fmt.Errorf("tasks.approval_timeout cannot be negative")
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("tasks: %w", err)
	}

	switch c.Reasoner.Provider {
	case ProviderHeuristic:
	case ProviderOpenAI:
		if c.Reasoner.APIKeyEnv == "" {
			return fmt.Errorf("reasoner.api_key_env is required for the openai provider")
		}
		if c.Reasoner.Model == "" {
			return fmt.Errorf("reasoner.model is required for the openai provider")
		}
	default:
		return fmt.Errorf("invalid reasoner.provider: %s (must be '%s' or '%s')", c.Reasoner.Provider, ProviderOpenAI, ProviderHeuristic)
	}
	if c.Reasoner.MaxPromptTokens < 0 {
		return fmt.Errorf("reasoner.max_prompt_tokens cannot be negative")
	}

	if c.Store.Path != "" && c.Store.PoolStatsInterval < 0 {
		return fmt.Errorf("store.pool_stats_interval cannot be negative")
	}
	return nil
}

// PoolOptions converts the pool section.
func (c *Config) PoolOptions() pool.Config {
	return pool.Config{
		Capacity:       c.Pool.Capacity,
		MaxAvailable:   c.Pool.MaxAvailable,
		MaxAge:         c.Pool.MaxAge,
		MaxUses:        c.Pool.MaxUses,
		AcquireTimeout: c.Pool.AcquireTimeout,
		ResetTimeout:   c.Pool.ResetTimeout,
		HealthCheck:    c.Pool.HealthCheck,
		Rotator:        browser.NewRotator(c.Pool.RotateFingerprints),
	}
}

// PlaywrightOptions converts the browser settings of the pool section.
func (c *Config) PlaywrightOptions() browser.PlaywrightOptions {
	return browser.PlaywrightOptions{
		Headless:       c.Pool.Headless,
		Install:        c.Pool.InstallBrowsers,
		ArtifactDir:    ExpandHome(c.Executor.EvidenceDir),
		HealthCheckURL: c.Pool.HealthCheckURL,
		DefaultTimeout: c.Pool.BrowserTimeout,
	}
}

// GeneratorConfig converts the planner section.
func (c *Config) GeneratorConfig() plan.GeneratorConfig {
	return plan.GeneratorConfig{
		MaxIterations: c.Planner.MaxIterations,
		CallTimeout:   c.Planner.CallTimeout,
		Defaults: plan.StepDefaults{
			Timeout:    c.Planner.StepTimeout,
			MaxRetries: c.Planner.StepMaxRetries,
			RetryDelay: c.Planner.StepRetryDelay,
			Confidence: c.Planner.DefaultConfidence,
		},
	}
}

// ValidatorPolicy converts the validator section over the default policy.
func (c *Config) ValidatorPolicy() plan.Policy {
	p := plan.DefaultPolicy()
	v := c.Validator
	if v.MaxSteps > 0 {
		p.MaxSteps = v.MaxSteps
	}
	if v.ErrorPenalty > 0 {
		p.ErrorPenalty = v.ErrorPenalty
	}
	if v.WarningPenalty > 0 {
		p.WarningPenalty = v.WarningPenalty
	}
	if v.DivergenceThreshold > 0 {
		p.DivergenceThreshold = v.DivergenceThreshold
	}
	if v.ApprovalConfidence > 0 {
		p.ApprovalConfidence = v.ApprovalConfidence
	}
	if v.MaxInputLength > 0 {
		p.MaxInputLength = v.MaxInputLength
	}
	if v.MaxFallbacks > 0 {
		p.MaxFallbacks = v.MaxFallbacks
	}
	if len(v.DestructiveKeywords) > 0 {
		p.DestructiveKeywords = v.DestructiveKeywords
	}
	p.AllowedURLs = v.AllowedURLs
	p.BlockedURLs = v.BlockedURLs
	return p
}

// Backoff converts the retry backoff settings.
func (c *Config) Backoff() task.Backoff {
	return task.Backoff{
		Strategy: task.BackoffStrategy(strings.ToLower(c.Tasks.BackoffStrategy)),
		Base:     c.Tasks.BackoffBase,
		Max:      c.Tasks.BackoffMax,
	}
}

// TaskConfig converts the tasks section. validator and recorder may be nil.
func (c *Config) TaskConfig(validator *plan.Validator, recorder task.Recorder) task.Config {
	return task.Config{
		MaxRetries:      c.Tasks.MaxRetries,
		MaxConcurrent:   c.Tasks.MaxConcurrent,
		Backoff:         c.Backoff(),
		ApprovalTimeout: c.Tasks.ApprovalTimeout,
		StaleTimeout:    c.Tasks.StaleTimeout,
		SweepInterval:   c.Tasks.SweepInterval,
		Validator:       validator,
		Recorder:        recorder,
	}
}

// EngineConfig converts the executor section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		AcquireTimeout:     c.Executor.AcquireTimeout,
		DefaultStepTimeout: c.Executor.DefaultStepTimeout,
		CaptureEvidence:    c.Executor.CaptureEvidence,
	}
}

// APIKey returns the reasoner API key from the configured environment
// variable.
func (c *Config) APIKey() string {
	if c.Reasoner.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Reasoner.APIKeyEnv)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
