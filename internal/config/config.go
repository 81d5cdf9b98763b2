// Package config holds the taskwarden configuration: the lifecycle shape
// (checks, deadlines, retry bounds), monitor keyword lists, execution mode,
// storage and logging settings. Configs load from YAML over defaults, with
// environment overrides for secrets and paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskwarden/internal/types"
)

// Config holds all taskwarden configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Verification VerificationConfig `yaml:"verification"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Monitors     MonitorsConfig     `yaml:"monitors"`
	Execution    ExecutionConfig    `yaml:"execution"`
	Store        StoreConfig        `yaml:"store"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// VerificationConfig shapes the verification loop.
type VerificationConfig struct {
	// Checks lists the check kinds in execution order.
	Checks []string `yaml:"checks"`

	// Deadline bounds the whole loop and doubles as the loss-cut
	// elapsed-time threshold.
	Deadline string `yaml:"deadline"`

	MaxFailures int `yaml:"max_failures"`
}

// RecoveryConfig shapes the recovery flow.
type RecoveryConfig struct {
	MaxSelectionRounds int  `yaml:"max_selection_rounds"`
	ShareLearnings     bool `yaml:"share_learnings"`
}

// EscalationConfig shapes the escalation judgment.
type EscalationConfig struct {
	RetreatThreshold int `yaml:"retreat_threshold"`
}

// MonitorsConfig lists the keyword patterns the principle monitors scan
// execution output for on every stage entry.
type MonitorsConfig struct {
	CollaborationPatterns []string `yaml:"collaboration_patterns"`
	BehaviorPatterns      []string `yaml:"behavior_patterns"`
}

// ExecutionConfig selects and configures the execution backend.
type ExecutionConfig struct {
	// Mode is "scripted" (scenario file) or "genai" (generative model).
	Mode string `yaml:"mode"`

	ScenarioPath string `yaml:"scenario_path"`

	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// StoreConfig configures the learning store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`

	// AuditFile, when set, receives a JSONL trail of lifecycle events.
	AuditFile string `yaml:"audit_file"`
}

// ValidExecutionModes lists the supported execution backends.
var ValidExecutionModes = []string{"scripted", "genai"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "taskwarden",
		Version: "0.4.0",

		Verification: VerificationConfig{
			Checks:      []string{"static_analysis", "regression", "completion_criteria"},
			Deadline:    "30m",
			MaxFailures: 3,
		},

		Recovery: RecoveryConfig{
			MaxSelectionRounds: 3,
			ShareLearnings:     true,
		},

		Escalation: EscalationConfig{
			RetreatThreshold: 3,
		},

		Monitors: MonitorsConfig{
			CollaborationPatterns: []string{
				"went ahead without",
				"skipped review",
				"did not ask",
			},
			BehaviorPatterns: []string{
				"ignored instructions",
				"silently changed",
				"fabricated",
			},
		},

		Execution: ExecutionConfig{
			Mode:         "scripted",
			ScenarioPath: "scenarios/default.yaml",
			Model:        "gemini-2.5-flash",
			Timeout:      "120s",
		},

		Store: StoreConfig{
			DatabasePath: "data/taskwarden.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
	}
}

// Load loads configuration from a YAML file over the defaults. A missing
// file returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Execution.APIKey = key
	}
	if path := os.Getenv("TASKWARDEN_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if level := os.Getenv("TASKWARDEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// CheckKinds returns the configured check sequence as typed kinds.
func (c *Config) CheckKinds() ([]types.CheckKind, error) {
	kinds := make([]types.CheckKind, 0, len(c.Verification.Checks))
	for _, s := range c.Verification.Checks {
		kind, err := types.ParseCheckKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// VerificationDeadline returns the loop deadline as a duration.
func (c *Config) VerificationDeadline() time.Duration {
	d, err := time.ParseDuration(c.Verification.Deadline)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// ExecutionTimeout returns the execution timeout as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Verification.Checks) == 0 {
		return fmt.Errorf("verification needs at least one check")
	}
	if _, err := c.CheckKinds(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(c.Verification.Deadline); err != nil {
		return fmt.Errorf("invalid verification deadline: %w", err)
	}
	if c.Verification.MaxFailures <= 0 {
		return fmt.Errorf("verification max_failures must be positive")
	}
	if c.Recovery.MaxSelectionRounds <= 0 {
		return fmt.Errorf("recovery max_selection_rounds must be positive")
	}
	if c.Escalation.RetreatThreshold <= 0 {
		return fmt.Errorf("escalation retreat_threshold must be positive")
	}

	validMode := false
	for _, m := range ValidExecutionModes {
		if c.Execution.Mode == m {
			validMode = true
			break
		}
	}
	if !validMode {
		return fmt.Errorf("invalid execution mode: %s (valid: %v)", c.Execution.Mode, ValidExecutionModes)
	}
	if c.Execution.Mode == "scripted" && c.Execution.ScenarioPath == "" {
		return fmt.Errorf("scripted execution needs a scenario_path")
	}
	if c.Execution.Mode == "genai" && c.Execution.APIKey == "" {
		return fmt.Errorf("genai execution needs an API key (set GEMINI_API_KEY)")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}
