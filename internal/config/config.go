// Package config handles configuration loading and management for Gaffer.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/gafferd/gaffer/pkg/models"
)

// Config holds all configuration for Gaffer.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Plan      PlanConfig      `mapstructure:"plan"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	Timeouts  TimeoutsConfig  `mapstructure:"timeouts"`
	State     StateConfig     `mapstructure:"state"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
}

// SchedulerConfig holds dispatcher loop settings.
type SchedulerConfig struct {
	// MaxWorkers is the global concurrency cap: at most this many
	// subtasks run simultaneously.
	MaxWorkers int `mapstructure:"max_workers"`
	// PollInterval is how often the dispatch loop re-evaluates the ready set.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// EventBuffer is the size of the scheduler's event stream.
	EventBuffer int `mapstructure:"event_buffer"`
}

// QueueConfig holds work-queue claim settings.
type QueueConfig struct {
	// ClaimTTL is how long a claim may sit without progress before the
	// scheduler releases it as stale.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
	// SweepInterval is how often stale claims are swept.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// PlanConfig holds execution-planner settings.
type PlanConfig struct {
	// BottleneckThreshold is the dependent count at which a subtask is
	// flagged as a bottleneck.
	BottleneckThreshold int `mapstructure:"bottleneck_threshold"`
}

// RecoveryConfig holds retry, circuit-breaker, and degradation settings.
type RecoveryConfig struct {
	// BaseDelay is the first retry delay.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Multiplier is the backoff growth factor.
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxAttempts bounds retries per subtask.
	MaxAttempts int `mapstructure:"max_attempts"`
	// BreakerThreshold is the consecutive-failure count that opens a circuit.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	// BreakerWindow is the rolling window for counting failures.
	BreakerWindow time.Duration `mapstructure:"breaker_window"`
	// BreakerCooldown is how long an open circuit waits before a trial dispatch.
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	// BreakerScope keys circuits by "worker" or "capability".
	BreakerScope string `mapstructure:"breaker_scope"`
	// AcceptanceThreshold is the completed-weight fraction at which a
	// degraded run still terminates with a partial result.
	AcceptanceThreshold float64 `mapstructure:"acceptance_threshold"`
}

// TimeoutsConfig holds per-priority dispatch timeouts.
type TimeoutsConfig struct {
	Critical time.Duration `mapstructure:"critical"`
	High     time.Duration `mapstructure:"high"`
	Medium   time.Duration `mapstructure:"medium"`
	Low      time.Duration `mapstructure:"low"`
}

// ForPriority returns the dispatch timeout for a priority tier.
func (tc *TimeoutsConfig) ForPriority(p models.Priority) time.Duration {
	switch p {
	case models.PriorityCritical:
		return tc.Critical
	case models.PriorityHigh:
		return tc.High
	case models.PriorityLow:
		return tc.Low
	default:
		return tc.Medium
	}
}

// StateConfig holds run-state persistence settings.
type StateConfig struct {
	// Dir is the directory holding the state database and signal files.
	Dir string `mapstructure:"dir"`
}

// WorkerConfig holds worker-invocation settings.
type WorkerConfig struct {
	// Model is the model alias used by the Claude worker runner.
	Model string `mapstructure:"model"`
	// UseBedrock routes Claude calls through AWS Bedrock.
	UseBedrock bool `mapstructure:"use_bedrock"`
	// DefaultCapabilities are granted to workers that declare none.
	DefaultCapabilities []string `mapstructure:"default_capabilities"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY)
// 2. Project config (.gaffer.yaml in current directory or parent)
// 3. User config (~/.config/gaffer/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Project config takes precedence over the user config.
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("")
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("anthropic.api_key", cfg.Anthropic.APIKey)
	v.Set("scheduler.max_workers", cfg.Scheduler.MaxWorkers)
	v.Set("scheduler.poll_interval", cfg.Scheduler.PollInterval.String())
	v.Set("scheduler.event_buffer", cfg.Scheduler.EventBuffer)
	v.Set("queue.claim_ttl", cfg.Queue.ClaimTTL.String())
	v.Set("queue.sweep_interval", cfg.Queue.SweepInterval.String())
	v.Set("plan.bottleneck_threshold", cfg.Plan.BottleneckThreshold)
	v.Set("recovery.base_delay", cfg.Recovery.BaseDelay.String())
	v.Set("recovery.max_delay", cfg.Recovery.MaxDelay.String())
	v.Set("recovery.multiplier", cfg.Recovery.Multiplier)
	v.Set("recovery.max_attempts", cfg.Recovery.MaxAttempts)
	v.Set("recovery.breaker_threshold", cfg.Recovery.BreakerThreshold)
	v.Set("recovery.breaker_window", cfg.Recovery.BreakerWindow.String())
	v.Set("recovery.breaker_cooldown", cfg.Recovery.BreakerCooldown.String())
	v.Set("recovery.breaker_scope", cfg.Recovery.BreakerScope)
	v.Set("recovery.acceptance_threshold", cfg.Recovery.AcceptanceThreshold)
	v.Set("timeouts.critical", cfg.Timeouts.Critical.String())
	v.Set("timeouts.high", cfg.Timeouts.High.String())
	v.Set("timeouts.medium", cfg.Timeouts.Medium.String())
	v.Set("timeouts.low", cfg.Timeouts.Low.String())
	v.Set("state.dir", cfg.State.Dir)
	v.Set("worker.model", cfg.Worker.Model)
	v.Set("worker.use_bedrock", cfg.Worker.UseBedrock)
	v.Set("worker.default_capabilities", cfg.Worker.DefaultCapabilities)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")

	v.SetDefault("scheduler.max_workers", 3)
	v.SetDefault("scheduler.poll_interval", "100ms")
	v.SetDefault("scheduler.event_buffer", 100)

	v.SetDefault("queue.claim_ttl", "60s")
	v.SetDefault("queue.sweep_interval", "10s")

	v.SetDefault("plan.bottleneck_threshold", 3)

	v.SetDefault("recovery.base_delay", "1s")
	v.SetDefault("recovery.max_delay", "30s")
	v.SetDefault("recovery.multiplier", 2.0)
	v.SetDefault("recovery.max_attempts", 3)
	v.SetDefault("recovery.breaker_threshold", 5)
	v.SetDefault("recovery.breaker_window", "1m")
	v.SetDefault("recovery.breaker_cooldown", "30s")
	v.SetDefault("recovery.breaker_scope", "worker")
	v.SetDefault("recovery.acceptance_threshold", 0.5)

	v.SetDefault("timeouts.critical", "30m")
	v.SetDefault("timeouts.high", "15m")
	v.SetDefault("timeouts.medium", "15m")
	v.SetDefault("timeouts.low", "5m")

	v.SetDefault("state.dir", ".gaffer")

	v.SetDefault("worker.model", "sonnet")
	v.SetDefault("worker.use_bedrock", false)
	v.SetDefault("worker.default_capabilities", []string{})
}

// getUserConfigDir returns the XDG config directory for Gaffer.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "gaffer")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "gaffer")
	}
	return filepath.Join(home, ".config", "gaffer")
}

// findProjectConfig searches for .gaffer.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".gaffer.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{
			APIKey: "",
		},
		Scheduler: SchedulerConfig{
			MaxWorkers:   3,
			PollInterval: 100 * time.Millisecond,
			EventBuffer:  100,
		},
		Queue: QueueConfig{
			ClaimTTL:      60 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Plan: PlanConfig{
			BottleneckThreshold: 3,
		},
		Recovery: RecoveryConfig{
			BaseDelay:           time.Second,
			MaxDelay:            30 * time.Second,
			Multiplier:          2.0,
			MaxAttempts:         3,
			BreakerThreshold:    5,
			BreakerWindow:       time.Minute,
			BreakerCooldown:     30 * time.Second,
			BreakerScope:        "worker",
			AcceptanceThreshold: 0.5,
		},
		Timeouts: TimeoutsConfig{
			Critical: 30 * time.Minute,
			High:     15 * time.Minute,
			Medium:   15 * time.Minute,
			Low:      5 * time.Minute,
		},
		State: StateConfig{
			Dir: ".gaffer",
		},
		Worker: WorkerConfig{
			Model:      "sonnet",
			UseBedrock: false,
		},
	}
}
