package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafferd/gaffer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Gaffer configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/gaffer/config.yaml
Project-specific overrides can be placed in .gaffer.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s (%s)\n",
		config.MaskAPIKey(cfg.Anthropic.APIKey), config.GetAPIKeySource(cfg))
	fmt.Printf("scheduler.max_workers: %d\n", cfg.Scheduler.MaxWorkers)
	fmt.Printf("scheduler.poll_interval: %s\n", cfg.Scheduler.PollInterval)
	fmt.Printf("scheduler.event_buffer: %d\n", cfg.Scheduler.EventBuffer)
	fmt.Printf("queue.claim_ttl: %s\n", cfg.Queue.ClaimTTL)
	fmt.Printf("queue.sweep_interval: %s\n", cfg.Queue.SweepInterval)
	fmt.Printf("plan.bottleneck_threshold: %d\n", cfg.Plan.BottleneckThreshold)
	fmt.Printf("recovery.base_delay: %s\n", cfg.Recovery.BaseDelay)
	fmt.Printf("recovery.max_delay: %s\n", cfg.Recovery.MaxDelay)
	fmt.Printf("recovery.multiplier: %g\n", cfg.Recovery.Multiplier)
	fmt.Printf("recovery.max_attempts: %d\n", cfg.Recovery.MaxAttempts)
	fmt.Printf("recovery.breaker_threshold: %d\n", cfg.Recovery.BreakerThreshold)
	fmt.Printf("recovery.breaker_window: %s\n", cfg.Recovery.BreakerWindow)
	fmt.Printf("recovery.breaker_cooldown: %s\n", cfg.Recovery.BreakerCooldown)
	fmt.Printf("recovery.breaker_scope: %s\n", cfg.Recovery.BreakerScope)
	fmt.Printf("recovery.acceptance_threshold: %g\n", cfg.Recovery.AcceptanceThreshold)
	fmt.Printf("timeouts.critical: %s\n", cfg.Timeouts.Critical)
	fmt.Printf("timeouts.high: %s\n", cfg.Timeouts.High)
	fmt.Printf("timeouts.medium: %s\n", cfg.Timeouts.Medium)
	fmt.Printf("timeouts.low: %s\n", cfg.Timeouts.Low)
	fmt.Printf("state.dir: %s\n", cfg.State.Dir)
	fmt.Printf("worker.model: %s\n", cfg.Worker.Model)
	fmt.Printf("worker.use_bedrock: %t\n", cfg.Worker.UseBedrock)
	fmt.Printf("worker.default_capabilities: %s\n", strings.Join(cfg.Worker.DefaultCapabilities, ","))

	fmt.Println()
	fmt.Printf("User config: %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("Project config: %s\n", p)
	}
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		return config.MaskAPIKey(cfg.Anthropic.APIKey), nil
	case "scheduler.max_workers":
		return strconv.Itoa(cfg.Scheduler.MaxWorkers), nil
	case "scheduler.poll_interval":
		return cfg.Scheduler.PollInterval.String(), nil
	case "scheduler.event_buffer":
		return strconv.Itoa(cfg.Scheduler.EventBuffer), nil
	case "queue.claim_ttl":
		return cfg.Queue.ClaimTTL.String(), nil
	case "queue.sweep_interval":
		return cfg.Queue.SweepInterval.String(), nil
	case "plan.bottleneck_threshold":
		return strconv.Itoa(cfg.Plan.BottleneckThreshold), nil
	case "recovery.base_delay":
		return cfg.Recovery.BaseDelay.String(), nil
	case "recovery.max_delay":
		return cfg.Recovery.MaxDelay.String(), nil
	case "recovery.multiplier":
		return strconv.FormatFloat(cfg.Recovery.Multiplier, 'g', -1, 64), nil
	case "recovery.max_attempts":
		return strconv.Itoa(cfg.Recovery.MaxAttempts), nil
	case "recovery.breaker_threshold":
		return strconv.Itoa(cfg.Recovery.BreakerThreshold), nil
	case "recovery.breaker_window":
		return cfg.Recovery.BreakerWindow.String(), nil
	case "recovery.breaker_cooldown":
		return cfg.Recovery.BreakerCooldown.String(), nil
	case "recovery.breaker_scope":
		return cfg.Recovery.BreakerScope, nil
	case "recovery.acceptance_threshold":
		return strconv.FormatFloat(cfg.Recovery.AcceptanceThreshold, 'g', -1, 64), nil
	case "timeouts.critical":
		return cfg.Timeouts.Critical.String(), nil
	case "timeouts.high":
		return cfg.Timeouts.High.String(), nil
	case "timeouts.medium":
		return cfg.Timeouts.Medium.String(), nil
	case "timeouts.low":
		return cfg.Timeouts.Low.String(), nil
	case "state.dir":
		return cfg.State.Dir, nil
	case "worker.model":
		return cfg.Worker.Model, nil
	case "worker.use_bedrock":
		return strconv.FormatBool(cfg.Worker.UseBedrock), nil
	case "worker.default_capabilities":
		return strings.Join(cfg.Worker.DefaultCapabilities, ","), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "anthropic.api_key":
		// ${VAR} references are resolved at load time, not validated here.
		if !strings.HasPrefix(value, "${") {
			if err := config.ValidateAPIKey(value); err != nil {
				return err
			}
		}
		cfg.Anthropic.APIKey = value
	case "scheduler.max_workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_workers: %w", err)
		}
		cfg.Scheduler.MaxWorkers = n
	case "scheduler.poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for poll_interval: %w", err)
		}
		cfg.Scheduler.PollInterval = d
	case "scheduler.event_buffer":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for event_buffer: %w", err)
		}
		cfg.Scheduler.EventBuffer = n
	case "queue.claim_ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for claim_ttl: %w", err)
		}
		cfg.Queue.ClaimTTL = d
	case "queue.sweep_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for sweep_interval: %w", err)
		}
		cfg.Queue.SweepInterval = d
	case "plan.bottleneck_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for bottleneck_threshold: %w", err)
		}
		cfg.Plan.BottleneckThreshold = n
	case "recovery.base_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for base_delay: %w", err)
		}
		cfg.Recovery.BaseDelay = d
	case "recovery.max_delay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for max_delay: %w", err)
		}
		cfg.Recovery.MaxDelay = d
	case "recovery.multiplier":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for multiplier: %w", err)
		}
		cfg.Recovery.Multiplier = f
	case "recovery.max_attempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for max_attempts: %w", err)
		}
		cfg.Recovery.MaxAttempts = n
	case "recovery.breaker_threshold":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for breaker_threshold: %w", err)
		}
		cfg.Recovery.BreakerThreshold = n
	case "recovery.breaker_window":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for breaker_window: %w", err)
		}
		cfg.Recovery.BreakerWindow = d
	case "recovery.breaker_cooldown":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for breaker_cooldown: %w", err)
		}
		cfg.Recovery.BreakerCooldown = d
	case "recovery.breaker_scope":
		if value != "worker" && value != "capability" {
			return fmt.Errorf("invalid breaker_scope %q: must be worker or capability", value)
		}
		cfg.Recovery.BreakerScope = value
	case "recovery.acceptance_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid value for acceptance_threshold: %w", err)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("acceptance_threshold must be between 0 and 1")
		}
		cfg.Recovery.AcceptanceThreshold = f
	case "timeouts.critical":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.critical: %w", err)
		}
		cfg.Timeouts.Critical = d
	case "timeouts.high":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.high: %w", err)
		}
		cfg.Timeouts.High = d
	case "timeouts.medium":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.medium: %w", err)
		}
		cfg.Timeouts.Medium = d
	case "timeouts.low":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeouts.low: %w", err)
		}
		cfg.Timeouts.Low = d
	case "state.dir":
		cfg.State.Dir = value
	case "worker.model":
		cfg.Worker.Model = value
	case "worker.use_bedrock":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for use_bedrock: %w", err)
		}
		cfg.Worker.UseBedrock = b
	case "worker.default_capabilities":
		if value == "" {
			cfg.Worker.DefaultCapabilities = nil
			return nil
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.Worker.DefaultCapabilities = parts
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	return nil
}
