// Package config defines runward's configuration, loaded through viper
// from a YAML file and RUNWARD_* environment variables.
package config

import (
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/dlowe-net/runward/internal/backoff"
	"github.com/dlowe-net/runward/internal/scheduler"
)

// Config represents the complete runward configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SchedulerConfig controls admission capacity.
type SchedulerConfig struct {
	// MaxConcurrent caps globally running worker processes
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// PerFlow caps running workers per flow; unlisted flows are limited
	// only by max_concurrent
	PerFlow map[string]int `mapstructure:"per_flow"`
	// SoftLimit is the queue depth at which enqueue results carry an
	// advisory backpressure annotation (0 = disabled)
	SoftLimit int `mapstructure:"soft_limit"`
	// HardLimit is the queue depth at which new enqueues are deferred
	// outright (0 = disabled)
	HardLimit int `mapstructure:"hard_limit"`
}

// BackoffConfig controls retry timing after worker launch failures.
type BackoffConfig struct {
	// Base is the delay before the first retry
	Base time.Duration `mapstructure:"base"`
	// Multiplier grows the delay per successive failure
	Multiplier float64 `mapstructure:"multiplier"`
	// MaxDelay caps the computed delay before jitter
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Jitter is the fraction of the delay added as uniform random jitter (0-1)
	Jitter float64 `mapstructure:"jitter"`
	// MaxRetries is the number of retries before a launch failure is terminal
	MaxRetries int `mapstructure:"max_retries"`
}

// WorkerConfig controls how runs are executed.
type WorkerConfig struct {
	// Command is the worker command line; run parameters are passed via
	// RUNWARD_* environment variables
	Command []string `mapstructure:"command"`
	// WorkDir is the working directory for worker processes
	WorkDir string `mapstructure:"work_dir"`
}

// PathsConfig controls where runward stores data.
type PathsConfig struct {
	// TasksDir is the root of the task-document tree
	TasksDir string `mapstructure:"tasks_dir"`
	// StateDir holds the durable lock table and coordinator log
	StateDir string `mapstructure:"state_dir"`
	// ResultsDir is where workers write per-run result payloads
	ResultsDir string `mapstructure:"results_dir"`
	// LogsDir is where per-run worker logs go; defaults to results_dir
	LogsDir string `mapstructure:"logs_dir"`
}

// WatchConfig controls the tasks-directory watcher.
type WatchConfig struct {
	// Enabled starts the watcher under the serve command
	Enabled bool `mapstructure:"enabled"`
	// Extensions are the file extensions treated as task documents
	Extensions []string `mapstructure:"extensions"`
	// Debounce is how long a file must stay quiet before it is enqueued
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoggingConfig controls coordinator logging.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrent: 4,
			PerFlow:       map[string]int{},
			SoftLimit:     8,
			HardLimit:     16,
		},
		Backoff: BackoffConfig{
			Base:       backoff.DefaultBase,
			Multiplier: backoff.DefaultMultiplier,
			MaxDelay:   backoff.DefaultMaxDelay,
			Jitter:     backoff.DefaultJitter,
			MaxRetries: backoff.DefaultMaxRetries,
		},
		Worker: WorkerConfig{
			Command: []string{},
			WorkDir: "",
		},
		Paths: PathsConfig{
			TasksDir:   "tasks",
			StateDir:   ".runward",
			ResultsDir: filepath.Join(".runward", "results"),
			LogsDir:    "",
		},
		Watch: WatchConfig{
			Enabled:    true,
			Extensions: []string{".yaml", ".yml"},
			Debounce:   500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("scheduler.max_concurrent", defaults.Scheduler.MaxConcurrent)
	viper.SetDefault("scheduler.per_flow", defaults.Scheduler.PerFlow)
	viper.SetDefault("scheduler.soft_limit", defaults.Scheduler.SoftLimit)
	viper.SetDefault("scheduler.hard_limit", defaults.Scheduler.HardLimit)

	viper.SetDefault("backoff.base", defaults.Backoff.Base)
	viper.SetDefault("backoff.multiplier", defaults.Backoff.Multiplier)
	viper.SetDefault("backoff.max_delay", defaults.Backoff.MaxDelay)
	viper.SetDefault("backoff.jitter", defaults.Backoff.Jitter)
	viper.SetDefault("backoff.max_retries", defaults.Backoff.MaxRetries)

	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.work_dir", defaults.Worker.WorkDir)

	viper.SetDefault("paths.tasks_dir", defaults.Paths.TasksDir)
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.results_dir", defaults.Paths.ResultsDir)
	viper.SetDefault("paths.logs_dir", defaults.Paths.LogsDir)

	viper.SetDefault("watch.enabled", defaults.Watch.Enabled)
	viper.SetDefault("watch.extensions", defaults.Watch.Extensions)
	viper.SetDefault("watch.debounce", defaults.Watch.Debounce)

	viper.SetDefault("logging.level", defaults.Logging.Level)
}

// Load unmarshals and validates the configuration from viper.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// SchedulerSettings converts the configuration into the scheduler's
// runtime config, backoff policy included.
func (c *Config) SchedulerSettings() scheduler.Config {
	return scheduler.Config{
		MaxConcurrent: c.Scheduler.MaxConcurrent,
		PerFlow:       c.Scheduler.PerFlow,
		SoftLimit:     c.Scheduler.SoftLimit,
		HardLimit:     c.Scheduler.HardLimit,
		Retry:         c.BackoffPolicy(),
	}
}

// BackoffPolicy converts the backoff section into a policy value.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{
		Base:       c.Backoff.Base,
		Multiplier: c.Backoff.Multiplier,
		MaxDelay:   c.Backoff.MaxDelay,
		Jitter:     c.Backoff.Jitter,
		MaxRetries: c.Backoff.MaxRetries,
	}
}

// ResolveLogsDir returns the per-run worker log directory, falling back
// to the results directory when unset.
func (p *PathsConfig) ResolveLogsDir() string {
	if p.LogsDir != "" {
		return p.LogsDir
	}
	return p.ResultsDir
}
