package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string // The config field path (e.g., "scheduler.max_concurrent")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all
// validation errors found.
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateScheduler()...)
	errors = append(errors, c.validateBackoff()...)
	errors = append(errors, c.validateWatch()...)
	errors = append(errors, c.validateLogging()...)

	return errors
}

func (c *Config) validateScheduler() []ValidationError {
	var errors []ValidationError

	if c.Scheduler.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.max_concurrent",
			Value:   c.Scheduler.MaxConcurrent,
			Message: "must be at least 1",
		})
	}
	for flow, limit := range c.Scheduler.PerFlow {
		if limit < 1 {
			errors = append(errors, ValidationError{
				Field:   "scheduler.per_flow." + flow,
				Value:   limit,
				Message: "must be at least 1",
			})
		}
	}
	if c.Scheduler.SoftLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.soft_limit",
			Value:   c.Scheduler.SoftLimit,
			Message: "must not be negative",
		})
	}
	if c.Scheduler.HardLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "scheduler.hard_limit",
			Value:   c.Scheduler.HardLimit,
			Message: "must not be negative",
		})
	}
	if c.Scheduler.HardLimit > 0 && c.Scheduler.SoftLimit > c.Scheduler.HardLimit {
		errors = append(errors, ValidationError{
			Field:   "scheduler.soft_limit",
			Value:   c.Scheduler.SoftLimit,
			Message: "must not exceed scheduler.hard_limit",
		})
	}

	return errors
}

func (c *Config) validateBackoff() []ValidationError {
	var errors []ValidationError

	if c.Backoff.Base < 0 {
		errors = append(errors, ValidationError{
			Field:   "backoff.base",
			Value:   c.Backoff.Base,
			Message: "must not be negative",
		})
	}
	if c.Backoff.Multiplier < 1 {
		errors = append(errors, ValidationError{
			Field:   "backoff.multiplier",
			Value:   c.Backoff.Multiplier,
			Message: "must be at least 1",
		})
	}
	if c.Backoff.MaxDelay < 0 {
		errors = append(errors, ValidationError{
			Field:   "backoff.max_delay",
			Value:   c.Backoff.MaxDelay,
			Message: "must not be negative",
		})
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errors = append(errors, ValidationError{
			Field:   "backoff.jitter",
			Value:   c.Backoff.Jitter,
			Message: "must be between 0 and 1",
		})
	}
	if c.Backoff.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "backoff.max_retries",
			Value:   c.Backoff.MaxRetries,
			Message: "must not be negative",
		})
	}

	return errors
}

func (c *Config) validateWatch() []ValidationError {
	var errors []ValidationError

	if c.Watch.Debounce < 0 {
		errors = append(errors, ValidationError{
			Field:   "watch.debounce",
			Value:   c.Watch.Debounce,
			Message: "must not be negative",
		})
	}
	for _, ext := range c.Watch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errors = append(errors, ValidationError{
				Field:   "watch.extensions",
				Value:   ext,
				Message: "extensions must start with a dot",
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	return errors
}
