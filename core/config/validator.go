package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config key (e.g., "sessions.max_concurrent")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
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

// ValidLogLevels returns the accepted logging.level values
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidLogFormats returns the accepted logging.format values
func ValidLogFormats() []string {
	return []string{"console", "json"}
}

// ValidModels returns the accepted sessions.model values
func ValidModels() []string {
	return []string{"thread", "task"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateSessions()...)
	errors = append(errors, c.validateLifecycle()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateNgrok()...)

	return errors
}

func (c *Config) validateServer() []ValidationError {
	var errors []ValidationError

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be between 0 and 65535",
		})
	}

	return errors
}

func (c *Config) validateSessions() []ValidationError {
	var errors []ValidationError

	if c.Sessions.MaxConcurrent < 1 {
		errors = append(errors, ValidationError{
			Field:   "sessions.max_concurrent",
			Value:   c.Sessions.MaxConcurrent,
			Message: "must be at least 1",
		})
	}

	// Room for at least an empty JSON object
	const minMetadataBytes = 2
	if c.Sessions.MaxMetadataBytes < minMetadataBytes {
		errors = append(errors, ValidationError{
			Field:   "sessions.max_metadata_bytes",
			Value:   c.Sessions.MaxMetadataBytes,
			Message: fmt.Sprintf("must be at least %d bytes", minMetadataBytes),
		})
	}

	if c.Sessions.DefaultTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.default_timeout",
			Value:   c.Sessions.DefaultTimeout,
			Message: "must be positive",
		})
	}

	if c.Sessions.ShutdownTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "sessions.shutdown_timeout",
			Value:   c.Sessions.ShutdownTimeout,
			Message: "must be positive",
		})
	}

	if !slices.Contains(ValidModels(), c.Sessions.Model) {
		errors = append(errors, ValidationError{
			Field:   "sessions.model",
			Value:   c.Sessions.Model,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidModels(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateLifecycle() []ValidationError {
	var errors []ValidationError

	if c.Lifecycle.MaxEvents < 1 {
		errors = append(errors, ValidationError{
			Field:   "lifecycle.max_events",
			Value:   c.Lifecycle.MaxEvents,
			Message: "must be at least 1",
		})
	}

	// 0 disables age-based pruning
	if c.Lifecycle.Retention < 0 {
		errors = append(errors, ValidationError{
			Field:   "lifecycle.retention",
			Value:   c.Lifecycle.Retention,
			Message: "must be non-negative",
		})
	}

	const minSweepInterval = 100 * time.Millisecond
	if c.Lifecycle.SweepInterval < minSweepInterval {
		errors = append(errors, ValidationError{
			Field:   "lifecycle.sweep_interval",
			Value:   c.Lifecycle.SweepInterval,
			Message: fmt.Sprintf("must be at least %s", minSweepInterval),
		})
	}

	if c.Lifecycle.SinkBuffer < 1 {
		errors = append(errors, ValidationError{
			Field:   "lifecycle.sink_buffer",
			Value:   c.Lifecycle.SinkBuffer,
			Message: "must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if !slices.Contains(ValidLogFormats(), strings.ToLower(c.Logging.Format)) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Value:   c.Logging.Format,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogFormats(), ", ")),
		})
	}

	return errors
}

func (c *Config) validateNgrok() []ValidationError {
	var errors []ValidationError

	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		errors = append(errors, ValidationError{
			Field:   "ngrok.auth_token",
			Value:   "",
			Message: "is required when ngrok.enabled is true",
		})
	}

	return errors
}
