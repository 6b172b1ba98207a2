package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single validation failure with its field
// context.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors accumulates every violation found during Validate,
// rather than failing on the first.
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	messages := make([]string, 0, len(ve))
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors reports whether any violation was recorded.
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add records a new violation.
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{Field: field, Value: val, Message: message})
}

// Validate enforces the resource-cap and timeout invariants of §5: minWarm
// <= maxTotal, maxPerAgent <= maxTotal, pidsLimit >= 10, idle timeout >=
// 3x health interval, startup timeout >= 5s, health interval >= 1s.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Pool.MaxTotal <= 0 {
		errs.Add("pool.maxTotal", "must be positive", c.Pool.MaxTotal)
	}
	if c.Pool.MinWarm < 0 {
		errs.Add("pool.minWarm", "must not be negative", c.Pool.MinWarm)
	}
	if c.Pool.MinWarm > c.Pool.MaxTotal {
		errs.Add("pool.minWarm", "must be <= pool.maxTotal", c.Pool.MinWarm)
	}
	if c.Pool.MaxPerAgent <= 0 {
		errs.Add("pool.maxPerAgent", "must be positive", c.Pool.MaxPerAgent)
	}
	if c.Pool.MaxPerAgent > c.Pool.MaxTotal {
		errs.Add("pool.maxPerAgent", "must be <= pool.maxTotal", c.Pool.MaxPerAgent)
	}

	if c.Resources.PidsLimit < 10 {
		errs.Add("resources.pidsLimit", "must be >= 10", c.Resources.PidsLimit)
	}

	if c.Timeouts.HealthIntervalMs < 1000 {
		errs.Add("timeouts.healthIntervalMs", "must be >= 1000ms", c.Timeouts.HealthIntervalMs)
	}
	if c.Timeouts.IdleMs < 3*c.Timeouts.HealthIntervalMs {
		errs.Add("timeouts.idleMs", "must be >= 3x healthIntervalMs", c.Timeouts.IdleMs)
	}
	if c.Timeouts.StartupMs < 5000 {
		errs.Add("timeouts.startupMs", "must be >= 5000ms", c.Timeouts.StartupMs)
	}
	if c.Timeouts.MaxAgeMs <= 0 {
		errs.Add("timeouts.maxAgeMs", "must be positive", c.Timeouts.MaxAgeMs)
	}

	if strings.TrimSpace(c.Image) == "" {
		errs.Add("image", "is required")
	}

	if strings.TrimSpace(c.Redis.KeyPrefix) == "" {
		errs.Add("redis.keyPrefix", "is required")
	}

	return errs
}
