package config

import (
	"fmt"
	"strings"

	"github.com/libar-dev/libar-platform/internal/idgen"
)

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate reports all invalid settings at once, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Store.Path == "" {
		add("store.path", "must not be empty")
	}

	if c.DCB.MaxAttempts < 1 {
		add("dcb.max_attempts", "must be at least 1, got %d", c.DCB.MaxAttempts)
	}
	if c.DCB.InitialBackoff <= 0 {
		add("dcb.initial_backoff", "must be positive")
	}
	if c.DCB.BackoffBase < 1 {
		add("dcb.backoff_base", "must be at least 1, got %g", c.DCB.BackoffBase)
	}
	if c.DCB.MaxBackoff < c.DCB.InitialBackoff {
		add("dcb.max_backoff", "must not be below initial_backoff (%s)", c.DCB.InitialBackoff)
	}

	if c.WorkQueue.Parallelism < 1 {
		add("workqueue.parallelism", "must be at least 1, got %d", c.WorkQueue.Parallelism)
	}
	if c.WorkQueue.MaxActionAttempts < 1 {
		add("workqueue.max_action_attempts", "must be at least 1, got %d", c.WorkQueue.MaxActionAttempts)
	}
	if c.WorkQueue.ActionBackoff < 0 {
		add("workqueue.action_backoff", "must not be negative")
	}

	if c.Engine.PollInterval <= 0 {
		add("engine.poll_interval", "must be positive")
	}
	if c.Engine.BatchSize < 1 {
		add("engine.batch_size", "must be at least 1, got %d", c.Engine.BatchSize)
	}
	if c.Engine.FailureThreshold < 1 {
		add("engine.failure_threshold", "must be at least 1, got %d", c.Engine.FailureThreshold)
	}

	if c.Events.NATSURL != "" && c.Events.SubjectPrefix == "" {
		add("events.subject_prefix", "must be set when nats_url is configured")
	}
	if strings.ContainsAny(c.Events.SubjectPrefix, "*> \t") {
		add("events.subject_prefix", "must not contain wildcards or whitespace")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("log.level", "must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format", "must be text or json, got %q", c.Log.Format)
	}

	if _, err := idgen.ParseReservationStrategy(c.IDs.ReservationStrategy); err != nil {
		add("ids.reservation_strategy", "unknown strategy %q", c.IDs.ReservationStrategy)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
