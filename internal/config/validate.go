package config

import (
	"fmt"
	"strings"

	"github.com/rendis/agentflow/internal/approval"
	"github.com/rendis/agentflow/internal/logging"
)

// ValidationError is one rejected setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every rejected setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns ValidationErrors, or nil.
func (c *Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", c.Log.Level, "must be debug, info, warn or error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format", c.Log.Format, "must be text or json")
	}
	if c.Store.Path == "" {
		add("store.path", c.Store.Path, "required")
	}

	if c.Executor.HistoryWindow < 0 {
		add("executor.history_window", c.Executor.HistoryWindow, "must not be negative")
	}
	if c.Executor.TokenBudget <= 0 {
		add("executor.token_budget", c.Executor.TokenBudget, "must be positive")
	}
	if c.Executor.ProgressThreshold < 0 {
		add("executor.progress_threshold", c.Executor.ProgressThreshold, "must not be negative")
	}
	if t := c.Executor.DefaultApprovalThreshold; t <= 0 || t > 1 {
		add("executor.default_approval_threshold", t, "must be in (0, 1]")
	}

	if c.SharedContext.MaxAttempts <= 0 {
		add("shared_context.max_attempts", c.SharedContext.MaxAttempts, "must be positive")
	}
	if c.SharedContext.Backoff < 0 {
		add("shared_context.backoff", c.SharedContext.Backoff, "must not be negative")
	}

	if c.Approval.ReminderAfter <= 0 {
		add("approval.reminder_after", c.Approval.ReminderAfter, "must be positive")
	}
	if c.Approval.TimeoutAfter <= c.Approval.ReminderAfter {
		add("approval.timeout_after", c.Approval.TimeoutAfter, "must be greater than approval.reminder_after")
	}
	if _, err := approval.ParseSchedule(c.Approval.SweepSchedule); err != nil {
		add("approval.sweep_schedule", c.Approval.SweepSchedule, err.Error())
	}

	if c.CircuitBreaker.FailureThreshold < 0 {
		add("circuit_breaker.failure_threshold", c.CircuitBreaker.FailureThreshold, "must not be negative")
	}
	if c.CircuitBreaker.Cooldown < 0 {
		add("circuit_breaker.cooldown", c.CircuitBreaker.Cooldown, "must not be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			add(field+".id", a.ID, "required")
		} else if seen[a.ID] {
			add(field+".id", a.ID, "duplicate agent id")
		}
		seen[a.ID] = true

		switch a.Type {
		case AgentTypeCommand:
			if len(a.Command) == 0 {
				add(field+".command", a.Command, "required for command agents")
			}
		case AgentTypeMock:
			if a.Confidence < 0 || a.Confidence > 1 {
				add(field+".confidence", a.Confidence, "must be in [0, 1]")
			}
		case AgentTypeReplay:
			if a.SourceInstance == "" {
				add(field+".source_instance", a.SourceInstance, "required for replay agents")
			}
		default:
			add(field+".type", a.Type, "must be command, mock or replay")
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
