// Package config loads agentflow settings from flags, environment, an
// optional YAML file and defaults, in that order of precedence.
package config

import (
	"time"
)

// Config is the full process configuration.
type Config struct {
	Log            LogConfig            `mapstructure:"log"`
	Store          StoreConfig          `mapstructure:"store"`
	Definitions    DefinitionsConfig    `mapstructure:"definitions"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	SharedContext  SharedContextConfig  `mapstructure:"shared_context"`
	Approval       ApprovalConfig       `mapstructure:"approval"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Agents         []AgentConfig        `mapstructure:"agents"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig locates the libSQL database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DefinitionsConfig locates workflow definition files.
type DefinitionsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// ExecutorConfig tunes step execution.
type ExecutorConfig struct {
	HistoryWindow            int           `mapstructure:"history_window"`
	TokenBudget              int           `mapstructure:"token_budget"`
	ProgressThreshold        time.Duration `mapstructure:"progress_threshold"`
	DefaultApprovalThreshold float64       `mapstructure:"default_approval_threshold"`
}

// SharedContextConfig bounds optimistic retries on the shared context.
type SharedContextConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// ApprovalConfig drives the approval timeout sweeper.
type ApprovalConfig struct {
	ReminderAfter time.Duration `mapstructure:"reminder_after"`
	TimeoutAfter  time.Duration `mapstructure:"timeout_after"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

// CircuitBreakerConfig applies to every agent capability.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// Agent capability kinds that can be declared in configuration.
const (
	AgentTypeCommand = "command"
	AgentTypeMock    = "mock"
	AgentTypeReplay  = "replay"
)

// AgentConfig declares one agent capability.
//
//   - command: Command is run once per step (see agents.CommandAgent)
//   - mock:    always succeeds with Output at Confidence
//   - replay:  returns the outputs recorded by SourceInstance
type AgentConfig struct {
	ID             string            `mapstructure:"id"`
	Type           string            `mapstructure:"type"`
	Command        []string          `mapstructure:"command"`
	Env            map[string]string `mapstructure:"env"`
	Dir            string            `mapstructure:"dir"`
	Output         map[string]any    `mapstructure:"output"`
	Confidence     float64           `mapstructure:"confidence"`
	SourceInstance string            `mapstructure:"source_instance"`
}
