package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "file:agentflow.db", cfg.Store.Path)
	assert.Equal(t, "./definitions", cfg.Definitions.Dir)
	assert.True(t, cfg.Definitions.Watch)
	assert.Equal(t, 10, cfg.Executor.HistoryWindow)
	assert.Equal(t, 4000, cfg.Executor.TokenBudget)
	assert.Equal(t, 2*time.Second, cfg.Executor.ProgressThreshold)
	assert.Equal(t, 0.7, cfg.Executor.DefaultApprovalThreshold)
	assert.Equal(t, 3, cfg.SharedContext.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.SharedContext.Backoff)
	assert.Equal(t, 24*time.Hour, cfg.Approval.ReminderAfter)
	assert.Equal(t, 72*time.Hour, cfg.Approval.TimeoutAfter)
	assert.Equal(t, "@every 5m", cfg.Approval.SweepSchedule)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Cooldown)
	assert.Empty(t, cfg.Agents)
}

func TestLoader_File(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
executor:
  token_budget: 1200
approval:
  reminder_after: 1h
  timeout_after: 4h
  sweep_schedule: "*/10 * * * *"
agents:
  - id: classifier
    type: command
    command: ["python3", "classify.py"]
    env:
      MODEL: small
  - id: echo
    type: mock
    confidence: 0.5
    output:
      label: bug
`)

	l := NewLoader().WithConfigFile(path)
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, path, l.ConfigFile())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1200, cfg.Executor.TokenBudget)
	assert.Equal(t, time.Hour, cfg.Approval.ReminderAfter)
	assert.Equal(t, "*/10 * * * *", cfg.Approval.SweepSchedule)

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, []string{"python3", "classify.py"}, cfg.Agents[0].Command)
	assert.Equal(t, "small", cfg.Agents[0].Env["model"])
	assert.Equal(t, 0.5, cfg.Agents[1].Confidence)
	assert.Equal(t, "bug", cfg.Agents[1].Output["label"])
}

func TestLoader_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "store:\n  path: file:from-file.db\n")
	t.Setenv("AGENTFLOW_STORE_PATH", "file:from-env.db")
	t.Setenv("AGENTFLOW_EXECUTOR_HISTORY_WINDOW", "3")

	cfg, err := NewLoader().WithConfigFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "file:from-env.db", cfg.Store.Path)
	assert.Equal(t, 3, cfg.Executor.HistoryWindow)
}

func TestLoader_MissingExplicitFile(t *testing.T) {
	_, err := NewLoader().WithConfigFile(filepath.Join(t.TempDir(), "nope.yaml")).Load()
	assert.Error(t, err)
}

func TestLoader_InvalidConfigRejected(t *testing.T) {
	path := writeConfig(t, `
approval:
  reminder_after: 2h
  timeout_after: 1h
`)
	_, err := NewLoader().WithConfigFile(path).Load()
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "approval.timeout_after", verrs[0].Field)
}

func validConfig() Config {
	return Config{
		Log:           LogConfig{Level: "info", Format: "text"},
		Store:         StoreConfig{Path: "file:x.db"},
		Executor:      ExecutorConfig{HistoryWindow: 10, TokenBudget: 4000, DefaultApprovalThreshold: 0.7},
		SharedContext: SharedContextConfig{MaxAttempts: 3},
		Approval:      ApprovalConfig{ReminderAfter: time.Hour, TimeoutAfter: 2 * time.Hour, SweepSchedule: "@hourly"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"token budget", func(c *Config) { c.Executor.TokenBudget = 0 }, "executor.token_budget"},
		{"threshold", func(c *Config) { c.Executor.DefaultApprovalThreshold = 1.5 }, "executor.default_approval_threshold"},
		{"attempts", func(c *Config) { c.SharedContext.MaxAttempts = 0 }, "shared_context.max_attempts"},
		{"schedule", func(c *Config) { c.Approval.SweepSchedule = "whenever" }, "approval.sweep_schedule"},
		{"agent type", func(c *Config) { c.Agents = []AgentConfig{{ID: "a", Type: "robot"}} }, "agents[0].type"},
		{"agent command", func(c *Config) { c.Agents = []AgentConfig{{ID: "a", Type: AgentTypeCommand}} }, "agents[0].command"},
		{"replay source", func(c *Config) { c.Agents = []AgentConfig{{ID: "a", Type: AgentTypeReplay}} }, "agents[0].source_instance"},
		{"duplicate agent", func(c *Config) {
			c.Agents = []AgentConfig{{ID: "a", Type: AgentTypeMock}, {ID: "a", Type: AgentTypeMock}}
		}, "agents[1].id"},
	}

	base := validConfig()
	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}
