// Package agents holds the agent capability contract, the string-keyed router
// that dispatches steps to capabilities, and the built-in capability variants.
package agents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/agentflow/internal/store"
)

// Message is one entry of the rolling conversation window handed to an agent.
type Message struct {
	Role      string    `json:"role"` // "user" or "agent"
	StepID    string    `json:"step_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentContext is everything an agent capability sees for one step.
type AgentContext struct {
	InstanceID      string               `json:"instance_id"`
	DefinitionID    string               `json:"definition_id"`
	OwnerID         string               `json:"owner_id"`
	StepID          string               `json:"step_id"`
	StepName        string               `json:"step_name"`
	StepIndex       int                  `json:"step_index"`
	AgentID         string               `json:"agent_id"`
	WorkflowContext map[string]any       `json:"workflow_context,omitempty"`
	InputParams     map[string]any       `json:"input_params,omitempty"`
	UserInput       map[string]any       `json:"user_input,omitempty"`
	History         []Message            `json:"history,omitempty"`
	SharedContext   *store.SharedContext `json:"shared_context,omitempty"`
}

// Result is the outcome of one agent invocation.
type Result struct {
	Success         bool            `json:"success"`
	Output          json.RawMessage `json:"output,omitempty"`
	ConfidenceScore float64         `json:"confidence_score"`
	Reasoning       string          `json:"reasoning,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Retryable       bool            `json:"retryable,omitempty"`
}

// Progress is a single streaming update from an agent.
type Progress struct {
	Message         string  `json:"message"`
	PercentComplete float64 `json:"percent_complete"`
}

// Capability is a pluggable agent. Implementations must honor ctx cancellation.
//
// ExecuteStreaming reports progress through emit while it works and returns the
// final result. The progress sequence is finite and not restartable; emit must
// not be called after ExecuteStreaming returns.
type Capability interface {
	ID() string
	Execute(ctx context.Context, ac *AgentContext) (*Result, error)
	ExecuteStreaming(ctx context.Context, ac *AgentContext, emit func(Progress)) (*Result, error)
}
