package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// Instance is the persisted representation of one running execution of a workflow definition.
type Instance struct {
	ID               string                     `json:"id"`
	DefinitionID     string                     `json:"definition_id"`
	OwnerID          string                     `json:"owner_id"`
	CurrentStepIndex int                        `json:"current_step_index"` // 1-based
	Status           schema.InstanceStatus      `json:"status"`
	WorkflowContext  json.RawMessage            `json:"workflow_context,omitempty"`
	StepData         map[string]json.RawMessage `json:"step_data,omitempty"`
	SharedContextRef string                     `json:"shared_context_ref,omitempty"`
	ErrorMessage     string                     `json:"error_message,omitempty"`
	Version          int64                      `json:"version"`
	CreatedAt        time.Time                  `json:"created_at"`
	UpdatedAt        time.Time                  `json:"updated_at"`
	PausedAt         *time.Time                 `json:"paused_at,omitempty"`
	CancelledAt      *time.Time                 `json:"cancelled_at,omitempty"`
	CompletedAt      *time.Time                 `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.WorkflowContext = cloneRaw(i.WorkflowContext)
	if i.StepData != nil {
		cp.StepData = make(map[string]json.RawMessage, len(i.StepData))
		for k, v := range i.StepData {
			cp.StepData[k] = cloneRaw(v)
		}
	}
	cp.PausedAt = cloneTime(i.PausedAt)
	cp.CancelledAt = cloneTime(i.CancelledAt)
	cp.CompletedAt = cloneTime(i.CompletedAt)
	return &cp
}

// StepHistory is the audit record of a single step attempt. It is created with
// status running and closed exactly once.
type StepHistory struct {
	ID           string            `json:"id"`
	InstanceID   string            `json:"instance_id"`
	StepID       string            `json:"step_id"`
	StepName     string            `json:"step_name"`
	StepIndex    int               `json:"step_index"`
	AgentID      string            `json:"agent_id,omitempty"`
	Status       schema.StepStatus `json:"status"`
	Input        json.RawMessage   `json:"input,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// StepClose carries the fields written when a step history record is closed.
type StepClose struct {
	Status       schema.StepStatus
	Output       json.RawMessage
	ErrorMessage string
	CompletedAt  time.Time
}

// Event is an immutable entry in the per-instance event log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	StepID     string          `json:"step_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// TransitionPayload is the payload of a state_transition event.
type TransitionPayload struct {
	From   schema.InstanceStatus `json:"from"`
	To     schema.InstanceStatus `json:"to"`
	Reason string                `json:"reason,omitempty"`
}

// Handoff records a transfer of control between two agent capabilities.
type Handoff struct {
	ID          string    `json:"id"`
	InstanceID  string    `json:"instance_id"`
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id"`
	StepID      string    `json:"step_id"`
	Reason      string    `json:"reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is one entry in a shared context's decision history.
type Decision struct {
	StepID    string         `json:"step_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Summary   string         `json:"summary"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// SharedContext is the versioned cross-step memory of an instance.
type SharedContext struct {
	InstanceID         string                     `json:"instance_id"`
	StepOutputs        map[string]json.RawMessage `json:"step_outputs"`
	StepOrder          []string                   `json:"step_order"`
	DecisionHistory    []Decision                 `json:"decision_history"`
	UserPreferences    map[string]any             `json:"user_preferences"`
	ArtifactReferences map[string]string          `json:"artifact_references"`
	Version            int64                      `json:"version"`
	LastModifiedAt     time.Time                  `json:"last_modified_at"`
	LastModifiedBy     string                     `json:"last_modified_by,omitempty"`
}

// NewSharedContext returns an empty document at version 0 (not yet persisted).
func NewSharedContext(instanceID string) *SharedContext {
	return &SharedContext{
		InstanceID:         instanceID,
		StepOutputs:        make(map[string]json.RawMessage),
		DecisionHistory:    []Decision{},
		UserPreferences:    make(map[string]any),
		ArtifactReferences: make(map[string]string),
	}
}

// Clone returns a deep copy of the document.
func (c *SharedContext) Clone() *SharedContext {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var cp SharedContext
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *c
	}
	cp.normalize()
	return &cp
}

// normalize replaces nil collections so the JSON form is stable.
func (c *SharedContext) normalize() {
	if c.StepOutputs == nil {
		c.StepOutputs = make(map[string]json.RawMessage)
	}
	if c.DecisionHistory == nil {
		c.DecisionHistory = []Decision{}
	}
	if c.UserPreferences == nil {
		c.UserPreferences = make(map[string]any)
	}
	if c.ArtifactReferences == nil {
		c.ArtifactReferences = make(map[string]string)
	}
}

// ApprovalRequest is a human-in-the-loop review of a low-confidence agent output.
type ApprovalRequest struct {
	ID               string                `json:"id"`
	InstanceID       string                `json:"instance_id"`
	AgentID          string                `json:"agent_id"`
	StepID           string                `json:"step_id"`
	ProposedResponse json.RawMessage       `json:"proposed_response"`
	ConfidenceScore  float64               `json:"confidence_score"`
	Reasoning        string                `json:"reasoning,omitempty"`
	Status           schema.ApprovalStatus `json:"status"`
	RequestedAt      time.Time             `json:"requested_at"`
	RequestedBy      string                `json:"requested_by"`
	ResolvedAt       *time.Time            `json:"resolved_at,omitempty"`
	ResolvedBy       string                `json:"resolved_by,omitempty"`
	ModifiedResponse json.RawMessage       `json:"modified_response,omitempty"`
	RejectionReason  string                `json:"rejection_reason,omitempty"`
	ReminderSentAt   *time.Time            `json:"reminder_sent_at,omitempty"`
	Version          int64                 `json:"version"`
}

// Clone returns a copy safe to mutate.
func (a *ApprovalRequest) Clone() *ApprovalRequest {
	if a == nil {
		return nil
	}
	cp := *a
	cp.ProposedResponse = cloneRaw(a.ProposedResponse)
	cp.ModifiedResponse = cloneRaw(a.ModifiedResponse)
	cp.ResolvedAt = cloneTime(a.ResolvedAt)
	cp.ReminderSentAt = cloneTime(a.ReminderSentAt)
	return &cp
}

// --- Filter types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	OwnerID      string                 `json:"owner_id,omitempty"`
	DefinitionID string                 `json:"definition_id,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
// Results are ordered by requested_at ascending.
type ApprovalFilter struct {
	InstanceID      string                 `json:"instance_id,omitempty"`
	Status          *schema.ApprovalStatus `json:"status,omitempty"`
	RequestedBefore *time.Time             `json:"requested_before,omitempty"`
	Limit           int                    `json:"limit,omitempty"`
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	cp := make(json.RawMessage, len(r))
	copy(cp, r)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
