package schema

import "encoding/json"

// WorkflowDefinition is the read-only, ordered list of steps a workflow instance executes.
// Definitions are served by the definition registry and never mutated at execution time.
type WorkflowDefinition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name,omitempty"`
	Version     string           `json:"version,omitempty"`
	Description string           `json:"description,omitempty"`
	Steps       []StepDefinition `json:"steps"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step, delegated to one agent capability.
type StepDefinition struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Agent        string          `json:"agent"`                   // agent capability id
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`  // JSON Schema for the resolved input params
	OutputSchema json.RawMessage `json:"output_schema,omitempty"` // JSON Schema the agent output must satisfy
	InputParams  map[string]any  `json:"input_params,omitempty"`  // static parameters handed to the agent

	// InputMapping maps parameter names to jq expressions evaluated against
	// {"workflow": ..., "shared": ..., "steps": ..., "input": ...}.
	InputMapping map[string]string `json:"input_mapping,omitempty"`

	// Assertions are expr predicates over the parsed output ("output") that must all hold.
	Assertions []string `json:"assertions,omitempty"`

	// ApprovalThreshold is the confidence below which a human must approve the output.
	// Zero means the engine default.
	ApprovalThreshold float64 `json:"approval_threshold,omitempty"`

	// ApprovalCondition is a CEL predicate over confidence, output and step that
	// replaces the threshold check when set.
	ApprovalCondition string `json:"approval_condition,omitempty"`

	Timeout string `json:"timeout,omitempty"` // per-step agent timeout (e.g. "30s")
}

// DisplayName returns the step name, falling back to its ID.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepAt returns the step at a 1-based index, or false if out of range.
func (d *WorkflowDefinition) StepAt(index int) (StepDefinition, bool) {
	if d == nil || index < 1 || index > len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[index-1], true
}
