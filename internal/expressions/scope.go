package expressions

import (
	"encoding/json"
	"fmt"
)

// Scope is the data a step's input expressions are evaluated against.
//
//   - workflow: the instance's workflow context
//   - shared:   the (summarized) shared context document
//   - steps:    step outputs accumulated on the instance, keyed by step ID
//   - input:    the caller-supplied user input for this execution
type Scope struct {
	Workflow map[string]any
	Shared   map[string]any
	Steps    map[string]any
	Input    map[string]any
}

// NewScope decodes the raw documents of an instance into a Scope. Every value
// is deep-copied, so expressions can never mutate the caller's state.
func NewScope(workflow json.RawMessage, shared any, steps map[string]json.RawMessage, input map[string]any) (*Scope, error) {
	s := &Scope{
		Steps: make(map[string]any, len(steps)),
		Input: deepCopyMap(input),
	}

	var err error
	if s.Workflow, err = decodeObject(workflow); err != nil {
		return nil, fmt.Errorf("decode workflow context: %w", err)
	}

	if shared != nil {
		b, err := json.Marshal(shared)
		if err != nil {
			return nil, fmt.Errorf("encode shared context: %w", err)
		}
		if s.Shared, err = decodeObject(b); err != nil {
			return nil, fmt.Errorf("decode shared context: %w", err)
		}
	}

	for id, raw := range steps {
		if len(raw) == 0 {
			s.Steps[id] = nil
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode output of step %q: %w", id, err)
		}
		s.Steps[id] = v
	}
	return s, nil
}

// Map returns the scope as the jq input object.
func (s *Scope) Map() map[string]any {
	return map[string]any{
		"workflow": orEmpty(s.Workflow),
		"shared":   orEmpty(s.Shared),
		"steps":    orEmpty(s.Steps),
		"input":    orEmpty(s.Input),
	}
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Primitives are value types and returned as-is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
