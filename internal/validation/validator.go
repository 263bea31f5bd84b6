package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/agentflow/pkg/schema"
)

// Validator checks a JSON document against a JSON Schema.
// An empty result means the document is valid.
type Validator interface {
	Validate(schemaBytes []byte, doc json.RawMessage) []Violation
}

// Violation is a single schema failure located by JSON pointer.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Path, v.Message)
}

// ViolationsError folds violations into a VALIDATION_ERROR FlowError, or nil.
func ViolationsError(what string, violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.String()
	}
	if len(violations) == 1 {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s failed validation: %s", what, msgs[0]).
			WithDetails(map[string]any{"violations": msgs})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "%s failed validation with %d errors: %s",
		what, len(violations), strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"violations": msgs})
}
