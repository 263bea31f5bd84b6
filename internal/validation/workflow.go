package validation

import "github.com/rendis/agentflow/pkg/schema"

// AgentLookup reports whether an agent capability id is registered.
type AgentLookup interface {
	Has(id string) bool
}

// ExpressionChecker compiles the expressions a step may declare.
type ExpressionChecker interface {
	CheckMapping(expr string) error
	CheckCondition(expr string) error
	CheckAssertion(expr string) error
}

// DefinitionValidator runs the two-stage definition pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (unique step ids, agent refs, embedded schemas, expressions, timeouts)
type DefinitionValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	exprs      ExpressionChecker
}

// NewDefinitionValidator creates a DefinitionValidator. agents and exprs may be
// nil to skip agent existence and expression compile checks.
func NewDefinitionValidator(jsv *JSONSchemaValidator, agents AgentLookup, exprs ExpressionChecker) (*DefinitionValidator, error) {
	if jsv == nil {
		var err error
		if jsv, err = NewJSONSchemaValidator(); err != nil {
			return nil, err
		}
	}
	return &DefinitionValidator{jsonSchema: jsv, agents: agents, exprs: exprs}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the semantic stage.
func (dv *DefinitionValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := dv.jsonSchema.ValidateDefinition(def)
	if !result.Valid() {
		return result
	}
	result.Merge(validateSemantic(def, dv.jsonSchema, dv.agents, dv.exprs))
	return result
}

// ValidateDefinition returns the pipeline result as an error, nil if valid.
func (dv *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return dv.Validate(def).ToError()
}
