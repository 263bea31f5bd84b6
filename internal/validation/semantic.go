package validation

import (
	"fmt"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// validateSemantic checks what JSON Schema cannot express.
func validateSemantic(def *schema.WorkflowDefinition, jsv *JSONSchemaValidator, agents AgentLookup, exprs ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if first, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, first))
		} else {
			seen[step.ID] = i
		}

		validateStepSemantic(step, path, jsv, agents, exprs, result)
	}
	return result
}

func validateStepSemantic(step *schema.StepDefinition, path string, jsv *JSONSchemaValidator, agents AgentLookup, exprs ExpressionChecker, result *schema.ValidationResult) {
	if agents != nil && !agents.Has(step.Agent) {
		result.AddError(path+".agent", schema.ErrCodeAgentUnavailable,
			fmt.Sprintf("agent %q not registered", step.Agent))
	}

	if err := jsv.CompileSchema(step.InputSchema); err != nil {
		result.AddError(path+".input_schema", schema.ErrCodeValidation, err.Error())
	}
	if err := jsv.CompileSchema(step.OutputSchema); err != nil {
		result.AddError(path+".output_schema", schema.ErrCodeValidation, err.Error())
	}

	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err != nil || d <= 0 {
			result.AddError(path+".timeout", schema.ErrCodeValidation,
				fmt.Sprintf("invalid timeout %q", step.Timeout))
		}
	}

	if step.ApprovalThreshold >= 1 {
		result.AddWarning(path+".approval_threshold", schema.ErrCodeValidation,
			"threshold of 1 sends every output to approval")
	}
	if step.ApprovalCondition != "" && step.ApprovalThreshold > 0 {
		result.AddWarning(path+".approval_threshold", schema.ErrCodeValidation,
			"approval_condition is set; approval_threshold is ignored")
	}

	if exprs == nil {
		return
	}
	for name, expr := range step.InputMapping {
		if err := exprs.CheckMapping(expr); err != nil {
			result.AddError(fmt.Sprintf("%s.input_mapping.%s", path, name), schema.ErrCodeValidation, err.Error())
		}
	}
	if step.ApprovalCondition != "" {
		if err := exprs.CheckCondition(step.ApprovalCondition); err != nil {
			result.AddError(path+".approval_condition", schema.ErrCodeValidation, err.Error())
		}
	}
	for j, a := range step.Assertions {
		if err := exprs.CheckAssertion(a); err != nil {
			result.AddError(fmt.Sprintf("%s.assertions[%d]", path, j), schema.ErrCodeValidation, err.Error())
		}
	}
}
