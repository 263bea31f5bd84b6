package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/agentflow/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://agentflow.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "agent"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "agent": { "type": "string", "minLength": 1 },
        "input_schema": { "type": ["object", "boolean"] },
        "output_schema": { "type": ["object", "boolean"] },
        "input_params": { "type": "object" },
        "input_mapping": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "assertions": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "approval_threshold": { "type": "number", "minimum": 0, "maximum": 1 },
        "approval_condition": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates documents against JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	definitionSchema *jsonschema.Schema

	// mu guards the cache of compiled document schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

var _ Validator = (*JSONSchemaValidator)(nil)

// NewJSONSchemaValidator creates a JSONSchemaValidator with the definition schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal definition schema: %w", err)
	}
	const url = "https://agentflow.dev/schemas/definition.json"
	if err := c.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("add definition schema resource: %w", err)
	}
	defSchema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}

	return &JSONSchemaValidator{
		definitionSchema: defSchema,
		cache:            make(map[string]*jsonschema.Schema),
	}, nil
}

// Validate checks doc against the JSON Schema in schemaBytes and returns every
// violation found. An empty schema accepts anything. A schema that fails to
// compile or a document that is not JSON is reported as a single violation.
func (v *JSONSchemaValidator) Validate(schemaBytes []byte, doc json.RawMessage) []Violation {
	if len(schemaBytes) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return []Violation{{Path: "/", Message: "invalid schema: " + err.Error()}}
	}
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(doc)))
	if err != nil {
		return []Violation{{Path: "/", Message: "document is not valid JSON: " + err.Error()}}
	}
	if err := compiled.Validate(value); err != nil {
		return toViolations(err)
	}
	return nil
}

// ValidateValue is Validate for an arbitrary Go value.
func (v *JSONSchemaValidator) ValidateValue(schemaBytes []byte, value any) []Violation {
	b, err := json.Marshal(value)
	if err != nil {
		return []Violation{{Path: "/", Message: "value is not serializable: " + err.Error()}}
	}
	return v.Validate(schemaBytes, b)
}

// CompileSchema reports whether schemaBytes is a usable JSON Schema.
func (v *JSONSchemaValidator) CompileSchema(schemaBytes []byte) error {
	if len(schemaBytes) == 0 {
		return nil
	}
	_, err := v.getOrCompile(schemaBytes)
	return err
}

// ValidateDefinition checks a WorkflowDefinition against the definition JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}
	if err := v.definitionSchema.Validate(doc); err != nil {
		for _, viol := range toViolations(err) {
			result.AddError(viol.Path, schema.ErrCodeValidation, viol.Message)
		}
	}
	return result
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and a fresh compiler to avoid
	// resource collisions.
	url := fmt.Sprintf("agentflow://schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toViolations flattens a jsonschema validation error into leaf violations.
func toViolations(err error) []Violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Violation{{Path: "/", Message: err.Error()}}
	}
	out := collectViolations(verr)
	if len(out) == 0 {
		return []Violation{{Path: "/", Message: verr.Error()}}
	}
	return out
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []Violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []Violation{{Path: loc, Message: verr.Error()}}
	}

	var out []Violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
