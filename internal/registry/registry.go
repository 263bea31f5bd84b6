// Package registry serves workflow definitions to the engine.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentflow/pkg/schema"
)

// DefinitionValidator checks a definition before it is served.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// MemoryRegistry holds definitions registered in code.
type MemoryRegistry struct {
	mu        sync.RWMutex
	defs      map[string]*schema.WorkflowDefinition
	validator DefinitionValidator
}

// NewMemoryRegistry creates an empty registry. A nil validator accepts every
// definition.
func NewMemoryRegistry(validator DefinitionValidator) *MemoryRegistry {
	return &MemoryRegistry{defs: make(map[string]*schema.WorkflowDefinition), validator: validator}
}

// Register adds or replaces a definition.
func (r *MemoryRegistry) Register(def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "definition id is required")
	}
	if r.validator != nil {
		if err := r.validator.ValidateDefinition(def); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// GetDefinition returns the definition with the given id.
func (r *MemoryRegistry) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	if !ok {
		return nil, notFound(id)
	}
	return def, nil
}

// List returns all definitions ordered by id.
func (r *MemoryRegistry) List() []*schema.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedDefs(r.defs)
}

func notFound(id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "workflow definition %q not found", id)
}

func sortedDefs(m map[string]*schema.WorkflowDefinition) []*schema.WorkflowDefinition {
	out := make([]*schema.WorkflowDefinition, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b *schema.WorkflowDefinition) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ParseDefinition decodes a definition document. YAML documents go through a
// JSON round trip so embedded schemas land in their raw JSON fields.
func ParseDefinition(name string, data []byte) (*schema.WorkflowDefinition, error) {
	raw := data
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert %s to JSON: %w", name, err)
		}
		raw = b
	case ".json":
	default:
		return nil, fmt.Errorf("unsupported definition file %s", name)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return &def, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
