package diagram

import (
	"fmt"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a definition. When inst is non-nil the
// model carries its status overlay: history drives per-step status and the
// instance's current index marks the next step.
func Build(def *schema.WorkflowDefinition, inst *store.Instance, history []*store.StepHistory) (*DiagramModel, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: definition has no steps")
	}

	latest := make(map[string]*store.StepHistory, len(history))
	attempts := make(map[string]int, len(history))
	for _, h := range history {
		attempts[h.StepID]++
		if prev, ok := latest[h.StepID]; !ok || !h.StartedAt.Before(prev.StartedAt) {
			latest[h.StepID] = h
		}
	}

	nodes := make([]*Node, 0, len(def.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for i, step := range def.Steps {
		node := &Node{
			ID:    step.ID,
			Label: step.DisplayName(),
			Agent: step.Agent,
			Kind:  NodeKindStep,
		}
		if step.ApprovalCondition != "" || step.ApprovalThreshold > 0 {
			node.Kind = NodeKindGated
		}
		if h := latest[step.ID]; h != nil {
			node.Status = overlay(h, attempts[step.ID])
		}
		if inst != nil && !inst.Status.IsTerminal() && inst.CurrentStepIndex == i+1 {
			node.Current = true
		}
		nodes = append(nodes, node)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title: titleFromDef(def, inst),
		Nodes: nodes,
		Edges: buildEdges(nodes),
	}, nil
}

func overlay(h *store.StepHistory, attempts int) *StatusOverlay {
	o := &StatusOverlay{
		Status:   string(h.Status),
		Attempts: attempts,
		Error:    h.ErrorMessage,
	}
	if h.CompletedAt != nil {
		o.DurationMs = h.CompletedAt.Sub(h.StartedAt).Milliseconds()
	}
	return o
}

// buildEdges chains the nodes in order.
func buildEdges(nodes []*Node) []Edge {
	edges := make([]Edge, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		from, to := nodes[i-1], nodes[i]
		e := Edge{From: from.ID, To: to.ID}
		if from.Agent != "" && to.Agent != "" && from.Agent != to.Agent {
			e.Label = "handoff"
		}
		edges = append(edges, e)
	}
	return edges
}

func titleFromDef(def *schema.WorkflowDefinition, inst *store.Instance) string {
	title := def.ID
	if def.Name != "" {
		title = def.Name
	}
	if inst != nil {
		title = fmt.Sprintf("%s (%s: %s)", title, inst.ID, inst.Status)
	}
	return title
}
