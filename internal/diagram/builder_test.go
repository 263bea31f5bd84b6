package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

func triageWorkflow() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "triage",
		Name: "Ticket Triage",
		Steps: []schema.StepDefinition{
			{ID: "classify", Name: "Classify ticket", Agent: "classifier"},
			{ID: "enrich", Agent: "classifier"},
			{ID: "reply", Name: "Draft reply", Agent: "writer", ApprovalThreshold: 0.9},
		},
	}
}

func TestBuild_DefinitionOnly(t *testing.T) {
	model, err := Build(triageWorkflow(), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, "Ticket Triage", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, NodeKindStart, model.Nodes[0].Kind)
	assert.Equal(t, "Classify ticket", model.Nodes[1].Label)
	assert.Equal(t, "enrich", model.Nodes[2].Label)
	assert.Equal(t, NodeKindGated, model.Nodes[3].Kind)
	assert.Equal(t, NodeKindEnd, model.Nodes[4].Kind)

	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
		assert.False(t, n.Current)
	}

	require.Len(t, model.Edges, 4)
	assert.Equal(t, Edge{From: "__start__", To: "classify"}, model.Edges[0])
	assert.Empty(t, model.Edges[1].Label, "same agent")
	assert.Equal(t, "handoff", model.Edges[2].Label)
	assert.Equal(t, "__end__", model.Edges[3].To)
}

func TestBuild_StatusOverlay(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	done := t0.Add(250 * time.Millisecond)
	retryDone := t0.Add(2 * time.Second)
	inst := &store.Instance{ID: "inst-1", Status: schema.InstanceStatusRunning, CurrentStepIndex: 3}
	history := []*store.StepHistory{
		{StepID: "classify", Status: schema.StepStatusCompleted, StartedAt: t0, CompletedAt: &done},
		{StepID: "enrich", Status: schema.StepStatusFailed, StartedAt: t0.Add(time.Second), CompletedAt: &retryDone, ErrorMessage: "timeout"},
		{StepID: "enrich", Status: schema.StepStatusCompleted, StartedAt: t0.Add(3 * time.Second)},
		{StepID: "reply", Status: schema.StepStatusAwaitingApproval, StartedAt: t0.Add(4 * time.Second)},
	}

	model, err := Build(triageWorkflow(), inst, history)
	require.NoError(t, err)

	assert.Equal(t, "Ticket Triage (inst-1: running)", model.Title)

	classify := model.Nodes[1]
	require.NotNil(t, classify.Status)
	assert.Equal(t, "completed", classify.Status.Status)
	assert.Equal(t, int64(250), classify.Status.DurationMs)
	assert.Equal(t, 1, classify.Status.Attempts)

	enrich := model.Nodes[2]
	assert.Equal(t, "completed", enrich.Status.Status, "latest attempt wins")
	assert.Equal(t, 2, enrich.Status.Attempts)
	assert.Empty(t, enrich.Status.Error)

	reply := model.Nodes[3]
	assert.Equal(t, "awaiting_approval", reply.Status.Status)
	assert.True(t, reply.Current)
	assert.False(t, enrich.Current)
}

func TestBuild_TerminalInstanceHasNoCurrentStep(t *testing.T) {
	inst := &store.Instance{ID: "inst-1", Status: schema.InstanceStatusFailed, CurrentStepIndex: 1}
	model, err := Build(triageWorkflow(), inst, nil)
	require.NoError(t, err)
	for _, n := range model.Nodes {
		assert.False(t, n.Current)
	}
}

func TestBuild_EmptyDefinition(t *testing.T) {
	_, err := Build(&schema.WorkflowDefinition{ID: "x"}, nil, nil)
	assert.Error(t, err)
	_, err = Build(nil, nil, nil)
	assert.Error(t, err)
}
