package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

var draftSchema = json.RawMessage(`{
	"type": "object",
	"required": ["text"],
	"properties": {"text": {"type": "string"}}
}`)

func TestExecuteStep_RunsWorkflowToCompletion(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("planner", map[string]any{"plan": "outline"}))
	f.agent(t, agents.NewMockAgent("writer", map[string]any{"text": "draft"}))
	f.agent(t, agents.NewMockAgent("reviewer", map[string]any{"verdict": "ok"}))
	f.define(t, "article",
		schema.StepDefinition{ID: "plan", Agent: "planner"},
		schema.StepDefinition{ID: "write", Agent: "writer"},
		schema.StepDefinition{ID: "review", Agent: "reviewer"},
	)
	inst := f.create(t, "article")
	ctx := context.Background()

	for want := 2; want <= 4; want++ {
		res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		require.NoError(t, err)
		require.True(t, res.Success, res.ErrorMessage)
		assert.Equal(t, schema.StepStatusCompleted, res.Status)
		assert.Equal(t, want, res.NextStepIndex)
	}

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Equal(t, 4, got.CurrentStepIndex)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"text":"draft"}`, string(got.StepData["write"]))

	handoffs, err := f.engine.Handoffs().GetHandoffHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 2)
	assert.Equal(t, "planner", handoffs[0].FromAgentID)
	assert.Equal(t, "writer", handoffs[0].ToAgentID)
	assert.Equal(t, "writer", handoffs[1].FromAgentID)
	assert.Equal(t, "reviewer", handoffs[1].ToAgentID)

	current, ok, err := f.engine.Handoffs().GetCurrentAgent(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "reviewer", current)

	history := f.history(t, inst.ID)
	require.Len(t, history, 3)
	for _, h := range history {
		assert.Equal(t, schema.StepStatusCompleted, h.Status)
		assert.NotNil(t, h.CompletedAt)
	}

	sc, err := f.engine.Shared().Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"plan", "write", "review"}, sc.StepOrder)

	assert.Len(t, f.rec.OfType(schema.NotifyStepCompleted), 3)
	assert.Len(t, f.rec.OfType(schema.NotifyHandoff), 2)

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	assert.Nil(t, res)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestExecuteStep_SameAgentRecordsNoHandoff(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", map[string]any{"text": "x"}))
	f.define(t, "doc",
		schema.StepDefinition{ID: "one", Agent: "writer"},
		schema.StepDefinition{ID: "two", Agent: "writer"},
	)
	inst := f.create(t, "doc")
	ctx := context.Background()

	for range 2 {
		res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	handoffs, err := f.engine.Handoffs().GetHandoffHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, handoffs)
}

func TestExecuteStep_AgentSeesMappedInputAndHistory(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", map[string]any{"text": "hello"})
	reviewer := agents.NewMockAgent("reviewer", map[string]any{"ok": true})
	f.agent(t, writer)
	f.agent(t, reviewer)
	f.define(t, "doc",
		schema.StepDefinition{ID: "draft", Agent: "writer", OutputSchema: draftSchema},
		schema.StepDefinition{
			ID:           "check",
			Agent:        "reviewer",
			InputParams:  map[string]any{"topic": "${{workflow.topic}}"},
			InputMapping: map[string]string{"text": ".steps.draft.text"},
			InputSchema:  draftSchema,
		},
	)
	inst := f.create(t, "doc")
	ctx := context.Background()

	_, err := f.engine.ExecuteStep(ctx, inst.ID, map[string]any{"tone": "formal"})
	require.NoError(t, err)
	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorMessage)

	calls := reviewer.Calls()
	require.Len(t, calls, 1)
	ac := calls[0]
	assert.Equal(t, "hello", ac.InputParams["text"])
	assert.Equal(t, "billing", ac.InputParams["topic"])
	assert.Equal(t, 2, ac.StepIndex)
	assert.Equal(t, owner, ac.OwnerID)
	assert.Equal(t, "billing", ac.WorkflowContext["topic"])
	require.NotNil(t, ac.SharedContext)
	assert.Contains(t, ac.SharedContext.StepOutputs, "draft")

	require.Len(t, ac.History, 2)
	assert.Equal(t, "user", ac.History[0].Role)
	assert.JSONEq(t, `{"tone":"formal"}`, ac.History[0].Content)
	assert.Equal(t, "agent", ac.History[1].Role)
	assert.Equal(t, "writer", ac.History[1].AgentID)
	assert.JSONEq(t, `{"text":"hello"}`, ac.History[1].Content)
}

func TestExecuteStep_HistoryWindow(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.HistoryWindow = 1 })
	last := agents.NewMockAgent("last", map[string]any{})
	f.agent(t, agents.NewMockAgent("writer", map[string]any{"n": 1}))
	f.agent(t, last)
	f.define(t, "doc",
		schema.StepDefinition{ID: "a", Agent: "writer"},
		schema.StepDefinition{ID: "b", Agent: "writer"},
		schema.StepDefinition{ID: "c", Agent: "last"},
	)
	inst := f.create(t, "doc")
	ctx := context.Background()

	for range 3 {
		_, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		require.NoError(t, err)
	}
	require.Len(t, last.Calls(), 1)
	history := last.Calls()[0].History
	require.Len(t, history, 1)
	assert.Equal(t, "b", history[0].StepID)
}

func TestExecuteStep_InputSchemaViolationFails(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", map[string]any{"text": "x"})
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer", InputSchema: draftSchema})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeValidation, res.ErrorCode)
	assert.Equal(t, schema.InstanceStatusFailed, res.NewInstanceStatus)
	assert.Zero(t, writer.CallCount())
}

func TestExecuteStep_OutputSchemaViolationFailsInstance(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", map[string]any{"body": 42}))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer", OutputSchema: draftSchema})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.Equal(t, schema.ErrCodeValidation, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "step output failed validation")

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.Empty(t, got.StepData)
	assert.NotEmpty(t, got.ErrorMessage)

	history := f.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StepStatusFailed, history[0].Status)
	assert.Len(t, f.rec.OfType(schema.NotifyStepFailed), 1)
}

func TestExecuteStep_MalformedOutputFails(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewFuncAgent("writer", func(context.Context, *agents.AgentContext) (*agents.Result, error) {
		return &agents.Result{Success: true, Output: json.RawMessage(`{"text":`), ConfidenceScore: 1}, nil
	}))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeValidation, res.ErrorCode)
	assert.Equal(t, schema.InstanceStatusFailed, f.instance(t, inst.ID).Status)
}

func TestExecuteStep_AssertionFailure(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("scorer", map[string]any{"score": 3}))
	f.define(t, "doc", schema.StepDefinition{
		ID:         "score",
		Agent:      "scorer",
		Assertions: []string{"output.score >= 5"},
	})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "output.score >= 5")
	assert.Equal(t, schema.InstanceStatusFailed, f.instance(t, inst.ID).Status)
}

func TestExecuteStep_RetryableFailureWaitsForInput(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", nil).Then(
		agents.Fail("rate limited", true),
		agents.Succeed(map[string]any{"text": "ok"}, 0.9),
	)
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeAgentFailure, res.ErrorCode)
	assert.Equal(t, "rate limited", res.ErrorMessage)
	assert.Equal(t, schema.InstanceStatusWaitingForInput, res.NewInstanceStatus)
	assert.Equal(t, 1, f.instance(t, inst.ID).CurrentStepIndex)

	_, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))

	res, err = f.engine.ExecuteStep(ctx, inst.ID, map[string]any{"hint": "try again"})
	require.NoError(t, err)
	require.True(t, res.Success)
	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, 2, writer.CallCount())
}

func TestExecuteStep_NonRetryableFailureFailsInstance(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Fail("cannot parse brief", false)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFailed, res.NewInstanceStatus)
	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusFailed, got.Status)
	assert.Equal(t, "cannot parse brief", got.ErrorMessage)
}

func TestExecuteStep_AgentErrorClassification(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).ThenError(errors.New("connection refused")))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeAgentFailure, res.ErrorCode)
	assert.Equal(t, schema.InstanceStatusWaitingForInput, f.instance(t, inst.ID).Status)
}

func TestExecuteStep_MissingAgent(t *testing.T) {
	f := newFixture(t)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "ghost"})
	inst := f.running(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeAgentUnavailable, res.ErrorCode)
	assert.Empty(t, res.NewInstanceStatus)

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	history := f.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StepStatusFailed, history[0].Status)
}

func TestExecuteStep_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", map[string]any{}))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	ctx := context.Background()

	_, err := f.engine.ExecuteStep(ctx, "missing", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	inst := f.running(t, "doc")
	require.NoError(t, f.engine.Pause(ctx, inst.ID, owner))
	_, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
	assert.Empty(t, f.history(t, inst.ID))

	require.NoError(t, f.engine.Resume(ctx, inst.ID, owner))
	require.NoError(t, f.engine.Cancel(ctx, inst.ID, owner))
	_, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestExecuteStep_LowConfidenceRequestsApproval(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "maybe"}, 0.4))
	f.agent(t, writer)
	f.agent(t, agents.NewMockAgent("reviewer", map[string]any{"ok": true}))
	f.define(t, "doc",
		schema.StepDefinition{ID: "draft", Agent: "writer"},
		schema.StepDefinition{ID: "check", Agent: "reviewer"},
	)
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.StepStatusAwaitingApproval, res.Status)
	assert.Equal(t, schema.ErrCodeApprovalPending, res.ErrorCode)
	require.NotEmpty(t, res.ApprovalID)

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)

	requested := f.rec.OfType(schema.NotifyApprovalRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, res.ApprovalID, requested[0].Payload["approval_id"])

	_, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeApprovalPending))
	assert.Equal(t, 1, writer.CallCount())

	_, err = f.engine.ApproveStep(ctx, res.ApprovalID, "mallory")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))

	approved, err := f.engine.ApproveStep(ctx, res.ApprovalID, owner)
	require.NoError(t, err)
	assert.True(t, approved.Success)
	assert.Equal(t, 2, approved.NextStepIndex)
	assert.Equal(t, res.ApprovalID, approved.ApprovalID)

	got = f.instance(t, inst.ID)
	assert.Equal(t, 2, got.CurrentStepIndex)
	assert.JSONEq(t, `{"text":"maybe"}`, string(got.StepData["draft"]))

	history := f.history(t, inst.ID)
	require.Len(t, history, 2)
	assert.Equal(t, schema.StepStatusAwaitingApproval, history[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, history[1].Status)

	sc, err := f.engine.Shared().Get(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, sc.DecisionHistory, 1)
	assert.Equal(t, "draft", sc.DecisionHistory[0].StepID)

	_, err = f.engine.ApproveStep(ctx, res.ApprovalID, owner)
	assert.Error(t, err)
}

func TestExecuteStep_ConfidenceAtThresholdCompletes(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "sure"}, 0.7)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ApprovalID)
}

func TestExecuteStep_StepThresholdOverridesDefault(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "sure"}, 0.85)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer", ApprovalThreshold: 0.9})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusAwaitingApproval, res.Status)
}

func TestExecuteStep_ApprovalCondition(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("pricer", nil).Then(agents.Succeed(map[string]any{"amount": 5000}, 0.99)))
	f.define(t, "quote", schema.StepDefinition{
		ID:                "price",
		Agent:             "pricer",
		ApprovalCondition: "output.amount > 1000",
	})
	inst := f.create(t, "quote")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusAwaitingApproval, res.Status)
}

func TestRejectStep_RerunsStep(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", nil).Then(
		agents.Succeed(map[string]any{"text": "weak"}, 0.3),
		agents.Succeed(map[string]any{"text": "strong"}, 0.95),
	)
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ApprovalID)

	rejected, err := f.engine.RejectStep(ctx, res.ApprovalID, owner, "too vague")
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusRejected, rejected.Status)
	assert.Equal(t, "too vague", rejected.RejectionReason)

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)

	res, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.JSONEq(t, `{"text":"strong"}`, string(f.instance(t, inst.ID).StepData["draft"]))
	assert.Equal(t, 2, writer.CallCount())
}

func TestModifyAndApproveStep(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "rough"}, 0.2)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer", OutputSchema: draftSchema})
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ApprovalID)

	_, err = f.engine.ModifyAndApproveStep(ctx, res.ApprovalID, owner, json.RawMessage(`{"text": 7}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	a, err := f.engine.Approvals().GetApproval(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusPending, a.Status)

	done, err := f.engine.ModifyAndApproveStep(ctx, res.ApprovalID, owner, json.RawMessage(`{"text":"polished"}`))
	require.NoError(t, err)
	assert.True(t, done.Success)
	assert.Equal(t, schema.InstanceStatusCompleted, done.NewInstanceStatus)

	got := f.instance(t, inst.ID)
	assert.JSONEq(t, `{"text":"polished"}`, string(got.StepData["draft"]))
	a, err = f.engine.Approvals().GetApproval(ctx, res.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalStatusModified, a.Status)
}

func TestApproveStep_RequiresRunningInstance(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "?"}, 0.1)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Pause(ctx, inst.ID, owner))

	_, err = f.engine.ApproveStep(ctx, res.ApprovalID, owner)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidState))
}

func TestExecuteStep_CancellationKeepsStatus(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", map[string]any{"text": "late"})
	writer.Delay = 5 * time.Second
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.running(t, "doc")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schema.ErrCodeCancelled, res.ErrorCode)

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	history := f.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StepStatusFailed, history[0].Status)
}

func TestExecuteStep_StepTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	writer := agents.NewMockAgent("writer", map[string]any{"text": "late"})
	writer.Delay = 5 * time.Second
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer", Timeout: "30ms"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ErrCodeAgentFailure, res.ErrorCode)
	assert.Contains(t, res.ErrorMessage, "timed out")
	assert.Equal(t, schema.InstanceStatusWaitingForInput, f.instance(t, inst.ID).Status)
}

func TestExecuteStep_PanicFailsInstance(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewFuncAgent("writer", func(context.Context, *agents.AgentContext) (*agents.Result, error) {
		panic("boom")
	}))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")

	res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInternal))
	require.NotNil(t, res)
	assert.Equal(t, schema.StepStatusFailed, res.Status)
	assert.Equal(t, schema.InstanceStatusFailed, f.instance(t, inst.ID).Status)
	assert.Equal(t, schema.StepStatusFailed, f.history(t, inst.ID)[0].Status)
}

func TestExecuteStepStreaming_ForwardsProgressAfterThreshold(t *testing.T) {
	progress := []agents.Progress{
		{Message: "outlining", PercentComplete: 30},
		{Message: "writing", PercentComplete: 80},
	}

	t.Run("immediate", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.ProgressThreshold = 0 })
		writer := agents.NewMockAgent("writer", map[string]any{"text": "x"})
		writer.Progress = progress
		f.agent(t, writer)
		f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
		inst := f.create(t, "doc")

		var got []agents.Progress
		res, err := f.engine.ExecuteStepStreaming(context.Background(), inst.ID, nil, func(p agents.Progress) {
			got = append(got, p)
		})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, progress, got)
		assert.Len(t, f.rec.OfType(schema.NotifyStepProgress), 2)
	})

	t.Run("suppressed for short steps", func(t *testing.T) {
		f := newFixture(t, func(c *Config) { c.ProgressThreshold = time.Hour })
		writer := agents.NewMockAgent("writer", map[string]any{"text": "x"})
		writer.Progress = progress
		f.agent(t, writer)
		f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
		inst := f.create(t, "doc")

		calls := 0
		res, err := f.engine.ExecuteStepStreaming(context.Background(), inst.ID, nil, func(agents.Progress) { calls++ })
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Zero(t, calls)
		assert.Empty(t, f.rec.OfType(schema.NotifyStepProgress))
	})
}

func TestExecuteStep_SerializedPerInstance(t *testing.T) {
	f := newFixture(t)
	var inflight, peak atomic.Int32
	f.agent(t, agents.NewFuncAgent("writer", func(ctx context.Context, ac *agents.AgentContext) (*agents.Result, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return agents.Succeed(map[string]any{"step": ac.StepID}, 1), nil
	}))
	f.define(t, "doc",
		schema.StepDefinition{ID: "one", Agent: "writer"},
		schema.StepDefinition{ID: "two", Agent: "writer"},
	)
	inst := f.create(t, "doc")

	var wg sync.WaitGroup
	results := make([]*StepResult, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.ExecuteStep(context.Background(), inst.ID, nil)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	steps := []string{results[0].StepID, results[1].StepID}
	assert.ElementsMatch(t, []string{"one", "two"}, steps)
	got := f.instance(t, inst.ID)
	assert.Equal(t, 3, got.CurrentStepIndex)
	assert.Equal(t, schema.InstanceStatusCompleted, got.Status)
	assert.Zero(t, f.engine.locks.size())
}

func TestExecuteStep_InstancesRunConcurrently(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	var started atomic.Int32
	f.agent(t, agents.NewFuncAgent("writer", func(ctx context.Context, _ *agents.AgentContext) (*agents.Result, error) {
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return agents.Succeed(map[string]any{}, 1), nil
	}))
	f.define(t, "doc", schema.StepDefinition{ID: "one", Agent: "writer"})
	a := f.create(t, "doc")
	b := f.create(t, "doc")

	var wg sync.WaitGroup
	for _, id := range []string{a.ID, b.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.ExecuteStep(context.Background(), id, nil)
			assert.NoError(t, err)
		}()
	}
	assert.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
}

// blockingAgent reports each call on started and returns result once release
// is closed.
func blockingAgent(id string, result *agents.Result) (agents.Capability, <-chan struct{}, chan struct{}) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	c := agents.NewFuncAgent(id, func(context.Context, *agents.AgentContext) (*agents.Result, error) {
		started <- struct{}{}
		<-release
		return result, nil
	})
	return c, started, release
}

func TestExecuteStep_CancelWhileAgentRunsDiscardsOutput(t *testing.T) {
	f := newFixture(t)
	writer, started, release := blockingAgent("writer", agents.Succeed(map[string]any{"text": "late"}, 1))
	f.agent(t, writer)
	f.define(t, "doc",
		schema.StepDefinition{ID: "draft", Agent: "writer"},
		schema.StepDefinition{ID: "polish", Agent: "writer"},
	)
	inst := f.running(t, "doc")
	ctx := context.Background()

	type outcome struct {
		res *StepResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		done <- outcome{res, err}
	}()

	<-started
	require.NoError(t, f.engine.Cancel(ctx, inst.ID, owner))
	close(release)
	out := <-done

	require.NoError(t, out.err)
	assert.False(t, out.res.Success)
	assert.Equal(t, schema.StepStatusFailed, out.res.Status)
	assert.Equal(t, schema.ErrCodeCancelled, out.res.ErrorCode)

	got := f.instance(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCancelled, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.Empty(t, got.StepData)

	history := f.history(t, inst.ID)
	require.Len(t, history, 1)
	assert.Equal(t, schema.StepStatusFailed, history[0].Status)
	assert.Empty(t, f.rec.OfType(schema.NotifyStepCompleted))
}

func TestExecuteStep_CancelWhileAgentRunsSkipsApproval(t *testing.T) {
	f := newFixture(t)
	writer, started, release := blockingAgent("writer", agents.Succeed(map[string]any{"text": "unsure"}, 0.1))
	f.agent(t, writer)
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.running(t, "doc")
	ctx := context.Background()

	done := make(chan *StepResult, 1)
	go func() {
		res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		assert.NoError(t, err)
		done <- res
	}()

	<-started
	require.NoError(t, f.engine.Cancel(ctx, inst.ID, owner))
	close(release)
	res := <-done

	assert.Equal(t, schema.ErrCodeCancelled, res.ErrorCode)
	assert.Empty(t, res.ApprovalID)
	pending, err := f.engine.ListApprovals(ctx, store.ApprovalFilter{InstanceID: inst.ID})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, schema.StepStatusFailed, f.history(t, inst.ID)[0].Status)
}

func TestExecuteStep_RetriedStepRecordsOneHandoff(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("planner", map[string]any{"plan": "outline"}))
	f.agent(t, agents.NewMockAgent("writer", nil).Then(
		agents.Fail("rate limited", true),
		agents.Succeed(map[string]any{"text": "draft"}, 1),
	))
	f.define(t, "article",
		schema.StepDefinition{ID: "plan", Agent: "planner"},
		schema.StepDefinition{ID: "write", Agent: "writer"},
	)
	inst := f.create(t, "article")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.Equal(t, schema.InstanceStatusWaitingForInput, res.NewInstanceStatus)

	res, err = f.engine.ExecuteStep(ctx, inst.ID, map[string]any{"hint": "again"})
	require.NoError(t, err)
	require.True(t, res.Success)

	handoffs, err := f.engine.Handoffs().GetHandoffHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 1)
	assert.Equal(t, "planner", handoffs[0].FromAgentID)
	assert.Equal(t, "writer", handoffs[0].ToAgentID)
	assert.Len(t, f.rec.OfType(schema.NotifyHandoff), 1)
}

func TestRejectStep_RerunRecordsOneHandoff(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("planner", map[string]any{"plan": "outline"}))
	f.agent(t, agents.NewMockAgent("writer", nil).Then(
		agents.Succeed(map[string]any{"text": "weak"}, 0.2),
		agents.Succeed(map[string]any{"text": "strong"}, 0.9),
	))
	f.define(t, "article",
		schema.StepDefinition{ID: "plan", Agent: "planner"},
		schema.StepDefinition{ID: "write", Agent: "writer"},
	)
	inst := f.create(t, "article")
	ctx := context.Background()

	_, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ApprovalID)
	_, err = f.engine.RejectStep(ctx, res.ApprovalID, owner, "weak")
	require.NoError(t, err)

	res, err = f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.True(t, res.Success)

	handoffs, err := f.engine.Handoffs().GetHandoffHistory(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, handoffs, 1)
}

func TestExecuteStep_ReturningAgentRecordsHandoff(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("planner", map[string]any{"plan": "outline"}))
	f.agent(t, agents.NewMockAgent("writer", map[string]any{"text": "draft"}))
	f.define(t, "article",
		schema.StepDefinition{ID: "plan", Agent: "planner"},
		schema.StepDefinition{ID: "write", Agent: "writer"},
		schema.StepDefinition{ID: "replan", Agent: "planner"},
	)
	inst := f.create(t, "article")
	ctx := context.Background()

	for range 3 {
		res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	handoffs, err := f.engine.Handoffs().GetHandoffHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 2)
	assert.Equal(t, "planner", handoffs[1].ToAgentID)
}

func TestApproveStep_OpensStepRecordBeforeResolving(t *testing.T) {
	f := newFixture(t)
	f.agent(t, agents.NewMockAgent("writer", nil).Then(agents.Succeed(map[string]any{"text": "ok?"}, 0.2)))
	f.define(t, "doc", schema.StepDefinition{ID: "draft", Agent: "writer"})
	inst := f.create(t, "doc")
	ctx := context.Background()

	res, err := f.engine.ExecuteStep(ctx, inst.ID, nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.ApprovalID)

	_, err = f.engine.ApproveStep(ctx, res.ApprovalID, "mallory")
	assert.True(t, schema.IsCode(err, schema.ErrCodeUnauthorized))
	require.Len(t, f.history(t, inst.ID), 1, "a refused decision leaves no step record")

	done, err := f.engine.ApproveStep(ctx, res.ApprovalID, owner)
	require.NoError(t, err)
	assert.True(t, done.Success)

	history := f.history(t, inst.ID)
	require.Len(t, history, 2)
	assert.Equal(t, schema.StepStatusAwaitingApproval, history[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, history[1].Status)

	_, err = f.engine.ApproveStep(ctx, res.ApprovalID, owner)
	assert.Error(t, err)
	assert.Len(t, f.history(t, inst.ID), 2)
}
