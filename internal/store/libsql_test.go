package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedInstance(t *testing.T, s *LibSQLStore) *Instance {
	t.Helper()
	inst := &Instance{
		ID:               uuid.New().String(),
		DefinitionID:     "onboarding",
		OwnerID:          "user-1",
		CurrentStepIndex: 1,
		Status:           schema.InstanceStatusCreated,
		WorkflowContext:  json.RawMessage(`{"company":"acme"}`),
	}
	require.NoError(t, s.CreateInstance(context.Background(), inst))
	return inst
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected FlowError, got %T", err)
	assert.Equal(t, code, fe.Code)
}

// --- Instance Tests ---

func TestCreateAndGetInstance(t *testing.T) {
	s := newTestStore(t)
	inst := seedInstance(t, s)

	got, err := s.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.DefinitionID)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.Equal(t, schema.InstanceStatusCreated, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"company":"acme"}`, string(got.WorkflowContext))
	assert.Nil(t, got.PausedAt)
}

func TestGetInstance_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInstance(context.Background(), "nonexistent")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestSaveInstance_BumpsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	now := time.Now().UTC()
	inst.Status = schema.InstanceStatusPaused
	inst.PausedAt = &now
	inst.StepData = map[string]json.RawMessage{"intake": json.RawMessage(`{"ok":true}`)}
	require.NoError(t, s.SaveInstance(ctx, inst))
	assert.Equal(t, int64(2), inst.Version)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusPaused, got.Status)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.PausedAt)
	assert.JSONEq(t, `{"ok":true}`, string(got.StepData["intake"]))
}

func TestSaveInstance_StaleVersionConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	a, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	b, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)

	a.Status = schema.InstanceStatusRunning
	require.NoError(t, s.SaveInstance(ctx, a))

	b.Status = schema.InstanceStatusCancelled
	requireCode(t, s.SaveInstance(ctx, b), schema.ErrCodeConflict)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, got.Status)
}

func TestSaveInstance_Missing(t *testing.T) {
	s := newTestStore(t)
	err := s.SaveInstance(context.Background(), &Instance{ID: "ghost", Version: 1, Status: schema.InstanceStatusRunning})
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestListInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedInstance(t, s)
	}
	other := &Instance{
		ID: uuid.New().String(), DefinitionID: "review", OwnerID: "user-2",
		CurrentStepIndex: 1, Status: schema.InstanceStatusRunning,
	}
	require.NoError(t, s.CreateInstance(ctx, other))

	all, err := s.ListInstances(ctx, InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	running := schema.InstanceStatusRunning
	got, err := s.ListInstances(ctx, InstanceFilter{Status: &running})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)

	got, err = s.ListInstances(ctx, InstanceFilter{OwnerID: "user-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// --- Step History Tests ---

func TestStepHistory_CloseOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	h := &StepHistory{
		ID: uuid.New().String(), InstanceID: inst.ID, StepID: "intake", StepName: "Intake",
		StepIndex: 1, AgentID: "intake-agent", Status: schema.StepStatusRunning,
		Input: json.RawMessage(`{"q":1}`),
	}
	require.NoError(t, s.CreateStepHistory(ctx, h))

	require.NoError(t, s.CloseStepHistory(ctx, h.ID, StepClose{
		Status: schema.StepStatusCompleted,
		Output: json.RawMessage(`{"a":2}`),
	}))

	err := s.CloseStepHistory(ctx, h.ID, StepClose{Status: schema.StepStatusFailed, ErrorMessage: "late"})
	requireCode(t, err, schema.ErrCodeInvalidState)

	list, err := s.ListStepHistory(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.StepStatusCompleted, list[0].Status)
	assert.JSONEq(t, `{"a":2}`, string(list[0].Output))
	assert.Empty(t, list[0].ErrorMessage)
	assert.NotNil(t, list[0].CompletedAt)
}

func TestStepHistory_CloseMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.CloseStepHistory(context.Background(), "nope", StepClose{Status: schema.StepStatusFailed})
	requireCode(t, err, schema.ErrCodeNotFound)
}

// --- Event Tests ---

func TestAppendAndGetEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	for _, typ := range []string{schema.EventInstanceCreated, schema.EventStepStarted, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{InstanceID: inst.ID, StepID: "intake", Type: typ}))
	}

	events, err := s.GetEvents(ctx, inst.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	since, err := s.GetEvents(ctx, inst.ID, 2)
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, schema.EventStepCompleted, since[0].Type)
}

// --- Handoff Tests ---

func TestHandoffs_Ordered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	base := time.Now().UTC()
	require.NoError(t, s.AppendHandoff(ctx, &Handoff{
		ID: "h2", InstanceID: inst.ID, FromAgentID: "b", ToAgentID: "c", StepID: "s3", Timestamp: base.Add(time.Second),
	}))
	require.NoError(t, s.AppendHandoff(ctx, &Handoff{
		ID: "h1", InstanceID: inst.ID, FromAgentID: "a", ToAgentID: "b", StepID: "s2", Reason: "next", Timestamp: base,
	}))

	list, err := s.ListHandoffs(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h1", list[0].ID)
	assert.Equal(t, "next", list[0].Reason)
	assert.Equal(t, "h2", list[1].ID)

	empty, err := s.ListHandoffs(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// --- Shared Context Tests ---

func TestSharedContext_VersionGated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetSharedContext(ctx, "i-1")
	requireCode(t, err, schema.ErrCodeNotFound)

	sc := NewSharedContext("i-1")
	sc.StepOutputs["intake"] = json.RawMessage(`{"x":1}`)
	sc.StepOrder = []string{"intake"}
	ok, err := s.SaveSharedContext(ctx, sc, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), sc.Version)

	// Creating again must fail: the document already exists.
	ok, err = s.SaveSharedContext(ctx, NewSharedContext("i-1"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSharedContext(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"x":1}`, string(got.StepOutputs["intake"]))
	assert.Equal(t, []string{"intake"}, got.StepOrder)

	got.UserPreferences["tone"] = "formal"
	ok, err = s.SaveSharedContext(ctx, got, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// A writer still holding version 1 loses.
	ok, err = s.SaveSharedContext(ctx, sc, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	final, err := s.GetSharedContext(ctx, "i-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), final.Version)
	assert.Equal(t, "formal", final.UserPreferences["tone"])
}

// --- Approval Tests ---

func TestApprovals_SaveAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inst := seedInstance(t, s)

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"a2", "a1"} {
		require.NoError(t, s.CreateApproval(ctx, &ApprovalRequest{
			ID: id, InstanceID: inst.ID, AgentID: "writer", StepID: "draft",
			ProposedResponse: json.RawMessage(`{"text":"hi"}`), ConfidenceScore: 0.4,
			Status: schema.ApprovalStatusPending, RequestedBy: "user-1",
			RequestedAt: base.Add(time.Duration(1-i) * time.Minute),
		}))
	}

	pending := schema.ApprovalStatusPending
	list, err := s.ListApprovals(ctx, ApprovalFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a1", list[0].ID, "oldest first")

	a, err := s.GetApproval(ctx, "a1")
	require.NoError(t, err)
	assert.InDelta(t, 0.4, a.ConfidenceScore, 1e-9)
	assert.Equal(t, int64(1), a.Version)

	now := time.Now().UTC()
	a.Status = schema.ApprovalStatusApproved
	a.ResolvedAt = &now
	a.ResolvedBy = "user-1"
	ok, err := s.SaveApproval(ctx, a, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), a.Version)

	stale := a.Clone()
	stale.Status = schema.ApprovalStatusRejected
	ok, err = s.SaveApproval(ctx, stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	list, err = s.ListApprovals(ctx, ApprovalFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a2", list[0].ID)

	cutoff := base.Add(30 * time.Second)
	list, err = s.ListApprovals(ctx, ApprovalFilter{RequestedBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a1", list[0].ID)
}

func TestGetApproval_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetApproval(context.Background(), "missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
