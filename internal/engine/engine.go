// Package engine drives workflow instances: the instance state machine, the
// step executor and the instance lifecycle operations built on top of them.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/approval"
	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/handoff"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/notify"
	"github.com/rendis/agentflow/internal/sharedctx"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefinitionSource resolves workflow definitions by id. Unknown ids return a
// NOT_FOUND FlowError.
type DefinitionSource interface {
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Config tunes the executor.
type Config struct {
	// HistoryWindow is the number of past conversation messages handed to an agent.
	HistoryWindow int
	// TokenBudget bounds the shared context handed to an agent. Zero disables summarization.
	TokenBudget int
	// ProgressThreshold delays streaming progress until a step has run this long.
	ProgressThreshold time.Duration
	// DefaultApprovalThreshold applies to steps without their own threshold.
	DefaultApprovalThreshold float64
}

// DefaultConfig returns the default executor settings.
func DefaultConfig() Config {
	return Config{
		HistoryWindow:            10,
		TokenBudget:              4000,
		ProgressThreshold:        2 * time.Second,
		DefaultApprovalThreshold: 0.7,
	}
}

// Deps are the collaborators of an Engine. Store, Definitions and Agents are
// required; the rest default to store-backed implementations.
type Deps struct {
	Store       store.Store
	Definitions DefinitionSource
	Agents      *agents.Router
	Shared      *sharedctx.Service
	Summarizer  *sharedctx.Summarizer
	Handoffs    *handoff.Tracker
	Approvals   *approval.Gate
	Validator   validation.Validator
	Expressions *expressions.Set
	Notifier    *notify.Notifier
	Logger      *slog.Logger
}

// Engine owns workflow instances. Instances run concurrently with each other;
// steps of one instance are serialized by a per-instance lock.
type Engine struct {
	cfg       Config
	store     store.Store
	defs      DefinitionSource
	router    *agents.Router
	shared    *sharedctx.Service
	summ      *sharedctx.Summarizer
	handoffs  *handoff.Tracker
	approvals *approval.Gate
	validator validation.Validator
	exprs     *expressions.Set
	notifier  *notify.Notifier
	events    *store.EventLog
	fsm       *InstanceFSM
	locks     *instanceLocks
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Definitions == nil || deps.Agents == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store, a definition source and an agent router")
	}
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewNotifier(nil, logger)
	}
	if deps.Shared == nil {
		deps.Shared = sharedctx.NewService(deps.Store, sharedctx.DefaultOptions(), logger)
	}
	if deps.Summarizer == nil {
		deps.Summarizer = sharedctx.NewSummarizer()
	}
	if deps.Handoffs == nil {
		deps.Handoffs = handoff.NewTracker(deps.Store, deps.Notifier, logger)
	}
	if deps.Approvals == nil {
		deps.Approvals = approval.NewGate(deps.Store, logger)
	}
	if deps.Validator == nil {
		v, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, fmt.Errorf("create schema validator: %w", err)
		}
		deps.Validator = v
	}
	if deps.Expressions == nil {
		set, err := expressions.NewSet()
		if err != nil {
			return nil, fmt.Errorf("create expression engines: %w", err)
		}
		deps.Expressions = set
	}

	events := store.NewEventLog(deps.Store)
	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		defs:      deps.Definitions,
		router:    deps.Agents,
		shared:    deps.Shared,
		summ:      deps.Summarizer,
		handoffs:  deps.Handoffs,
		approvals: deps.Approvals,
		validator: deps.Validator,
		exprs:     deps.Expressions,
		notifier:  deps.Notifier,
		events:    events,
		fsm:       NewInstanceFSM(events, logger),
		locks:     newInstanceLocks(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.fsm.OnTransition(func(ctx context.Context, instanceID string, from, to schema.InstanceStatus) {
		e.notifier.Send(ctx, schema.NotifyInstanceStatus, map[string]any{
			"instance_id": instanceID,
			"from":        string(from),
			"to":          string(to),
		})
	})
	return e, nil
}

// Approvals exposes the approval gate, e.g. for the timeout sweeper.
func (e *Engine) Approvals() *approval.Gate { return e.approvals }

// Handoffs exposes the handoff tracker.
func (e *Engine) Handoffs() *handoff.Tracker { return e.handoffs }

// Shared exposes the shared context service.
func (e *Engine) Shared() *sharedctx.Service { return e.shared }

// FSM exposes the instance state machine for registering hooks.
func (e *Engine) FSM() *InstanceFSM { return e.fsm }

// CreateRequest describes a new instance.
type CreateRequest struct {
	DefinitionID    string          `json:"definition_id"`
	OwnerID         string          `json:"owner_id"`
	WorkflowContext json.RawMessage `json:"workflow_context,omitempty"`
}

// CreateInstance starts a new instance of a definition in status created at step 1.
func (e *Engine) CreateInstance(ctx context.Context, req CreateRequest) (*store.Instance, error) {
	if req.OwnerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner id is required")
	}
	def, err := e.defs.GetDefinition(ctx, req.DefinitionID)
	if err != nil {
		return nil, err
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition %q has no steps", def.ID)
	}
	wctx := req.WorkflowContext
	if len(wctx) == 0 {
		wctx = json.RawMessage(`{}`)
	}
	var decoded map[string]any
	if err := json.Unmarshal(wctx, &decoded); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow context must be a JSON object").WithCause(err)
	}

	now := e.now()
	inst := &store.Instance{
		ID:               uuid.NewString(),
		DefinitionID:     def.ID,
		OwnerID:          req.OwnerID,
		CurrentStepIndex: 1,
		Status:           schema.InstanceStatusCreated,
		WorkflowContext:  wctx,
		StepData:         map[string]json.RawMessage{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inst.SharedContextRef = inst.ID
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	ctx = logging.WithInstanceID(ctx, inst.ID)
	if _, err := e.events.Append(ctx, inst.ID, "", schema.EventInstanceCreated, req.OwnerID, map[string]any{
		"definition_id": def.ID,
		"steps":         len(def.Steps),
	}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("instance created event not appended", slog.String("error", err.Error()))
	}
	logging.LogWith(ctx, e.logger).Info("instance created",
		slog.String("definition_id", def.ID),
		slog.String("owner_id", req.OwnerID))
	return inst, nil
}

// GetInstance loads an instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*store.Instance, error) {
	return e.store.GetInstance(ctx, instanceID)
}

// ListInstances lists instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// ListApprovals lists approval requests matching filter.
func (e *Engine) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	return e.approvals.ListApprovals(ctx, filter)
}

// StatusReport is the full picture of one instance.
type StatusReport struct {
	Instance        *store.Instance           `json:"instance"`
	StepCount       int                       `json:"step_count"`
	CurrentStep     *schema.StepDefinition    `json:"current_step,omitempty"`
	History         []*store.StepHistory      `json:"history"`
	PendingApproval *store.ApprovalRequest    `json:"pending_approval,omitempty"`
	Transitions     []store.TransitionPayload `json:"transitions"`
	Handoffs        []*store.Handoff          `json:"handoffs"`
}

// Status gathers an instance with its history, pending approval, transition
// trail and handoffs.
func (e *Engine) Status(ctx context.Context, instanceID string) (*StatusReport, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	rep := &StatusReport{Instance: inst}

	if def, err := e.defs.GetDefinition(ctx, inst.DefinitionID); err == nil {
		rep.StepCount = len(def.Steps)
		if step, ok := def.StepAt(inst.CurrentStepIndex); ok {
			rep.CurrentStep = &step
		}
	}
	if rep.History, err = e.store.ListStepHistory(ctx, instanceID); err != nil {
		return nil, err
	}
	if a, ok, err := e.approvals.GetPendingApproval(ctx, instanceID); err != nil {
		return nil, err
	} else if ok {
		rep.PendingApproval = a
	}
	if rep.Transitions, err = e.transitions(ctx, instanceID); err != nil {
		return nil, err
	}
	if rep.Handoffs, err = e.handoffs.GetHandoffHistory(ctx, instanceID); err != nil {
		return nil, err
	}
	return rep, nil
}

// Audit replays the event log of an instance and checks that the transition
// trail chains and ends at the stored status.
func (e *Engine) Audit(ctx context.Context, instanceID string) (*store.Replay, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	replay, err := e.events.ReplayEvents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if replay.Status != inst.Status {
		return replay, schema.NewErrorf(schema.ErrCodeStore,
			"event log ends at %s but instance %s is %s", replay.Status, instanceID, inst.Status)
	}
	return replay, nil
}

func (e *Engine) transitions(ctx context.Context, instanceID string) ([]store.TransitionPayload, error) {
	events, err := e.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, err
	}
	out := []store.TransitionPayload{}
	for _, ev := range events {
		if ev.Type != schema.EventStateTransition {
			continue
		}
		var tp store.TransitionPayload
		if err := json.Unmarshal(ev.Payload, &tp); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "bad transition payload at sequence %d", ev.Sequence).WithCause(err)
		}
		out = append(out, tp)
	}
	return out, nil
}

// TransitionState moves an instance to status to. A pair outside the
// transition table is rejected by returning false with no error, leaving the
// stored status untouched.
func (e *Engine) TransitionState(ctx context.Context, instanceID string, to schema.InstanceStatus, actor, reason string) (bool, error) {
	var from schema.InstanceStatus
	_, written, err := e.mutateInstance(ctx, instanceID, func(inst *store.Instance) (bool, error) {
		if !CanTransition(inst.Status, to) {
			return false, nil
		}
		from = inst.Status
		applyStatus(inst, to, e.now())
		if to == schema.InstanceStatusFailed && reason != "" {
			inst.ErrorMessage = reason
		}
		return true, nil
	})
	if err != nil || !written {
		return false, err
	}
	e.fsm.Record(logging.WithInstanceID(ctx, instanceID), instanceID, from, to, actor, reason)
	return true, nil
}

// Pause moves a running instance to paused.
func (e *Engine) Pause(ctx context.Context, instanceID, actor string) error {
	return e.lifecycle(ctx, instanceID, schema.InstanceStatusPaused, actor, "paused by "+actor)
}

// Resume moves a paused instance back to running. An instance whose last
// step finished while it was paused completes instead.
func (e *Engine) Resume(ctx context.Context, instanceID, actor string) error {
	if err := e.lifecycle(ctx, instanceID, schema.InstanceStatusRunning, actor, "resumed by "+actor); err != nil {
		return err
	}
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	def, err := e.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return err
	}
	if inst.CurrentStepIndex > len(def.Steps) {
		_, err = e.TransitionState(ctx, instanceID, schema.InstanceStatusCompleted, actor, "last step completed")
	}
	return err
}

// Cancel moves a running instance to cancelled.
func (e *Engine) Cancel(ctx context.Context, instanceID, actor string) error {
	return e.lifecycle(ctx, instanceID, schema.InstanceStatusCancelled, actor, "cancelled by "+actor)
}

func (e *Engine) lifecycle(ctx context.Context, instanceID string, to schema.InstanceStatus, actor, reason string) error {
	ok, err := e.TransitionState(ctx, instanceID, to, actor, reason)
	if err != nil {
		return err
	}
	if !ok {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		return e.fsm.Validate(instanceID, inst.Status, to)
	}
	return nil
}

const instanceSaveAttempts = 3

// mutateInstance loads an instance, lets fn modify it and saves it under the
// instance's version. A version conflict reloads and reapplies fn. fn returns
// false to skip the write.
func (e *Engine) mutateInstance(ctx context.Context, instanceID string, fn func(*store.Instance) (bool, error)) (*store.Instance, bool, error) {
	for attempt := 1; ; attempt++ {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, false, err
		}
		write, err := fn(inst)
		if err != nil || !write {
			return inst, false, err
		}
		inst.UpdatedAt = e.now()
		err = e.store.SaveInstance(ctx, inst)
		if err == nil {
			return inst, true, nil
		}
		if !schema.IsCode(err, schema.ErrCodeConflict) || attempt >= instanceSaveAttempts {
			return nil, false, err
		}
	}
}
