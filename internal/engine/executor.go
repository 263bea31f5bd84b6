package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/agents"
	"github.com/rendis/agentflow/internal/approval"
	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/validation"
	"github.com/rendis/agentflow/pkg/schema"
)

// engineActor is recorded for transitions the executor applies on its own.
const engineActor = "engine"

// StepResult is the outcome of one ExecuteStep call.
type StepResult struct {
	Success      bool              `json:"success"`
	InstanceID   string            `json:"instance_id"`
	StepID       string            `json:"step_id"`
	StepName     string            `json:"step_name"`
	Status       schema.StepStatus `json:"status"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	// NewInstanceStatus is set when the step moved the instance to another status.
	NewInstanceStatus schema.InstanceStatus `json:"new_instance_status,omitempty"`
	// NextStepIndex is set when the step completed and the instance advanced.
	NextStepIndex int             `json:"next_step_index,omitempty"`
	ApprovalID    string          `json:"approval_id,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
}

// ExecuteStep runs the current step of an instance.
//
// Precondition failures (unknown instance or definition, step index out of
// range, an instance that is not runnable, a pending approval) are returned
// as errors and change nothing. Once the step history record is open every
// outcome is reported in the StepResult; an error is returned alongside only
// for unexpected failures, which also fail the instance.
func (e *Engine) ExecuteStep(ctx context.Context, instanceID string, userInput map[string]any) (*StepResult, error) {
	return e.execute(ctx, instanceID, userInput, nil)
}

// ExecuteStepStreaming is ExecuteStep through the agent's streaming variant.
// Progress updates reach the callback only once the step has been running for
// the configured progress threshold.
func (e *Engine) ExecuteStepStreaming(ctx context.Context, instanceID string, userInput map[string]any, progress func(agents.Progress)) (*StepResult, error) {
	if progress == nil {
		progress = func(agents.Progress) {}
	}
	return e.execute(ctx, instanceID, userInput, progress)
}

func (e *Engine) execute(ctx context.Context, instanceID string, userInput map[string]any, progress func(agents.Progress)) (res *StepResult, err error) {
	unlock, err := e.locks.acquire(ctx, instanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "waiting for instance %s", instanceID).WithCause(err)
	}
	defer unlock()

	ctx = logging.WithInstanceID(ctx, instanceID)
	run, err := e.prepare(ctx, instanceID, userInput)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, instanceID, run.step.ID, run.step.Agent)

	if err := run.open(ctx, userInput); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			logging.LogWith(ctx, e.logger).Error("step panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = schema.NewErrorf(schema.ErrCodeInternal, "step %s panicked: %v", run.step.ID, r).WithStep(run.step.ID)
			res = run.fail(ctx, err.Error(), schema.ErrCodeInternal, false)
		}
	}()

	res, err = run.execute(ctx, userInput, progress)
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("step failed unexpectedly", slog.String("error", err.Error()))
		if !run.closed {
			res = run.fail(ctx, err.Error(), codeOr(err, schema.ErrCodeInternal), false)
		} else {
			e.failInstance(ctx, run, err.Error())
			if res == nil {
				res = run.result(schema.StepStatusFailed)
				res.ErrorMessage = err.Error()
				res.ErrorCode = codeOr(err, schema.ErrCodeInternal)
			}
		}
		return res, err
	}
	return res, nil
}

// prepare loads everything a step needs and checks that it may run.
func (e *Engine) prepare(ctx context.Context, instanceID string, userInput map[string]any) (*stepRun, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	def, err := e.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	step, ok := def.StepAt(inst.CurrentStepIndex)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"step index %d outside 1..%d for instance %s", inst.CurrentStepIndex, len(def.Steps), inst.ID)
	}

	if inst, err = e.ensureRunning(ctx, inst, userInput); err != nil {
		return nil, err
	}

	if a, pending, err := e.approvals.GetPendingApproval(ctx, inst.ID); err != nil {
		return nil, err
	} else if pending {
		return nil, schema.NewErrorf(schema.ErrCodeApprovalPending,
			"approval pending for step %s", a.StepID).
			WithStep(a.StepID).
			WithDetails(map[string]any{"approval_id": a.ID})
	}

	return e.newRun(inst, def, step)
}

// ensureRunning moves a created instance, or a waiting one that received
// input, to running. Any other non-running status is rejected.
func (e *Engine) ensureRunning(ctx context.Context, inst *store.Instance, userInput map[string]any) (*store.Instance, error) {
	var reason string
	switch inst.Status {
	case schema.InstanceStatusRunning:
		return inst, nil
	case schema.InstanceStatusCreated:
		reason = "first step started"
	case schema.InstanceStatusWaitingForInput:
		if userInput == nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
				"instance %s is waiting for input", inst.ID)
		}
		reason = "input received"
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "instance %s is %s", inst.ID, inst.Status)
	}

	ok, err := e.TransitionState(ctx, inst.ID, schema.InstanceStatusRunning, inst.OwnerID, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "instance %s changed status concurrently", inst.ID)
	}
	return e.store.GetInstance(ctx, inst.ID)
}

// stepRun carries the state of one step attempt.
type stepRun struct {
	e         *Engine
	inst      *store.Instance
	def       *schema.WorkflowDefinition
	step      schema.StepDefinition
	index     int
	workflow  map[string]any
	historyID string
	closed    bool
	started   time.Time
}

func (e *Engine) newRun(inst *store.Instance, def *schema.WorkflowDefinition, step schema.StepDefinition) (*stepRun, error) {
	workflow := map[string]any{}
	if len(inst.WorkflowContext) > 0 {
		if err := json.Unmarshal(inst.WorkflowContext, &workflow); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "instance %s has a malformed workflow context", inst.ID).WithCause(err)
		}
		if workflow == nil {
			workflow = map[string]any{}
		}
	}
	return &stepRun{
		e:        e,
		inst:     inst,
		def:      def,
		step:     step,
		index:    inst.CurrentStepIndex,
		workflow: workflow,
		started:  e.now(),
	}, nil
}

// open creates the running step history record before any side effect.
func (r *stepRun) open(ctx context.Context, userInput map[string]any) error {
	var input json.RawMessage
	if userInput != nil {
		b, err := json.Marshal(userInput)
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, "user input is not JSON-encodable").WithCause(err).WithStep(r.step.ID)
		}
		input = b
	}
	h := &store.StepHistory{
		ID:         uuid.NewString(),
		InstanceID: r.inst.ID,
		StepID:     r.step.ID,
		StepName:   r.step.DisplayName(),
		StepIndex:  r.index,
		AgentID:    r.step.Agent,
		Status:     schema.StepStatusRunning,
		Input:      input,
		StartedAt:  r.started,
	}
	if err := r.e.store.CreateStepHistory(ctx, h); err != nil {
		return err
	}
	r.historyID = h.ID
	r.closed = false
	r.appendEvent(ctx, schema.EventStepStarted, map[string]any{"step_index": r.index, "agent": r.step.Agent})
	return nil
}

func (r *stepRun) execute(ctx context.Context, userInput map[string]any, progress func(agents.Progress)) (*StepResult, error) {
	e := r.e

	capability, err := e.router.Get(r.step.Agent)
	if err != nil {
		// A missing handler may be transient configuration; the instance keeps its status.
		return r.failKeepStatus(ctx, fmt.Sprintf("agent %q is not registered", r.step.Agent), schema.ErrCodeAgentUnavailable), nil
	}

	r.recordHandoff(ctx)

	ac, err := r.buildContext(ctx, userInput)
	if err != nil {
		return r.fail(ctx, err.Error(), codeOr(err, schema.ErrCodeValidation), false), nil
	}

	callCtx, cancel := r.callContext(ctx)
	defer cancel()

	var emit func(agents.Progress)
	if progress != nil {
		emit = r.throttle(ctx, progress)
	}
	result, err := e.router.Invoke(callCtx, capability, ac, emit)

	switch {
	case err != nil && ctx.Err() != nil:
		return r.cancelled(ctx, ctx.Err()), nil
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return r.fail(ctx, fmt.Sprintf("agent %q timed out after %s", r.step.Agent, r.step.Timeout),
			schema.ErrCodeAgentFailure, true), nil
	case err != nil:
		var fe *schema.FlowError
		retryable := errors.As(err, &fe) && fe.Retryable
		return r.fail(ctx, err.Error(), codeOr(err, schema.ErrCodeAgentFailure), retryable), nil
	case !result.Success:
		msg := result.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("agent %q reported failure", r.step.Agent)
		}
		return r.fail(ctx, msg, schema.ErrCodeAgentFailure, result.Retryable), nil
	}

	output, parsed, err := r.checkOutput(ctx, result.Output)
	if err != nil {
		// A schema or assertion violation is a contract breach, never retried.
		return r.fail(ctx, err.Error(), schema.ErrCodeValidation, false), nil
	}

	needs, err := e.exprs.NeedsApproval(ctx, r.step, result.ConfidenceScore, parsed, r.workflow, e.cfg.DefaultApprovalThreshold)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("approval condition failed, requiring approval", slog.String("error", err.Error()))
		needs = true
	}
	if needs {
		return r.awaitApproval(ctx, result, output)
	}
	return r.complete(ctx, output, engineActor)
}

// buildContext assembles what the agent sees: workflow context, resolved input
// parameters, the recent conversation and the summarized shared context.
func (r *stepRun) buildContext(ctx context.Context, userInput map[string]any) (*agents.AgentContext, error) {
	e := r.e
	sc, err := e.shared.Get(ctx, r.inst.ID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("shared context unavailable", slog.String("error", err.Error()))
		sc = store.NewSharedContext(r.inst.ID)
	}
	shared := e.summ.SummarizeIfNeeded(sc, e.cfg.TokenBudget)

	scope, err := expressions.NewScope(r.inst.WorkflowContext, shared, r.inst.StepData, userInput)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(r.step.ID).WithCause(err)
	}
	params, err := e.exprs.ResolveInput(ctx, r.step, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolve step input: %s", err).WithStep(r.step.ID).WithCause(err)
	}
	if len(r.step.InputSchema) > 0 {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "encode step input").WithStep(r.step.ID).WithCause(err)
		}
		if err := validation.ViolationsError("step input", e.validator.Validate(r.step.InputSchema, raw)); err != nil {
			return nil, withStep(err, r.step.ID)
		}
	}

	history, err := e.conversation(ctx, r.inst.ID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("conversation history unavailable", slog.String("error", err.Error()))
	}

	return &agents.AgentContext{
		InstanceID:      r.inst.ID,
		DefinitionID:    r.inst.DefinitionID,
		OwnerID:         r.inst.OwnerID,
		StepID:          r.step.ID,
		StepName:        r.step.DisplayName(),
		StepIndex:       r.index,
		AgentID:         r.step.Agent,
		WorkflowContext: scope.Workflow,
		InputParams:     params,
		UserInput:       userInput,
		History:         history,
		SharedContext:   shared,
	}, nil
}

// conversation rebuilds the rolling message window from completed steps.
func (e *Engine) conversation(ctx context.Context, instanceID string) ([]agents.Message, error) {
	if e.cfg.HistoryWindow == 0 {
		return nil, nil
	}
	records, err := e.store.ListStepHistory(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	var msgs []agents.Message
	for _, h := range records {
		if h.Status != schema.StepStatusCompleted {
			continue
		}
		if len(h.Input) > 0 && string(h.Input) != "null" && string(h.Input) != "{}" {
			msgs = append(msgs, agents.Message{Role: "user", StepID: h.StepID, Content: string(h.Input), Timestamp: h.StartedAt})
		}
		if len(h.Output) > 0 {
			ts := h.StartedAt
			if h.CompletedAt != nil {
				ts = *h.CompletedAt
			}
			msgs = append(msgs, agents.Message{Role: "agent", StepID: h.StepID, AgentID: h.AgentID, Content: string(h.Output), Timestamp: ts})
		}
	}
	if len(msgs) > e.cfg.HistoryWindow {
		msgs = msgs[len(msgs)-e.cfg.HistoryWindow:]
	}
	return msgs, nil
}

// recordHandoff records control passing from the previous step's agent. A
// retried or rerun step finds its agent already current and records nothing.
func (r *stepRun) recordHandoff(ctx context.Context) {
	if r.index <= 1 {
		return
	}
	prev := r.def.Steps[r.index-2].Agent
	if prev == r.step.Agent {
		return
	}
	current, ok, err := r.e.handoffs.GetCurrentAgent(ctx, r.inst.ID)
	if err != nil {
		logging.LogWith(ctx, r.e.logger).Warn("current agent unavailable", slog.String("error", err.Error()))
	} else if ok && current == r.step.Agent {
		return
	}
	r.e.handoffs.RecordHandoff(ctx, r.inst.ID, prev, r.step.Agent, r.step.ID,
		fmt.Sprintf("step %d of %d", r.index, len(r.def.Steps)))
}

func (r *stepRun) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.step.Timeout != "" {
		if d, err := time.ParseDuration(r.step.Timeout); err == nil && d > 0 {
			return context.WithTimeout(ctx, d)
		}
	}
	return context.WithCancel(ctx)
}

// throttle drops progress updates until the step has run for the threshold.
func (r *stepRun) throttle(ctx context.Context, progress func(agents.Progress)) func(agents.Progress) {
	return func(p agents.Progress) {
		if r.e.now().Sub(r.started) < r.e.cfg.ProgressThreshold {
			return
		}
		progress(p)
		r.e.notifier.Send(ctx, schema.NotifyStepProgress, map[string]any{
			"instance_id": r.inst.ID,
			"step_id":     r.step.ID,
			"message":     p.Message,
			"percent":     p.PercentComplete,
		})
	}
}

// checkOutput validates agent output: well-formed JSON, the declared output
// schema, then the step assertions.
func (r *stepRun) checkOutput(ctx context.Context, raw json.RawMessage) (json.RawMessage, any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`null`)
	}
	if !json.Valid(raw) {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "agent output is not valid JSON").WithStep(r.step.ID)
	}
	if len(r.step.OutputSchema) > 0 {
		if err := validation.ViolationsError("step output", r.e.validator.Validate(r.step.OutputSchema, raw)); err != nil {
			return nil, nil, withStep(err, r.step.ID)
		}
	}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode agent output").WithStep(r.step.ID).WithCause(err)
	}
	if err := r.e.exprs.CheckAssertions(ctx, r.step, parsed, r.workflow); err != nil {
		return nil, nil, err
	}
	return raw, parsed, nil
}

// complete records the output, advances the instance and then closes the step
// as completed, completing the instance after the last step. An instance that
// was cancelled or moved on while the agent ran keeps its state and the step
// closes as failed.
func (r *stepRun) complete(ctx context.Context, output json.RawMessage, actor string) (*StepResult, error) {
	e := r.e
	persist := context.WithoutCancel(ctx)

	var finished bool
	var stale string
	inst, _, err := e.mutateInstance(persist, r.inst.ID, func(inst *store.Instance) (bool, error) {
		stale = ""
		if inst.CurrentStepIndex != r.index {
			stale = fmt.Sprintf("instance %s moved to step %d while step %d ran", inst.ID, inst.CurrentStepIndex, r.index)
			return false, nil
		}
		if inst.Status.IsTerminal() {
			stale = fmt.Sprintf("instance %s became %s while step %s ran", inst.ID, inst.Status, r.step.ID)
			return false, nil
		}
		if inst.StepData == nil {
			inst.StepData = make(map[string]json.RawMessage)
		}
		inst.StepData[r.step.ID] = output
		inst.CurrentStepIndex++
		finished = false
		if inst.CurrentStepIndex > len(r.def.Steps) && CanTransition(inst.Status, schema.InstanceStatusCompleted) {
			applyStatus(inst, schema.InstanceStatusCompleted, e.now())
			finished = true
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if stale != "" {
		return r.failKeepStatus(ctx, stale, schema.ErrCodeCancelled), nil
	}

	if err := r.closeHistory(persist, schema.StepStatusCompleted, output, ""); err != nil {
		// stepData already holds the output.
		logging.LogWith(ctx, e.logger).Error("step history not closed", slog.String("error", err.Error()))
	}

	res := r.result(schema.StepStatusCompleted)
	res.Success = true
	res.Output = output
	res.NextStepIndex = inst.CurrentStepIndex
	if finished {
		e.fsm.Record(persist, inst.ID, schema.InstanceStatusRunning, schema.InstanceStatusCompleted, actor, "last step completed")
		res.NewInstanceStatus = schema.InstanceStatusCompleted
	}

	r.appendEvent(persist, schema.EventStepCompleted, map[string]any{"step_index": r.index, "actor": actor})
	if _, err := e.shared.AddStepOutput(persist, inst.ID, r.step.ID, output, actor); err != nil {
		// stepData is the authoritative copy.
		logging.LogWith(ctx, e.logger).Warn("shared context not updated", slog.String("error", err.Error()))
	}
	e.notifier.Send(persist, schema.NotifyStepCompleted, map[string]any{
		"instance_id":     inst.ID,
		"step_id":         r.step.ID,
		"next_step_index": inst.CurrentStepIndex,
		"instance_status": string(inst.Status),
	})
	logging.LogWith(ctx, e.logger).Info("step completed",
		slog.Int("step_index", r.index),
		slog.Duration("duration", e.now().Sub(r.started)))
	return res, nil
}

// awaitApproval parks a low-confidence output behind an approval request. The
// instance stays running at the same step.
func (r *stepRun) awaitApproval(ctx context.Context, result *agents.Result, output json.RawMessage) (*StepResult, error) {
	e := r.e
	persist := context.WithoutCancel(ctx)

	current, err := e.store.GetInstance(persist, r.inst.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() || current.CurrentStepIndex != r.index {
		return r.failKeepStatus(ctx, fmt.Sprintf("instance %s is %s at step %d", current.ID, current.Status, current.CurrentStepIndex),
			schema.ErrCodeCancelled), nil
	}

	a, err := e.approvals.CreateApprovalRequest(persist, approval.Request{
		InstanceID:       r.inst.ID,
		AgentID:          r.step.Agent,
		StepID:           r.step.ID,
		ProposedResponse: output,
		ConfidenceScore:  min(max(result.ConfidenceScore, 0), 1),
		Reasoning:        result.Reasoning,
		RequestedBy:      engineActor,
	})
	if err != nil {
		return nil, err
	}
	if err := r.closeHistory(persist, schema.StepStatusAwaitingApproval, output, ""); err != nil {
		return nil, err
	}

	e.notifier.Send(persist, schema.NotifyApprovalRequested, map[string]any{
		"instance_id": r.inst.ID,
		"step_id":     r.step.ID,
		"approval_id": a.ID,
		"owner_id":    r.inst.OwnerID,
		"confidence":  a.ConfidenceScore,
	})
	logging.LogWith(ctx, e.logger).Info("step awaiting approval",
		slog.String("approval_id", a.ID),
		slog.Float64("confidence", a.ConfidenceScore))

	res := r.result(schema.StepStatusAwaitingApproval)
	res.ErrorCode = schema.ErrCodeApprovalPending
	res.ErrorMessage = fmt.Sprintf("confidence %.2f requires approval", a.ConfidenceScore)
	res.ApprovalID = a.ID
	res.Output = output
	return res, nil
}

// fail closes the step as failed and moves the instance to waiting_for_input
// when the failure is retryable, else to failed.
func (r *stepRun) fail(ctx context.Context, msg, code string, retryable bool) *StepResult {
	persist := context.WithoutCancel(ctx)
	res := r.failKeepStatus(ctx, msg, code)

	to := schema.InstanceStatusFailed
	if retryable {
		to = schema.InstanceStatusWaitingForInput
	}
	ok, err := r.e.TransitionState(persist, r.inst.ID, to, engineActor, msg)
	if err != nil {
		logging.LogWith(ctx, r.e.logger).Error("instance transition after step failure", slog.String("error", err.Error()))
	} else if ok {
		res.NewInstanceStatus = to
	}
	return res
}

// failKeepStatus closes the step as failed without touching the instance status.
func (r *stepRun) failKeepStatus(ctx context.Context, msg, code string) *StepResult {
	persist := context.WithoutCancel(ctx)
	if err := r.closeHistory(persist, schema.StepStatusFailed, nil, msg); err != nil {
		logging.LogWith(ctx, r.e.logger).Error("step history not closed", slog.String("error", err.Error()))
	}
	r.appendEvent(persist, schema.EventStepFailed, map[string]any{"error": msg, "code": code})
	r.e.notifier.Send(persist, schema.NotifyStepFailed, map[string]any{
		"instance_id": r.inst.ID,
		"step_id":     r.step.ID,
		"error":       msg,
		"code":        code,
	})
	logging.LogWith(ctx, r.e.logger).Warn("step failed", slog.String("code", code), slog.String("error", msg))

	res := r.result(schema.StepStatusFailed)
	res.ErrorMessage = msg
	res.ErrorCode = code
	return res
}

// cancelled closes the step after the caller gave up. The instance keeps its
// status so the step can be run again.
func (r *stepRun) cancelled(ctx context.Context, cause error) *StepResult {
	return r.failKeepStatus(ctx, fmt.Sprintf("step cancelled: %s", cause), schema.ErrCodeCancelled)
}

func (e *Engine) failInstance(ctx context.Context, r *stepRun, msg string) {
	if _, err := e.TransitionState(context.WithoutCancel(ctx), r.inst.ID, schema.InstanceStatusFailed, engineActor, msg); err != nil {
		logging.LogWith(ctx, e.logger).Error("instance not failed", slog.String("error", err.Error()))
	}
}

func (r *stepRun) closeHistory(ctx context.Context, status schema.StepStatus, output json.RawMessage, errMsg string) error {
	if r.closed {
		return nil
	}
	err := r.e.store.CloseStepHistory(ctx, r.historyID, store.StepClose{
		Status:       status,
		Output:       output,
		ErrorMessage: errMsg,
		CompletedAt:  r.e.now(),
	})
	if err != nil {
		return err
	}
	r.closed = true
	return nil
}

func (r *stepRun) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	if _, err := r.e.events.Append(ctx, r.inst.ID, r.step.ID, eventType, r.step.Agent, payload); err != nil {
		logging.LogWith(ctx, r.e.logger).Warn("step event not appended",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func (r *stepRun) result(status schema.StepStatus) *StepResult {
	return &StepResult{InstanceID: r.inst.ID, StepID: r.step.ID, StepName: r.step.DisplayName(), Status: status}
}

func codeOr(err error, fallback string) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	return fallback
}

func withStep(err error, stepID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.WithStep(stepID)
	}
	return err
}
