package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// ApproveStep accepts the proposed response of a pending approval and
// completes the step it belongs to.
func (e *Engine) ApproveStep(ctx context.Context, approvalID, actor string) (*StepResult, error) {
	return e.resolveApproval(ctx, approvalID, actor, nil)
}

// ModifyAndApproveStep completes the step with a replacement response. The
// replacement must satisfy the step's output schema and assertions; if it does
// not, the approval stays pending.
func (e *Engine) ModifyAndApproveStep(ctx context.Context, approvalID, actor string, modified json.RawMessage) (*StepResult, error) {
	if modified == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "modified response is required")
	}
	return e.resolveApproval(ctx, approvalID, actor, modified)
}

// RejectStep discards the proposed response. The instance stays at the same
// step so it can be executed again.
func (e *Engine) RejectStep(ctx context.Context, approvalID, actor, reason string) (*store.ApprovalRequest, error) {
	a, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.acquire(ctx, a.InstanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "waiting for instance %s", a.InstanceID).WithCause(err)
	}
	defer unlock()

	ctx = logging.WithIDs(ctx, a.InstanceID, a.StepID, a.AgentID)
	rejected, err := e.approvals.Reject(ctx, approvalID, actor, reason)
	if err != nil {
		return nil, err
	}
	e.recordDecision(ctx, rejected, actor)
	e.notifier.Send(context.WithoutCancel(ctx), schema.NotifyStepFailed, map[string]any{
		"instance_id": rejected.InstanceID,
		"step_id":     rejected.StepID,
		"approval_id": rejected.ID,
		"error":       "response rejected: " + reason,
	})
	logging.LogWith(ctx, e.logger).Info("approval rejected", slog.String("approval_id", rejected.ID))
	return rejected, nil
}

func (e *Engine) resolveApproval(ctx context.Context, approvalID, actor string, modified json.RawMessage) (*StepResult, error) {
	a, err := e.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.acquire(ctx, a.InstanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "waiting for instance %s", a.InstanceID).WithCause(err)
	}
	defer unlock()
	ctx = logging.WithIDs(ctx, a.InstanceID, a.StepID, a.AgentID)

	inst, err := e.store.GetInstance(ctx, a.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"instance %s is %s", inst.ID, inst.Status).WithStep(a.StepID)
	}
	def, err := e.defs.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return nil, err
	}
	step, ok := def.StepAt(inst.CurrentStepIndex)
	if !ok || step.ID != a.StepID {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"approval %s belongs to step %s, instance %s is at step %d", a.ID, a.StepID, inst.ID, inst.CurrentStepIndex).
			WithStep(a.StepID)
	}

	if actor == "" || actor != inst.OwnerID {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
			"user %q is not the owner of instance %s", actor, inst.ID).WithStep(a.StepID)
	}
	if a.Status != schema.ApprovalStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"approval %s is %s, not pending", a.ID, a.Status).WithStep(a.StepID)
	}

	run, err := e.newRun(inst, def, step)
	if err != nil {
		return nil, err
	}

	output := a.ProposedResponse
	if modified != nil {
		if output, _, err = run.checkOutput(ctx, modified); err != nil {
			return nil, err
		}
	}

	// A resolved approval always has a step record.
	if err := run.open(ctx, nil); err != nil {
		return nil, err
	}
	var resolved *store.ApprovalRequest
	if modified != nil {
		resolved, err = e.approvals.ModifyAndApprove(ctx, approvalID, actor, output)
	} else {
		resolved, err = e.approvals.Approve(ctx, approvalID, actor)
	}
	if err != nil {
		if cerr := run.closeHistory(context.WithoutCancel(ctx), schema.StepStatusFailed, nil, err.Error()); cerr != nil {
			logging.LogWith(ctx, e.logger).Error("step history not closed", slog.String("error", cerr.Error()))
		}
		return nil, err
	}
	e.recordDecision(ctx, resolved, actor)

	res, err := run.complete(ctx, output, actor)
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("approved step not completed", slog.String("error", err.Error()))
		run.failKeepStatus(ctx, err.Error(), codeOr(err, schema.ErrCodeInternal))
		return nil, err
	}
	res.ApprovalID = resolved.ID
	return res, nil
}

// recordDecision writes the approval outcome into the shared context. The
// approval record itself is authoritative, so failures are only logged.
func (e *Engine) recordDecision(ctx context.Context, a *store.ApprovalRequest, actor string) {
	summary := fmt.Sprintf("output of step %s %s by %s", a.StepID, a.Status, actor)
	data := map[string]any{"approval_id": a.ID, "confidence": a.ConfidenceScore}
	if a.RejectionReason != "" {
		data["reason"] = a.RejectionReason
	}
	d := store.Decision{StepID: a.StepID, AgentID: a.AgentID, Summary: summary, Data: data}
	if _, err := e.shared.AddDecision(context.WithoutCancel(ctx), a.InstanceID, d, actor); err != nil {
		logging.LogWith(ctx, e.logger).Warn("approval decision not recorded", slog.String("error", err.Error()))
	}
}
