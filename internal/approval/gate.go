// Package approval implements the human-in-the-loop gate for low-confidence
// agent outputs and the background sweeper that escalates stale requests.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Request carries the fields of a new approval request.
type Request struct {
	InstanceID       string
	AgentID          string
	StepID           string
	ProposedResponse json.RawMessage
	ConfidenceScore  float64
	Reasoning        string
	RequestedBy      string
}

// Due partitions pending requests by age.
type Due struct {
	// Reminders are older than the reminder threshold, younger than the
	// timeout threshold and not yet reminded.
	Reminders []*store.ApprovalRequest
	// TimedOut are older than the timeout threshold.
	TimedOut []*store.ApprovalRequest
}

// Gate manages approval requests. Resolutions are owner-only, apply only to
// pending requests and are version-gated; a failed resolution has no side effects.
type Gate struct {
	store  store.Store
	events *store.EventLog
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a Gate.
func NewGate(s store.Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		store:  s,
		events: store.NewEventLog(s),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateApprovalRequest opens a pending request.
func (g *Gate) CreateApprovalRequest(ctx context.Context, req Request) (*store.ApprovalRequest, error) {
	if req.InstanceID == "" || req.StepID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval request needs an instance and a step")
	}
	if req.ConfidenceScore < 0 || req.ConfidenceScore > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "confidence score %v outside [0,1]", req.ConfidenceScore).
			WithStep(req.StepID)
	}
	if !json.Valid(req.ProposedResponse) {
		return nil, schema.NewError(schema.ErrCodeValidation, "proposed response is not valid JSON").WithStep(req.StepID)
	}

	a := &store.ApprovalRequest{
		ID:               uuid.NewString(),
		InstanceID:       req.InstanceID,
		AgentID:          req.AgentID,
		StepID:           req.StepID,
		ProposedResponse: req.ProposedResponse,
		ConfidenceScore:  req.ConfidenceScore,
		Reasoning:        req.Reasoning,
		Status:           schema.ApprovalStatusPending,
		RequestedAt:      g.now(),
		RequestedBy:      req.RequestedBy,
		Version:          1,
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	g.audit(ctx, a, schema.EventApprovalRequested, req.RequestedBy, map[string]any{
		"approval_id": a.ID,
		"agent_id":    a.AgentID,
		"confidence":  a.ConfidenceScore,
	})
	return a, nil
}

// GetApproval loads one request.
func (g *Gate) GetApproval(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	return g.store.GetApproval(ctx, id)
}

// ListApprovals lists requests matching filter, oldest first.
func (g *Gate) ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, filter)
}

// GetPendingApproval returns the oldest pending request of an instance. The
// bool is false when there is none.
func (g *Gate) GetPendingApproval(ctx context.Context, instanceID string) (*store.ApprovalRequest, bool, error) {
	pending := schema.ApprovalStatusPending
	list, err := g.store.ListApprovals(ctx, store.ApprovalFilter{InstanceID: instanceID, Status: &pending, Limit: 1})
	if err != nil {
		return nil, false, err
	}
	if len(list) == 0 {
		return nil, false, nil
	}
	return list[0], true, nil
}

// Approve accepts the proposed response as is.
func (g *Gate) Approve(ctx context.Context, approvalID, actor string) (*store.ApprovalRequest, error) {
	return g.resolve(ctx, approvalID, actor, func(a *store.ApprovalRequest) error {
		a.Status = schema.ApprovalStatusApproved
		return nil
	})
}

// ModifyAndApprove accepts a replacement response.
func (g *Gate) ModifyAndApprove(ctx context.Context, approvalID, actor string, modified json.RawMessage) (*store.ApprovalRequest, error) {
	if !json.Valid(modified) {
		return nil, schema.NewError(schema.ErrCodeValidation, "modified response is not valid JSON")
	}
	return g.resolve(ctx, approvalID, actor, func(a *store.ApprovalRequest) error {
		a.Status = schema.ApprovalStatusModified
		a.ModifiedResponse = modified
		return nil
	})
}

// Reject discards the proposed response.
func (g *Gate) Reject(ctx context.Context, approvalID, actor, reason string) (*store.ApprovalRequest, error) {
	return g.resolve(ctx, approvalID, actor, func(a *store.ApprovalRequest) error {
		a.Status = schema.ApprovalStatusRejected
		a.RejectionReason = reason
		return nil
	})
}

func (g *Gate) resolve(ctx context.Context, approvalID, actor string, apply func(*store.ApprovalRequest) error) (*store.ApprovalRequest, error) {
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	inst, err := g.store.GetInstance(ctx, a.InstanceID)
	if err != nil {
		return nil, err
	}
	if actor == "" || actor != inst.OwnerID {
		return nil, schema.NewErrorf(schema.ErrCodeUnauthorized,
			"user %q is not the owner of instance %s", actor, inst.ID).WithStep(a.StepID)
	}
	if a.Status != schema.ApprovalStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"approval %s is %s, not pending", a.ID, a.Status).WithStep(a.StepID)
	}

	expected := a.Version
	if err := apply(a); err != nil {
		return nil, err
	}
	now := g.now()
	a.ResolvedAt = &now
	a.ResolvedBy = actor

	ok, err := g.store.SaveApproval(ctx, a, expected)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save approval").WithCause(err)
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"approval %s changed concurrently", a.ID).WithStep(a.StepID)
	}

	g.audit(ctx, a, schema.EventApprovalResolved, actor, map[string]any{
		"approval_id": a.ID,
		"status":      string(a.Status),
	})
	return a, nil
}

// GetTimedOutApprovals partitions pending requests by age relative to now.
func (g *Gate) GetTimedOutApprovals(ctx context.Context, reminderAfter, timeoutAfter time.Duration) (*Due, error) {
	now := g.now()
	pending := schema.ApprovalStatusPending
	cutoff := now.Add(-min(reminderAfter, timeoutAfter))
	list, err := g.store.ListApprovals(ctx, store.ApprovalFilter{Status: &pending, RequestedBefore: &cutoff})
	if err != nil {
		return nil, err
	}

	due := &Due{}
	for _, a := range list {
		age := now.Sub(a.RequestedAt)
		switch {
		case age >= timeoutAfter:
			due.TimedOut = append(due.TimedOut, a)
		case age >= reminderAfter && a.ReminderSentAt == nil:
			due.Reminders = append(due.Reminders, a)
		}
	}
	return due, nil
}

// MarkAsTimedOut moves a pending request to TimedOut. It reports false, with
// no error, when the request is no longer pending or changed underneath.
func (g *Gate) MarkAsTimedOut(ctx context.Context, approvalID string) (bool, error) {
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return false, err
	}
	if a.Status != schema.ApprovalStatusPending {
		return false, nil
	}
	expected := a.Version
	now := g.now()
	a.Status = schema.ApprovalStatusTimedOut
	a.ResolvedAt = &now
	a.ResolvedBy = "system"

	ok, err := g.store.SaveApproval(ctx, a, expected)
	if err != nil || !ok {
		return false, err
	}
	g.audit(ctx, a, schema.EventApprovalTimedOut, "system", map[string]any{"approval_id": a.ID})
	return true, nil
}

// MarkReminderSent stamps the reminder time so a request is reminded once.
func (g *Gate) MarkReminderSent(ctx context.Context, approvalID string) (bool, error) {
	a, err := g.store.GetApproval(ctx, approvalID)
	if err != nil {
		return false, err
	}
	if a.Status != schema.ApprovalStatusPending || a.ReminderSentAt != nil {
		return false, nil
	}
	expected := a.Version
	now := g.now()
	a.ReminderSentAt = &now
	return g.store.SaveApproval(ctx, a, expected)
}

func (g *Gate) audit(ctx context.Context, a *store.ApprovalRequest, eventType, actor string, payload map[string]any) {
	if _, err := g.events.Append(ctx, a.InstanceID, a.StepID, eventType, actor, payload); err != nil {
		logging.LogWith(ctx, g.logger).Warn("approval event not appended",
			slog.String("approval_id", a.ID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
