package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// handleCreate creates an instance of a definition.
func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	create := engine.CreateRequest{DefinitionID: defID, OwnerID: ownerID}
	if wctx := mcp.ParseStringMap(req, "workflow_context", nil); wctx != nil {
		raw, err := json.Marshal(wctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid workflow_context: %v", err)), nil
		}
		create.WorkflowContext = raw
	}

	inst, err := s.engine.CreateInstance(ctx, create)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", err)), nil
	}
	s.captureSession(ctx, inst.ID)
	return marshalResult(inst)
}

// handleStep executes the current step of an instance.
func (s *Server) handleStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	s.captureSession(ctx, instanceID)

	res, err := s.engine.ExecuteStep(ctx, instanceID, input)
	if err != nil && res == nil {
		return mcp.NewToolResultError(fmt.Sprintf("step failed: %v", err)), nil
	}
	out, mErr := marshalResult(res)
	if mErr == nil && err != nil {
		out.IsError = true
	}
	return out, mErr
}

// handleStatus returns the full picture of an instance.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	rep, err := s.engine.Status(ctx, instanceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(rep)
}

// handleControl pauses, resumes or cancels an instance.
func (s *Server) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}

	var op func(context.Context, string, string) error
	switch action {
	case "pause":
		op = s.engine.Pause
	case "resume":
		op = s.engine.Resume
	case "cancel":
		op = s.engine.Cancel
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}

	s.captureSession(ctx, instanceID)
	if err := op(ctx, instanceID, actor); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}

	rep, err := s.engine.Status(ctx, instanceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s applied but status query failed: %v", action, err)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": instanceID,
		"action":      action,
		"status":      rep.Instance.Status,
	})
}

// handleApprove resolves a pending approval.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	actor, err := req.RequireString("actor")
	if err != nil {
		return mcp.NewToolResultError("actor is required"), nil
	}

	switch decision {
	case "approve":
		res, err := s.engine.ApproveStep(ctx, approvalID, actor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("approve failed: %v", err)), nil
		}
		s.captureSession(ctx, res.InstanceID)
		return marshalResult(res)

	case "modify":
		modified := mcp.ParseStringMap(req, "modified_output", nil)
		if modified == nil {
			return mcp.NewToolResultError("modified_output is required for decision=modify"), nil
		}
		raw, err := json.Marshal(modified)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid modified_output: %v", err)), nil
		}
		res, err := s.engine.ModifyAndApproveStep(ctx, approvalID, actor, raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("modify failed: %v", err)), nil
		}
		s.captureSession(ctx, res.InstanceID)
		return marshalResult(res)

	case "reject":
		a, err := s.engine.RejectStep(ctx, approvalID, actor, req.GetString("reason", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reject failed: %v", err)), nil
		}
		s.captureSession(ctx, a.InstanceID)
		return marshalResult(a)

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown decision: %s", decision)), nil
	}
}

// handleQuery lists instances or approvals based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.InstanceStatus(status)
		f.Status = &st
	}
	if owner, ok := filter["owner_id"].(string); ok {
		f.OwnerID = owner
	}
	if defID, ok := filter["definition_id"].(string); ok {
		f.DefinitionID = defID
	}

	instances, err := s.engine.ListInstances(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *Server) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ApprovalFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	status := schema.ApprovalStatusPending
	if v, ok := filter["status"].(string); ok && v != "" {
		status = schema.ApprovalStatus(v)
	}
	f.Status = &status
	if id, ok := filter["instance_id"].(string); ok {
		f.InstanceID = id
	}

	approvals, err := s.engine.ListApprovals(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession subscribes the calling MCP session to an instance's notifications.
func (s *Server) captureSession(ctx context.Context, instanceID string) {
	if instanceID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(instanceID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
