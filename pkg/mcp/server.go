package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// Engine is the slice of the workflow engine exposed as MCP tools.
type Engine interface {
	CreateInstance(ctx context.Context, req engine.CreateRequest) (*store.Instance, error)
	ExecuteStep(ctx context.Context, instanceID string, userInput map[string]any) (*engine.StepResult, error)
	Status(ctx context.Context, instanceID string) (*engine.StatusReport, error)
	Pause(ctx context.Context, instanceID, actor string) error
	Resume(ctx context.Context, instanceID, actor string) error
	Cancel(ctx context.Context, instanceID, actor string) error
	ApproveStep(ctx context.Context, approvalID, actor string) (*engine.StepResult, error)
	ModifyAndApproveStep(ctx context.Context, approvalID, actor string, modified json.RawMessage) (*engine.StepResult, error)
	RejectStep(ctx context.Context, approvalID, actor, reason string) (*store.ApprovalRequest, error)
	ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error)
	ListApprovals(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server wraps an MCP server with agentflow tool handlers. The engine is
// bound after construction because the engine's notifier needs the server's
// Bridge first.
type Server struct {
	engine    Engine
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
	bridge    *Bridge
}

// NewServer creates a Server with every tool registered.
func NewServer(version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"agentflow",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("agentflow runs multi-agent workflows one step at a time. Use agentflow.create to start an instance, agentflow.step to run its current step, agentflow.status to inspect it, agentflow.control to pause, resume or cancel it, agentflow.approve to resolve a pending approval and agentflow.query to list instances or approvals. Step, handoff and approval events arrive as notifications/message."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.bridge = NewBridge(mcpSrv, s.sessions)
	return s
}

// Bind attaches the engine the tools drive.
func (s *Server) Bind(e Engine) { s.engine = e }

// Bridge returns the notification broadcaster pushing to this server's clients.
func (s *Server) Bridge() *Bridge { return s.bridge }

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.engine == nil {
		return schema.NewError(schema.ErrCodeInvalidState, "mcp server has no engine bound")
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// hooks drop session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createTool(), Handler: s.handleCreate},
		{Tool: stepTool(), Handler: s.handleStep},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func createTool() mcp.Tool {
	return mcp.NewTool("agentflow.create",
		mcp.WithDescription("Create a workflow instance from a registered definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("User that owns the instance")),
		mcp.WithObject("workflow_context", mcp.Description("Initial workflow-level data")),
	)
}

func stepTool() mcp.Tool {
	return mcp.NewTool("agentflow.step",
		mcp.WithDescription("Execute the current step of an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithObject("input", mcp.Description("User input for the step (required when the instance waits for input)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentflow.status",
		mcp.WithDescription("Get instance status, step history, pending approval and handoffs"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("agentflow.control",
		mcp.WithDescription("Pause, resume or cancel an instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Lifecycle action"),
		),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who requests the action")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("agentflow.approve",
		mcp.WithDescription("Resolve a pending approval request"),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "modify", "reject"),
			mcp.Description("approve keeps the agent response, modify replaces it, reject reruns the step"),
		),
		mcp.WithString("actor", mcp.Required(), mcp.Description("Who resolves the approval")),
		mcp.WithObject("modified_output", mcp.Description("Replacement response (decision=modify)")),
		mcp.WithString("reason", mcp.Description("Rejection reason (decision=reject)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("agentflow.query",
		mcp.WithDescription("List instances or approval requests"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "approvals"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, owner_id, definition_id, instance_id, limit)")),
	)
}
