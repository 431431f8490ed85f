package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conduit/internal/engine"
	"github.com/rendis/conduit/internal/scheduler"
)

// ConduitServerDeps holds the dependencies for creating a ConduitServer.
type ConduitServerDeps struct {
	Orchestrator *engine.Orchestrator
	Scheduler    *scheduler.Scheduler
	Logger       *slog.Logger
}

// ConduitServer wraps an MCP server with conduit-specific tool handlers.
type ConduitServer struct {
	orchestrator *engine.Orchestrator
	scheduler    *scheduler.Scheduler
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewConduitServer creates a new ConduitServer with all tools registered.
func NewConduitServer(deps ConduitServerDeps) *ConduitServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ConduitServer{
		orchestrator: deps.Orchestrator,
		scheduler:    deps.Scheduler,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"conduit",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conduit is a workflow composition and execution engine. Use conduit.register to store a workflow definition, conduit.run to execute one, conduit.status to inspect an execution, conduit.cancel to stop a running execution, conduit.delete to remove a workflow, conduit.schedule to manage cron triggers, and conduit.query to list workflows/executions/events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ConduitServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ConduitServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ConduitServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("conduit.register",
		mcp.WithDescription("Register a workflow definition with auto-versioning"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, steps, entry_point, timeout, parallel_execution)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("conduit.run",
		mcp.WithDescription("Start an execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithNumber("version", mcp.Description("Workflow version (default: latest)")),
		mcp.WithObject("input", mcp.Description("Input variables for the execution")),
		mcp.WithBoolean("wait", mcp.Description("Wait for the execution to finish and return the final record (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("conduit.status",
		mcp.WithDescription("Get the state of an execution, including per-step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("conduit.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("conduit.delete",
		mcp.WithDescription("Delete a registered workflow (all versions); execution history is kept"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to delete")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("conduit.schedule",
		mcp.WithDescription("Manage cron schedules that trigger workflow executions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("add", "remove", "list"),
			mcp.Description("Schedule operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to trigger (required for add)")),
		mcp.WithNumber("version", mcp.Description("Workflow version (default: latest)")),
		mcp.WithString("cron", mcp.Description("Cron expression, 5 fields (required for add)")),
		mcp.WithObject("input", mcp.Description("Input variables for each triggered execution")),
		mcp.WithString("schedule_id", mcp.Description("Schedule ID (required for remove)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("conduit.query",
		mcp.WithDescription("Query workflows, executions, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, limit, execution_id)")),
	)
}
