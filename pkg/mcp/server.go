package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/draftsmith/draftsmith/internal/engine"
	"github.com/draftsmith/draftsmith/internal/store"
	"github.com/draftsmith/draftsmith/internal/validation"
)

// DraftServerDeps holds the dependencies for creating a DraftServer.
type DraftServerDeps struct {
	Runner    engine.WorkflowRunner
	Store     store.Store
	Validator *validation.PlanValidator
	Project   string
	Logger    *slog.Logger
}

// DraftServer wraps an MCP server with draftsmith-specific tool handlers.
type DraftServer struct {
	runner    engine.WorkflowRunner
	store     store.Store
	validator *validation.PlanValidator
	project   string
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDraftServer creates a DraftServer with all 4 tools registered.
func NewDraftServer(deps DraftServerDeps) *DraftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &DraftServer{
		runner:    deps.Runner,
		store:     deps.Store,
		validator: deps.Validator,
		project:   deps.Project,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"draftsmith",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Draftsmith runs multi-step content generation workflows. Use draft.run to execute a plan, draft.resume to continue an interrupted plan from its checkpoints, draft.status to check progress of the current run, and draft.history to inspect past runs and their events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *DraftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DraftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *DraftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("draft.run",
		mcp.WithDescription("Execute a content generation plan from the beginning"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The plan document as a JSON string")),
		mcp.WithString("project", mcp.Description("Project context (default: the configured project)")),
		mcp.WithObject("params", mcp.Description("Parameters exposed to step skip conditions")),
		mcp.WithString("mode", mcp.Enum("auto", "manual", "skip"),
			mcp.Description("Global automation mode applied to all pending steps")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("draft.resume",
		mcp.WithDescription("Resume an interrupted plan, replaying completed steps from checkpoints"),
		mcp.WithString("plan", mcp.Required(), mcp.Description("The plan document as a JSON string")),
		mcp.WithString("project", mcp.Description("Project context (default: the configured project)")),
		mcp.WithObject("params", mcp.Description("Parameters exposed to step skip conditions")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("draft.status",
		mcp.WithDescription("Get progress of the current run"),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("draft.history",
		mcp.WithDescription("List past runs, or the events of one run"),
		mcp.WithString("run_id", mcp.Description("Return the event log of this run instead of the run list")),
		mcp.WithString("project", mcp.Description("Filter runs by project")),
		mcp.WithString("status", mcp.Enum("pending", "active", "completed", "failed", "cancelled"),
			mcp.Description("Filter runs by status")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries to return (default 20)")),
	)
}
