// Package mcp exposes the engine's operator surface as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bulwark/internal/logging"
	"github.com/rendis/bulwark/internal/orchestrator"
	"github.com/rendis/bulwark/internal/store"
	"github.com/rendis/bulwark/internal/streaming"
	"github.com/rendis/bulwark/pkg/schema"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Orchestrator *orchestrator.Orchestrator
	// Audit is the durable store. Without it bulwark.history reports an error.
	Audit store.Store
	// Archive serves bulwark.archive from mirrored copies.
	Archive store.Reader
	Hub     streaming.EventHub
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with bulwark tool handlers.
type Server struct {
	orch      *orchestrator.Orchestrator
	audit     store.Store
	archive   store.Reader
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  OwnerNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		orch:     deps.Orchestrator,
		audit:    deps.Audit,
		archive:  deps.Archive,
		hub:      deps.Hub,
		logger:   logging.OrNop(deps.Logger),
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"bulwark",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bulwark runs workflows under retries, circuit breakers and recovery. Use bulwark.status to inspect a workflow, bulwark.list to find workflows by status, bulwark.checkpoint to mark a recovery point, bulwark.recover or bulwark.batch_recover to restore failed workflows, bulwark.cancel to stop a run, bulwark.history for the durable audit trail, bulwark.archive for mirrored copies that survive restarts and bulwark.metrics for engine health."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// notifiedEvents are pushed to the owner's session, when one is known.
var notifiedEvents = []string{
	schema.EventErrorEscalated,
	schema.EventWorkflowFailed,
	schema.EventRecoveryCompleted,
	schema.EventCircuitBreakerOpen,
}

// ForwardNotifications pushes escalations, failures and recovery results to
// the sessions of their owners until ctx is done.
func (s *Server) ForwardNotifications(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: notifiedEvents})
	if err != nil {
		return fmt.Errorf("subscribe notifications: %w", err)
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.notify(ctx, ev)
		}
	}
}

func (s *Server) notify(ctx context.Context, ev streaming.StreamEvent) {
	if ev.OwnerID == "" {
		return
	}
	payload := map[string]any{
		"event_type": ev.EventType,
		"at":         ev.At,
	}
	if ev.WorkflowID != "" {
		payload["workflow_id"] = ev.WorkflowID
	}
	if ev.Payload != nil {
		payload["data"] = ev.Payload
	}
	if err := s.notifier.Notify(ctx, ev.OwnerID, payload); err != nil {
		s.logger.Debug("owner notification failed",
			slog.String("owner_id", ev.OwnerID),
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: checkpointTool(), Handler: s.handleCheckpoint},
		{Tool: recoverTool(), Handler: s.handleRecover},
		{Tool: batchRecoverTool(), Handler: s.handleBatchRecover},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: archiveTool(), Handler: s.handleArchive},
		{Tool: metricsTool(), Handler: s.handleMetrics},
	}
}

// --- Tool definitions ---

func statusTool() mcp.Tool {
	return mcp.NewTool("bulwark.status",
		mcp.WithDescription("Get a workflow's state, lifecycle status and recovery activity"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
		mcp.WithString("owner_id", mcp.Description("Owner of the workflow; subscribes this session to its notifications")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("bulwark.list",
		mcp.WithDescription("List workflows, least recently updated first"),
		mcp.WithString("status", mcp.Description("Lifecycle status filter"),
			mcp.Enum("initializing", "active", "suspended", "completed", "failed", "recovered", "archived")),
		mcp.WithString("workflow_type", mcp.Description("Workflow type filter")),
		mcp.WithString("owner_id", mcp.Description("Owner filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	)
}

func checkpointTool() mcp.Tool {
	return mcp.NewTool("bulwark.checkpoint",
		mcp.WithDescription("Create a named recovery point from the workflow's current state"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Checkpoint name")),
	)
}

func recoverTool() mcp.Tool {
	return mcp.NewTool("bulwark.recover",
		mcp.WithDescription("Run one recovery attempt against a failed workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to recover")),
		mcp.WithString("checkpoint", mcp.Description("Recovery point name (default: latest recoverable)")),
		mcp.WithString("strategy", mcp.Description("Force a strategy instead of the selected one"),
			mcp.Enum("retry", "fallback", "circuit_break", "escalate", "fail_fast")),
		mcp.WithString("owner_id", mcp.Description("Owner of the workflow; subscribes this session to its notifications")),
	)
}

func batchRecoverTool() mcp.Tool {
	return mcp.NewTool("bulwark.batch_recover",
		mcp.WithDescription("Recover failed workflows one at a time"),
		mcp.WithString("workflow_type", mcp.Description("Only recover workflows of this type")),
		mcp.WithString("owner_id", mcp.Description("Only recover workflows of this owner")),
		mcp.WithNumber("limit", mcp.Description("Maximum workflows to attempt (default: configured batch size)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bulwark.cancel",
		mcp.WithDescription("Cancel a running workflow and drop its scheduled recovery"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("bulwark.history",
		mcp.WithDescription("Read the durable event log and recovery attempts of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("since", mcp.Description("Only events with a sequence above this value")),
	)
}

func archiveTool() mcp.Tool {
	return mcp.NewTool("bulwark.archive",
		mcp.WithDescription("Read mirrored workflow copies: one workflow with its snapshots, or a filtered list"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to read; omit to list")),
		mcp.WithString("status", mcp.Description("Lifecycle status filter"),
			mcp.Enum("initializing", "active", "suspended", "completed", "failed", "recovered", "archived")),
		mcp.WithString("workflow_type", mcp.Description("Workflow type filter")),
		mcp.WithString("owner_id", mcp.Description("Owner filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 50)")),
	)
}

func metricsTool() mcp.Tool {
	return mcp.NewTool("bulwark.metrics",
		mcp.WithDescription("Engine metrics: workflow counts, breakers, error breakdown, recovery stats"),
	)
}
