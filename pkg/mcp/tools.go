package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bulwark/internal/recovery"
	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/internal/store"
	"github.com/rendis/bulwark/pkg/schema"
)

// statusView is the bulwark.status result.
type statusView struct {
	WorkflowID     string                      `json:"workflow_id"`
	Status         schema.WorkflowStatus       `json:"status"`
	StatusReason   string                      `json:"status_reason,omitempty"`
	Running        bool                        `json:"running"`
	State          *schema.WorkflowState       `json:"state"`
	RecoveryPoints []string                    `json:"recovery_points"`
	Attempts       []schema.RecoveryAttempt    `json:"recovery_attempts"`
	Scheduled      *recovery.ScheduledRecovery `json:"scheduled_recovery,omitempty"`
	Suggestions    []string                    `json:"suggested_actions,omitempty"`
}

// handleStatus returns the current state of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("owner_id", ""))

	st, err := s.orch.Store().Get(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	meta, err := s.orch.Store().Metadata(workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	view := statusView{
		WorkflowID:     workflowID,
		Status:         meta.Status,
		StatusReason:   meta.StatusReason,
		Running:        s.orch.Running(workflowID),
		State:          st,
		RecoveryPoints: []string{},
		Attempts:       s.orch.Recovery().Attempts(workflowID),
	}
	for _, p := range s.orch.Store().RecoveryPoints(workflowID) {
		view.RecoveryPoints = append(view.RecoveryPoints, p.Name)
	}
	for _, sched := range s.orch.Recovery().Scheduled() {
		if sched.WorkflowID == workflowID {
			entry := sched
			view.Scheduled = &entry
			break
		}
	}
	if st.Error != nil {
		view.Suggestions = schema.SuggestedActions(st.Error.Type, st.Error.Category)
	}
	return marshalResult(view)
}

// handleList lists workflow metadata.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := statestore.ListFilter{
		Status:       schema.WorkflowStatus(req.GetString("status", "")),
		WorkflowType: req.GetString("workflow_type", ""),
		OwnerID:      req.GetString("owner_id", ""),
		Limit:        req.GetInt("limit", 50),
	}
	s.captureSession(ctx, filter.OwnerID)

	workflows := s.orch.Store().List(filter)
	if workflows == nil {
		workflows = []schema.WorkflowMetadata{}
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleCheckpoint records a named recovery point.
func (s *Server) handleCheckpoint(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}

	point, err := s.orch.Store().Checkpoint(ctx, workflowID, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("checkpoint failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"id":          point.ID,
		"workflow_id": point.WorkflowID,
		"name":        point.Name,
		"snapshot_id": point.Snapshot.ID,
		"created_at":  point.CreatedAt,
	})
}

// handleRecover runs one manual recovery attempt.
func (s *Server) handleRecover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	s.captureSession(ctx, req.GetString("owner_id", ""))

	opts := recovery.AttemptOptions{
		Checkpoint: req.GetString("checkpoint", ""),
		Strategy:   schema.Strategy(req.GetString("strategy", "")),
	}
	if opts.Strategy != "" && !opts.Strategy.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown strategy %q", opts.Strategy)), nil
	}

	attempt, err := s.orch.Recovery().AttemptRecovery(ctx, workflowID, schema.TriggerManual, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recovery failed: %v", err)), nil
	}
	status, _ := s.orch.Store().Status(workflowID)
	return marshalResult(map[string]any{
		"attempt":         attempt,
		"workflow_status": status,
	})
}

// handleBatchRecover recovers failed workflows in bulk.
func (s *Server) handleBatchRecover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := s.orch.Recovery().BatchRecover(ctx, recovery.BatchOptions{
		WorkflowType: req.GetString("workflow_type", ""),
		OwnerID:      req.GetString("owner_id", ""),
		Limit:        req.GetInt("limit", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("batch recovery failed: %v", err)), nil
	}
	return marshalResult(res)
}

// handleCancel stops a running workflow.
func (s *Server) handleCancel(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"cancelled":   s.orch.Cancel(workflowID),
	})
}

// handleHistory reads the durable audit trail.
func (s *Server) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.audit == nil {
		return mcp.NewToolResultError("no durable store configured"), nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	events, err := s.audit.GetEvents(ctx, workflowID, int64(req.GetInt("since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}
	attempts, err := s.audit.ListAttempts(ctx, store.AttemptFilter{WorkflowID: workflowID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("attempt query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	if attempts == nil {
		attempts = []*schema.RecoveryAttempt{}
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"events":      events,
		"attempts":    attempts,
	})
}

// handleArchive reads mirrored copies. With workflow_id it returns that
// workflow and its snapshots, otherwise the states matching the filters.
func (s *Server) handleArchive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.archive == nil {
		return mcp.NewToolResultError("no state mirror configured"), nil
	}

	if workflowID := req.GetString("workflow_id", ""); workflowID != "" {
		rec, err := s.archive.GetState(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", err)), nil
		}
		snaps, err := s.archive.ListSnapshots(ctx, workflowID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("snapshot query failed: %v", err)), nil
		}
		if snaps == nil {
			snaps = []*schema.Snapshot{}
		}
		return marshalResult(map[string]any{
			"workflow":  rec,
			"snapshots": snaps,
		})
	}

	filter := store.StateFilter{
		Status:       schema.WorkflowStatus(req.GetString("status", "")),
		WorkflowType: req.GetString("workflow_type", ""),
		OwnerID:      req.GetString("owner_id", ""),
		Limit:        req.GetInt("limit", 50),
	}
	records, err := s.archive.ListStates(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state query failed: %v", err)), nil
	}
	if records == nil {
		records = []*store.StateRecord{}
	}
	return marshalResult(map[string]any{"workflows": records})
}

// handleMetrics returns the engine metrics snapshot.
func (s *Server) handleMetrics(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.orch.Metrics())
}

// captureSession maps the owner to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, ownerID string) {
	if ownerID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(ownerID, session.SessionID())
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
