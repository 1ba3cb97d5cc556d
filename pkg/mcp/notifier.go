package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// OwnerNotifier pushes notifications to the sessions of workflow owners.
type OwnerNotifier interface {
	Notify(ctx context.Context, ownerID string, payload map[string]any) error
}

// MCPNotifier implements OwnerNotifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the owner's session.
// Best-effort: returns nil if the owner has no session.
func (n *MCPNotifier) Notify(_ context.Context, ownerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(ownerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
