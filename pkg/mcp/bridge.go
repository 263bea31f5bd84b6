package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentflow/internal/notify"
)

const notificationMethod = "notifications/message"

// notificationSender is the part of *server.MCPServer the Bridge pushes through.
type notificationSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Bridge delivers engine notifications to MCP clients as log messages.
// A notification carrying an instance_id goes to the sessions subscribed to
// that instance; everything else, and instances nobody subscribed to, goes to
// every connected client.
type Bridge struct {
	sender   notificationSender
	sessions *SessionRegistry
}

var _ notify.Broadcaster = (*Bridge)(nil)

// NewBridge creates a Bridge pushing through srv.
func NewBridge(srv *server.MCPServer, sessions *SessionRegistry) *Bridge {
	return newBridge(srv, sessions)
}

func newBridge(sender notificationSender, sessions *SessionRegistry) *Bridge {
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	return &Bridge{sender: sender, sessions: sessions}
}

// Broadcast sends one notification. Sessions that expired between lookup and
// send are dropped from the registry; that is not an error.
func (b *Bridge) Broadcast(_ context.Context, eventType string, payload map[string]any) error {
	data := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		data[k] = v
	}
	data["type"] = eventType
	params := map[string]any{
		"level":  "info",
		"logger": "agentflow",
		"data":   data,
	}

	instanceID, _ := payload["instance_id"].(string)
	targets := b.sessions.SessionsFor(instanceID)
	if len(targets) == 0 {
		b.sender.SendNotificationToAllClients(notificationMethod, params)
		return nil
	}

	var errs []error
	for _, sid := range targets {
		err := b.sender.SendNotificationToSpecificClient(sid, notificationMethod, params)
		if errors.Is(err, server.ErrSessionNotFound) {
			b.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
