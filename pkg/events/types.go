// Package events delivers realtime updates to WebSocket clients.
//
// The hub is a pub/sub fan-out keyed by subscription scope. A client
// subscribes to one or more scopes and receives every broadcast that
// targets any of them:
//
//	all                      every broadcast
//	workspace:{workspace_id} events and session updates for one workspace
//	session:{session_id}     events and session updates for one session
//
// Three things are broadcast: processed events (type "event"), session
// lifecycle changes (type "session.update") and remote device presence
// (type "remote.update"). Delivery is best-effort: a client that cannot
// be written to is terminated, never retried, and a reconnecting client
// is expected to reload current state over REST before resubscribing.
package events

import "github.com/fuel-code/fuel-code/pkg/models"

// Client → server message types.
const (
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientPong        = "pong"
)

// Server → client message types.
const (
	MsgConnected     = "connected"
	MsgSubscribed    = "subscribed"
	MsgUnsubscribed  = "unsubscribed"
	MsgEvent         = "event"
	MsgSessionUpdate = "session.update"
	MsgRemoteUpdate  = "remote.update"
	MsgPing          = "ping"
	MsgError         = "error"
)

// ScopeAll subscribes a client to every broadcast.
const ScopeAll = "all"

// ScopeWorkspace returns the subscription scope for one workspace.
// Format: "workspace:{workspace_id}"
func ScopeWorkspace(workspaceID string) string {
	return "workspace:" + workspaceID
}

// ScopeSession returns the subscription scope for one session.
// Format: "session:{session_id}"
func ScopeSession(sessionID string) string {
	return "session:" + sessionID
}

// ClientMessage is the JSON structure for client → server messages.
// subscribe and unsubscribe name their target with exactly one of
// Scope ("all"), WorkspaceID or SessionID; when several are set the
// most specific wins (session over workspace over all).
type ClientMessage struct {
	Type        string `json:"type"`
	Scope       string `json:"scope,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// scope resolves the message's target to a subscription scope key.
// Returns "" when the message names no valid target.
func (m *ClientMessage) scope() string {
	switch {
	case m.SessionID != "":
		return ScopeSession(m.SessionID)
	case m.WorkspaceID != "":
		return ScopeWorkspace(m.WorkspaceID)
	case m.Scope == ScopeAll:
		return ScopeAll
	}
	return ""
}

// SessionUpdate is a session lifecycle change fanned out to
// subscribers. Summary and Stats are only present once the transcript
// pipeline has produced them.
type SessionUpdate struct {
	SessionID   string               `json:"session_id"`
	WorkspaceID string               `json:"workspace_id"`
	Lifecycle   models.Lifecycle     `json:"lifecycle"`
	Summary     string               `json:"summary,omitempty"`
	Stats       *models.SessionStats `json:"stats,omitempty"`
}

// serverMessage covers the small control messages the hub sends:
// connected, subscribed, unsubscribed, ping, error.
type serverMessage struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Message  string `json:"message,omitempty"`
}

// eventMessage wraps a processed event for broadcast.
type eventMessage struct {
	Type  string        `json:"type"`
	Event *models.Event `json:"event"`
}

// sessionUpdateMessage wraps a SessionUpdate for broadcast.
type sessionUpdateMessage struct {
	Type string `json:"type"`
	SessionUpdate
}

// remoteUpdateMessage announces a remote device presence change.
type remoteUpdateMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
}
