package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// Keepalive cycle: every pingInterval the hub marks all clients
// not-alive and sends a ping; pongTimeout later, clients that sent
// nothing back are terminated. A dead client is therefore gone within
// roughly pingInterval + pongTimeout.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

var pingPayload = []byte(`{"type":"ping"}`)

// Hub manages WebSocket clients and their scope subscriptions. One Hub
// instance exists per process; the consumer and the transcript pipeline
// both publish through it after their transactions commit.
type Hub struct {
	// Active clients: client_id → *client
	clients map[string]*client
	mu      sync.RWMutex

	// Subscriptions: scope → set of client_ids
	scopes  map[string]map[string]bool
	scopeMu sync.RWMutex

	// Write timeout for WebSocket sends. A client that cannot drain one
	// frame inside it is terminated rather than back-pressuring the
	// broadcaster.
	writeTimeout time.Duration

	pingInterval time.Duration
	pongTimeout  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// client is a single WebSocket connection.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all
// reads and writes (subscribe, unsubscribe, unregister) happen on the
// single goroutine that owns this connection (HandleConnection's read
// loop and its deferred cleanup). The scope index on the Hub is what
// broadcasts consult, and it has its own mutex.
type client struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	alive         atomic.Bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewHub creates a Hub. Start must be called for keepalive to run.
func NewHub(writeTimeout time.Duration) *Hub {
	return &Hub{
		clients:      make(map[string]*client),
		scopes:       make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the keepalive loop.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.keepaliveLoop(ctx)
}

// Stop halts keepalive and terminates every connected client. Safe to
// call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()

	for _, c := range h.snapshot() {
		h.terminate(c, websocket.StatusGoingAway, "server shutting down")
	}
}

// HandleConnection manages the lifecycle of a single WebSocket client.
// Called by the WebSocket HTTP handler after upgrade and auth. Blocks
// until the client disconnects or is terminated.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	clientID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &client{
		id:            clientID,
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	c.alive.Store(true)

	h.register(c)
	defer h.unregister(c)

	h.sendJSON(c, serverMessage{Type: MsgConnected, ClientID: clientID})

	// Read loop. Any inbound frame counts as proof of life, so a pong
	// needs no handling beyond arriving.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		c.alive.Store(true)

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"client_id", clientID, "error", err)
			h.sendJSON(c, serverMessage{Type: MsgError, Message: "invalid JSON"})
			continue
		}
		h.handleClientMessage(c, &msg)
	}
}

// BroadcastEvent delivers a processed event to clients subscribed to
// "all", the event's workspace, or (when the event was attributed to
// one) its session.
func (h *Hub) BroadcastEvent(e *models.Event) {
	data, err := json.Marshal(eventMessage{Type: MsgEvent, Event: e})
	if err != nil {
		slog.Warn("Failed to marshal event broadcast", "event_id", e.ID, "error", err)
		return
	}
	scopes := []string{ScopeAll, ScopeWorkspace(e.WorkspaceID)}
	if e.SessionID != "" {
		scopes = append(scopes, ScopeSession(e.SessionID))
	}
	h.broadcast(scopes, data)
}

// BroadcastSessionUpdate delivers a lifecycle change to clients
// subscribed to "all", the session's workspace, or the session itself.
func (h *Hub) BroadcastSessionUpdate(u SessionUpdate) {
	data, err := json.Marshal(sessionUpdateMessage{Type: MsgSessionUpdate, SessionUpdate: u})
	if err != nil {
		slog.Warn("Failed to marshal session update", "session_id", u.SessionID, "error", err)
		return
	}
	h.broadcast([]string{ScopeAll, ScopeWorkspace(u.WorkspaceID), ScopeSession(u.SessionID)}, data)
}

// BroadcastRemoteUpdate announces a remote device presence change.
// Device presence is not scoped to a workspace or session, so only
// "all" subscribers receive it.
func (h *Hub) BroadcastRemoteUpdate(deviceID, status string) {
	data, err := json.Marshal(remoteUpdateMessage{Type: MsgRemoteUpdate, DeviceID: deviceID, Status: status})
	if err != nil {
		slog.Warn("Failed to marshal remote update", "device_id", deviceID, "error", err)
		return
	}
	h.broadcast([]string{ScopeAll}, data)
}

// ActiveClients returns the count of connected WebSocket clients.
func (h *Hub) ActiveClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// subscriberCount returns the number of subscribers for a scope. Tests
// poll it instead of sleeping.
func (h *Hub) subscriberCount(scope string) int {
	h.scopeMu.RLock()
	defer h.scopeMu.RUnlock()
	return len(h.scopes[scope])
}

// handleClientMessage dispatches one client message.
func (h *Hub) handleClientMessage(c *client, msg *ClientMessage) {
	switch msg.Type {
	case ClientSubscribe:
		scope := msg.scope()
		if scope == "" {
			h.sendJSON(c, serverMessage{Type: MsgError,
				Message: `subscribe requires scope "all", workspace_id or session_id`})
			return
		}
		h.subscribe(c, scope)
		h.sendJSON(c, serverMessage{Type: MsgSubscribed, Scope: scope})

	case ClientUnsubscribe:
		scope := msg.scope()
		if scope == "" {
			h.sendJSON(c, serverMessage{Type: MsgError,
				Message: `unsubscribe requires scope "all", workspace_id or session_id`})
			return
		}
		h.unsubscribe(c, scope)
		h.sendJSON(c, serverMessage{Type: MsgUnsubscribed, Scope: scope})

	case ClientPong:
		// Already marked alive by the read loop.

	default:
		h.sendJSON(c, serverMessage{Type: MsgError,
			Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

// subscribe registers a client in the scope index.
func (h *Hub) subscribe(c *client, scope string) {
	h.scopeMu.Lock()
	if _, ok := h.scopes[scope]; !ok {
		h.scopes[scope] = make(map[string]bool)
	}
	h.scopes[scope][c.id] = true
	h.scopeMu.Unlock()

	c.subscriptions[scope] = true
}

// unsubscribe removes a client from a scope, dropping the scope entry
// once its last subscriber leaves.
func (h *Hub) unsubscribe(c *client, scope string) {
	h.scopeMu.Lock()
	if subs, ok := h.scopes[scope]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.scopes, scope)
		}
	}
	h.scopeMu.Unlock()

	delete(c.subscriptions, scope)
}

// broadcast sends payload once to every client subscribed to at least
// one of the given scopes. Scope and client snapshots are taken under
// their locks and released before any socket write, so a slow client
// stalls neither registration nor the other recipients. A failed send
// terminates that client and only that client.
func (h *Hub) broadcast(scopes []string, payload []byte) {
	h.scopeMu.RLock()
	targets := make(map[string]bool)
	for _, scope := range scopes {
		for id := range h.scopes[scope] {
			targets[id] = true
		}
	}
	h.scopeMu.RUnlock()
	if len(targets) == 0 {
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(targets))
	for id := range targets {
		if c, ok := h.clients[id]; ok {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := h.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to WebSocket client, terminating it",
				"client_id", c.id, "error", err)
			h.terminate(c, websocket.StatusPolicyViolation, "send failed")
		}
	}
}

// keepaliveLoop drives the ping/sweep cycle until shutdown.
func (h *Hub) keepaliveLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.pingAll()

		select {
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(h.pongTimeout):
		}

		h.sweepStale()
	}
}

// pingAll marks every client not-alive and sends a ping. Clients prove
// liveness by sending any frame back, normally a pong.
func (h *Hub) pingAll() {
	for _, c := range h.snapshot() {
		c.alive.Store(false)
		if err := h.sendRaw(c, pingPayload); err != nil {
			slog.Warn("Failed to ping WebSocket client, terminating it",
				"client_id", c.id, "error", err)
			h.terminate(c, websocket.StatusPolicyViolation, "send failed")
		}
	}
}

// sweepStale terminates clients that sent nothing since the last ping.
func (h *Hub) sweepStale() {
	for _, c := range h.snapshot() {
		if !c.alive.Load() {
			slog.Info("Terminating stale WebSocket client", "client_id", c.id)
			h.terminate(c, websocket.StatusPolicyViolation, "keepalive timeout")
		}
	}
}

// snapshot copies the client list out from under the lock.
func (h *Hub) snapshot() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// terminate forces a client out. Closing the connection makes the
// owning read loop return, which unregisters the client on its own
// goroutine; terminate itself must not touch c.subscriptions.
func (h *Hub) terminate(c *client, code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.conn.Close(code, reason)
}

// register adds a client to the tracking map.
func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// unregister removes a client and all its subscriptions. Runs on the
// goroutine that owns the client.
func (h *Hub) unregister(c *client) {
	for scope := range c.subscriptions {
		h.unsubscribe(c, scope)
	}

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and sends one message to a single client.
func (h *Hub) sendJSON(c *client, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"client_id", c.id, "error", err)
		return
	}
	if err := h.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"client_id", c.id, "error", err)
	}
}

// sendRaw sends raw bytes to a single client under the write timeout.
func (h *Hub) sendRaw(c *client, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
