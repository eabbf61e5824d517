// Package api exposes the HTTP surface: event ingest, transcript upload,
// the WebSocket endpoint, health, and a set of read-only query routes over
// the event store. Handlers are thin; all state lives in the store, the
// queue, and the hub.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/blob"
	"github.com/fuel-code/fuel-code/pkg/events"
	"github.com/fuel-code/fuel-code/pkg/store"
)

// maxBodyBytes bounds ingest request bodies. Transcript uploads are exempt;
// they stream and are bounded by their required Content-Length.
const maxBodyBytes = 1 << 20

// EventQueue is the slice of the stream queue the API needs: appending
// ingested events and a liveness probe for /health.
type EventQueue interface {
	Append(ctx context.Context, eventID string, payload []byte) (string, error)
	Ping(ctx context.Context) error
}

// Enqueuer hands sessions to the transcript pipeline after an upload
// completes for an already-ended session.
type Enqueuer interface {
	Enqueue(sessionID string) bool
}

// Server wires the HTTP routes to their dependencies.
type Server struct {
	echo     *echo.Echo
	http     *http.Server
	store    *store.Store
	queue    EventQueue
	blobs    blob.ObjectStore
	hub      *events.Hub
	pipeline Enqueuer
	apiKey   string
}

// Options carries the dependencies for NewServer. Blobs and Pipeline may be
// nil when no object store is configured; transcript uploads then return 503.
type Options struct {
	Store    *store.Store
	Queue    EventQueue
	Blobs    blob.ObjectStore
	Hub      *events.Hub
	Pipeline Enqueuer
	APIKey   string
}

// NewServer creates the API server and registers all routes.
func NewServer(opts Options) *Server {
	s := &Server{
		echo:     echo.New(),
		store:    opts.Store,
		queue:    opts.Queue,
		blobs:    opts.Blobs,
		hub:      opts.Hub,
		pipeline: opts.Pipeline,
		apiKey:   opts.APIKey,
	}
	s.setupRoutes()
	// No global read timeout: transcript uploads stream at client pace.
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes registers middleware and routes. /health and /ws are exempt
// from header auth: health is for orchestrators, the WebSocket carries its
// token as a query parameter.
func (s *Server) setupRoutes() {
	e := s.echo

	e.Use(requestLogger(), securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	auth := requireAuth(s.apiKey)
	e.POST("/events/ingest", s.ingestHandler, auth, bodyLimit(maxBodyBytes))
	e.POST("/sessions/:id/transcript/upload", s.uploadTranscriptHandler, auth)

	e.GET("/workspaces", s.listWorkspacesHandler, auth)
	e.GET("/workspaces/:id/activity", s.workspaceActivityHandler, auth)
	e.GET("/workspaces/:id/events", s.workspaceEventsHandler, auth)
	e.GET("/sessions", s.listSessionsHandler, auth)
	e.GET("/sessions/:id", s.getSessionHandler, auth)
	e.GET("/sessions/:id/messages", s.sessionMessagesHandler, auth)
	e.GET("/stats", s.statsHandler, auth)
}

// Handler returns the root handler for use by an http.Server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown is called or the
// listener fails. Always returns a non-nil error; after a clean
// Shutdown that error is http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	s.http.Addr = addr
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
