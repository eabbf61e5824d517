package api

import (
	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
)

// IngestResponse is returned by POST /events/ingest.
type IngestResponse struct {
	Ingested int `json:"ingested"`
	Rejected int `json:"rejected"`
}

// UploadResponse is returned by POST /sessions/:id/transcript/upload.
type UploadResponse struct {
	Status            string `json:"status"`
	S3Key             string `json:"s3_key"`
	PipelineTriggered bool   `json:"pipeline_triggered,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one dependency's slice of the health response.
type HealthCheck struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// SessionDetail is returned by GET /sessions/:id.
type SessionDetail struct {
	*models.Session
	ParsedMessageCount int `json:"parsed_message_count"`
}

// SessionListResponse is returned by GET /sessions.
type SessionListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Count    int               `json:"count"`
}

// WorkspaceListResponse is returned by GET /workspaces.
type WorkspaceListResponse struct {
	Workspaces []*store.WorkspaceSummary `json:"workspaces"`
	Count      int                       `json:"count"`
}

// MessagesResponse is returned by GET /sessions/:id/messages.
type MessagesResponse struct {
	SessionID string                     `json:"session_id"`
	Messages  []*store.MessageWithBlocks `json:"messages"`
	Count     int                        `json:"count"`
}

// ActivityResponse is returned by GET /workspaces/:id/activity.
type ActivityResponse struct {
	WorkspaceID string                `json:"workspace_id"`
	Activity    []*models.GitActivity `json:"activity"`
	Count       int                   `json:"count"`
}

// EventsResponse is returned by GET /workspaces/:id/events.
type EventsResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	Events      []*models.Event `json:"events"`
	Count       int             `json:"count"`
}
