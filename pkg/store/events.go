package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// InsertEvent appends an event row, ignoring duplicates. Returns false
// when the id already exists; this is the at-most-once gate of the
// processor.
func (s *Store) InsertEvent(ctx context.Context, q Querier, e *models.Event) (bool, error) {
	blobRefs, err := json.Marshal(e.BlobRefs)
	if err != nil {
		return false, fmt.Errorf("failed to marshal blob refs: %w", err)
	}
	data := e.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO events (id, type, "timestamp", device_id, workspace_id, session_id, data, blob_refs, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Type, e.Timestamp, e.DeviceID, e.WorkspaceID, e.SessionID, []byte(data), blobRefs)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

// RewriteEventWorkspace replaces the stored event's workspace_id with the
// system-assigned workspace row id. Runs in the same transaction as the
// insert, so committed events always carry resolved ids.
func (s *Store) RewriteEventWorkspace(ctx context.Context, q Querier, eventID, workspaceID string) error {
	_, err := q.ExecContext(ctx,
		"UPDATE events SET workspace_id = $2 WHERE id = $1", eventID, workspaceID)
	if err != nil {
		return fmt.Errorf("failed to rewrite event workspace: %w", err)
	}
	return nil
}

// RewriteEventSession attributes the stored event to a resolved session
// row id.
func (s *Store) RewriteEventSession(ctx context.Context, q Querier, eventID, sessionID string) error {
	_, err := q.ExecContext(ctx,
		"UPDATE events SET session_id = $2 WHERE id = $1", eventID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to rewrite event session: %w", err)
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var (
		e        models.Event
		data     []byte
		blobRefs []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, "timestamp", device_id, workspace_id, session_id, data, blob_refs, ingested_at
		FROM events WHERE id = $1`, id).Scan(
		&e.ID, &e.Type, &e.Timestamp, &e.DeviceID, &e.WorkspaceID, &e.SessionID,
		&data, &blobRefs, &e.IngestedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e.Data = json.RawMessage(data)
	if err := json.Unmarshal(blobRefs, &e.BlobRefs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blob refs: %w", err)
	}
	return &e, nil
}

// ListWorkspaceEvents returns recent events for a workspace, newest first.
func (s *Store) ListWorkspaceEvents(ctx context.Context, workspaceID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, "timestamp", device_id, workspace_id, session_id, data, blob_refs, ingested_at
		FROM events WHERE workspace_id = $1
		ORDER BY "timestamp" DESC LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			e        models.Event
			data     []byte
			blobRefs []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.DeviceID, &e.WorkspaceID,
			&e.SessionID, &data, &blobRefs, &e.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Data = json.RawMessage(data)
		if err := json.Unmarshal(blobRefs, &e.BlobRefs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal blob refs: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Totals aggregates system-wide counters for the stats endpoint.
type Totals struct {
	Workspaces  int       `json:"workspaces"`
	Devices     int       `json:"devices"`
	Sessions    int       `json:"sessions"`
	Events      int       `json:"events"`
	GitActivity int       `json:"git_activity"`
	TokensIn    int64     `json:"tokens_in"`
	TokensOut   int64     `json:"tokens_out"`
	CostUSD     float64   `json:"cost_usd"`
	OldestEvent time.Time `json:"oldest_event,omitempty"`
	NewestEvent time.Time `json:"newest_event,omitempty"`
}

// GetTotals computes the system-wide aggregate counters.
func (s *Store) GetTotals(ctx context.Context) (*Totals, error) {
	var (
		t      Totals
		oldest sql.NullTime
		newest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM workspaces),
			(SELECT count(*) FROM devices),
			(SELECT count(*) FROM sessions),
			(SELECT count(*) FROM events),
			(SELECT count(*) FROM git_activity),
			(SELECT COALESCE(sum(tokens_in), 0) FROM sessions),
			(SELECT COALESCE(sum(tokens_out), 0) FROM sessions),
			(SELECT COALESCE(sum(cost_usd), 0) FROM sessions),
			(SELECT min(ingested_at) FROM events),
			(SELECT max(ingested_at) FROM events)`).Scan(
		&t.Workspaces, &t.Devices, &t.Sessions, &t.Events, &t.GitActivity,
		&t.TokensIn, &t.TokensOut, &t.CostUSD, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get totals: %w", err)
	}
	if oldest.Valid {
		t.OldestEvent = oldest.Time
	}
	if newest.Valid {
		t.NewestEvent = newest.Time
	}
	return &t, nil
}
