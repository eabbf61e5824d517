package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// UpsertWorkspace resolves a workspace by canonical id, creating it on
// first sight. display_name is written on insert only and never
// overwritten; the returned id is stable across events.
func (s *Store) UpsertWorkspace(ctx context.Context, q Querier, canonicalID, displayName string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, canonical_id, display_name, first_seen_at, updated_at)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (canonical_id) DO UPDATE SET updated_at = now()
		RETURNING id`,
		uuid.New().String(), canonicalID, displayName).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert workspace: %w", err)
	}
	return id, nil
}

// UpsertWorkspaceDevice maintains the workspace-device junction,
// advancing last_active_at monotonically. localPath is the checkout
// path on that device; a later non-empty value replaces an earlier one
// but an empty value never clears it.
func (s *Store) UpsertWorkspaceDevice(ctx context.Context, q Querier, workspaceID, deviceID, localPath string, activeAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO workspace_devices (workspace_id, device_id, local_path, last_active_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, device_id) DO UPDATE
		SET local_path     = CASE WHEN EXCLUDED.local_path <> '' THEN EXCLUDED.local_path ELSE workspace_devices.local_path END,
		    last_active_at = GREATEST(workspace_devices.last_active_at, EXCLUDED.last_active_at)`,
		workspaceID, deviceID, localPath, activeAt)
	if err != nil {
		return fmt.Errorf("failed to upsert workspace device: %w", err)
	}
	return nil
}

// GetWorkspace fetches one workspace by row id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*models.Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, canonical_id, display_name, default_branch, metadata, first_seen_at, updated_at
		FROM workspaces WHERE id = $1`, id))
}

// GetWorkspaceByCanonicalID fetches one workspace by canonical id.
func (s *Store) GetWorkspaceByCanonicalID(ctx context.Context, canonicalID string) (*models.Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx, `
		SELECT id, canonical_id, display_name, default_branch, metadata, first_seen_at, updated_at
		FROM workspaces WHERE canonical_id = $1`, canonicalID))
}

func (s *Store) scanWorkspace(row *sql.Row) (*models.Workspace, error) {
	var (
		w        models.Workspace
		metadata []byte
	)
	err := row.Scan(&w.ID, &w.CanonicalID, &w.DisplayName, &w.DefaultBranch,
		&metadata, &w.FirstSeenAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &w.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workspace metadata: %w", err)
		}
	}
	return &w, nil
}

// WorkspaceSummary is a workspace row with aggregate session counters for
// list responses.
type WorkspaceSummary struct {
	models.Workspace
	SessionCount  int        `json:"session_count"`
	LastSessionAt *time.Time `json:"last_session_at,omitempty"`
}

// ListWorkspaces returns all workspaces with session counts, most
// recently updated first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*WorkspaceSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT w.id, w.canonical_id, w.display_name, w.default_branch, w.metadata,
		       w.first_seen_at, w.updated_at,
		       count(s.id), max(s.started_at)
		FROM workspaces w
		LEFT JOIN sessions s ON s.workspace_id = w.id
		GROUP BY w.id
		ORDER BY w.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceSummary
	for rows.Next() {
		var (
			ws       WorkspaceSummary
			metadata []byte
			lastAt   sql.NullTime
		)
		if err := rows.Scan(&ws.ID, &ws.CanonicalID, &ws.DisplayName, &ws.DefaultBranch,
			&metadata, &ws.FirstSeenAt, &ws.UpdatedAt, &ws.SessionCount, &lastAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ws.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal workspace metadata: %w", err)
			}
		}
		if lastAt.Valid {
			ws.LastSessionAt = &lastAt.Time
		}
		out = append(out, &ws)
	}
	return out, rows.Err()
}
