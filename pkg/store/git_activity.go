package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// InsertGitActivity records a processed git event. The id equals the
// source event id, so the event-level dedup gate already guarantees
// uniqueness and a conflict here means the processor re-ran inside a
// retried transaction.
func (s *Store) InsertGitActivity(ctx context.Context, q Querier, a *models.GitActivity) error {
	data := a.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO git_activity (
			id, workspace_id, device_id, session_id, type, branch,
			commit_sha, message, files_changed, insertions, deletions,
			"timestamp", data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING`,
		a.ID, a.WorkspaceID, a.DeviceID, a.SessionID, a.Type, a.Branch,
		a.CommitSHA, a.Message, a.FilesChanged, a.Insertions, a.Deletions,
		a.Timestamp, []byte(data))
	if err != nil {
		return fmt.Errorf("failed to insert git activity: %w", err)
	}
	return nil
}

// ListWorkspaceGitActivity returns recent git activity for a workspace,
// newest first. Limit defaults to 50 and is capped at 200.
func (s *Store) ListWorkspaceGitActivity(ctx context.Context, workspaceID string, since time.Time, limit int) ([]*models.GitActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, device_id, session_id, type, branch,
		       commit_sha, message, files_changed, insertions, deletions,
		       "timestamp", data
		FROM git_activity
		WHERE workspace_id = $1 AND "timestamp" >= $2
		ORDER BY "timestamp" DESC
		LIMIT $3`,
		workspaceID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list git activity: %w", err)
	}
	defer rows.Close()

	var out []*models.GitActivity
	for rows.Next() {
		var (
			a    models.GitActivity
			data []byte
		)
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.DeviceID, &a.SessionID,
			&a.Type, &a.Branch, &a.CommitSHA, &a.Message,
			&a.FilesChanged, &a.Insertions, &a.Deletions,
			&a.Timestamp, &data); err != nil {
			return nil, fmt.Errorf("failed to scan git activity: %w", err)
		}
		a.Data = json.RawMessage(data)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AttachGitActivityToSession backfills the session id on orphan activity
// that fell inside the session's time window, then recomputes the
// session's git counters from the attached rows.
func (s *Store) AttachGitActivityToSession(ctx context.Context, q Querier, workspaceID, deviceID, sessionID string, from, to time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE git_activity SET session_id = $3
		WHERE workspace_id = $1 AND device_id = $2 AND session_id = ''
		  AND "timestamp" BETWEEN $4 AND $5`,
		workspaceID, deviceID, sessionID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to attach git activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE sessions SET
			commit_count     = (SELECT count(*) FROM git_activity WHERE session_id = $1 AND type = $2),
			last_activity_at = (SELECT max("timestamp") FROM git_activity WHERE session_id = $1),
			updated_at       = now()
		WHERE id = $1`,
		sessionID, models.GitActivityCommit)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute git counters: %w", err)
	}
	return n, nil
}
