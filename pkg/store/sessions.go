package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fuel-code/fuel-code/pkg/models"
)

const sessionColumns = `id, workspace_id, device_id, cc_session_id, lifecycle, parse_status,
	parse_error, started_at, ended_at, duration_ms, end_reason, cwd, git_branch,
	git_remote, model, cc_version, transcript_path, transcript_s3_key,
	initial_prompt, summary, tags, tokens_in, tokens_out, cache_read_tokens,
	cache_write_tokens, cost_usd, message_count, user_message_count,
	assistant_message_count, tool_use_count, commit_count, last_activity_at,
	created_at, updated_at`

// SessionStartParams carries the fields a session.start event contributes
// to a session row.
type SessionStartParams struct {
	WorkspaceID    string
	DeviceID       string
	CCSessionID    string
	StartedAt      time.Time
	Cwd            string
	GitBranch      string
	GitRemote      string
	Model          string
	CCVersion      string
	TranscriptPath string
	InitialPrompt  string
}

// UpsertSessionStart creates or fills a session row keyed on the
// correlation key (device_id, cc_session_id). On conflict the lifecycle
// is left alone and event-provided values win over stored ones, but an
// empty value never clears a stored one. started_at is first-write-wins
// so a redelivered start cannot shift it.
func (s *Store) UpsertSessionStart(ctx context.Context, q Querier, p SessionStartParams) (string, models.Lifecycle, error) {
	var (
		id        string
		lifecycle models.Lifecycle
	)
	err := q.QueryRowContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, device_id, cc_session_id, lifecycle, lifecycle_ordinal,
			started_at, cwd, git_branch, git_remote, model, cc_version,
			transcript_path, initial_prompt
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (device_id, cc_session_id) DO UPDATE SET
			started_at      = COALESCE(sessions.started_at, EXCLUDED.started_at),
			cwd             = CASE WHEN EXCLUDED.cwd <> '' THEN EXCLUDED.cwd ELSE sessions.cwd END,
			git_branch      = CASE WHEN EXCLUDED.git_branch <> '' THEN EXCLUDED.git_branch ELSE sessions.git_branch END,
			git_remote      = CASE WHEN EXCLUDED.git_remote <> '' THEN EXCLUDED.git_remote ELSE sessions.git_remote END,
			model           = CASE WHEN EXCLUDED.model <> '' THEN EXCLUDED.model ELSE sessions.model END,
			cc_version      = CASE WHEN EXCLUDED.cc_version <> '' THEN EXCLUDED.cc_version ELSE sessions.cc_version END,
			transcript_path = CASE WHEN EXCLUDED.transcript_path <> '' THEN EXCLUDED.transcript_path ELSE sessions.transcript_path END,
			initial_prompt  = CASE WHEN EXCLUDED.initial_prompt <> '' THEN EXCLUDED.initial_prompt ELSE sessions.initial_prompt END,
			updated_at      = now()
		RETURNING id, lifecycle`,
		uuid.New().String(), p.WorkspaceID, p.DeviceID, p.CCSessionID,
		models.LifecycleDetected, models.LifecycleDetected.Ordinal(),
		p.StartedAt, p.Cwd, p.GitBranch, p.GitRemote, p.Model, p.CCVersion,
		p.TranscriptPath, p.InitialPrompt).Scan(&id, &lifecycle)
	if err != nil {
		return "", "", fmt.Errorf("failed to upsert session start: %w", err)
	}
	return id, lifecycle, nil
}

// SessionEndParams carries the fields a session.end event contributes to
// a session row.
type SessionEndParams struct {
	WorkspaceID    string
	DeviceID       string
	CCSessionID    string
	EndedAt        time.Time
	DurationMs     int64
	EndReason      string
	TranscriptPath string
}

// EndedSession is what the session.end handler needs to decide
// post-commit work: the resolved row id, the lifecycle after the
// monotone-guarded transition, and whether a transcript blob is already
// present for pipeline enqueueing. StartedAt bounds orphan git-activity
// adoption.
type EndedSession struct {
	ID              string
	Lifecycle       models.Lifecycle
	TranscriptS3Key string
	StartedAt       *time.Time
}

// EnsureSessionForEnd upserts the session row for a session.end event.
// When the end arrives before its start the row is created directly in
// the ended state; otherwise the lifecycle moves forward only if the
// stored ordinal is lower. duration_ms prefers the event-provided value,
// then ended_at minus started_at, then whatever is stored.
func (s *Store) EnsureSessionForEnd(ctx context.Context, q Querier, p SessionEndParams) (*EndedSession, error) {
	var (
		out       EndedSession
		startedAt sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		INSERT INTO sessions (
			id, workspace_id, device_id, cc_session_id, lifecycle, lifecycle_ordinal,
			ended_at, duration_ms, end_reason, transcript_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_id, cc_session_id) DO UPDATE SET
			ended_at        = EXCLUDED.ended_at,
			duration_ms     = CASE
				WHEN EXCLUDED.duration_ms > 0 THEN EXCLUDED.duration_ms
				WHEN sessions.started_at IS NOT NULL THEN CAST(EXTRACT(EPOCH FROM (EXCLUDED.ended_at - sessions.started_at)) * 1000 AS BIGINT)
				ELSE sessions.duration_ms
			END,
			end_reason      = CASE WHEN EXCLUDED.end_reason <> '' THEN EXCLUDED.end_reason ELSE sessions.end_reason END,
			transcript_path = CASE WHEN EXCLUDED.transcript_path <> '' THEN EXCLUDED.transcript_path ELSE sessions.transcript_path END,
			lifecycle         = CASE WHEN sessions.lifecycle_ordinal < EXCLUDED.lifecycle_ordinal THEN EXCLUDED.lifecycle ELSE sessions.lifecycle END,
			lifecycle_ordinal = GREATEST(sessions.lifecycle_ordinal, EXCLUDED.lifecycle_ordinal),
			updated_at        = now()
		RETURNING id, lifecycle, transcript_s3_key, started_at`,
		uuid.New().String(), p.WorkspaceID, p.DeviceID, p.CCSessionID,
		models.LifecycleEnded, models.LifecycleEnded.Ordinal(),
		p.EndedAt, p.DurationMs, p.EndReason, p.TranscriptPath).
		Scan(&out.ID, &out.Lifecycle, &out.TranscriptS3Key, &startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session end: %w", err)
	}
	if startedAt.Valid {
		out.StartedAt = &startedAt.Time
	}
	return &out, nil
}

// TransitionLifecycle moves a session forward to the given state under
// the monotone rule. Moving to failed is allowed from any state below
// summarized; every other target requires a strictly lower stored
// ordinal. Returns whether the transition applied.
func (s *Store) TransitionLifecycle(ctx context.Context, q Querier, sessionID string, to models.Lifecycle) (bool, error) {
	ord := to.Ordinal()
	if ord < 0 {
		return false, fmt.Errorf("invalid lifecycle state %q", to)
	}
	guard := ord
	if to == models.LifecycleFailed {
		guard = models.SummarizedOrdinal
	}
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET lifecycle = $2, lifecycle_ordinal = $3, updated_at = now()
		WHERE id = $1 AND lifecycle_ordinal < $4`,
		sessionID, to, ord, guard)
	if err != nil {
		return false, fmt.Errorf("failed to transition session lifecycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// MarkSessionFailed moves a session to the failed state and records the
// failure reason. Sessions already summarized or archived are left
// untouched.
func (s *Store) MarkSessionFailed(ctx context.Context, q Querier, sessionID, reason string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions
		SET lifecycle = $2, lifecycle_ordinal = $3, parse_status = $4, parse_error = $5, updated_at = now()
		WHERE id = $1 AND lifecycle_ordinal < $6`,
		sessionID, models.LifecycleFailed, models.FailedOrdinal,
		models.ParseFailed, reason, models.SummarizedOrdinal)
	if err != nil {
		return false, fmt.Errorf("failed to mark session failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// SetParseStatus updates the parse checkpoint without touching the
// lifecycle.
func (s *Store) SetParseStatus(ctx context.Context, q Querier, sessionID string, status models.ParseStatus) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sessions SET parse_status = $2, updated_at = now() WHERE id = $1`,
		sessionID, status)
	if err != nil {
		return fmt.Errorf("failed to set parse status: %w", err)
	}
	return nil
}

// SetTranscriptKey records the object-store key of an uploaded
// transcript blob.
func (s *Store) SetTranscriptKey(ctx context.Context, q Querier, sessionID, key string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE sessions SET transcript_s3_key = $2, updated_at = now() WHERE id = $1`,
		sessionID, key)
	if err != nil {
		return fmt.Errorf("failed to set transcript key: %w", err)
	}
	return nil
}

// TranscriptStatsParams carries the aggregates computed from a parsed
// transcript onto the session row.
type TranscriptStatsParams struct {
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	ToolUseCount          int
	TokensIn              int64
	TokensOut             int64
	CacheReadTokens       int64
	CacheWriteTokens      int64
	CostUSD               float64
	DurationMs            int64
	Model                 string
	InitialPrompt         string
}

// ApplyTranscriptStats writes parse results onto the session: counters
// are replaced wholesale (reparsing is idempotent), model prefers the
// transcript's value, initial_prompt and duration_ms fill in only when
// missing. The parse checkpoint completes and the lifecycle moves to
// parsed under the monotone rule.
func (s *Store) ApplyTranscriptStats(ctx context.Context, q Querier, sessionID string, p TranscriptStatsParams) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET
			message_count           = $2,
			user_message_count      = $3,
			assistant_message_count = $4,
			tool_use_count          = $5,
			tokens_in               = $6,
			tokens_out              = $7,
			cache_read_tokens       = $8,
			cache_write_tokens      = $9,
			cost_usd                = $10,
			model                   = CASE WHEN $11 <> '' THEN $11 ELSE sessions.model END,
			initial_prompt          = CASE WHEN sessions.initial_prompt = '' THEN $12 ELSE sessions.initial_prompt END,
			duration_ms             = CASE WHEN sessions.duration_ms = 0 THEN $13 ELSE sessions.duration_ms END,
			parse_status            = $14,
			parse_error             = '',
			lifecycle               = CASE WHEN sessions.lifecycle_ordinal < $15 THEN $16 ELSE sessions.lifecycle END,
			lifecycle_ordinal       = GREATEST(sessions.lifecycle_ordinal, $15),
			updated_at              = now()
		WHERE id = $1`,
		sessionID,
		p.MessageCount, p.UserMessageCount, p.AssistantMessageCount, p.ToolUseCount,
		p.TokensIn, p.TokensOut, p.CacheReadTokens, p.CacheWriteTokens, p.CostUSD,
		p.Model, p.InitialPrompt, p.DurationMs,
		models.ParseCompleted, models.LifecycleParsed.Ordinal(), models.LifecycleParsed)
	if err != nil {
		return fmt.Errorf("failed to apply transcript stats: %w", err)
	}
	return nil
}

// SetSummary stores the LLM summary and moves the session to
// summarized. A session already past parsed keeps its existing summary.
// Returns whether the update applied.
func (s *Store) SetSummary(ctx context.Context, q Querier, sessionID, summary string) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET summary = $2, lifecycle = $3, lifecycle_ordinal = $4, updated_at = now()
		WHERE id = $1 AND lifecycle_ordinal < $4`,
		sessionID, summary, models.LifecycleSummarized, models.LifecycleSummarized.Ordinal())
	if err != nil {
		return false, fmt.Errorf("failed to set session summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// ApplyGitActivity bumps the session's git counters. commits is 1 for a
// git.commit event and 0 for the other git types, which still advance
// last_activity_at.
func (s *Store) ApplyGitActivity(ctx context.Context, q Querier, sessionID string, commits int, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE sessions SET
			commit_count     = commit_count + $2,
			last_activity_at = GREATEST(COALESCE(last_activity_at, $3), $3),
			updated_at       = now()
		WHERE id = $1`,
		sessionID, commits, at)
	if err != nil {
		return fmt.Errorf("failed to apply git activity: %w", err)
	}
	return nil
}

// GetSession fetches one session by row id. Returns ErrSessionNotFound
// when no such row exists.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// GetSessionByCorrelation fetches one session by the client-side
// correlation key. Returns ErrSessionNotFound when no such row exists.
func (s *Store) GetSessionByCorrelation(ctx context.Context, deviceID, ccSessionID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1 AND cc_session_id = $2`,
		deviceID, ccSessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// ListSessions returns sessions matching the filters, most recent
// first. Limit defaults to 50 and is capped at 200.
func (s *Store) ListSessions(ctx context.Context, f models.SessionFilters) ([]*models.Session, error) {
	conds := []string{"true"}
	args := []any{}
	if f.WorkspaceID != "" {
		args = append(args, f.WorkspaceID)
		conds = append(conds, fmt.Sprintf("workspace_id = $%d", len(args)))
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		conds = append(conds, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if f.Lifecycle != "" {
		args = append(args, f.Lifecycle)
		conds = append(conds, fmt.Sprintf("lifecycle = $%d", len(args)))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE %s
		ORDER BY COALESCE(started_at, created_at) DESC
		LIMIT $%d OFFSET $%d`,
		sessionColumns, strings.Join(conds, " AND "), len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FindStuckSessions returns ids of sessions that ended but whose parse
// never completed and which have not been touched since the cutoff.
// These are recovery candidates after a crash or deploy.
func (s *Store) FindStuckSessions(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE lifecycle IN ($1, $2)
		  AND parse_status IN ($3, $4)
		  AND updated_at < $5
		ORDER BY updated_at ASC
		LIMIT $6`,
		models.LifecycleEnded, models.LifecycleParsed,
		models.ParsePending, models.ParseInProgress,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck sessions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// FindUnsummarizedSessions returns ids of fully parsed sessions that
// have no summary yet.
func (s *Store) FindUnsummarizedSessions(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE lifecycle = $1 AND parse_status = $2 AND summary = ''
		ORDER BY updated_at ASC
		LIMIT $3`,
		models.LifecycleParsed, models.ParseCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find unsummarized sessions: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess           models.Session
		startedAt      sql.NullTime
		endedAt        sql.NullTime
		lastActivityAt sql.NullTime
		tags           []byte
	)
	err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.DeviceID, &sess.CCSessionID,
		&sess.Lifecycle, &sess.ParseStatus, &sess.ParseError,
		&startedAt, &endedAt, &sess.DurationMs, &sess.EndReason,
		&sess.Cwd, &sess.GitBranch, &sess.GitRemote, &sess.Model, &sess.CCVersion,
		&sess.TranscriptPath, &sess.TranscriptS3Key, &sess.InitialPrompt, &sess.Summary,
		&tags, &sess.TokensIn, &sess.TokensOut, &sess.CacheReadTokens, &sess.CacheWriteTokens,
		&sess.CostUSD, &sess.MessageCount, &sess.UserMessageCount, &sess.AssistantMessageCount,
		&sess.ToolUseCount, &sess.CommitCount, &lastActivityAt,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if lastActivityAt.Valid {
		sess.LastActivityAt = &lastActivityAt.Time
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &sess.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session tags: %w", err)
		}
	}
	return &sess, nil
}
