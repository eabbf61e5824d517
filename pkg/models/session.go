package models

import "time"

// Session represents one Claude Code interaction on one device in one
// workspace. Rows are located by the correlation key (device_id,
// cc_session_id) and referenced internally by the system-assigned ID.
type Session struct {
	ID              string      `json:"id"`
	WorkspaceID     string      `json:"workspace_id"`
	DeviceID        string      `json:"device_id"`
	CCSessionID     string      `json:"cc_session_id"`
	Lifecycle       Lifecycle   `json:"lifecycle"`
	ParseStatus     ParseStatus `json:"parse_status"`
	ParseError      string      `json:"parse_error,omitempty"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	DurationMs      int64       `json:"duration_ms,omitempty"`
	EndReason       string      `json:"end_reason,omitempty"`
	Cwd             string      `json:"cwd,omitempty"`
	GitBranch       string      `json:"git_branch,omitempty"`
	GitRemote       string      `json:"git_remote,omitempty"`
	Model           string      `json:"model,omitempty"`
	CCVersion       string      `json:"cc_version,omitempty"`
	TranscriptPath  string      `json:"transcript_path,omitempty"`
	TranscriptS3Key string      `json:"transcript_s3_key,omitempty"`
	InitialPrompt   string      `json:"initial_prompt,omitempty"`
	Summary         string      `json:"summary,omitempty"`
	Tags            []string    `json:"tags,omitempty"`

	// Aggregate counters written by the transcript pipeline and the git
	// handlers.
	TokensIn              int64      `json:"tokens_in"`
	TokensOut             int64      `json:"tokens_out"`
	CacheReadTokens       int64      `json:"cache_read_tokens"`
	CacheWriteTokens      int64      `json:"cache_write_tokens"`
	CostUSD               float64    `json:"cost_usd"`
	MessageCount          int        `json:"message_count"`
	UserMessageCount      int        `json:"user_message_count"`
	AssistantMessageCount int        `json:"assistant_message_count"`
	ToolUseCount          int        `json:"tool_use_count"`
	CommitCount           int        `json:"commit_count"`
	LastActivityAt        *time.Time `json:"last_activity_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionFilters contains filtering options for listing sessions.
type SessionFilters struct {
	WorkspaceID string    `json:"workspace_id,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	Lifecycle   Lifecycle `json:"lifecycle,omitempty"`
	Limit       int       `json:"limit,omitempty"`
	Offset      int       `json:"offset,omitempty"`
}

// SessionStats is the compact per-session statistics block carried on
// session.update broadcasts and detail responses.
type SessionStats struct {
	MessageCount     int     `json:"message_count"`
	ToolUseCount     int     `json:"tool_use_count"`
	TokensIn         int64   `json:"tokens_in"`
	TokensOut        int64   `json:"tokens_out"`
	CacheReadTokens  int64   `json:"cache_read_tokens"`
	CacheWriteTokens int64   `json:"cache_write_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	DurationMs       int64   `json:"duration_ms"`
}

// Stats assembles the compact statistics block from the session counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		MessageCount:     s.MessageCount,
		ToolUseCount:     s.ToolUseCount,
		TokensIn:         s.TokensIn,
		TokensOut:        s.TokensOut,
		CacheReadTokens:  s.CacheReadTokens,
		CacheWriteTokens: s.CacheWriteTokens,
		CostUSD:          s.CostUSD,
		DurationMs:       s.DurationMs,
	}
}
