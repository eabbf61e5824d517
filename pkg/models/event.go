// Package models contains the event envelope, typed event payloads, and
// business domain types shared by the ingest, processing, and query layers.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event type identifiers. The processor dispatches on these; types without
// a registered handler are persisted as events but derive no state.
const (
	EventSessionStart   = "session.start"
	EventSessionEnd     = "session.end"
	EventGitCommit      = "git.commit"
	EventGitPush        = "git.push"
	EventGitCheckout    = "git.checkout"
	EventGitMerge       = "git.merge"
	EventCCSessionStart = "cc.session_start"
)

// Event is the wire envelope shared by all event types. Data holds the
// type-specific payload, decoded on demand via the Decode* helpers.
// Events are immutable once persisted; ID is the global dedup key.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	DeviceID    string          `json:"device_id"`
	WorkspaceID string          `json:"workspace_id"`
	SessionID   string          `json:"session_id,omitempty"`
	Data        json.RawMessage `json:"data"`
	BlobRefs    []string        `json:"blob_refs,omitempty"`
	IngestedAt  time.Time       `json:"ingested_at,omitempty"`
}

// SessionStartData is the payload for session.start events.
type SessionStartData struct {
	CCSessionID    string `json:"cc_session_id"`
	Cwd            string `json:"cwd"`
	GitBranch      string `json:"git_branch,omitempty"`
	GitRemote      string `json:"git_remote,omitempty"`
	Model          string `json:"model,omitempty"`
	CCVersion      string `json:"cc_version,omitempty"`
	Source         string `json:"source,omitempty"`
	TranscriptPath string `json:"transcript_path,omitempty"`
	InitialPrompt  string `json:"initial_prompt,omitempty"`
}

// SessionEndData is the payload for session.end events.
type SessionEndData struct {
	CCSessionID    string `json:"cc_session_id"`
	DurationMs     int64  `json:"duration_ms,omitempty"`
	EndReason      string `json:"end_reason"`
	TranscriptPath string `json:"transcript_path,omitempty"`
}

// GitCommitData is the payload for git.commit events.
type GitCommitData struct {
	CommitSHA    string `json:"commit_sha"`
	Message      string `json:"message,omitempty"`
	Branch       string `json:"branch,omitempty"`
	FilesChanged int    `json:"files_changed,omitempty"`
	Additions    int    `json:"additions,omitempty"`
	Deletions    int    `json:"deletions,omitempty"`
}

// GitPushData is the payload for git.push events.
type GitPushData struct {
	Branch      string `json:"branch"`
	Remote      string `json:"remote,omitempty"`
	CommitCount int    `json:"commit_count,omitempty"`
}

// GitCheckoutData is the payload for git.checkout events.
type GitCheckoutData struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Branch string `json:"branch,omitempty"`
}

// GitMergeData is the payload for git.merge events.
type GitMergeData struct {
	Branch        string `json:"branch"`
	CommitsMerged int    `json:"commits_merged,omitempty"`
}

// DecodeSessionStart decodes the payload of a session.start event.
func (e *Event) DecodeSessionStart() (*SessionStartData, error) {
	var d SessionStartData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode session.start data: %w", err)
	}
	return &d, nil
}

// DecodeSessionEnd decodes the payload of a session.end event.
func (e *Event) DecodeSessionEnd() (*SessionEndData, error) {
	var d SessionEndData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode session.end data: %w", err)
	}
	return &d, nil
}

// DecodeGitCommit decodes the payload of a git.commit event.
func (e *Event) DecodeGitCommit() (*GitCommitData, error) {
	var d GitCommitData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode git.commit data: %w", err)
	}
	return &d, nil
}

// DecodeGitPush decodes the payload of a git.push event.
func (e *Event) DecodeGitPush() (*GitPushData, error) {
	var d GitPushData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode git.push data: %w", err)
	}
	return &d, nil
}

// DecodeGitCheckout decodes the payload of a git.checkout event.
func (e *Event) DecodeGitCheckout() (*GitCheckoutData, error) {
	var d GitCheckoutData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode git.checkout data: %w", err)
	}
	return &d, nil
}

// DecodeGitMerge decodes the payload of a git.merge event.
func (e *Event) DecodeGitMerge() (*GitMergeData, error) {
	var d GitMergeData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode git.merge data: %w", err)
	}
	return &d, nil
}
