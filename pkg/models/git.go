package models

import (
	"encoding/json"
	"time"
)

// Git activity kinds, the event type with the "git." prefix stripped.
const (
	GitActivityCommit   = "commit"
	GitActivityPush     = "push"
	GitActivityCheckout = "checkout"
	GitActivityMerge    = "merge"
)

// GitActivity is the projection of a processed git.* event. The id equals
// the source event id; dedup rides on the event insert. SessionID is empty
// for orphan activity recorded outside a session.
type GitActivity struct {
	ID           string          `json:"id"`
	WorkspaceID  string          `json:"workspace_id"`
	DeviceID     string          `json:"device_id"`
	SessionID    string          `json:"session_id,omitempty"`
	Type         string          `json:"type"`
	Branch       string          `json:"branch,omitempty"`
	CommitSHA    string          `json:"commit_sha,omitempty"`
	Message      string          `json:"message,omitempty"`
	FilesChanged int             `json:"files_changed,omitempty"`
	Insertions   int             `json:"insertions,omitempty"`
	Deletions    int             `json:"deletions,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}
