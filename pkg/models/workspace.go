package models

import "time"

// WorkspaceUnassociated is the sentinel canonical id for events that carry
// no usable workspace identifier.
const WorkspaceUnassociated = "_unassociated"

// Workspace represents a code repository. CanonicalID is the sole
// cross-device key: host/owner/repo derived from a git remote, or
// local:<hash> for repositories without one.
type Workspace struct {
	ID            string         `json:"id"`
	CanonicalID   string         `json:"canonical_id"`
	DisplayName   string         `json:"display_name"`
	DefaultBranch string         `json:"default_branch,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FirstSeenAt   time.Time      `json:"first_seen_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Device types and statuses.
const (
	DeviceTypeLocal  = "local"
	DeviceTypeRemote = "remote"

	DeviceStatusOnline       = "online"
	DeviceStatusOffline      = "offline"
	DeviceStatusProvisioning = "provisioning"
	DeviceStatusTerminated   = "terminated"
)

// Device is a client machine emitting events. The id is chosen by the
// client and stable across restarts.
type Device struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Status      string         `json:"status"`
	Platform    string         `json:"platform,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	FirstSeenAt time.Time      `json:"first_seen_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
}

// WorkspaceDevice is the many-to-many junction between workspaces and the
// devices that have reported activity in them.
type WorkspaceDevice struct {
	WorkspaceID       string    `json:"workspace_id"`
	DeviceID          string    `json:"device_id"`
	LocalPath         string    `json:"local_path,omitempty"`
	HooksInstalled    bool      `json:"hooks_installed"`
	GitHooksInstalled bool      `json:"git_hooks_installed"`
	LastActiveAt      time.Time `json:"last_active_at"`
}
