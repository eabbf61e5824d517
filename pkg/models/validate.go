package models

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent wraps every validation failure so callers can classify
// rejected events without matching message text.
var ErrInvalidEvent = errors.New("invalid event")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// ValidateEvent checks the envelope and the type-specific payload shape.
// Unknown event types pass with envelope checks only; they are recorded
// without deriving state. Used at the ingest boundary, so failures here
// mean the event is rejected, never enqueued.
func ValidateEvent(e *Event) error {
	if e.ID == "" {
		return invalidf("missing id")
	}
	if e.Type == "" {
		return invalidf("missing type")
	}
	if e.Timestamp.IsZero() {
		return invalidf("missing or unparseable timestamp")
	}
	if e.DeviceID == "" {
		return invalidf("missing device_id")
	}
	if e.WorkspaceID == "" {
		return invalidf("missing workspace_id")
	}

	switch e.Type {
	case EventSessionStart:
		d, err := e.DecodeSessionStart()
		if err != nil {
			return invalidf("malformed session.start data: %v", err)
		}
		if d.CCSessionID == "" {
			return invalidf("session.start missing cc_session_id")
		}
		if d.Cwd == "" {
			return invalidf("session.start missing cwd")
		}
	case EventSessionEnd:
		d, err := e.DecodeSessionEnd()
		if err != nil {
			return invalidf("malformed session.end data: %v", err)
		}
		if d.CCSessionID == "" {
			return invalidf("session.end missing cc_session_id")
		}
		if d.EndReason == "" {
			return invalidf("session.end missing end_reason")
		}
		if !ValidEndReason(d.EndReason) {
			return invalidf("session.end unknown end_reason %q", d.EndReason)
		}
		if d.DurationMs < 0 {
			return invalidf("session.end negative duration_ms")
		}
	case EventGitCommit:
		d, err := e.DecodeGitCommit()
		if err != nil {
			return invalidf("malformed git.commit data: %v", err)
		}
		if d.CommitSHA == "" {
			return invalidf("git.commit missing commit_sha")
		}
		if d.FilesChanged < 0 || d.Additions < 0 || d.Deletions < 0 {
			return invalidf("git.commit negative change counts")
		}
	case EventGitPush:
		d, err := e.DecodeGitPush()
		if err != nil {
			return invalidf("malformed git.push data: %v", err)
		}
		if d.Branch == "" {
			return invalidf("git.push missing branch")
		}
	case EventGitCheckout:
		d, err := e.DecodeGitCheckout()
		if err != nil {
			return invalidf("malformed git.checkout data: %v", err)
		}
		if d.To == "" {
			return invalidf("git.checkout missing to")
		}
	case EventGitMerge:
		d, err := e.DecodeGitMerge()
		if err != nil {
			return invalidf("malformed git.merge data: %v", err)
		}
		if d.Branch == "" {
			return invalidf("git.merge missing branch")
		}
	}

	return nil
}
