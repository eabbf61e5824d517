package processor

import (
	"context"
	"errors"

	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
)

// gitActivityHandler projects one git.* event into a git_activity row.
// Events carrying a session reference attribute to it; everything else
// is recorded as an orphan, adopted later by the session.end window.
func gitActivityHandler(st *store.Store, kind string) HandlerFunc {
	return func(ctx context.Context, q store.Querier, event *models.Event) (*HandlerResult, error) {
		activity := &models.GitActivity{
			ID:          event.ID,
			WorkspaceID: event.WorkspaceID,
			DeviceID:    event.DeviceID,
			Type:        kind,
			Timestamp:   event.Timestamp,
			Data:        event.Data,
		}
		if err := fillGitFields(activity, event, kind); err != nil {
			return nil, err
		}

		sessionID, err := resolveGitSession(ctx, st, event)
		if err != nil {
			return nil, err
		}
		activity.SessionID = sessionID

		if err := st.InsertGitActivity(ctx, q, activity); err != nil {
			return nil, err
		}

		if sessionID == "" {
			return &HandlerResult{}, nil
		}
		commits := 0
		if kind == models.GitActivityCommit {
			commits = 1
		}
		if err := st.ApplyGitActivity(ctx, q, sessionID, commits, event.Timestamp); err != nil {
			return nil, err
		}
		return &HandlerResult{SessionID: sessionID}, nil
	}
}

func fillGitFields(activity *models.GitActivity, event *models.Event, kind string) error {
	switch kind {
	case models.GitActivityCommit:
		data, err := event.DecodeGitCommit()
		if err != nil {
			return err
		}
		activity.CommitSHA = data.CommitSHA
		activity.Message = data.Message
		activity.Branch = data.Branch
		activity.FilesChanged = data.FilesChanged
		activity.Insertions = data.Additions
		activity.Deletions = data.Deletions
	case models.GitActivityPush:
		data, err := event.DecodeGitPush()
		if err != nil {
			return err
		}
		activity.Branch = data.Branch
	case models.GitActivityCheckout:
		data, err := event.DecodeGitCheckout()
		if err != nil {
			return err
		}
		activity.Branch = data.Branch
		if activity.Branch == "" {
			activity.Branch = data.To
		}
	case models.GitActivityMerge:
		data, err := event.DecodeGitMerge()
		if err != nil {
			return err
		}
		activity.Branch = data.Branch
	}
	return nil
}

// resolveGitSession maps the client-supplied session reference to a
// session row. Clients send either the row id they learned from a
// broadcast or the Claude Code session id; an unknown reference demotes
// the activity to an orphan rather than failing the event.
func resolveGitSession(ctx context.Context, st *store.Store, event *models.Event) (string, error) {
	if event.SessionID == "" {
		return "", nil
	}
	sess, err := st.GetSession(ctx, event.SessionID)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return "", err
	}
	sess, err = st.GetSessionByCorrelation(ctx, event.DeviceID, event.SessionID)
	if err == nil {
		return sess.ID, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return "", err
	}
	return "", nil
}
