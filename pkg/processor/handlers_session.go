package processor

import (
	"context"

	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
)

func sessionStartHandler(st *store.Store) HandlerFunc {
	return func(ctx context.Context, q store.Querier, event *models.Event) (*HandlerResult, error) {
		data, err := event.DecodeSessionStart()
		if err != nil {
			return nil, err
		}

		sessionID, lifecycle, err := st.UpsertSessionStart(ctx, q, store.SessionStartParams{
			WorkspaceID:    event.WorkspaceID,
			DeviceID:       event.DeviceID,
			CCSessionID:    data.CCSessionID,
			StartedAt:      event.Timestamp,
			Cwd:            data.Cwd,
			GitBranch:      data.GitBranch,
			GitRemote:      data.GitRemote,
			Model:          data.Model,
			CCVersion:      data.CCVersion,
			TranscriptPath: data.TranscriptPath,
			InitialPrompt:  data.InitialPrompt,
		})
		if err != nil {
			return nil, err
		}

		return &HandlerResult{
			SessionID: sessionID,
			SessionUpdates: []SessionUpdate{
				{SessionID: sessionID, WorkspaceID: event.WorkspaceID, Lifecycle: lifecycle},
			},
		}, nil
	}
}

func sessionEndHandler(st *store.Store) HandlerFunc {
	return func(ctx context.Context, q store.Querier, event *models.Event) (*HandlerResult, error) {
		data, err := event.DecodeSessionEnd()
		if err != nil {
			return nil, err
		}

		ended, err := st.EnsureSessionForEnd(ctx, q, store.SessionEndParams{
			WorkspaceID:    event.WorkspaceID,
			DeviceID:       event.DeviceID,
			CCSessionID:    data.CCSessionID,
			EndedAt:        event.Timestamp,
			DurationMs:     data.DurationMs,
			EndReason:      data.EndReason,
			TranscriptPath: data.TranscriptPath,
		})
		if err != nil {
			return nil, err
		}

		// Orphan git activity from the session's window belongs to it now
		// that the window is known.
		if ended.StartedAt != nil {
			if _, err := st.AttachGitActivityToSession(ctx, q,
				event.WorkspaceID, event.DeviceID, ended.ID,
				*ended.StartedAt, event.Timestamp); err != nil {
				return nil, err
			}
		}

		res := &HandlerResult{
			SessionID: ended.ID,
			SessionUpdates: []SessionUpdate{
				{SessionID: ended.ID, WorkspaceID: event.WorkspaceID, Lifecycle: ended.Lifecycle},
			},
		}
		// Parse now if the transcript beat the end event; otherwise the
		// upload handler triggers the pipeline when the blob arrives.
		if ended.Lifecycle == models.LifecycleEnded && ended.TranscriptS3Key != "" {
			res.EnqueueSessions = append(res.EnqueueSessions, ended.ID)
		}
		return res, nil
	}
}
