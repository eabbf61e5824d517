package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuel-code/fuel-code/pkg/models"
	"github.com/fuel-code/fuel-code/pkg/store"
	testdb "github.com/fuel-code/fuel-code/test/database"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store) {
	t.Helper()
	st := store.New(testdb.NewTestClient(t))
	return New(st), st
}

func makeEvent(t *testing.T, eventType, deviceID, workspaceID string, data any) *models.Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return &models.Event{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().Truncate(time.Millisecond),
		DeviceID:    deviceID,
		WorkspaceID: workspaceID,
		Data:        raw,
	}
}

func TestProcessor_SessionStartCreatesGraph(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	event := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC1",
		Cwd:         "/w",
		GitBranch:   "main",
	})

	res, err := p.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.True(t, res.DeviceCameOnline)
	assert.Equal(t, models.DeviceTypeLocal, res.DeviceType)

	ws, err := st.GetWorkspaceByCanonicalID(ctx, "github.com/u/r")
	require.NoError(t, err)
	assert.Equal(t, "r", ws.DisplayName)

	dev, err := st.GetDevice(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusOnline, dev.Status)

	sess, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleDetected, sess.Lifecycle)
	assert.NotEqual(t, "CC1", sess.ID)
	assert.Equal(t, ws.ID, sess.WorkspaceID)

	t.Run("stored event is rewritten to system ids", func(t *testing.T) {
		stored, err := st.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, ws.ID, stored.WorkspaceID)
		assert.Equal(t, sess.ID, stored.SessionID)
		assert.Equal(t, ws.ID, event.WorkspaceID, "in-memory event mirrors the row")
	})

	t.Run("requests a lifecycle broadcast", func(t *testing.T) {
		require.Len(t, res.SessionUpdates, 1)
		assert.Equal(t, sess.ID, res.SessionUpdates[0].SessionID)
		assert.Equal(t, models.LifecycleDetected, res.SessionUpdates[0].Lifecycle)
	})
}

func TestProcessor_DuplicateEventIsIgnored(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	event := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC1", Cwd: "/w",
	})

	res, err := p.Process(ctx, event)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	// Same id redelivered, payload mutated to prove nothing reprocesses.
	redelivered := *event
	redelivered.WorkspaceID = "github.com/u/other"
	res, err = p.Process(ctx, &redelivered)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Empty(t, res.SessionUpdates)

	sessions, err := st.ListSessions(ctx, models.SessionFilters{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	_, err = st.GetWorkspaceByCanonicalID(ctx, "github.com/u/other")
	assert.Error(t, err, "duplicate must not create new workspaces")
}

func TestProcessor_EndBeforeStart(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	end := makeEvent(t, models.EventSessionEnd, "D1", "github.com/u/r", models.SessionEndData{
		CCSessionID: "CC1", DurationMs: 60000, EndReason: models.EndReasonExit,
	})
	res, err := p.Process(ctx, end)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	sess, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
	assert.Equal(t, int64(60000), sess.DurationMs)

	t.Run("late start fills fields without regressing", func(t *testing.T) {
		start := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
			CCSessionID: "CC1", Cwd: "/w", GitBranch: "main",
		})
		res, err := p.Process(ctx, start)
		require.NoError(t, err)
		require.Equal(t, OutcomeProcessed, res.Outcome)

		after, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleEnded, after.Lifecycle)
		assert.Equal(t, "/w", after.Cwd)
		assert.Equal(t, sess.ID, after.ID)
		require.NotNil(t, after.EndedAt)
	})
}

func TestProcessor_EndEnqueuesWhenTranscriptPresent(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	start := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC1", Cwd: "/w",
	})
	_, err := p.Process(ctx, start)
	require.NoError(t, err)

	sess, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
	require.NoError(t, err)
	require.NoError(t, st.SetTranscriptKey(ctx, st.DB(), sess.ID, "transcripts/github.com/u/r/"+sess.ID+"/raw.jsonl"))

	end := makeEvent(t, models.EventSessionEnd, "D1", "github.com/u/r", models.SessionEndData{
		CCSessionID: "CC1", EndReason: models.EndReasonExit,
	})
	res, err := p.Process(ctx, end)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, res.EnqueueSessions)

	t.Run("no transcript means no enqueue", func(t *testing.T) {
		start := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
			CCSessionID: "CC2", Cwd: "/w",
		})
		_, err := p.Process(ctx, start)
		require.NoError(t, err)
		end := makeEvent(t, models.EventSessionEnd, "D1", "github.com/u/r", models.SessionEndData{
			CCSessionID: "CC2", EndReason: models.EndReasonExit,
		})
		res, err := p.Process(ctx, end)
		require.NoError(t, err)
		assert.Empty(t, res.EnqueueSessions)
	})
}

func TestProcessor_GitActivity(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	start := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC1", Cwd: "/w",
	})
	_, err := p.Process(ctx, start)
	require.NoError(t, err)
	sess, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
	require.NoError(t, err)

	t.Run("commit with session reference attributes and counts", func(t *testing.T) {
		commit := makeEvent(t, models.EventGitCommit, "D1", "github.com/u/r", models.GitCommitData{
			CommitSHA: "abc1234", Message: "fix parser", Branch: "main", FilesChanged: 2, Additions: 10,
		})
		commit.SessionID = "CC1" // client-side id resolves via correlation
		res, err := p.Process(ctx, commit)
		require.NoError(t, err)
		require.Equal(t, OutcomeProcessed, res.Outcome)

		after, err := st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, after.CommitCount)
		require.NotNil(t, after.LastActivityAt)

		stored, err := st.GetEvent(ctx, commit.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, stored.SessionID)
	})

	t.Run("commit without reference is an orphan", func(t *testing.T) {
		commit := makeEvent(t, models.EventGitCommit, "D1", "github.com/u/r", models.GitCommitData{
			CommitSHA: "def5678", Branch: "main",
		})
		res, err := p.Process(ctx, commit)
		require.NoError(t, err)
		require.Equal(t, OutcomeProcessed, res.Outcome)

		acts, err := st.ListWorkspaceGitActivity(ctx, sess.WorkspaceID, time.Now().Add(-time.Hour), 0)
		require.NoError(t, err)
		var orphan *models.GitActivity
		for _, a := range acts {
			if a.CommitSHA == "def5678" {
				orphan = a
			}
		}
		require.NotNil(t, orphan)
		assert.Empty(t, orphan.SessionID)
	})

	t.Run("session end adopts window orphans", func(t *testing.T) {
		end := makeEvent(t, models.EventSessionEnd, "D1", "github.com/u/r", models.SessionEndData{
			CCSessionID: "CC1", EndReason: models.EndReasonExit,
		})
		_, err := p.Process(ctx, end)
		require.NoError(t, err)

		after, err := st.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, after.CommitCount, "orphan adopted and counters recomputed")
	})
}

func TestProcessor_InformationalTypesHaveNoHandler(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	event := makeEvent(t, models.EventCCSessionStart, "D1", "github.com/u/r",
		map[string]any{"source": "startup"})
	res, err := p.Process(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoHandler, res.Outcome)

	// Recorded, just not projected.
	stored, err := st.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventCCSessionStart, stored.Type)
	sessions, err := st.ListSessions(ctx, models.SessionFilters{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestProcessor_UnassociatedWorkspace(t *testing.T) {
	p, st := newTestProcessor(t)
	ctx := context.Background()

	event := makeEvent(t, models.EventSessionStart, "D1", "", models.SessionStartData{
		CCSessionID: "CC1", Cwd: "/scratch",
	})
	res, err := p.Process(ctx, event)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, res.Outcome)

	ws, err := st.GetWorkspaceByCanonicalID(ctx, models.WorkspaceUnassociated)
	require.NoError(t, err)
	assert.Equal(t, "unassociated", ws.DisplayName)

	sess, err := st.GetSessionByCorrelation(ctx, "D1", "CC1")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, sess.WorkspaceID)
}

func TestProcessor_DeviceOnlineOnlyOnFirstSight(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	first := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC1", Cwd: "/w",
	})
	res, err := p.Process(ctx, first)
	require.NoError(t, err)
	assert.True(t, res.DeviceCameOnline)

	second := makeEvent(t, models.EventSessionStart, "D1", "github.com/u/r", models.SessionStartData{
		CCSessionID: "CC2", Cwd: "/w",
	})
	res, err = p.Process(ctx, second)
	require.NoError(t, err)
	assert.False(t, res.DeviceCameOnline)
}
