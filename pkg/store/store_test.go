package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuel-code/fuel-code/pkg/models"
	testdb "github.com/fuel-code/fuel-code/test/database"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(testdb.NewTestClient(t))
}

// seedWorkspaceDevice creates the rows sessions depend on and returns
// their ids.
func seedWorkspaceDevice(t *testing.T, ctx context.Context, s *Store) (string, string) {
	t.Helper()
	wsID, err := s.UpsertWorkspace(ctx, s.DB(), "github.com/acme/rocket", "rocket")
	require.NoError(t, err)
	deviceID := "dev-" + uuid.New().String()[:8]
	_, _, err = s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
	require.NoError(t, err)
	return wsID, deviceID
}

func TestStore_InsertEventDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	event := &models.Event{
		ID:        uuid.New().String(),
		Type:      models.EventSessionStart,
		Timestamp: time.Now(),
		DeviceID:  "dev-1",
		Data:      json.RawMessage(`{"cc_session_id":"cc-1","cwd":"/tmp/p"}`),
	}

	t.Run("first insert stores the event", func(t *testing.T) {
		inserted, err := s.InsertEvent(ctx, s.DB(), event)
		require.NoError(t, err)
		assert.True(t, inserted)

		stored, err := s.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		assert.Equal(t, models.EventSessionStart, stored.Type)
		assert.Equal(t, "dev-1", stored.DeviceID)
	})

	t.Run("same id is a no-op", func(t *testing.T) {
		dup := *event
		dup.Data = json.RawMessage(`{"cc_session_id":"changed"}`)
		inserted, err := s.InsertEvent(ctx, s.DB(), &dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		// Original payload survives.
		stored, err := s.GetEvent(ctx, event.ID)
		require.NoError(t, err)
		var data map[string]any
		require.NoError(t, json.Unmarshal(stored.Data, &data))
		assert.Equal(t, "cc-1", data["cc_session_id"])
	})
}

func TestStore_UpsertSessionStart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	started := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	id1, lifecycle, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID,
		DeviceID:    deviceID,
		CCSessionID: "cc-start",
		StartedAt:   started,
		Cwd:         "/home/u/rocket",
		GitBranch:   "main",
		Model:       "claude-opus-4-1",
	})
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleDetected, lifecycle)

	t.Run("same correlation key resolves the same row", func(t *testing.T) {
		id2, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID,
			DeviceID:    deviceID,
			CCSessionID: "cc-start",
			StartedAt:   time.Now(),
			GitBranch:   "feature/x",
		})
		require.NoError(t, err)
		assert.Equal(t, id1, id2)
	})

	t.Run("started_at is first-write-wins, values fill without clearing", func(t *testing.T) {
		sess, err := s.GetSession(ctx, id1)
		require.NoError(t, err)
		require.NotNil(t, sess.StartedAt)
		assert.WithinDuration(t, started, *sess.StartedAt, time.Second)
		// Second upsert provided a branch and no cwd.
		assert.Equal(t, "feature/x", sess.GitBranch)
		assert.Equal(t, "/home/u/rocket", sess.Cwd)
		assert.Equal(t, "claude-opus-4-1", sess.Model)
	})
}

func TestStore_EnsureSessionForEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	t.Run("end after start computes duration from started_at", func(t *testing.T) {
		started := time.Now().Add(-90 * time.Second)
		id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-e1",
			StartedAt: started, Cwd: "/w",
		})
		require.NoError(t, err)

		ended, err := s.EnsureSessionForEnd(ctx, s.DB(), SessionEndParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-e1",
			EndedAt: time.Now(), EndReason: models.EndReasonExit,
		})
		require.NoError(t, err)
		assert.Equal(t, id, ended.ID)
		assert.Equal(t, models.LifecycleEnded, ended.Lifecycle)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess.EndedAt)
		assert.InDelta(t, 90_000, sess.DurationMs, 5_000)
		assert.Equal(t, models.EndReasonExit, sess.EndReason)
	})

	t.Run("event-provided duration wins", func(t *testing.T) {
		_, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-e2",
			StartedAt: time.Now().Add(-time.Hour), Cwd: "/w",
		})
		require.NoError(t, err)

		ended, err := s.EnsureSessionForEnd(ctx, s.DB(), SessionEndParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-e2",
			EndedAt: time.Now(), DurationMs: 1234, EndReason: models.EndReasonClear,
		})
		require.NoError(t, err)

		sess, err := s.GetSession(ctx, ended.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1234), sess.DurationMs)
	})

	t.Run("end before start creates the row ended", func(t *testing.T) {
		ended, err := s.EnsureSessionForEnd(ctx, s.DB(), SessionEndParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-orphan-end",
			EndedAt: time.Now(), DurationMs: 500, EndReason: models.EndReasonError,
		})
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleEnded, ended.Lifecycle)

		// The late start fills fields but cannot regress the lifecycle.
		id, lifecycle, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-orphan-end",
			StartedAt: time.Now().Add(-time.Minute), Cwd: "/late",
		})
		require.NoError(t, err)
		assert.Equal(t, ended.ID, id)
		assert.Equal(t, models.LifecycleEnded, lifecycle)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleEnded, sess.Lifecycle)
		assert.Equal(t, "/late", sess.Cwd)
		require.NotNil(t, sess.StartedAt)
	})
}

func TestStore_TransitionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	newSession := func(t *testing.T, cc string) string {
		id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: cc,
			StartedAt: time.Now(), Cwd: "/w",
		})
		require.NoError(t, err)
		return id
	}

	t.Run("forward transitions apply", func(t *testing.T) {
		id := newSession(t, "cc-t1")
		for _, to := range []models.Lifecycle{
			models.LifecycleCapturing, models.LifecycleEnded,
			models.LifecycleParsed, models.LifecycleSummarized,
		} {
			applied, err := s.TransitionLifecycle(ctx, s.DB(), id, to)
			require.NoError(t, err)
			assert.True(t, applied, "transition to %s", to)
		}
	})

	t.Run("regressions are rejected", func(t *testing.T) {
		id := newSession(t, "cc-t2")
		_, err := s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleParsed)
		require.NoError(t, err)

		applied, err := s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleEnded)
		require.NoError(t, err)
		assert.False(t, applied)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleParsed, sess.Lifecycle)
	})

	t.Run("failed is reachable below summarized only", func(t *testing.T) {
		id := newSession(t, "cc-t3")
		_, err := s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleParsed)
		require.NoError(t, err)

		applied, err := s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleFailed)
		require.NoError(t, err)
		assert.True(t, applied)

		id2 := newSession(t, "cc-t4")
		_, err = s.TransitionLifecycle(ctx, s.DB(), id2, models.LifecycleSummarized)
		require.NoError(t, err)
		applied, err = s.TransitionLifecycle(ctx, s.DB(), id2, models.LifecycleFailed)
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("invalid state errors", func(t *testing.T) {
		id := newSession(t, "cc-t5")
		_, err := s.TransitionLifecycle(ctx, s.DB(), id, models.Lifecycle("bogus"))
		assert.Error(t, err)
	})
}

func TestStore_MarkSessionFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-fail",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)

	applied, err := s.MarkSessionFailed(ctx, s.DB(), id, "download exhausted: 403")
	require.NoError(t, err)
	assert.True(t, applied)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleFailed, sess.Lifecycle)
	assert.Equal(t, models.ParseFailed, sess.ParseStatus)
	assert.Equal(t, "download exhausted: 403", sess.ParseError)

	t.Run("summarized sessions are untouched", func(t *testing.T) {
		id2, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-fail-2",
			StartedAt: time.Now(), Cwd: "/w",
		})
		require.NoError(t, err)
		_, err = s.TransitionLifecycle(ctx, s.DB(), id2, models.LifecycleSummarized)
		require.NoError(t, err)

		applied, err := s.MarkSessionFailed(ctx, s.DB(), id2, "late failure")
		require.NoError(t, err)
		assert.False(t, applied)
	})
}

func TestStore_ApplyTranscriptStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-stats",
		StartedAt: time.Now(), Cwd: "/w", Model: "claude-haiku-4-5",
	})
	require.NoError(t, err)
	_, err = s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleEnded)
	require.NoError(t, err)

	err = s.ApplyTranscriptStats(ctx, s.DB(), id, TranscriptStatsParams{
		MessageCount:          10,
		UserMessageCount:      4,
		AssistantMessageCount: 6,
		ToolUseCount:          3,
		TokensIn:              1500,
		TokensOut:             800,
		CacheReadTokens:       12000,
		CostUSD:               0.042,
		DurationMs:            45000,
		Model:                 "claude-opus-4-1",
		InitialPrompt:         "fix the flaky test",
	})
	require.NoError(t, err)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.LifecycleParsed, sess.Lifecycle)
	assert.Equal(t, models.ParseCompleted, sess.ParseStatus)
	assert.Equal(t, 10, sess.MessageCount)
	assert.Equal(t, int64(1500), sess.TokensIn)
	assert.Equal(t, "claude-opus-4-1", sess.Model)
	assert.Equal(t, "fix the flaky test", sess.InitialPrompt)
	assert.Equal(t, int64(45000), sess.DurationMs)
}

func TestStore_SetSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-sum",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)
	_, err = s.TransitionLifecycle(ctx, s.DB(), id, models.LifecycleParsed)
	require.NoError(t, err)

	applied, err := s.SetSummary(ctx, s.DB(), id, "Fixed the flaky watcher test.")
	require.NoError(t, err)
	assert.True(t, applied)

	t.Run("second summary does not overwrite", func(t *testing.T) {
		applied, err := s.SetSummary(ctx, s.DB(), id, "A different summary.")
		require.NoError(t, err)
		assert.False(t, applied)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.LifecycleSummarized, sess.Lifecycle)
		assert.Equal(t, "Fixed the flaky watcher test.", sess.Summary)
	})
}

func TestStore_ReplaceTranscript(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-tr",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)

	makeRows := func(texts ...string) ([]*models.TranscriptMessage, []*models.ContentBlock) {
		var (
			msgs   []*models.TranscriptMessage
			blocks []*models.ContentBlock
		)
		for i, text := range texts {
			msgID := uuid.New().String()
			msgs = append(msgs, &models.TranscriptMessage{
				ID: msgID, SessionID: id, LineNumber: i + 1, Ordinal: i + 1,
				MessageType: models.MessageTypeUser, Role: "user",
				HasText: true, Timestamp: time.Now(),
			})
			blocks = append(blocks, &models.ContentBlock{
				ID: uuid.New().String(), MessageID: msgID, SessionID: id,
				BlockOrder: 0, BlockType: models.BlockText, ContentText: text,
			})
		}
		return msgs, blocks
	}

	replace := func(t *testing.T, msgs []*models.TranscriptMessage, blocks []*models.ContentBlock) {
		t.Helper()
		err := s.WithTx(ctx, func(tx *sql.Tx) error {
			return s.ReplaceTranscript(ctx, tx, id, msgs, blocks)
		})
		require.NoError(t, err)
	}

	t.Run("inserts messages with blocks", func(t *testing.T) {
		msgs, blocks := makeRows("hello", "world", "again")
		replace(t, msgs, blocks)

		got, err := s.ListSessionMessages(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, 1, got[0].Ordinal)
		require.Len(t, got[0].Blocks, 1)
		assert.Equal(t, "hello", got[0].Blocks[0].ContentText)
	})

	t.Run("reparse replaces prior rows", func(t *testing.T) {
		msgs, blocks := makeRows("only one")
		replace(t, msgs, blocks)

		got, err := s.ListSessionMessages(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "only one", got[0].Blocks[0].ContentText)

		n, err := s.CountSessionMessages(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("pagination respects ordinal order", func(t *testing.T) {
		msgs, blocks := makeRows("a", "b", "c", "d", "e")
		replace(t, msgs, blocks)

		page, err := s.ListSessionMessages(ctx, id, 2, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, 3, page[0].Ordinal)
		assert.Equal(t, 4, page[1].Ordinal)
	})
}

func TestStore_StreamedTranscriptInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-stream",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)

	makeBatch := func(startOrdinal, n, compactSeq int) ([]*models.TranscriptMessage, []*models.ContentBlock) {
		var (
			msgs   []*models.TranscriptMessage
			blocks []*models.ContentBlock
		)
		for i := 0; i < n; i++ {
			msgID := uuid.New().String()
			msgs = append(msgs, &models.TranscriptMessage{
				ID: msgID, SessionID: id, LineNumber: startOrdinal + i, Ordinal: startOrdinal + i,
				MessageType: models.MessageTypeUser, Role: "user",
				CompactSequence: compactSeq, HasText: true, Timestamp: time.Now(),
			})
			blocks = append(blocks, &models.ContentBlock{
				ID: uuid.New().String(), MessageID: msgID, SessionID: id,
				BlockOrder: 0, BlockType: models.BlockText, ContentText: "hi",
			})
		}
		return msgs, blocks
	}

	// Two batches inside one transaction, the way the parser streams
	// them, with a compaction cut between.
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.ClearTranscript(ctx, tx, id); err != nil {
			return err
		}
		msgs, blocks := makeBatch(1, 3, 0)
		if err := s.InsertTranscriptRows(ctx, tx, msgs, blocks); err != nil {
			return err
		}
		msgs, blocks = makeBatch(4, 2, 1)
		if err := s.InsertTranscriptRows(ctx, tx, msgs, blocks); err != nil {
			return err
		}
		return s.MarkCompactedMessages(ctx, tx, id, 1)
	})
	require.NoError(t, err)

	got, err := s.ListSessionMessages(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, m := range got {
		assert.Equal(t, i+1, m.Ordinal)
		assert.Equal(t, m.CompactSequence < 1, m.IsCompacted)
		require.Len(t, m.Blocks, 1)
	}
}

func TestStore_GitActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	id, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-git",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)

	now := time.Now().Truncate(time.Millisecond)
	err = s.InsertGitActivity(ctx, s.DB(), &models.GitActivity{
		ID: uuid.New().String(), WorkspaceID: wsID, DeviceID: deviceID,
		SessionID: id, Type: models.GitActivityCommit,
		CommitSHA: "abc1234", Message: "fix parser", Branch: "main",
		FilesChanged: 2, Insertions: 40, Deletions: 3, Timestamp: now,
	})
	require.NoError(t, err)
	require.NoError(t, s.ApplyGitActivity(ctx, s.DB(), id, 1, now))

	t.Run("orphan activity attaches later", func(t *testing.T) {
		err := s.InsertGitActivity(ctx, s.DB(), &models.GitActivity{
			ID: uuid.New().String(), WorkspaceID: wsID, DeviceID: deviceID,
			Type: models.GitActivityPush, Branch: "main", Timestamp: now,
		})
		require.NoError(t, err)

		n, err := s.AttachGitActivityToSession(ctx, s.DB(), wsID, deviceID, id,
			now.Add(-time.Hour), now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("lists newest first with counters applied", func(t *testing.T) {
		acts, err := s.ListWorkspaceGitActivity(ctx, wsID, now.Add(-time.Hour), 0)
		require.NoError(t, err)
		assert.Len(t, acts, 2)

		sess, err := s.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, sess.CommitCount)
		require.NotNil(t, sess.LastActivityAt)
	})
}

func TestStore_UpsertDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	deviceID := "dev-" + uuid.New().String()[:8]

	cameOnline, deviceType, err := s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
	require.NoError(t, err)
	assert.True(t, cameOnline, "first sighting")
	assert.Equal(t, models.DeviceTypeLocal, deviceType)

	cameOnline, deviceType, err = s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
	require.NoError(t, err)
	assert.False(t, cameOnline, "already online")
	assert.Equal(t, models.DeviceTypeLocal, deviceType)

	t.Run("offline device comes back online", func(t *testing.T) {
		_, err := s.DB().ExecContext(ctx,
			`UPDATE devices SET status = $1 WHERE id = $2`,
			models.DeviceStatusOffline, deviceID)
		require.NoError(t, err)

		cameOnline, _, err := s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
		require.NoError(t, err)
		assert.True(t, cameOnline)

		dev, err := s.GetDevice(ctx, deviceID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusOnline, dev.Status)
	})

	t.Run("last_seen_at never regresses", func(t *testing.T) {
		dev, err := s.GetDevice(ctx, deviceID)
		require.NoError(t, err)

		_, _, err = s.UpsertDevice(ctx, s.DB(), deviceID, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)

		after, err := s.GetDevice(ctx, deviceID)
		require.NoError(t, err)
		assert.False(t, after.LastSeenAt.Before(dev.LastSeenAt))
	})

	t.Run("provisioned remote device", func(t *testing.T) {
		remoteID := "rem-" + uuid.New().String()[:8]
		_, err := s.DB().ExecContext(ctx,
			`INSERT INTO devices (id, type, status, first_seen_at, last_seen_at) VALUES ($1, $2, $3, now(), now())`,
			remoteID, models.DeviceTypeRemote, models.DeviceStatusProvisioning)
		require.NoError(t, err)

		cameOnline, deviceType, err := s.UpsertDevice(ctx, s.DB(), remoteID, time.Now())
		require.NoError(t, err)
		assert.True(t, cameOnline, "provisioning counts as not online")
		assert.Equal(t, models.DeviceTypeRemote, deviceType)

		dev, err := s.GetDevice(ctx, remoteID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceStatusOnline, dev.Status)
		assert.Equal(t, models.DeviceTypeRemote, dev.Type)
	})

	t.Run("concurrent sightings of a new device fire once", func(t *testing.T) {
		freshID := "dev-" + uuid.New().String()[:8]

		const sightings = 8
		var (
			wg     sync.WaitGroup
			online atomic.Int32
			errs   = make(chan error, sightings)
		)
		for i := 0; i < sightings; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				came, _, err := s.UpsertDevice(ctx, s.DB(), freshID, time.Now())
				if err != nil {
					errs <- err
					return
				}
				if came {
					online.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), online.Load(), "one sighting observes the transition")
	})

	t.Run("concurrent sightings of an offline device fire once", func(t *testing.T) {
		_, err := s.DB().ExecContext(ctx,
			`UPDATE devices SET status = $1 WHERE id = $2`,
			models.DeviceStatusOffline, deviceID)
		require.NoError(t, err)

		const sightings = 8
		var (
			wg     sync.WaitGroup
			online atomic.Int32
			errs   = make(chan error, sightings)
		)
		for i := 0; i < sightings; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				came, _, err := s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
				if err != nil {
					errs <- err
					return
				}
				if came {
					online.Add(1)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Equal(t, int32(1), online.Load())
	})
}

func TestStore_UpsertWorkspace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertWorkspace(ctx, s.DB(), "github.com/acme/rocket", "rocket")
	require.NoError(t, err)

	t.Run("same canonical id resolves the same row", func(t *testing.T) {
		id2, err := s.UpsertWorkspace(ctx, s.DB(), "github.com/acme/rocket", "renamed")
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		ws, err := s.GetWorkspace(ctx, id1)
		require.NoError(t, err)
		assert.Equal(t, "rocket", ws.DisplayName, "display name is insert-only")
	})

	t.Run("lists with session counts", func(t *testing.T) {
		deviceID := "dev-" + uuid.New().String()[:8]
		_, _, err := s.UpsertDevice(ctx, s.DB(), deviceID, time.Now())
		require.NoError(t, err)
		_, _, err = s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: id1, DeviceID: deviceID, CCSessionID: "cc-ws",
			StartedAt: time.Now(), Cwd: "/w",
		})
		require.NoError(t, err)

		list, err := s.ListWorkspaces(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, 1, list[0].SessionCount)
		require.NotNil(t, list[0].LastSessionAt)
	})
}

func TestStore_UpsertWorkspaceDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	first := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpsertWorkspaceDevice(ctx, s.DB(), wsID, deviceID, "/home/u/rocket", first))

	// An older sighting without a path must not clear local_path or move
	// last_active_at backwards.
	require.NoError(t, s.UpsertWorkspaceDevice(ctx, s.DB(), wsID, deviceID, "", first.Add(-time.Hour)))

	var (
		localPath    string
		lastActiveAt time.Time
	)
	err := s.DB().QueryRowContext(ctx,
		`SELECT local_path, last_active_at FROM workspace_devices WHERE workspace_id = $1 AND device_id = $2`,
		wsID, deviceID).Scan(&localPath, &lastActiveAt)
	require.NoError(t, err)
	assert.Equal(t, "/home/u/rocket", localPath)
	assert.WithinDuration(t, first, lastActiveAt, time.Second)
}

func TestStore_FindStuckAndUnsummarized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	// Ended but never parsed.
	stuck, err := s.EnsureSessionForEnd(ctx, s.DB(), SessionEndParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-stuck",
		EndedAt: time.Now(), DurationMs: 100, EndReason: models.EndReasonExit,
	})
	require.NoError(t, err)

	// Parsed but never summarized.
	unsummarized, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-unsum",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)
	require.NoError(t, s.ApplyTranscriptStats(ctx, s.DB(), unsummarized, TranscriptStatsParams{MessageCount: 1}))

	// Fully summarized, should match neither query.
	done, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-done",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)
	require.NoError(t, s.ApplyTranscriptStats(ctx, s.DB(), done, TranscriptStatsParams{MessageCount: 1}))
	_, err = s.SetSummary(ctx, s.DB(), done, "done")
	require.NoError(t, err)

	t.Run("stuck finds unparsed ended sessions", func(t *testing.T) {
		ids, err := s.FindStuckSessions(ctx, time.Now().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Contains(t, ids, stuck.ID)
		assert.NotContains(t, ids, unsummarized)
		assert.NotContains(t, ids, done)
	})

	t.Run("unsummarized finds parsed sessions without summaries", func(t *testing.T) {
		ids, err := s.FindUnsummarizedSessions(ctx, 10)
		require.NoError(t, err)
		assert.Contains(t, ids, unsummarized)
		assert.NotContains(t, ids, stuck.ID)
		assert.NotContains(t, ids, done)
	})
}

func TestStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	for i, cc := range []string{"cc-l1", "cc-l2", "cc-l3"} {
		_, _, err := s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
			WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: cc,
			StartedAt: time.Now().Add(time.Duration(-i) * time.Hour), Cwd: "/w",
		})
		require.NoError(t, err)
	}
	otherWs, err := s.UpsertWorkspace(ctx, s.DB(), "github.com/acme/other", "other")
	require.NoError(t, err)
	_, _, err = s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: otherWs, DeviceID: deviceID, CCSessionID: "cc-other",
		StartedAt: time.Now(), Cwd: "/o",
	})
	require.NoError(t, err)

	t.Run("filters by workspace", func(t *testing.T) {
		sessions, err := s.ListSessions(ctx, models.SessionFilters{WorkspaceID: wsID})
		require.NoError(t, err)
		assert.Len(t, sessions, 3)
	})

	t.Run("orders newest first", func(t *testing.T) {
		sessions, err := s.ListSessions(ctx, models.SessionFilters{WorkspaceID: wsID})
		require.NoError(t, err)
		require.Len(t, sessions, 3)
		assert.Equal(t, "cc-l1", sessions[0].CCSessionID)
	})

	t.Run("filters by lifecycle", func(t *testing.T) {
		sessions, err := s.ListSessions(ctx, models.SessionFilters{Lifecycle: models.LifecycleDetected})
		require.NoError(t, err)
		assert.Len(t, sessions, 4)
	})

	t.Run("respects limit and offset", func(t *testing.T) {
		sessions, err := s.ListSessions(ctx, models.SessionFilters{WorkspaceID: wsID, Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, sessions, 1)
	})
}

func TestStore_GetTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	wsID, deviceID := seedWorkspaceDevice(t, ctx, s)

	event := &models.Event{
		ID: uuid.New().String(), Type: models.EventSessionStart,
		Timestamp: time.Now(), DeviceID: deviceID, WorkspaceID: wsID,
		Data: json.RawMessage(`{"cc_session_id":"cc-tot","cwd":"/w"}`),
	}
	_, err := s.InsertEvent(ctx, s.DB(), event)
	require.NoError(t, err)
	_, _, err = s.UpsertSessionStart(ctx, s.DB(), SessionStartParams{
		WorkspaceID: wsID, DeviceID: deviceID, CCSessionID: "cc-tot",
		StartedAt: time.Now(), Cwd: "/w",
	})
	require.NoError(t, err)

	totals, err := s.GetTotals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, totals.Workspaces)
	assert.Equal(t, 1, totals.Devices)
	assert.Equal(t, 1, totals.Sessions)
	assert.Equal(t, 1, totals.Events)
	assert.False(t, totals.OldestEvent.IsZero())
}

func TestStore_TryAdvisoryLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const key = 7231

	locked, release, err := s.TryAdvisoryLock(ctx, key)
	require.NoError(t, err)
	require.True(t, locked)

	t.Run("second acquisition fails while held", func(t *testing.T) {
		again, release2, err := s.TryAdvisoryLock(ctx, key)
		require.NoError(t, err)
		assert.False(t, again)
		if release2 != nil {
			release2()
		}
	})

	release()

	t.Run("reacquire after release", func(t *testing.T) {
		locked, release3, err := s.TryAdvisoryLock(ctx, key)
		require.NoError(t, err)
		assert.True(t, locked)
		release3()
	})
}
