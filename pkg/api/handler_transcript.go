package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/blob"
	"github.com/fuel-code/fuel-code/pkg/models"
)

// uploadTranscriptHandler handles POST /sessions/:id/transcript/upload.
// The body is streamed straight to the object store; parsing happens
// asynchronously in the pipeline. Re-uploads are idempotent: once a session
// has a transcript key the original is kept and the handler returns 200.
func (s *Server) uploadTranscriptHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.blobs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "transcript storage not configured")
	}

	ctx := c.Request().Context()

	// 1. Resolve the session.
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	if sess.TranscriptS3Key != "" {
		return c.JSON(http.StatusOK, &UploadResponse{
			Status: "already_uploaded",
			S3Key:  sess.TranscriptS3Key,
		})
	}

	// 2. Content-Length is required; the object store needs the size up
	// front and chunked uploads are not supported.
	length := c.Request().ContentLength
	if length <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Content-Length is required")
	}

	// 3. Stream the body to the object store under the canonical key.
	ws, err := s.store.GetWorkspace(ctx, sess.WorkspaceID)
	if err != nil {
		return mapStoreError(err)
	}
	key := blob.TranscriptKey(ws.CanonicalID, sess.ID)
	if err := s.blobs.Put(ctx, key, c.Request().Body, length); err != nil {
		slog.Error("Transcript upload failed", "session_id", sess.ID, "key", key, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "failed to store transcript")
	}

	// 4. Record the key; a session still running moves to capturing.
	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.SetTranscriptKey(ctx, tx, sess.ID, key); err != nil {
			return err
		}
		if sess.Lifecycle.Ordinal() < models.LifecycleEnded.Ordinal() {
			if _, err := s.store.TransitionLifecycle(ctx, tx, sess.ID, models.LifecycleCapturing); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return mapStoreError(err)
	}

	// 5. Ended sessions go straight to the parse pipeline. Sessions still
	// running are picked up when their session.end arrives.
	triggered := false
	if sess.Lifecycle.Ordinal() >= models.LifecycleEnded.Ordinal() && s.pipeline != nil {
		triggered = s.pipeline.Enqueue(sess.ID)
	}

	slog.Info("Transcript uploaded",
		"session_id", sess.ID,
		"key", key,
		"bytes", length,
		"pipeline_triggered", triggered)

	return c.JSON(http.StatusAccepted, &UploadResponse{
		Status:            "uploaded",
		S3Key:             key,
		PipelineTriggered: triggered,
	})
}
