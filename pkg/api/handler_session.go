package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// listSessionsHandler handles GET /sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	var filters models.SessionFilters

	filters.WorkspaceID = c.QueryParam("workspace_id")
	filters.DeviceID = c.QueryParam("device_id")

	if v := c.QueryParam("lifecycle"); v != "" {
		lc := models.Lifecycle(v)
		if !lc.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid lifecycle: "+v)
		}
		filters.Lifecycle = lc
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filters.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		filters.Offset = n
	}

	sessions, err := s.store.ListSessions(c.Request().Context(), filters)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &SessionListResponse{
		Sessions: sessions,
		Count:    len(sessions),
	})
}

// getSessionHandler handles GET /sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	ctx := c.Request().Context()
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}
	count, err := s.store.CountSessionMessages(ctx, sessionID)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &SessionDetail{
		Session:            sess,
		ParsedMessageCount: count,
	})
}

// sessionMessagesHandler handles GET /sessions/:id/messages.
func (s *Server) sessionMessagesHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	limit, offset := 0, 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid offset")
		}
		offset = n
	}

	ctx := c.Request().Context()

	// A 404 for unknown sessions beats an empty page.
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return mapStoreError(err)
	}

	msgs, err := s.store.ListSessionMessages(ctx, sessionID, limit, offset)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &MessagesResponse{
		SessionID: sessionID,
		Messages:  msgs,
		Count:     len(msgs),
	})
}
