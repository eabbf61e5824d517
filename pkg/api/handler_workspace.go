package api

import (
	"net/http"
	"strconv"
	"time"

	echo "github.com/labstack/echo/v5"
)

// activityWindow is how far back /workspaces/:id/activity reaches.
const activityWindow = 30 * 24 * time.Hour

// listWorkspacesHandler handles GET /workspaces.
func (s *Server) listWorkspacesHandler(c *echo.Context) error {
	workspaces, err := s.store.ListWorkspaces(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &WorkspaceListResponse{
		Workspaces: workspaces,
		Count:      len(workspaces),
	})
}

// workspaceActivityHandler handles GET /workspaces/:id/activity.
func (s *Server) workspaceActivityHandler(c *echo.Context) error {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return mapStoreError(err)
	}

	since := time.Now().Add(-activityWindow)
	activity, err := s.store.ListWorkspaceGitActivity(ctx, workspaceID, since, limit)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &ActivityResponse{
		WorkspaceID: workspaceID,
		Activity:    activity,
		Count:       len(activity),
	})
}

// workspaceEventsHandler handles GET /workspaces/:id/events. Raw event
// envelopes, newest first; the parsed views live under /sessions.
func (s *Server) workspaceEventsHandler(c *echo.Context) error {
	workspaceID := c.Param("id")
	if workspaceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workspace id is required")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	ctx := c.Request().Context()
	if _, err := s.store.GetWorkspace(ctx, workspaceID); err != nil {
		return mapStoreError(err)
	}

	events, err := s.store.ListWorkspaceEvents(ctx, workspaceID, limit)
	if err != nil {
		return mapStoreError(err)
	}

	return c.JSON(http.StatusOK, &EventsResponse{
		WorkspaceID: workspaceID,
		Events:      events,
		Count:       len(events),
	})
}
