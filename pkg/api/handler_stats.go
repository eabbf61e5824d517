package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// statsHandler handles GET /stats.
func (s *Server) statsHandler(c *echo.Context) error {
	totals, err := s.store.GetTotals(c.Request().Context())
	if err != nil {
		return mapStoreError(err)
	}
	return c.JSON(http.StatusOK, totals)
}
