package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/store"
)

// mapStoreError maps storage-layer errors to HTTP error responses. Anything
// that is not a known not-found condition is treated as the store being
// unavailable.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, store.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	slog.Error("Storage error", "error", err)
	return echo.NewHTTPError(http.StatusServiceUnavailable, "storage unavailable")
}
