package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/database"
	"github.com/fuel-code/fuel-code/pkg/version"
)

const (
	healthStatusOK          = "ok"
	healthStatusUnavailable = "unavailable"
)

// healthHandler handles GET /health. Unauthenticated; checks only the
// server's own dependencies (database, queue) so orchestrators restart it
// exactly when one of those is down.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusOK

	pool, err := database.CheckHealth(reqCtx, s.store.DB())
	if err != nil {
		status = healthStatusUnavailable
		checks["db"] = HealthCheck{
			Status:    healthStatusUnavailable,
			Message:   err.Error(),
			LatencyMS: pool.LatencyMS,
		}
		slog.Warn("Database health probe failed",
			"error", err,
			"latency_ms", pool.LatencyMS,
			"conns_in_use", pool.InUse,
			"conns_max", pool.MaxOpen,
			"wait_count", pool.WaitCount)
	} else {
		checks["db"] = HealthCheck{Status: healthStatusOK, LatencyMS: pool.LatencyMS}
	}

	qStart := time.Now()
	if err := s.queue.Ping(reqCtx); err != nil {
		status = healthStatusUnavailable
		checks["queue"] = HealthCheck{
			Status:    healthStatusUnavailable,
			Message:   err.Error(),
			LatencyMS: time.Since(qStart).Milliseconds(),
		}
	} else {
		checks["queue"] = HealthCheck{Status: healthStatusOK, LatencyMS: time.Since(qStart).Milliseconds()}
	}

	httpStatus := http.StatusOK
	if status != healthStatusOK {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.Commit(),
		Checks:  checks,
	})
}
