package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/fuel-code/fuel-code/pkg/models"
)

// IngestRequest is the body of POST /events/ingest.
type IngestRequest struct {
	Events []*models.Event `json:"events"`
}

// ingestHandler handles POST /events/ingest. Events are validated and
// appended to the stream queue; persistence happens asynchronously in the
// consumer. The 202 contract holds even when individual events are
// rejected: the response counts tell the client what was accepted.
func (s *Server) ingestHandler(c *echo.Context) error {
	// 1. Decode the batch.
	var req IngestRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "malformed JSON body")
	}
	if len(req.Events) == 0 {
		return c.JSON(http.StatusAccepted, &IngestResponse{})
	}

	// 2. Validate and enqueue each event. A duplicate id within the batch
	// counts as rejected; cross-batch duplicates are caught downstream by
	// the event store's insert-once semantics.
	var (
		ingested int
		rejected int
		seen     = make(map[string]struct{}, len(req.Events))
		now      = time.Now().UTC()
	)
	for _, e := range req.Events {
		if e == nil {
			rejected++
			continue
		}
		if err := models.ValidateEvent(e); err != nil {
			slog.Warn("Rejecting invalid event", "event_id", e.ID, "type", e.Type, "error", err)
			rejected++
			continue
		}
		if _, dup := seen[e.ID]; dup {
			rejected++
			continue
		}
		seen[e.ID] = struct{}{}

		e.IngestedAt = now
		payload, err := json.Marshal(e)
		if err != nil {
			slog.Warn("Rejecting unmarshalable event", "event_id", e.ID, "error", err)
			rejected++
			continue
		}
		if _, err := s.queue.Append(c.Request().Context(), e.ID, payload); err != nil {
			slog.Warn("Failed to enqueue event", "event_id", e.ID, "error", err)
			rejected++
			continue
		}
		ingested++
	}

	// 3. Accepted: the events are durable in the queue, not yet in the store.
	return c.JSON(http.StatusAccepted, &IngestResponse{
		Ingested: ingested,
		Rejected: rejected,
	})
}
