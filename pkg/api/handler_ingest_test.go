package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuel-code/fuel-code/pkg/models"
)

func newIngestServer(q *fakeQueue) *Server {
	return NewServer(Options{Queue: q, APIKey: testAPIKey})
}

func postIngest(t *testing.T, s *Server, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/events/ingest", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func makeStartEvent() *models.Event {
	return &models.Event{
		ID:          uuid.New().String(),
		Type:        models.EventSessionStart,
		Timestamp:   time.Now().UTC(),
		DeviceID:    "dev-1",
		WorkspaceID: "github.com/acme/rocket",
		Data:        json.RawMessage(`{"cc_session_id":"cc-1","cwd":"/home/u/rocket"}`),
	}
}

func marshalBatch(t *testing.T, events ...*models.Event) []byte {
	t.Helper()
	body, err := json.Marshal(IngestRequest{Events: events})
	require.NoError(t, err)
	return body
}

func TestIngestHandler_AcceptsValidBatch(t *testing.T) {
	q := &fakeQueue{}
	s := newIngestServer(q)

	e1 := makeStartEvent()
	e2 := &models.Event{
		ID:          uuid.New().String(),
		Type:        models.EventGitCommit,
		Timestamp:   time.Now().UTC(),
		DeviceID:    "dev-1",
		WorkspaceID: "github.com/acme/rocket",
		Data:        json.RawMessage(`{"commit_sha":"abc1234","message":"fix parser","files_changed":2}`),
	}

	rec := postIngest(t, s, marshalBatch(t, e1, e2))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp IngestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 2, resp.Ingested)
	assert.Equal(t, 0, resp.Rejected)

	require.Equal(t, []string{e1.ID, e2.ID}, q.eventIDs())

	// The queued payload carries the ingest timestamp.
	var queued models.Event
	require.NoError(t, json.Unmarshal(q.entries[0].payload, &queued))
	assert.Equal(t, e1.ID, queued.ID)
	assert.False(t, queued.IngestedAt.IsZero())
}

func TestIngestHandler_MalformedJSON(t *testing.T) {
	s := newIngestServer(&fakeQueue{})
	rec := postIngest(t, s, []byte(`{"events": [`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestHandler_EmptyBatch(t *testing.T) {
	s := newIngestServer(&fakeQueue{})
	rec := postIngest(t, s, []byte(`{"events": []}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp IngestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 0, resp.Ingested)
	assert.Equal(t, 0, resp.Rejected)
}

func TestIngestHandler_RejectsInvalidEvents(t *testing.T) {
	q := &fakeQueue{}
	s := newIngestServer(q)

	valid := makeStartEvent()
	invalid := makeStartEvent()
	invalid.Data = json.RawMessage(`{}`)

	rec := postIngest(t, s, marshalBatch(t, invalid, valid))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp IngestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Ingested)
	assert.Equal(t, 1, resp.Rejected)
	assert.Equal(t, []string{valid.ID}, q.eventIDs())
}

func TestIngestHandler_RejectsDuplicateIDsInBatch(t *testing.T) {
	q := &fakeQueue{}
	s := newIngestServer(q)

	e := makeStartEvent()
	dup := *e

	rec := postIngest(t, s, marshalBatch(t, e, &dup))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp IngestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Ingested)
	assert.Equal(t, 1, resp.Rejected)
	assert.Len(t, q.eventIDs(), 1)
}

func TestIngestHandler_QueueFailureCountsRejected(t *testing.T) {
	q := &fakeQueue{appendErr: errors.New("redis connection refused")}
	s := newIngestServer(q)

	rec := postIngest(t, s, marshalBatch(t, makeStartEvent()))
	require.Equal(t, http.StatusAccepted, rec.Code, "enqueue failures degrade, never 5xx")

	var resp IngestResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 0, resp.Ingested)
	assert.Equal(t, 1, resp.Rejected)
}

func TestIngestHandler_OversizedBody(t *testing.T) {
	s := newIngestServer(&fakeQueue{})

	pad := strings.Repeat("x", maxBodyBytes+1)
	body := []byte(`{"events": [], "pad": "` + pad + `"}`)
	rec := postIngest(t, s, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
