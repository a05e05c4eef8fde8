// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipearr/pipearr/internal/pipeline/model"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/scheduler"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	orc := orchestrator.New(st)
	return New(orc, st, nil, Config{}), orc, st
}

func movieBody() []byte {
	b, _ := json.Marshal(createRequestBody{
		MediaType: "movie",
		CatalogID: 603,
		Title:     "The Matrix",
		Year:      1999,
		Targets:   []model.Target{{ServerID: "srv-1", ServerName: "main"}},
	})
	return b
}

func createMovie(t *testing.T, orc *orchestrator.Orchestrator) (*model.Request, model.Item) {
	t.Helper()
	req, items, err := orc.CreateRequest(context.Background(), orchestrator.NewRequest{
		MediaType: model.MediaTypeMovie,
		CatalogID: 603,
		Title:     "The Matrix",
		Year:      1999,
		Targets:   []model.Target{{ServerID: "srv-1", ServerName: "main"}},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return req, items[0]
}

func TestHealthProbes(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetRequest(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", bytes.NewReader(movieBody())))
	require.Equal(t, http.StatusCreated, rec.Code)

	var created requestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotNil(t, created.Request)
	require.Len(t, created.Items, 1)
	assert.Equal(t, model.StatusPending, created.Items[0].Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+created.Request.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched requestResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&fetched))
	assert.Equal(t, created.Request.ID, fetched.Request.ID)
	assert.Len(t, fetched.Items, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/requests/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRequestValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	h := s.Handler()

	body, _ := json.Marshal(createRequestBody{MediaType: "movie", Year: 1999})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/requests", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "invalid_request", resp.Error)
	assert.Contains(t, resp.Detail, "title is required")
}

func TestRetryItem(t *testing.T) {
	s, orc, st := newTestServer(t)
	h := s.Handler()
	_, item := createMovie(t, orc)

	// A pending item is not retryable.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/items/"+item.ID+"/retry", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	_, err := st.UpdateItem(context.Background(), item.ID, func(it *model.Item) error {
		it.Status = model.StatusFailed
		it.Attempts = 5
		return nil
	})
	require.NoError(t, err)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/items/"+item.ID+"/retry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Item
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/items/missing/retry", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelItem(t *testing.T) {
	s, orc, st := newTestServer(t)
	h := s.Handler()
	_, item := createMovie(t, orc)

	body := bytes.NewReader([]byte(`{"reason":"no longer wanted"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/items/"+item.ID+"/cancel", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.Item
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, model.StatusCancelled, got.Status)

	// Completed items are out of reach.
	_, other := createMovie(t, orc)
	_, err := st.UpdateItem(context.Background(), other.ID, func(it *model.Item) error {
		it.Status = model.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/items/"+other.ID+"/cancel", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type staticScheduler []scheduler.TaskStatus

func (s staticScheduler) Snapshot() []scheduler.TaskStatus { return s }

func TestStatusEndpoint(t *testing.T) {
	st := store.NewMemory()
	orc := orchestrator.New(st)
	sched := staticScheduler{{ID: "search", Label: "indexer search", Interval: 30 * time.Second, Runs: 4}}
	s := New(orc, st, sched, Config{})
	h := s.Handler()
	createMovie(t, orc)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Items["pending"])
	assert.Equal(t, 0, resp.Items["completed"])
	require.Len(t, resp.Scheduler, 1)
	assert.Equal(t, "search", resp.Scheduler[0].ID)
	assert.Equal(t, uint64(4), resp.Scheduler[0].Runs)
}

func TestRateLimitReturns429(t *testing.T) {
	st := store.NewMemory()
	orc := orchestrator.New(st)
	s := New(orc, st, nil, Config{RateLimit: 2, RateWindow: time.Minute})
	h := s.Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		h.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.NotEmpty(t, last.Header().Get("Retry-After"))
}
