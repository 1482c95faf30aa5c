package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbaseincubator/kbase-security-dashboard/internal/model"
)

type fakeController struct {
	last    model.ETLResult
	next    time.Time
	started bool
}

func (f *fakeController) LastResult() model.ETLResult { return f.last }
func (f *fakeController) NextRun() time.Time          { return f.next }
func (f *fakeController) RunNow() bool                { return f.started }

func serve(t *testing.T, ctrl *fakeController, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	router := NewRouter(ctrl, logger)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	rec := serve(t, &fakeController{}, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok"}, decode(t, rec))
}

func TestLastResult(t *testing.T) {
	t.Run("no run yet", func(t *testing.T) {
		rec := serve(t, &fakeController{}, http.MethodGet, "/v1/etl/last_result")

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Nil(t, body["time_complete"])
		assert.Nil(t, body["error"])
	})

	t.Run("successful run", func(t *testing.T) {
		done := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
		ctrl := &fakeController{last: model.ETLResult{TimeComplete: &done}}

		rec := serve(t, ctrl, http.MethodGet, "/v1/etl/last_result")

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "2024-03-02T09:00:00Z", body["time_complete"])
		assert.Nil(t, body["error"])
	})

	t.Run("failed run reports 500", func(t *testing.T) {
		done := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
		ctrl := &fakeController{last: model.ETLResult{
			TimeComplete: &done,
			Error:        "codecov: list commits: 502",
		}}

		rec := serve(t, ctrl, http.MethodGet, "/v1/etl/last_result")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "codecov: list commits: 502", body["error"])
	})
}

func TestNextRun(t *testing.T) {
	next := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	rec := serve(t, &fakeController{next: next}, http.MethodGet, "/v1/etl/next_run")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2024-03-03T00:00:00Z", decode(t, rec)["next_run"])
}

func TestEnqueueRun(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		rec := serve(t, &fakeController{started: true}, http.MethodPost, "/v1/etl/run")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "run enqueued", decode(t, rec)["status"])
	})

	t.Run("conflict while a run is in flight", func(t *testing.T) {
		rec := serve(t, &fakeController{started: false}, http.MethodPost, "/v1/etl/run")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "An ETL run is already in progress", decode(t, rec)["error"])
	})
}
